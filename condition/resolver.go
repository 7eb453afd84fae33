package condition

import (
	"context"
	"fmt"

	"github.com/flowflex/stagecondition/rules"
)

// Resolver turns rule outcomes into a transition decision.
type Resolver struct {
	stages StageOrdering
}

// NewResolver creates a resolver over the given stage ordering.
func NewResolver(stages StageOrdering) *Resolver {
	return &Resolver{stages: stages}
}

// SequentialNext returns the id of the stage that follows stageID in its
// workflow, or "" when the stage is unknown or is the last one.
func (r *Resolver) SequentialNext(ctx context.Context, stageID, tenantID string) (string, error) {
	current, err := r.stages.GetStage(ctx, stageID, tenantID)
	if err != nil {
		return "", fmt.Errorf("failed to load stage %s: %w", stageID, err)
	}
	if current == nil {
		return "", nil
	}

	next, err := r.stages.NextStageAfter(ctx, current.WorkflowID, current.Order, tenantID)
	if err != nil {
		return "", fmt.Errorf("failed to load stage after %s: %w", stageID, err)
	}
	if next == nil {
		return "", nil
	}
	return next.ID, nil
}

// Resolve applies the transition table to an executed condition:
// all rules passing means the condition is met and the stage's own
// actions decide where to go, otherwise the fallback stage wins over the
// sequential next stage.
func (r *Resolver) Resolve(ctx context.Context, cond *Condition, stageID, tenantID string, details []rules.RuleEvaluationDetail) (*ConditionEvaluationResult, error) {
	result := &ConditionEvaluationResult{
		RuleResults:   details,
		ConditionID:   cond.ID,
		ConditionName: cond.Name,
	}

	if rules.AllSucceeded(details) {
		result.IsConditionMet = true
		return result, nil
	}

	if cond.FallbackStageID != "" {
		result.NextStageID = cond.FallbackStageID
		return result, nil
	}

	next, err := r.SequentialNext(ctx, stageID, tenantID)
	if err != nil {
		return nil, err
	}
	result.NextStageID = next
	return result, nil
}

// NoCondition builds the result for a stage without a participating
// condition.
func (r *Resolver) NoCondition(ctx context.Context, stageID, tenantID string) (*ConditionEvaluationResult, error) {
	next, err := r.SequentialNext(ctx, stageID, tenantID)
	if err != nil {
		return nil, err
	}
	return &ConditionEvaluationResult{
		NextStageID: next,
		RuleResults: []rules.RuleEvaluationDetail{},
	}, nil
}

// Malformed builds the result for a condition whose rules document does
// not parse.
func (r *Resolver) Malformed(ctx context.Context, cond *Condition, stageID, tenantID string, parseErr error) (*ConditionEvaluationResult, error) {
	next, err := r.SequentialNext(ctx, stageID, tenantID)
	if err != nil {
		return nil, err
	}
	return &ConditionEvaluationResult{
		NextStageID:   next,
		ErrorMessage:  parseErr.Error(),
		ConditionID:   cond.ID,
		ConditionName: cond.Name,
		RuleResults: []rules.RuleEvaluationDetail{{
			RuleName:     RulesDocumentRuleName,
			IsSuccess:    false,
			ErrorMessage: parseErr.Error(),
		}},
	}, nil
}

// Synthetic rule names used in degraded results.
const (
	RulesDocumentRuleName   = "RulesDocument"
	EvaluationErrorRuleName = "EvaluationError"
)
