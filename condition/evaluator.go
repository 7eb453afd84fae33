package condition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flowflex/stagecondition/rules"
)

// Dependencies are the collaborators an Evaluator reads from.
type Dependencies struct {
	Conditions ConditionStore
	Stages     StageOrdering
	Data       ComponentData
	Instances  InstanceStore
}

// Evaluator decides whether a completed stage's condition is met and where
// the workflow goes next. One evaluator serves one tenant and is safe for
// concurrent use.
type Evaluator struct {
	tenantID   string
	conditions ConditionStore
	instances  InstanceStore
	assembler  *Assembler
	resolver   *Resolver
	executor   *rules.Executor
	guard      *Guard
	logger     *slog.Logger
	onDegraded func(ErrorKind)
}

type evaluatorOptions struct {
	logger     *slog.Logger
	policy     LockPolicy
	onDegraded func(ErrorKind)
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*evaluatorOptions)

// WithLogger sets the evaluator's logger.
func WithLogger(logger *slog.Logger) EvaluatorOption {
	return func(o *evaluatorOptions) { o.logger = logger }
}

// WithLockPolicy overrides DefaultLockPolicy.
func WithLockPolicy(policy LockPolicy) EvaluatorOption {
	return func(o *evaluatorOptions) { o.policy = policy }
}

// WithDegradedHook registers a callback invoked whenever an evaluation
// falls back to a degraded result, and once for every data domain that
// was replaced by its default.
func WithDegradedHook(fn func(ErrorKind)) EvaluatorOption {
	return func(o *evaluatorOptions) { o.onDegraded = fn }
}

// NewEvaluator creates an evaluator for one tenant.
func NewEvaluator(tenantID string, deps Dependencies, executor *rules.Executor, opts ...EvaluatorOption) (*Evaluator, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id is required")
	}
	if deps.Conditions == nil || deps.Stages == nil || deps.Data == nil || deps.Instances == nil {
		return nil, errors.New("all evaluator dependencies are required")
	}
	if executor == nil {
		return nil, errors.New("rule executor is required")
	}

	o := evaluatorOptions{policy: DefaultLockPolicy()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if err := o.policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid lock policy: %w", err)
	}

	logger := o.logger.With("tenant_id", tenantID)
	assembler := NewAssembler(deps.Data, logger)
	assembler.onDegraded = o.onDegraded
	return &Evaluator{
		tenantID:   tenantID,
		conditions: deps.Conditions,
		instances:  deps.Instances,
		assembler:  assembler,
		resolver:   NewResolver(deps.Stages),
		executor:   executor,
		guard:      NewGuard(deps.Instances, o.policy, logger),
		logger:     logger,
		onDegraded: o.onDegraded,
	}, nil
}

// TenantID returns the tenant this evaluator serves.
func (e *Evaluator) TenantID() string {
	return e.tenantID
}

// Executor returns the rule executor, for document validation.
func (e *Evaluator) Executor() *rules.Executor {
	return e.executor
}

// EvaluateCondition evaluates without taking the instance lock. It is
// meant for previews; concurrent triggers must use
// EvaluateConditionWithLock.
//
// Every expected failure yields a result with ErrorMessage set. The error
// is non-nil only when ctx is done.
func (e *Evaluator) EvaluateCondition(ctx context.Context, instanceID, stageID string) (*ConditionEvaluationResult, error) {
	logger := e.evaluationLogger(instanceID, stageID, false)

	result, err := e.evaluate(ctx, logger, instanceID, stageID)
	if err != nil {
		return e.degrade(ctx, logger, stageID, err)
	}
	e.logOutcome(ctx, logger, result)
	return result, nil
}

// EvaluateConditionWithLock evaluates while holding the exclusive lock on
// the instance, so that concurrent triggers for one instance are
// serialised. The instance must exist and be valid, and the stage must not
// already be completed on it; a repeated trigger for a completed stage
// gets a degraded result pointing at the sequential next stage.
//
// If anything fails inside the locked section the result falls back to
// the sequential next stage, looked up without the lock, and carries the
// failure in ErrorMessage. The error is non-nil only when ctx is done.
func (e *Evaluator) EvaluateConditionWithLock(ctx context.Context, instanceID, stageID string) (*ConditionEvaluationResult, error) {
	logger := e.evaluationLogger(instanceID, stageID, true)

	var result *ConditionEvaluationResult
	err := e.guard.Do(ctx, instanceID, e.tenantID, func(ctx context.Context, inst *Instance) error {
		if inst == nil || !inst.IsValid {
			return notFoundError("load instance", fmt.Errorf("%w: %s is not valid", ErrInstanceNotFound, instanceID))
		}
		if inst.StageCompleted(stageID) {
			return alreadyCompletedError(stageID)
		}
		r, err := e.evaluate(ctx, logger, instanceID, stageID)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return e.degrade(ctx, logger, stageID, err)
	}

	e.logOutcome(ctx, logger, result)
	return result, nil
}

// EvaluateConditionByCaseCode resolves the instance by its case code and
// then behaves like EvaluateCondition.
func (e *Evaluator) EvaluateConditionByCaseCode(ctx context.Context, caseCode, stageID string) (*ConditionEvaluationResult, error) {
	inst, err := e.instances.GetInstanceByCaseCode(ctx, caseCode, e.tenantID)
	if err == nil && inst == nil {
		err = ErrInstanceNotFound
	}
	if err != nil {
		logger := e.evaluationLogger("", stageID, false).With("case_code", caseCode)
		if errors.Is(err, ErrInstanceNotFound) {
			err = notFoundError("load instance by case code", err)
		} else {
			err = infraError("load instance by case code", err)
		}
		return e.degrade(ctx, logger, stageID, err)
	}
	return e.EvaluateCondition(ctx, inst.ID, stageID)
}

// evaluate runs condition lookup, input assembly, rule execution and
// transition resolution. A malformed document is not an error here; it
// produces a normal result.
func (e *Evaluator) evaluate(ctx context.Context, logger *slog.Logger, instanceID, stageID string) (*ConditionEvaluationResult, error) {
	cond, err := e.conditions.GetActiveConditionForStage(ctx, stageID, e.tenantID)
	if err != nil {
		return nil, infraError("load condition", err)
	}

	if !cond.Participates() {
		logger.DebugContext(ctx, "no participating condition for stage")
		result, err := e.resolver.NoCondition(ctx, stageID, e.tenantID)
		if err != nil {
			return nil, infraError("resolve next stage", err)
		}
		return result, nil
	}

	input := e.assembler.Assemble(ctx, instanceID, stageID)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	details, err := e.executor.Execute(ctx, cond.RulesDocument, input.Facts())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if rules.IsParseError(err) {
			logger.WarnContext(ctx, "condition rules document is malformed",
				"condition_id", cond.ID,
				"kind", KindParse.String(),
				"error", err,
			)
			result, rerr := e.resolver.Malformed(ctx, cond, stageID, e.tenantID, err)
			if rerr != nil {
				return nil, infraError("resolve next stage", rerr)
			}
			return result, nil
		}
		return nil, infraError("execute rules", err)
	}

	if len(details) == 0 {
		logger.WarnContext(ctx, "condition has no rules and is never met", "condition_id", cond.ID)
	}

	result, err := e.resolver.Resolve(ctx, cond, stageID, e.tenantID, details)
	if err != nil {
		return nil, infraError("resolve next stage", err)
	}
	return result, nil
}

// degrade builds the fallback result for a failed evaluation: not met,
// the failure in ErrorMessage and a best-effort sequential next stage.
func (e *Evaluator) degrade(ctx context.Context, logger *slog.Logger, stageID string, cause error) (*ConditionEvaluationResult, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	kind := KindOf(cause)
	level := slog.LevelError
	if kind == KindAlreadyCompleted {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "condition evaluation degraded",
		"kind", kind.String(),
		"error", cause,
	)
	if e.onDegraded != nil {
		e.onDegraded(kind)
	}

	next, err := e.resolver.SequentialNext(ctx, stageID, e.tenantID)
	if err != nil {
		logger.WarnContext(ctx, "sequential next stage lookup failed", "error", err)
		next = ""
	}

	return &ConditionEvaluationResult{
		NextStageID:  next,
		ErrorMessage: cause.Error(),
		RuleResults: []rules.RuleEvaluationDetail{{
			RuleName:     EvaluationErrorRuleName,
			IsSuccess:    false,
			ErrorMessage: cause.Error(),
		}},
	}, nil
}

func (e *Evaluator) evaluationLogger(instanceID, stageID string, locked bool) *slog.Logger {
	return e.logger.With(
		"evaluation_id", uuid.NewString(),
		"instance_id", instanceID,
		"stage_id", stageID,
		"locked", locked,
	)
}

func (e *Evaluator) logOutcome(ctx context.Context, logger *slog.Logger, result *ConditionEvaluationResult) {
	logger.InfoContext(ctx, "condition evaluated",
		"condition_id", result.ConditionID,
		"met", result.IsConditionMet,
		"next_stage_id", result.NextStageID,
		"rules", len(result.RuleResults),
		"error_message", result.ErrorMessage,
	)
}
