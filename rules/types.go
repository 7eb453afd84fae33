package rules

import "strings"

// DefaultWorkflowName is used when a document omits the workflow name and
// for documents converted from the frontend rule format.
const DefaultWorkflowName = "StageCondition"

// Rule is a single named boolean expression inside a workflow.
type Rule struct {
	RuleName   string `json:"ruleName"`
	Expression string `json:"expression"`
}

// Workflow is an ordered list of rules. Only the first workflow of a
// document is ever executed.
type Workflow struct {
	WorkflowName string `json:"workflowName"`
	Rules        []Rule `json:"rules"`
}

// Document is the parsed form of a condition's rules document.
type Document struct {
	Workflows []Workflow

	// Converted is set when the source used the frontend
	// {"logic": ..., "rules": [...]} format.
	Converted bool

	// Skipped lists frontend rules dropped during conversion because their
	// field path or value was rejected.
	Skipped []SkippedRule
}

// Primary returns the workflow that is executed.
func (d *Document) Primary() *Workflow {
	if d == nil || len(d.Workflows) == 0 {
		return nil
	}
	return &d.Workflows[0]
}

// Name returns the workflow name, falling back to DefaultWorkflowName.
func (w *Workflow) Name() string {
	if strings.TrimSpace(w.WorkflowName) == "" {
		return DefaultWorkflowName
	}
	return w.WorkflowName
}

// RuleEvaluationDetail is the diagnostic outcome of one rule.
type RuleEvaluationDetail struct {
	RuleName     string `json:"ruleName"`
	IsSuccess    bool   `json:"isSuccess"`
	Expression   string `json:"expression"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// AllSucceeded reports whether every detail succeeded. An empty list is
// never considered successful.
func AllSucceeded(details []RuleEvaluationDetail) bool {
	if len(details) == 0 {
		return false
	}
	for _, d := range details {
		if !d.IsSuccess {
			return false
		}
	}
	return true
}
