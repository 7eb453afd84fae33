package condition

import (
	"time"

	"github.com/flowflex/stagecondition/rules"
)

// ConditionStatus is the authoring state of a stage condition.
type ConditionStatus string

const (
	StatusDraft   ConditionStatus = "Draft"
	StatusValid   ConditionStatus = "Valid"
	StatusInvalid ConditionStatus = "Invalid"
)

// DefaultComponentStatus is reported for a checklist or questionnaire that
// has no recorded progress.
const DefaultComponentStatus = "Pending"

// Condition attaches a rules document to a stage.
type Condition struct {
	ID              string          `json:"id"`
	StageID         string          `json:"stageId"`
	TenantID        string          `json:"tenantId"`
	Name            string          `json:"name"`
	RulesDocument   string          `json:"rulesJson"`
	IsActive        bool            `json:"isActive"`
	Status          ConditionStatus `json:"status"`
	FallbackStageID string          `json:"fallbackStageId,omitempty"`
}

// Participates reports whether the condition takes part in evaluation.
// Inactive or non-valid conditions behave as if no condition existed.
func (c *Condition) Participates() bool {
	return c != nil && c.IsActive && c.Status == StatusValid
}

// Stage is a step of a workflow definition.
type Stage struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflowId"`
	TenantID   string `json:"tenantId"`
	Name       string `json:"name"`
	Order      int    `json:"order"`
	IsActive   bool   `json:"isActive"`
	IsValid    bool   `json:"isValid"`
}

// Instance is a running workflow case, such as one onboarding.
type Instance struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	WorkflowID     string          `json:"workflowId"`
	CaseCode       string          `json:"caseCode"`
	CurrentStageID string          `json:"currentStageId"`
	IsValid        bool            `json:"isValid"`
	Fields         map[string]any  `json:"fields,omitempty"`
	StagesProgress []StageProgress `json:"stagesProgress,omitempty"`
}

// StageProgress records how far an instance got on one stage.
type StageProgress struct {
	StageID     string     `json:"stageId"`
	IsCompleted bool       `json:"isCompleted"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// StageCompleted reports whether stageID is marked completed on the
// instance.
func (i *Instance) StageCompleted(stageID string) bool {
	for _, p := range i.StagesProgress {
		if p.StageID == stageID && p.IsCompleted {
			return true
		}
	}
	return false
}

// TaskStatus is the completion state of one checklist task.
type TaskStatus struct {
	ChecklistID     string
	TaskID          string
	Name            string
	IsCompleted     bool
	CompletionNotes string
}

// ChecklistData summarises checklist progress for an instance on a stage.
type ChecklistData struct {
	Status         string
	CompletedCount int
	TotalCount     int
	Tasks          []TaskStatus
}

// CompletionPercentage is completed/total*100, or 0 when there are no
// tasks.
func (c ChecklistData) CompletionPercentage() float64 {
	if c.TotalCount <= 0 {
		return 0
	}
	return float64(c.CompletedCount) / float64(c.TotalCount) * 100
}

// QuestionnaireData summarises questionnaire answers for an instance on a
// stage. Answers is keyed by questionnaire id, then question id.
type QuestionnaireData struct {
	Status     string
	TotalScore *float64
	Answers    map[string]map[string]any
}

// AttachmentData summarises files uploaded for an instance on a stage.
type AttachmentData struct {
	FileCount int
	TotalSize int64
	FileNames []string
}

// HasAttachment reports whether at least one file exists.
func (a AttachmentData) HasAttachment() bool {
	return a.FileCount > 0
}

// DefaultChecklist is substituted when checklist data cannot be loaded.
func DefaultChecklist() ChecklistData {
	return ChecklistData{Status: DefaultComponentStatus}
}

// DefaultQuestionnaire is substituted when questionnaire data cannot be
// loaded.
func DefaultQuestionnaire() QuestionnaireData {
	return QuestionnaireData{Status: DefaultComponentStatus}
}

// EvaluationInput is the fact set a rules document is evaluated against.
// It is built fresh for every evaluation.
type EvaluationInput struct {
	Checklist     ChecklistData
	Questionnaire QuestionnaireData
	Attachments   AttachmentData
	Fields        map[string]any
}

// Facts projects the input into the map exposed to expressions as input.
func (in *EvaluationInput) Facts() map[string]any {
	tasks := make(map[string]any)
	for _, t := range in.Checklist.Tasks {
		byChecklist, ok := tasks[t.ChecklistID].(map[string]any)
		if !ok {
			byChecklist = make(map[string]any)
			tasks[t.ChecklistID] = byChecklist
		}
		var notes any
		if t.CompletionNotes != "" {
			notes = t.CompletionNotes
		}
		byChecklist[t.TaskID] = map[string]any{
			"isCompleted":     t.IsCompleted,
			"name":            t.Name,
			"completionNotes": notes,
		}
	}

	answers := make(map[string]any, len(in.Questionnaire.Answers))
	for qid, byQuestion := range in.Questionnaire.Answers {
		m := make(map[string]any, len(byQuestion))
		for k, v := range byQuestion {
			m[k] = v
		}
		answers[qid] = m
	}

	var totalScore any
	if in.Questionnaire.TotalScore != nil {
		totalScore = *in.Questionnaire.TotalScore
	}

	fileNames := make([]any, len(in.Attachments.FileNames))
	for i, n := range in.Attachments.FileNames {
		fileNames[i] = n
	}

	fields := in.Fields
	if fields == nil {
		fields = map[string]any{}
	}

	return map[string]any{
		"checklist": map[string]any{
			"status":               in.Checklist.Status,
			"completedCount":       in.Checklist.CompletedCount,
			"totalCount":           in.Checklist.TotalCount,
			"completionPercentage": in.Checklist.CompletionPercentage(),
			"tasks":                tasks,
		},
		"questionnaire": map[string]any{
			"status":     in.Questionnaire.Status,
			"totalScore": totalScore,
			"answers":    answers,
		},
		"attachments": map[string]any{
			"fileCount":     in.Attachments.FileCount,
			"hasAttachment": in.Attachments.HasAttachment(),
			"totalSize":     in.Attachments.TotalSize,
			"fileNames":     fileNames,
		},
		"fields": fields,
	}
}

// ConditionEvaluationResult is the outcome of evaluating a stage's
// condition. NextStageID is empty when the workflow should not move, or
// when there is no later stage.
type ConditionEvaluationResult struct {
	IsConditionMet bool                         `json:"isConditionMet"`
	NextStageID    string                       `json:"nextStageId,omitempty"`
	RuleResults    []rules.RuleEvaluationDetail `json:"ruleResults"`
	ErrorMessage   string                       `json:"errorMessage,omitempty"`
	ConditionID    string                       `json:"conditionId,omitempty"`
	ConditionName  string                       `json:"conditionName,omitempty"`
}
