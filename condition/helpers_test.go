package condition

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flowflex/stagecondition/rules"
)

const (
	testTenant   = "tenant-1"
	testWorkflow = "wf-1"
	testInstance = "inst-1"
	testCaseCode = "CASE-001"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rulesDoc(exprs ...string) string {
	wf := rules.Workflow{WorkflowName: rules.DefaultWorkflowName}
	for i, e := range exprs {
		wf.Rules = append(wf.Rules, rules.Rule{RuleName: fmt.Sprintf("Rule%d", i+1), Expression: e})
	}
	data, err := json.Marshal([]rules.Workflow{wf})
	if err != nil {
		panic(err)
	}
	return string(data)
}

// seedStore builds a workflow of stages s1, s2, s3 plus an out of order
// review stage, and one valid instance with a half completed checklist.
func seedStore(t *testing.T) *MemoryStore {
	t.Helper()

	s := NewMemoryStore()
	s.PutStage(Stage{ID: "s1", WorkflowID: testWorkflow, TenantID: testTenant, Name: "Intake", Order: 1, IsActive: true, IsValid: true})
	s.PutStage(Stage{ID: "s2", WorkflowID: testWorkflow, TenantID: testTenant, Name: "Review", Order: 2, IsActive: true, IsValid: true})
	s.PutStage(Stage{ID: "s3", WorkflowID: testWorkflow, TenantID: testTenant, Name: "Approval", Order: 3, IsActive: true, IsValid: true})
	s.PutStage(Stage{ID: "rework", WorkflowID: testWorkflow, TenantID: testTenant, Name: "Rework", Order: 10, IsActive: true, IsValid: true})

	s.PutInstance(Instance{
		ID:             testInstance,
		TenantID:       testTenant,
		WorkflowID:     testWorkflow,
		CaseCode:       testCaseCode,
		CurrentStageID: "s1",
		IsValid:        true,
		Fields:         map[string]any{"country": "CA", "amount": 1500.0},
	})
	s.PutChecklist(testInstance, "s1", ChecklistData{
		Status:         "InProgress",
		CompletedCount: 1,
		TotalCount:     2,
		Tasks: []TaskStatus{
			{ChecklistID: "cl1", TaskID: "t1", Name: "Collect ID", IsCompleted: true},
			{ChecklistID: "cl1", TaskID: "t2", Name: "Sign form"},
		},
	})
	return s
}

func newTestEvaluator(t *testing.T, deps Dependencies, opts ...EvaluatorOption) *Evaluator {
	t.Helper()

	ex, err := rules.NewExecutor(rules.WithClock(func() time.Time {
		return time.Date(2024, 6, 12, 10, 30, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("NewExecutor() failed: %v", err)
	}
	opts = append([]EvaluatorOption{WithLogger(discardLogger())}, opts...)
	e, err := NewEvaluator(testTenant, deps, ex, opts...)
	if err != nil {
		t.Fatalf("NewEvaluator() failed: %v", err)
	}
	return e
}

func memoryDeps(s *MemoryStore) Dependencies {
	return Dependencies{Conditions: s, Stages: s, Data: s, Instances: s}
}

// stubData fails selected domains and counts concurrent calls.
type stubData struct {
	ComponentData

	mu        sync.Mutex
	fail      map[string]error
	active    int
	maxActive int
	delay     time.Duration
	calls     int
}

func (d *stubData) enter(domain string) error {
	d.mu.Lock()
	d.calls++
	d.active++
	if d.active > d.maxActive {
		d.maxActive = d.active
	}
	err := d.fail[domain]
	d.mu.Unlock()

	if d.delay > 0 {
		time.Sleep(d.delay)
	}

	d.mu.Lock()
	d.active--
	d.mu.Unlock()
	return err
}

func (d *stubData) GetChecklist(ctx context.Context, instanceID, stageID string) (ChecklistData, error) {
	if err := d.enter(DomainChecklist); err != nil {
		return ChecklistData{}, err
	}
	return d.ComponentData.GetChecklist(ctx, instanceID, stageID)
}

func (d *stubData) GetQuestionnaire(ctx context.Context, instanceID, stageID string) (QuestionnaireData, error) {
	if err := d.enter(DomainQuestionnaire); err != nil {
		return QuestionnaireData{}, err
	}
	return d.ComponentData.GetQuestionnaire(ctx, instanceID, stageID)
}

func (d *stubData) GetAttachments(ctx context.Context, instanceID, stageID string) (AttachmentData, error) {
	if err := d.enter(DomainAttachments); err != nil {
		return AttachmentData{}, err
	}
	return d.ComponentData.GetAttachments(ctx, instanceID, stageID)
}

func (d *stubData) GetFields(ctx context.Context, instanceID, stageID string) (map[string]any, error) {
	if err := d.enter(DomainFields); err != nil {
		return nil, err
	}
	return d.ComponentData.GetFields(ctx, instanceID, stageID)
}
