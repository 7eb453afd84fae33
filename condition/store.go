package condition

import (
	"context"
	"time"
)

// ConditionStore reads stage conditions. It never writes.
type ConditionStore interface {
	// GetActiveConditionForStage returns the condition configured for the
	// stage, or nil when there is none. Callers still check Participates,
	// since a store may return a draft or inactive condition.
	GetActiveConditionForStage(ctx context.Context, stageID, tenantID string) (*Condition, error)
}

// StageOrdering answers questions about stage order within a workflow.
type StageOrdering interface {
	// GetStage returns the stage, or nil when it does not exist.
	GetStage(ctx context.Context, stageID, tenantID string) (*Stage, error)

	// NextStageAfter returns the active, valid stage of the workflow with
	// the smallest order strictly greater than order, or nil.
	NextStageAfter(ctx context.Context, workflowID string, order int, tenantID string) (*Stage, error)
}

// ComponentData loads the per-domain data an evaluation input is built
// from.
type ComponentData interface {
	GetChecklist(ctx context.Context, instanceID, stageID string) (ChecklistData, error)
	GetQuestionnaire(ctx context.Context, instanceID, stageID string) (QuestionnaireData, error)
	GetAttachments(ctx context.Context, instanceID, stageID string) (AttachmentData, error)
	GetFields(ctx context.Context, instanceID, stageID string) (map[string]any, error)
}

// InstanceReader looks up workflow instances. Missing instances are
// reported with ErrInstanceNotFound.
type InstanceReader interface {
	GetInstance(ctx context.Context, instanceID, tenantID string) (*Instance, error)
	GetInstanceByCaseCode(ctx context.Context, caseCode, tenantID string) (*Instance, error)
}

// LockedFunc runs while the instance lock is held. The context is scoped
// to the lock and inst is the instance as read under it.
type LockedFunc func(ctx context.Context, inst *Instance) error

// InstanceStore adds exclusive per-instance locking to InstanceReader.
type InstanceStore interface {
	InstanceReader

	// WithInstanceLock blocks for at most wait to acquire an exclusive
	// lock on (instanceID, tenantID), reads the instance and calls fn. The
	// lock is released when fn returns, on every path. A lock that could
	// not be acquired in time yields ErrLockTimeout; a missing instance
	// yields ErrInstanceNotFound.
	WithInstanceLock(ctx context.Context, instanceID, tenantID string, wait time.Duration, fn LockedFunc) error
}
