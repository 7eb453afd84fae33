package condition

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

type componentKey struct {
	instanceID string
	stageID    string
}

// MemoryStore keeps conditions, stages, instances and component data in
// memory. It implements every store interface the Evaluator needs and is
// safe for concurrent use.
type MemoryStore struct {
	mu             sync.RWMutex
	conditions     map[string]*Condition
	stages         map[string]*Stage
	instances      map[string]*Instance
	checklists     map[componentKey]ChecklistData
	questionnaires map[componentKey]QuestionnaireData
	attachments    map[componentKey]AttachmentData

	locks keyedMutex
}

var (
	_ ConditionStore = (*MemoryStore)(nil)
	_ StageOrdering  = (*MemoryStore)(nil)
	_ ComponentData  = (*MemoryStore)(nil)
	_ InstanceStore  = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conditions:     make(map[string]*Condition),
		stages:         make(map[string]*Stage),
		instances:      make(map[string]*Instance),
		checklists:     make(map[componentKey]ChecklistData),
		questionnaires: make(map[componentKey]QuestionnaireData),
		attachments:    make(map[componentKey]AttachmentData),
		locks:          keyedMutex{slots: make(map[string]*lockSlot)},
	}
}

// PutCondition adds or replaces a condition.
func (s *MemoryStore) PutCondition(c Condition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conditions[c.ID] = &c
}

// DeleteCondition removes a condition.
func (s *MemoryStore) DeleteCondition(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conditions, id)
}

// PutStage adds or replaces a stage.
func (s *MemoryStore) PutStage(st Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[st.ID] = &st
}

// PutInstance adds or replaces an instance.
func (s *MemoryStore) PutInstance(inst Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst.Fields = maps.Clone(inst.Fields)
	inst.StagesProgress = slices.Clone(inst.StagesProgress)
	s.instances[inst.ID] = &inst
}

// CompleteStage marks a stage completed on an instance.
func (s *MemoryStore) CompleteStage(instanceID, stageID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return
	}
	progress := slices.Clone(inst.StagesProgress)
	for i := range progress {
		if progress[i].StageID == stageID {
			progress[i].IsCompleted = true
			progress[i].CompletedAt = &at
			inst.StagesProgress = progress
			return
		}
	}
	inst.StagesProgress = append(progress, StageProgress{StageID: stageID, IsCompleted: true, CompletedAt: &at})
}

// PutChecklist records checklist data for an instance on a stage.
func (s *MemoryStore) PutChecklist(instanceID, stageID string, c ChecklistData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Tasks = slices.Clone(c.Tasks)
	s.checklists[componentKey{instanceID, stageID}] = c
}

// PutQuestionnaire records questionnaire data for an instance on a stage.
func (s *MemoryStore) PutQuestionnaire(instanceID, stageID string, q QuestionnaireData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questionnaires[componentKey{instanceID, stageID}] = q
}

// PutAttachments records attachment data for an instance on a stage.
func (s *MemoryStore) PutAttachments(instanceID, stageID string, a AttachmentData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.FileNames = slices.Clone(a.FileNames)
	s.attachments[componentKey{instanceID, stageID}] = a
}

// GetActiveConditionForStage returns the stage's participating condition
// if there is one, otherwise any other condition on the stage, otherwise
// nil.
func (s *MemoryStore) GetActiveConditionForStage(ctx context.Context, stageID, tenantID string) (*Condition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := slices.Sorted(maps.Keys(s.conditions))
	var candidate *Condition
	for _, id := range ids {
		c := s.conditions[id]
		if c.StageID != stageID || c.TenantID != tenantID {
			continue
		}
		if c.Participates() {
			cp := *c
			return &cp, nil
		}
		if candidate == nil {
			candidate = c
		}
	}
	if candidate == nil {
		return nil, nil
	}
	cp := *candidate
	return &cp, nil
}

// GetStage returns the stage or nil.
func (s *MemoryStore) GetStage(ctx context.Context, stageID, tenantID string) (*Stage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stages[stageID]
	if !ok || st.TenantID != tenantID {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

// NextStageAfter returns the first active, valid stage of the workflow
// ordered after order.
func (s *MemoryStore) NextStageAfter(ctx context.Context, workflowID string, order int, tenantID string) (*Stage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*Stage
	for _, st := range s.stages {
		if st.WorkflowID == workflowID && st.TenantID == tenantID &&
			st.IsActive && st.IsValid && st.Order > order {
			candidates = append(candidates, st)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Order != candidates[j].Order {
			return candidates[i].Order < candidates[j].Order
		}
		return candidates[i].ID < candidates[j].ID
	})
	cp := *candidates[0]
	return &cp, nil
}

// GetChecklist returns recorded checklist data, or the default.
func (s *MemoryStore) GetChecklist(ctx context.Context, instanceID, stageID string) (ChecklistData, error) {
	if err := ctx.Err(); err != nil {
		return ChecklistData{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.checklists[componentKey{instanceID, stageID}]
	if !ok {
		return DefaultChecklist(), nil
	}
	c.Tasks = slices.Clone(c.Tasks)
	return c, nil
}

// GetQuestionnaire returns recorded questionnaire data, or the default.
func (s *MemoryStore) GetQuestionnaire(ctx context.Context, instanceID, stageID string) (QuestionnaireData, error) {
	if err := ctx.Err(); err != nil {
		return QuestionnaireData{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.questionnaires[componentKey{instanceID, stageID}]
	if !ok {
		return DefaultQuestionnaire(), nil
	}
	answers := make(map[string]map[string]any, len(q.Answers))
	for k, v := range q.Answers {
		answers[k] = maps.Clone(v)
	}
	q.Answers = answers
	return q, nil
}

// GetAttachments returns recorded attachment data, or the zero value.
func (s *MemoryStore) GetAttachments(ctx context.Context, instanceID, stageID string) (AttachmentData, error) {
	if err := ctx.Err(); err != nil {
		return AttachmentData{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	a := s.attachments[componentKey{instanceID, stageID}]
	a.FileNames = slices.Clone(a.FileNames)
	return a, nil
}

// GetFields returns the instance's dynamic fields.
func (s *MemoryStore) GetFields(ctx context.Context, instanceID, stageID string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return map[string]any{}, nil
	}
	return maps.Clone(inst.Fields), nil
}

// GetInstance returns the instance or ErrInstanceNotFound.
func (s *MemoryStore) GetInstance(ctx context.Context, instanceID, tenantID string) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[instanceID]
	if !ok || inst.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	cp := *inst
	cp.Fields = maps.Clone(inst.Fields)
	cp.StagesProgress = slices.Clone(inst.StagesProgress)
	return &cp, nil
}

// GetInstanceByCaseCode returns the instance with the case code or
// ErrInstanceNotFound.
func (s *MemoryStore) GetInstanceByCaseCode(ctx context.Context, caseCode, tenantID string) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.instances {
		if inst.CaseCode == caseCode && inst.TenantID == tenantID {
			cp := *inst
			cp.Fields = maps.Clone(inst.Fields)
			cp.StagesProgress = slices.Clone(inst.StagesProgress)
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: case code %s", ErrInstanceNotFound, caseCode)
}

// WithInstanceLock serialises callers on (instanceID, tenantID) with a
// process-local mutex.
func (s *MemoryStore) WithInstanceLock(ctx context.Context, instanceID, tenantID string, wait time.Duration, fn LockedFunc) error {
	unlock, err := s.locks.lock(ctx, tenantID+"/"+instanceID, wait)
	if err != nil {
		return err
	}
	defer unlock()

	inst, err := s.GetInstance(ctx, instanceID, tenantID)
	if err != nil {
		return err
	}
	return fn(ctx, inst)
}

// keyedMutex is a set of mutexes created on demand, one per key, whose
// acquisition can be bounded by a timeout and cancelled through a context.
type keyedMutex struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func (k *keyedMutex) lock(ctx context.Context, key string, wait time.Duration) (func(), error) {
	k.mu.Lock()
	slot, ok := k.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		k.slots[key] = slot
	}
	slot.refs++
	k.mu.Unlock()

	unlock := func() {
		<-slot.ch
		k.release(key, slot)
	}

	select {
	case slot.ch <- struct{}{}:
		return unlock, nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case slot.ch <- struct{}{}:
		return unlock, nil
	case <-timer.C:
		k.release(key, slot)
		return nil, ErrLockTimeout
	case <-ctx.Done():
		k.release(key, slot)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, slot *lockSlot) {
	k.mu.Lock()
	defer k.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(k.slots, key)
	}
}
