package conductor

import (
	"sync"
	"time"
)

// InstanceState consolidates all mutable state of one workflow instance
// behind a single lock. The lock is held only for the duration of a read or
// write, never across a network call: stage execution operates on copies.
type InstanceState struct {
	mutex        sync.RWMutex
	workflowID   string
	workflowType string
	status       InstanceStatus
	createdAt    time.Time
	startedAt    time.Time
	endedAt      time.Time
	payload      map[string]any
	stages       map[string]*StageRecord
	results      map[string]*StageResult
}

// newInstanceState creates the state for a fresh instance, with one pending
// stage record per template stage.
func newInstanceState(workflowID string, template *Template, payload map[string]any) *InstanceState {
	stages := make(map[string]*StageRecord, len(template.Stages()))
	for _, stage := range template.Stages() {
		stages[stage.ID] = &StageRecord{
			StageID: stage.ID,
			Status:  StageStatusPending,
		}
	}
	return &InstanceState{
		workflowID:   workflowID,
		workflowType: template.Type(),
		status:       InstanceStatusPending,
		createdAt:    time.Now(),
		payload:      copyMap(payload),
		stages:       stages,
		results:      map[string]*StageResult{},
	}
}

// ID returns the workflow instance ID
func (s *InstanceState) ID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.workflowID
}

// Type returns the workflow type
func (s *InstanceState) Type() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.workflowType
}

// Status returns the current lifecycle status
func (s *InstanceState) Status() InstanceStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.status
}

// Transition moves the instance to the given status if its current status is
// one of the allowed sources. Two lifecycle commands against the same
// instance can never interleave into an invalid state: the check and the
// write happen under one lock.
func (s *InstanceState) Transition(to InstanceStatus, from ...InstanceStatus) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, allowed := range from {
		if s.status == allowed {
			s.status = to
			if to == InstanceStatusRunning && s.startedAt.IsZero() {
				s.startedAt = time.Now()
			}
			if to.Terminal() && s.endedAt.IsZero() {
				s.endedAt = time.Now()
			}
			return nil
		}
	}
	return NewError(ErrorTypeInvalidTransition,
		"cannot transition workflow %s from %s to %s", s.workflowID, s.status, to)
}

// Finish marks the instance terminal with the given status. A cancelled
// instance stays cancelled.
func (s *InstanceState) Finish(status InstanceStatus) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.status.Terminal() {
		s.status = status
	}
	if s.endedAt.IsZero() {
		s.endedAt = time.Now()
	}
}

// EndedAt returns the end time, zero while the instance is live.
func (s *InstanceState) EndedAt() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.endedAt
}

// Payload returns a copy of the opaque request context carried to stages.
func (s *InstanceState) Payload() map[string]any {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return copyMap(s.payload)
}

// StageStatus returns the status of one stage.
func (s *InstanceState) StageStatus(stageID string) StageStatus {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if record, ok := s.stages[stageID]; ok {
		return record.Status
	}
	return ""
}

// UpdateStage applies an update function to a stage record under the lock.
func (s *InstanceState) UpdateStage(stageID string, updateFn func(*StageRecord)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if record, ok := s.stages[stageID]; ok {
		updateFn(record)
	}
}

// SetResult stores a stage result.
func (s *InstanceState) SetResult(result *StageResult) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.results[result.StageID] = result.Copy()
}

// Result returns a stage result, if recorded.
func (s *InstanceState) Result(stageID string) (*StageResult, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result, ok := s.results[stageID]
	if !ok {
		return nil, false
	}
	return result.Copy(), true
}

// Snapshot returns a consistent copy of the whole instance.
func (s *InstanceState) Snapshot() *InstanceSnapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	stages := make(map[string]*StageRecord, len(s.stages))
	for id, record := range s.stages {
		stages[id] = record.Copy()
	}
	results := make(map[string]*StageResult, len(s.results))
	for id, result := range s.results {
		results[id] = result.Copy()
	}
	return &InstanceSnapshot{
		WorkflowID:   s.workflowID,
		WorkflowType: s.workflowType,
		Status:       s.status,
		CreatedAt:    s.createdAt,
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
		Context:      copyMap(s.payload),
		Stages:       stages,
		Results:      results,
	}
}
