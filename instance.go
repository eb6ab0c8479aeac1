package conductor

import (
	"time"

	"go.jetify.com/typeid"
)

// NewWorkflowID returns a new unique identifier for a workflow instance.
func NewWorkflowID() string {
	id, err := typeid.WithPrefix("wf")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// InstanceStatus represents the lifecycle status of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusPaused    InstanceStatus = "paused"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	}
	return false
}

// StageStatus represents the runtime status of a single stage.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusReady     StageStatus = "ready"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// Terminal reports whether the stage reached a final state.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageStatusCompleted, StageStatusFailed, StageStatusSkipped:
		return true
	}
	return false
}

// AttemptOutcome classifies a single backend call.
type AttemptOutcome string

const (
	AttemptOutcomeSuccess      AttemptOutcome = "success"
	AttemptOutcomeTimeout      AttemptOutcome = "timeout"
	AttemptOutcomeError        AttemptOutcome = "error"
	AttemptOutcomeNotAttempted AttemptOutcome = "not_attempted"
)

// BackendAttempt records one call against one backend candidate. Attempts are
// append-only: a candidate is never retried within the same stage execution.
type BackendAttempt struct {
	ID          string         `json:"id"`
	Candidate   string         `json:"candidate"`
	Outcome     AttemptOutcome `json:"outcome"`
	Latency     time.Duration  `json:"latency"`
	Response    map[string]any `json:"response,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	StartTime   time.Time      `json:"start_time"`
}

// StageResult is the outcome of one stage, real or locally synthesized.
type StageResult struct {
	StageID    string         `json:"stage_id"`
	Succeeded  bool           `json:"succeeded"`
	Degraded   bool           `json:"degraded"`
	Payload    map[string]any `json:"payload,omitempty"`
	Confidence float64        `json:"confidence"`
}

// Copy returns a shallow copy of the stage result.
func (r *StageResult) Copy() *StageResult {
	return &StageResult{
		StageID:    r.StageID,
		Succeeded:  r.Succeeded,
		Degraded:   r.Degraded,
		Payload:    copyMap(r.Payload),
		Confidence: r.Confidence,
	}
}

// StageRecord tracks the runtime state of a single stage. This struct is
// designed to be fully JSON serializable.
type StageRecord struct {
	StageID   string           `json:"stage_id"`
	Status    StageStatus      `json:"status"`
	Attempts  []BackendAttempt `json:"attempts,omitempty"`
	StartTime time.Time        `json:"start_time,omitzero"`
	EndTime   time.Time        `json:"end_time,omitzero"`
}

// Copy returns a copy of the stage record.
func (r *StageRecord) Copy() *StageRecord {
	attempts := make([]BackendAttempt, len(r.Attempts))
	copy(attempts, r.Attempts)
	return &StageRecord{
		StageID:   r.StageID,
		Status:    r.Status,
		Attempts:  attempts,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
	}
}

// InstanceSnapshot is a consistent point-in-time view of a workflow instance.
type InstanceSnapshot struct {
	WorkflowID   string                  `json:"workflow_id"`
	WorkflowType string                  `json:"workflow_type"`
	Status       InstanceStatus          `json:"status"`
	CreatedAt    time.Time               `json:"created_at"`
	StartedAt    time.Time               `json:"started_at,omitzero"`
	EndedAt      time.Time               `json:"ended_at,omitzero"`
	Context      map[string]any          `json:"context,omitempty"`
	Stages       map[string]*StageRecord `json:"stages"`
	Results      map[string]*StageResult `json:"results"`
}

// Progress returns the fraction of stages that reached a terminal state.
func (s *InstanceSnapshot) Progress() float64 {
	if len(s.Stages) == 0 {
		return 0
	}
	done := 0
	for _, record := range s.Stages {
		if record.Status.Terminal() {
			done++
		}
	}
	return float64(done) / float64(len(s.Stages))
}

// copyMap creates a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	copy := make(map[string]any, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}
