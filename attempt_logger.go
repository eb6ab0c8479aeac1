package conductor

import (
	"context"
	"time"
)

// AttemptLogEntry represents a single backend attempt log entry
type AttemptLogEntry struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	StageID    string         `json:"stage_id"`
	Capability string         `json:"capability"`
	Candidate  string         `json:"candidate"`
	Outcome    AttemptOutcome `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	Duration   float64        `json:"duration"`
}

// AttemptLogger defines simple attempt audit logging interface
type AttemptLogger interface {
	// LogAttempt logs a completed backend attempt
	LogAttempt(ctx context.Context, entry *AttemptLogEntry) error

	// GetAttemptHistory retrieves the attempt log for a workflow instance
	GetAttemptHistory(ctx context.Context, workflowID string) ([]*AttemptLogEntry, error)
}
