package conductor

import (
	"context"
	"time"
)

// Callbacks defines the observer interface for workflow execution events.
// Embedders attach metrics or audit trails here without touching the engine.
type Callbacks interface {
	// Workflow-level callbacks
	BeforeWorkflow(ctx context.Context, event *WorkflowEvent)
	AfterWorkflow(ctx context.Context, event *WorkflowEvent)

	// Stage-level callbacks
	BeforeStage(ctx context.Context, event *StageEvent)
	AfterStage(ctx context.Context, event *StageEvent)
}

// WorkflowEvent provides context for workflow-level events
type WorkflowEvent struct {
	WorkflowID   string
	WorkflowType string
	Status       InstanceStatus
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	StageCount   int
}

// StageEvent provides context for stage-level events
type StageEvent struct {
	WorkflowID string
	StageID    string
	Capability string
	Status     StageStatus
	Degraded   bool
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Attempts   int
}

// BaseCallbacks is a no-op implementation of Callbacks. Embed it to override
// only the events of interest.
type BaseCallbacks struct{}

func (c *BaseCallbacks) BeforeWorkflow(ctx context.Context, event *WorkflowEvent) {}
func (c *BaseCallbacks) AfterWorkflow(ctx context.Context, event *WorkflowEvent)  {}
func (c *BaseCallbacks) BeforeStage(ctx context.Context, event *StageEvent)       {}
func (c *BaseCallbacks) AfterStage(ctx context.Context, event *StageEvent)        {}
