package conductor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Instance is one execution of a workflow template for one request: its own
// lifecycle, stage records, and results. Owned exclusively by the Manager
// and mutated only through lifecycle methods.
type Instance struct {
	state    *InstanceState
	template *Template

	// cancel aborts in-flight backend calls on cancellation so a cancelled
	// workflow's outstanding calls are abandoned rather than awaited.
	cancel context.CancelFunc

	// wake nudges the scheduling loop after a lifecycle command.
	wake chan struct{}

	// done is closed when the scheduling loop exits.
	done chan struct{}
}

// ID returns the workflow instance ID.
func (i *Instance) ID() string {
	return i.state.ID()
}

// Template returns the immutable template this instance executes.
func (i *Instance) Template() *Template {
	return i.template
}

// Snapshot returns a consistent copy of the instance.
func (i *Instance) Snapshot() *InstanceSnapshot {
	return i.state.Snapshot()
}

// Wait blocks until the scheduling loop has exited or ctx expires.
func (i *Instance) Wait(ctx context.Context) error {
	select {
	case <-i.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Instance) nudge() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// Archiver persists finished instances at the retention boundary. The
// Postgres implementation lives in the postgres subpackage.
type Archiver interface {
	ArchiveInstance(ctx context.Context, report *FinalReport, snapshot *InstanceSnapshot) error
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Templates *Library
	Scheduler *Scheduler
	Store     WorkflowStore
	Logger    *slog.Logger
	Callbacks Callbacks
	Archiver  Archiver

	// Retention is how long a finished instance stays queryable past its
	// end time before the janitor archives and deletes it.
	Retention time.Duration

	// SweepInterval is the janitor cadence.
	SweepInterval time.Duration
}

// Manager owns the per-instance lifecycle state machine: it creates
// instances, drives the scheduler for each, applies pause/resume/cancel
// commands, and answers status and result queries.
type Manager struct {
	templates     *Library
	scheduler     *Scheduler
	store         WorkflowStore
	logger        *slog.Logger
	callbacks     Callbacks
	archiver      Archiver
	retention     time.Duration
	sweepInterval time.Duration

	baseCtx   context.Context
	stop      context.CancelFunc
	janitorWg sync.WaitGroup
}

// NewManager creates a Manager. The janitor goroutine starts immediately and
// runs until Close.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Templates == nil {
		return nil, fmt.Errorf("template library is required")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if opts.Store == nil {
		opts.Store = NewShardedStore()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}

	baseCtx, stop := context.WithCancel(context.Background())
	m := &Manager{
		templates:     opts.Templates,
		scheduler:     opts.Scheduler,
		store:         opts.Store,
		logger:        opts.Logger,
		callbacks:     opts.Callbacks,
		archiver:      opts.Archiver,
		retention:     opts.Retention,
		sweepInterval: opts.SweepInterval,
		baseCtx:       baseCtx,
		stop:          stop,
	}
	m.janitorWg.Add(1)
	go m.janitor()
	return m, nil
}

// Close stops the janitor and aborts all running instances.
func (m *Manager) Close() {
	m.stop()
	m.janitorWg.Wait()
}

// Start creates an instance for the given workflow type and begins executing
// it in the background. It returns the new workflow ID immediately.
func (m *Manager) Start(ctx context.Context, workflowType string, payload map[string]any) (string, error) {
	template, ok := m.templates.Get(workflowType)
	if !ok {
		return "", NewError(ErrorTypeUnknownTemplate, "no template for workflow type %q", workflowType)
	}

	// The instance outlives the submitting request: its run context derives
	// from the manager, not from ctx.
	runCtx, cancel := context.WithCancel(m.baseCtx)
	instance := &Instance{
		state:    newInstanceState(NewWorkflowID(), template, payload),
		template: template,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if err := m.store.Create(instance); err != nil {
		cancel()
		return "", err
	}
	if err := instance.state.Transition(InstanceStatusRunning, InstanceStatusPending); err != nil {
		cancel()
		return "", err
	}

	m.logger.Info("workflow started",
		"workflow_id", instance.ID(),
		"workflow_type", workflowType,
		"stages", len(template.Stages()))

	go m.run(runCtx, instance)
	return instance.ID(), nil
}

// run drives the scheduler for one instance and settles the final status.
func (m *Manager) run(ctx context.Context, instance *Instance) {
	defer close(instance.done)
	defer instance.cancel()

	startTime := time.Now()
	m.callbacks.BeforeWorkflow(ctx, &WorkflowEvent{
		WorkflowID:   instance.ID(),
		WorkflowType: instance.state.Type(),
		Status:       InstanceStatusRunning,
		StartTime:    startTime,
		StageCount:   len(instance.template.Stages()),
	})

	m.scheduler.Run(ctx, instance)

	instance.state.Finish(m.finalStatus(instance))
	snapshot := instance.Snapshot()

	endTime := time.Now()
	m.callbacks.AfterWorkflow(ctx, &WorkflowEvent{
		WorkflowID:   instance.ID(),
		WorkflowType: snapshot.WorkflowType,
		Status:       snapshot.Status,
		StartTime:    startTime,
		EndTime:      endTime,
		Duration:     endTime.Sub(startTime),
		StageCount:   len(snapshot.Stages),
	})
	m.logger.Info("workflow finished",
		"workflow_id", instance.ID(),
		"status", snapshot.Status,
		"duration", endTime.Sub(startTime))
}

// finalStatus decides the terminal status once scheduling stops. The
// instance is failed only when a required stage produced no result at all:
// it failed outright, or sat downstream of a failure.
func (m *Manager) finalStatus(instance *Instance) InstanceStatus {
	if status := instance.state.Status(); status.Terminal() {
		return status
	}
	for _, stage := range instance.template.Stages() {
		status := instance.state.StageStatus(stage.ID)
		if stage.Required && (status == StageStatusFailed || status == StageStatusSkipped) {
			return InstanceStatusFailed
		}
	}
	return InstanceStatusCompleted
}

// Pause stops the scheduler from dispatching new ready stages. In-flight
// stages run to completion and their results are still recorded.
func (m *Manager) Pause(workflowID string) (InstanceStatus, error) {
	instance, err := m.store.Get(workflowID)
	if err != nil {
		return "", err
	}
	if err := instance.state.Transition(InstanceStatusPaused, InstanceStatusRunning); err != nil {
		return "", err
	}
	instance.nudge()
	m.logger.Info("workflow paused", "workflow_id", workflowID)
	return InstanceStatusPaused, nil
}

// Resume re-enters the scheduling loop of a paused instance.
func (m *Manager) Resume(workflowID string) (InstanceStatus, error) {
	instance, err := m.store.Get(workflowID)
	if err != nil {
		return "", err
	}
	if err := instance.state.Transition(InstanceStatusRunning, InstanceStatusPaused); err != nil {
		return "", err
	}
	instance.nudge()
	m.logger.Info("workflow resumed", "workflow_id", workflowID)
	return InstanceStatusRunning, nil
}

// Cancel stops dispatching new stages and abandons in-flight backend calls.
// Valid from any non-terminal state; cancelling an already terminal instance
// is an invalid transition.
func (m *Manager) Cancel(workflowID string) (InstanceStatus, error) {
	instance, err := m.store.Get(workflowID)
	if err != nil {
		return "", err
	}
	err = instance.state.Transition(InstanceStatusCancelled,
		InstanceStatusPending, InstanceStatusRunning, InstanceStatusPaused)
	if err != nil {
		return "", err
	}
	instance.cancel()
	instance.nudge()
	m.logger.Info("workflow cancelled", "workflow_id", workflowID)
	return InstanceStatusCancelled, nil
}

// Instance returns the live instance handle for a workflow ID.
func (m *Manager) Instance(workflowID string) (*Instance, error) {
	return m.store.Get(workflowID)
}

// Status returns a consistent snapshot of the instance.
func (m *Manager) Status(workflowID string) (*InstanceSnapshot, error) {
	instance, err := m.store.Get(workflowID)
	if err != nil {
		return nil, err
	}
	return instance.Snapshot(), nil
}

// Result aggregates the final report. Available once the instance is
// terminal; asking earlier is an invalid transition.
func (m *Manager) Result(workflowID string) (*FinalReport, error) {
	instance, err := m.store.Get(workflowID)
	if err != nil {
		return nil, err
	}
	snapshot := instance.Snapshot()
	if !snapshot.Status.Terminal() {
		return nil, NewError(ErrorTypeInvalidTransition,
			"workflow %s is still %s, result not available", workflowID, snapshot.Status)
	}
	return Aggregate(instance.template, snapshot), nil
}

// janitor archives and deletes instances past the retention window.
func (m *Manager) janitor() {
	defer m.janitorWg.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.baseCtx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.retention)
	for _, instance := range m.store.List() {
		endedAt := instance.state.EndedAt()
		if endedAt.IsZero() || endedAt.After(cutoff) {
			continue
		}
		snapshot := instance.Snapshot()
		if m.archiver != nil {
			report := Aggregate(instance.template, snapshot)
			if err := m.archiver.ArchiveInstance(m.baseCtx, report, snapshot); err != nil {
				m.logger.Error("failed to archive workflow, retrying next sweep",
					"workflow_id", instance.ID(), "error", err)
				continue
			}
		}
		if err := m.store.Delete(instance.ID()); err != nil {
			m.logger.Error("failed to evict workflow", "workflow_id", instance.ID(), "error", err)
			continue
		}
		m.logger.Debug("workflow evicted after retention", "workflow_id", instance.ID())
	}
}
