package conductor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	Executor  StageExecutor
	Logger    *slog.Logger
	Callbacks Callbacks

	// Workers bounds how many stages execute concurrently per instance.
	Workers int

	// PerCandidateTimeout is the default hard deadline for one backend
	// call, used when neither the stage nor the template declares one.
	PerCandidateTimeout time.Duration

	// CeilingFactor multiplies the per-candidate timeout to produce the
	// per-stage wall-clock ceiling.
	CeilingFactor int
}

// Scheduler expands a workflow template into its stage DAG and drives
// execution: it repeatedly scans for stages whose dependencies are all
// completed, dispatches them to the stage executor on a bounded worker pool,
// and records outcomes until no stage is pending or ready.
type Scheduler struct {
	executor            StageExecutor
	logger              *slog.Logger
	callbacks           Callbacks
	workers             int
	perCandidateTimeout time.Duration
	ceilingFactor       int
}

// NewScheduler creates a Scheduler.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Executor == nil {
		return nil, fmt.Errorf("stage executor is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseCallbacks{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PerCandidateTimeout <= 0 {
		opts.PerCandidateTimeout = 10 * time.Second
	}
	if opts.CeilingFactor <= 0 {
		opts.CeilingFactor = 4
	}
	return &Scheduler{
		executor:            opts.Executor,
		logger:              opts.Logger,
		callbacks:           opts.Callbacks,
		workers:             opts.Workers,
		perCandidateTimeout: opts.PerCandidateTimeout,
		ceilingFactor:       opts.CeilingFactor,
	}, nil
}

// stageOutcome carries one finished stage back into the scheduling loop.
type stageOutcome struct {
	stageID  string
	result   *StageResult
	attempts []BackendAttempt
	err      error
}

// Run drives one instance until no stage is pending or ready, the instance
// is cancelled, or ctx expires. Stage dispatch happens only here, on a
// single goroutine: worker goroutines execute backend calls and report back
// on the outcomes channel, so all state mutation is ordered through this
// loop. For two stages A and B where B depends on A, B's dispatch strictly
// happens-after A's result is recorded.
func (s *Scheduler) Run(ctx context.Context, instance *Instance) {
	outcomes := make(chan stageOutcome)
	inflight := 0

	for {
		if ctx.Err() == nil && instance.state.Status() == InstanceStatusRunning {
			inflight += s.dispatchReady(ctx, instance, outcomes, s.workers-inflight)
		}

		if inflight == 0 {
			status := instance.state.Status()
			switch {
			case ctx.Err() != nil || status.Terminal():
				return
			case status == InstanceStatusPaused || status == InstanceStatusPending:
				// Nothing in flight and dispatch is gated: sleep until a
				// lifecycle command nudges us.
				select {
				case <-instance.wake:
				case <-ctx.Done():
				}
				continue
			case !s.hasPending(instance):
				return
			default:
				// A pending stage with all dependencies terminal must exist
				// (failed dependencies skip their dependents eagerly), so
				// the next scan will dispatch it.
				continue
			}
		}

		select {
		case outcome := <-outcomes:
			inflight--
			s.recordOutcome(ctx, instance, outcome)
		case <-instance.wake:
		case <-ctx.Done():
			// Stop dispatching; keep looping to drain in-flight stages,
			// whose calls share ctx and return promptly.
		}
	}
}

// dispatchReady scans stages in template declaration order, promotes
// dispatchable stages to ready, and starts up to budget of them.
func (s *Scheduler) dispatchReady(ctx context.Context, instance *Instance, outcomes chan<- stageOutcome, budget int) int {
	started := 0
	for _, stage := range instance.template.Stages() {
		status := instance.state.StageStatus(stage.ID)
		if status != StageStatusPending && status != StageStatusReady {
			continue
		}
		if status == StageStatusPending {
			if !s.dependenciesCompleted(instance, stage) {
				continue
			}
			instance.state.UpdateStage(stage.ID, func(record *StageRecord) {
				record.Status = StageStatusReady
			})
		}
		if started >= budget {
			continue
		}
		s.dispatch(ctx, instance, stage, outcomes)
		started++
	}
	return started
}

// dependenciesCompleted reports whether every depends_on stage is Completed.
// Skipped or failed dependencies never satisfy the gate.
func (s *Scheduler) dependenciesCompleted(instance *Instance, stage *StageTemplate) bool {
	for _, dep := range stage.DependsOn {
		if instance.state.StageStatus(dep) != StageStatusCompleted {
			return false
		}
	}
	return true
}

func (s *Scheduler) dispatch(ctx context.Context, instance *Instance, stage *StageTemplate, outcomes chan<- stageOutcome) {
	startTime := time.Now()
	instance.state.UpdateStage(stage.ID, func(record *StageRecord) {
		record.Status = StageStatusRunning
		record.StartTime = startTime
	})

	s.callbacks.BeforeStage(ctx, &StageEvent{
		WorkflowID: instance.ID(),
		StageID:    stage.ID,
		Capability: stage.Capability,
		Status:     StageStatusRunning,
		StartTime:  startTime,
	})
	s.logger.Debug("dispatching stage",
		"workflow_id", instance.ID(),
		"stage", stage.ID,
		"capability", stage.Capability)

	call := StageCall{
		WorkflowID:          instance.ID(),
		StageID:             stage.ID,
		Capability:          stage.Capability,
		Domain:              stage.Domain,
		Payload:             instance.state.Payload(),
		PerCandidateTimeout: s.stageTimeout(instance, stage),
	}
	call.Ceiling = call.PerCandidateTimeout * time.Duration(s.ceilingFactor)

	go func() {
		result, attempts, err := s.executor.Execute(ctx, call)
		outcomes <- stageOutcome{
			stageID:  stage.ID,
			result:   result,
			attempts: attempts,
			err:      err,
		}
	}()
}

func (s *Scheduler) stageTimeout(instance *Instance, stage *StageTemplate) time.Duration {
	if stage.Timeout > 0 {
		return stage.Timeout
	}
	if t := instance.template.StageTimeout(); t > 0 {
		return t
	}
	return s.perCandidateTimeout
}

// recordOutcome applies one finished stage to the instance: result and
// attempt log, terminal stage status, and eager skip propagation to the
// transitive dependents of a failed stage.
func (s *Scheduler) recordOutcome(ctx context.Context, instance *Instance, outcome stageOutcome) {
	endTime := time.Now()
	stage, _ := instance.template.Stage(outcome.stageID)

	status := StageStatusCompleted
	degraded := false
	if outcome.err != nil {
		status = StageStatusFailed
	} else {
		degraded = outcome.result.Degraded
		instance.state.SetResult(outcome.result)
	}

	var startTime time.Time
	instance.state.UpdateStage(outcome.stageID, func(record *StageRecord) {
		record.Status = status
		record.EndTime = endTime
		record.Attempts = append(record.Attempts, outcome.attempts...)
		startTime = record.StartTime
	})

	if status == StageStatusFailed {
		s.logger.Error("stage failed with no degraded path",
			"workflow_id", instance.ID(),
			"stage", outcome.stageID,
			"error", outcome.err)
		s.skipDependents(instance, outcome.stageID)
	} else {
		s.logger.Debug("stage completed",
			"workflow_id", instance.ID(),
			"stage", outcome.stageID,
			"degraded", degraded)
	}

	event := &StageEvent{
		WorkflowID: instance.ID(),
		StageID:    outcome.stageID,
		Status:     status,
		Degraded:   degraded,
		StartTime:  startTime,
		EndTime:    endTime,
		Duration:   endTime.Sub(startTime),
		Attempts:   len(outcome.attempts),
	}
	if stage != nil {
		event.Capability = stage.Capability
	}
	s.callbacks.AfterStage(ctx, event)
}

// skipDependents marks every not-yet-started transitive dependent of a
// failed stage as skipped.
func (s *Scheduler) skipDependents(instance *Instance, stageID string) {
	for _, dependent := range instance.template.Plan().TransitiveDependents(stageID) {
		status := instance.state.StageStatus(dependent)
		if status != StageStatusPending && status != StageStatusReady {
			continue
		}
		instance.state.UpdateStage(dependent, func(record *StageRecord) {
			record.Status = StageStatusSkipped
		})
		s.logger.Warn("stage skipped due to failed dependency",
			"workflow_id", instance.ID(),
			"stage", dependent,
			"failed_dependency", stageID)
	}
}

func (s *Scheduler) hasPending(instance *Instance) bool {
	for _, stage := range instance.template.Stages() {
		status := instance.state.StageStatus(stage.ID)
		if status == StageStatusPending || status == StageStatusReady {
			return true
		}
	}
	return false
}
