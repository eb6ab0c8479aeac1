package conductor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func analysisTemplate(t *testing.T) *Template {
	t.Helper()
	template, err := NewTemplate(TemplateOptions{
		Type: "requirement-analysis",
		Stages: []*StageTemplate{
			{ID: "extract", Capability: "requirement_extraction", Required: true},
			{ID: "classify", Capability: "classification", DependsOn: []string{"extract"}, Required: true},
			{ID: "generate", Capability: "ui_generation", DependsOn: []string{"classify"}, Required: true},
		},
	})
	require.NoError(t, err)
	return template
}

func newTestManager(t *testing.T, executor StageExecutor, templates ...*Template) *Manager {
	t.Helper()
	library := NewLibrary()
	for _, template := range templates {
		library.Add(template)
	}
	scheduler, err := NewScheduler(SchedulerOptions{Executor: executor})
	require.NoError(t, err)
	manager, err := NewManager(ManagerOptions{
		Templates: library,
		Scheduler: scheduler,
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)
	return manager
}

func waitForWorkflow(t *testing.T, manager *Manager, workflowID string) *InstanceSnapshot {
	t.Helper()
	instance, err := manager.Instance(workflowID)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, instance.Wait(ctx))
	return instance.Snapshot()
}

func TestManagerRunsWorkflowToCompletion(t *testing.T) {
	executor := newStubExecutor()
	manager := newTestManager(t, executor, analysisTemplate(t))

	workflowID, err := manager.Start(context.Background(), "requirement-analysis",
		map[string]any{"text": "users need a login page"})
	require.NoError(t, err)
	require.NotEmpty(t, workflowID)

	snapshot := waitForWorkflow(t, manager, workflowID)
	require.Equal(t, InstanceStatusCompleted, snapshot.Status)
	require.False(t, snapshot.StartedAt.IsZero())
	require.False(t, snapshot.EndedAt.IsZero())

	report, err := manager.Result(workflowID)
	require.NoError(t, err)
	require.Equal(t, workflowID, report.WorkflowID)
	require.Equal(t, InstanceStatusCompleted, report.Status)
	require.Equal(t, 3, report.Summary.Completed)
	require.False(t, report.Summary.Degraded)
	require.InDelta(t, 0.9, report.Confidence, 1e-9)
}

func TestManagerUnknownTemplate(t *testing.T) {
	manager := newTestManager(t, newStubExecutor())

	_, err := manager.Start(context.Background(), "no-such-type", nil)
	require.Error(t, err)
	require.True(t, IsErrorType(err, ErrorTypeUnknownTemplate))
}

func TestManagerUnknownWorkflowID(t *testing.T) {
	manager := newTestManager(t, newStubExecutor(), analysisTemplate(t))

	_, err := manager.Status("wf_nope")
	require.True(t, IsErrorType(err, ErrorTypeUnknownWorkflow))
	_, err = manager.Result("wf_nope")
	require.True(t, IsErrorType(err, ErrorTypeUnknownWorkflow))
	_, err = manager.Pause("wf_nope")
	require.True(t, IsErrorType(err, ErrorTypeUnknownWorkflow))
	_, err = manager.Cancel("wf_nope")
	require.True(t, IsErrorType(err, ErrorTypeUnknownWorkflow))
}

func TestManagerResultUnavailableWhileRunning(t *testing.T) {
	executor := newStubExecutor()
	gate := executor.gate("extract")
	manager := newTestManager(t, executor, analysisTemplate(t))

	workflowID, err := manager.Start(context.Background(), "requirement-analysis", nil)
	require.NoError(t, err)

	_, err = manager.Result(workflowID)
	require.Error(t, err)
	require.True(t, IsErrorType(err, ErrorTypeInvalidTransition))

	close(gate)
	snapshot := waitForWorkflow(t, manager, workflowID)
	require.Equal(t, InstanceStatusCompleted, snapshot.Status)

	_, err = manager.Result(workflowID)
	require.NoError(t, err)
}

func TestManagerPauseResume(t *testing.T) {
	executor := newStubExecutor()
	gate := executor.gate("extract")
	manager := newTestManager(t, executor, analysisTemplate(t))

	workflowID, err := manager.Start(context.Background(), "requirement-analysis", nil)
	require.NoError(t, err)

	// Wait until the first stage is actually in flight, then pause.
	require.Eventually(t, func() bool {
		return len(executor.callOrder()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	status, err := manager.Pause(workflowID)
	require.NoError(t, err)
	require.Equal(t, InstanceStatusPaused, status)

	// The in-flight stage still runs to completion; nothing new dispatches.
	close(gate)
	require.Eventually(t, func() bool {
		snapshot, err := manager.Status(workflowID)
		require.NoError(t, err)
		return snapshot.Stages["extract"].Status == StageStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	snapshot, err := manager.Status(workflowID)
	require.NoError(t, err)
	require.Equal(t, InstanceStatusPaused, snapshot.Status)
	require.Equal(t, StageStatusPending, snapshot.Stages["classify"].Status)
	require.Len(t, executor.callOrder(), 1)

	t.Run("pause is not idempotent", func(t *testing.T) {
		_, err := manager.Pause(workflowID)
		require.Error(t, err)
		require.True(t, IsErrorType(err, ErrorTypeInvalidTransition))
	})

	status, err = manager.Resume(workflowID)
	require.NoError(t, err)
	require.Equal(t, InstanceStatusRunning, status)

	final := waitForWorkflow(t, manager, workflowID)
	require.Equal(t, InstanceStatusCompleted, final.Status)

	// The report is indistinguishable from an uninterrupted run.
	report, err := manager.Result(workflowID)
	require.NoError(t, err)
	require.Equal(t, 3, report.Summary.Completed)
	require.Equal(t, 0, report.Summary.Failed)
	require.InDelta(t, 0.9, report.Confidence, 1e-9)
}

func TestManagerResumeRequiresPaused(t *testing.T) {
	executor := newStubExecutor()
	manager := newTestManager(t, executor, analysisTemplate(t))

	workflowID, err := manager.Start(context.Background(), "requirement-analysis", nil)
	require.NoError(t, err)
	waitForWorkflow(t, manager, workflowID)

	_, err = manager.Resume(workflowID)
	require.Error(t, err)
	require.True(t, IsErrorType(err, ErrorTypeInvalidTransition))
}

func TestManagerCancel(t *testing.T) {
	executor := newStubExecutor()
	executor.gate("extract")
	manager := newTestManager(t, executor, analysisTemplate(t))

	workflowID, err := manager.Start(context.Background(), "requirement-analysis", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(executor.callOrder()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	status, err := manager.Cancel(workflowID)
	require.NoError(t, err)
	require.Equal(t, InstanceStatusCancelled, status)

	snapshot := waitForWorkflow(t, manager, workflowID)
	require.Equal(t, InstanceStatusCancelled, snapshot.Status)

	t.Run("cancel is terminal", func(t *testing.T) {
		_, err := manager.Cancel(workflowID)
		require.Error(t, err)
		require.True(t, IsErrorType(err, ErrorTypeInvalidTransition))
	})

	t.Run("cancelled report is available", func(t *testing.T) {
		report, err := manager.Result(workflowID)
		require.NoError(t, err)
		require.Equal(t, InstanceStatusCancelled, report.Status)
	})
}

func TestManagerFailsWhenRequiredStageFails(t *testing.T) {
	executor := newStubExecutor()
	executor.errs["classify"] = NewError(ErrorTypeNoSynthesizer,
		"capability \"classification\" has no degraded-synthesis handler")
	manager := newTestManager(t, executor, analysisTemplate(t))

	workflowID, err := manager.Start(context.Background(), "requirement-analysis", nil)
	require.NoError(t, err)

	snapshot := waitForWorkflow(t, manager, workflowID)
	require.Equal(t, InstanceStatusFailed, snapshot.Status)
	require.Equal(t, StageStatusCompleted, snapshot.Stages["extract"].Status)
	require.Equal(t, StageStatusFailed, snapshot.Stages["classify"].Status)
	require.Equal(t, StageStatusSkipped, snapshot.Stages["generate"].Status)

	report, err := manager.Result(workflowID)
	require.NoError(t, err)
	require.Equal(t, InstanceStatusFailed, report.Status)
	require.Equal(t, 1, report.Summary.Failed)
	require.Equal(t, 1, report.Summary.Skipped)
}

func TestManagerOptionalStageFailureDoesNotFailWorkflow(t *testing.T) {
	template, err := NewTemplate(TemplateOptions{
		Type: "mixed",
		Stages: []*StageTemplate{
			{ID: "core", Capability: "x", Required: true},
			{ID: "extra", Capability: "x"},
		},
	})
	require.NoError(t, err)

	executor := newStubExecutor()
	executor.errs["extra"] = NewError(ErrorTypeNoSynthesizer, "capability \"x\" has no degraded-synthesis handler")
	manager := newTestManager(t, executor, template)

	workflowID, err := manager.Start(context.Background(), "mixed", nil)
	require.NoError(t, err)

	snapshot := waitForWorkflow(t, manager, workflowID)
	require.Equal(t, InstanceStatusCompleted, snapshot.Status)
	require.Equal(t, StageStatusFailed, snapshot.Stages["extra"].Status)
}

func TestManagerDegradedStageStillCompletes(t *testing.T) {
	executor := newStubExecutor()
	executor.results["classify"] = &StageResult{
		StageID:    "classify",
		Degraded:   true,
		Payload:    map[string]any{"source": "local_fallback"},
		Confidence: DegradedConfidence,
	}
	manager := newTestManager(t, executor, analysisTemplate(t))

	workflowID, err := manager.Start(context.Background(), "requirement-analysis", nil)
	require.NoError(t, err)

	snapshot := waitForWorkflow(t, manager, workflowID)
	require.Equal(t, InstanceStatusCompleted, snapshot.Status)

	// Downstream stages run on the degraded result rather than skipping.
	require.Equal(t, StageStatusCompleted, snapshot.Stages["generate"].Status)

	report, err := manager.Result(workflowID)
	require.NoError(t, err)
	require.True(t, report.Summary.Degraded)
	require.True(t, report.Details["classify"].Degraded)
	require.InDelta(t, (0.9+DegradedConfidence+0.9)/3, report.Confidence, 1e-9)
}

func TestManagerConcurrentInstancesAreIndependent(t *testing.T) {
	executor := newStubExecutor()
	manager := newTestManager(t, executor, analysisTemplate(t))

	const instances = 10
	var wg sync.WaitGroup
	ids := make([]string, instances)
	for i := 0; i < instances; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			workflowID, err := manager.Start(context.Background(), "requirement-analysis", nil)
			require.NoError(t, err)
			ids[i] = workflowID
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, workflowID := range ids {
		require.False(t, seen[workflowID], "duplicate workflow id %s", workflowID)
		seen[workflowID] = true
		snapshot := waitForWorkflow(t, manager, workflowID)
		require.Equal(t, InstanceStatusCompleted, snapshot.Status)
		require.Equal(t, workflowID, snapshot.WorkflowID)
	}
}

func TestManagerWorkflowCallbacks(t *testing.T) {
	template := analysisTemplate(t)
	library := NewLibrary()
	library.Add(template)

	callbacks := &recordingCallbacks{}
	scheduler, err := NewScheduler(SchedulerOptions{Executor: newStubExecutor()})
	require.NoError(t, err)
	manager, err := NewManager(ManagerOptions{
		Templates: library,
		Scheduler: scheduler,
		Callbacks: callbacks,
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	workflowID, err := manager.Start(context.Background(), "requirement-analysis", nil)
	require.NoError(t, err)
	waitForWorkflow(t, manager, workflowID)

	events := callbacks.workflowEvents()
	require.Len(t, events, 1)
	require.Equal(t, workflowID, events[0].WorkflowID)
	require.Equal(t, InstanceStatusCompleted, events[0].Status)
	require.Equal(t, 3, events[0].StageCount)
}

// archiveRecorder captures archived reports for janitor tests.
type archiveRecorder struct {
	mu      sync.Mutex
	reports []*FinalReport
}

func (a *archiveRecorder) ArchiveInstance(ctx context.Context, report *FinalReport, snapshot *InstanceSnapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, report)
	return nil
}

func (a *archiveRecorder) archived() []*FinalReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*FinalReport(nil), a.reports...)
}

func TestManagerJanitorArchivesAndEvicts(t *testing.T) {
	library := NewLibrary()
	library.Add(analysisTemplate(t))
	scheduler, err := NewScheduler(SchedulerOptions{Executor: newStubExecutor()})
	require.NoError(t, err)

	archiver := &archiveRecorder{}
	manager, err := NewManager(ManagerOptions{
		Templates:     library,
		Scheduler:     scheduler,
		Archiver:      archiver,
		Retention:     time.Nanosecond,
		SweepInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	workflowID, err := manager.Start(context.Background(), "requirement-analysis", nil)
	require.NoError(t, err)
	waitForWorkflow(t, manager, workflowID)

	require.Eventually(t, func() bool {
		_, err := manager.Status(workflowID)
		return IsErrorType(err, ErrorTypeUnknownWorkflow)
	}, 2*time.Second, 10*time.Millisecond)

	reports := archiver.archived()
	require.Len(t, reports, 1)
	require.Equal(t, workflowID, reports[0].WorkflowID)
	require.Equal(t, InstanceStatusCompleted, reports[0].Status)
}
