package conductor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubExecutor is a deterministic StageExecutor for scheduler and manager
// tests. Stages succeed with confidence 0.9 unless overridden.
type stubExecutor struct {
	mu        sync.Mutex
	calls     []StageCall
	active    int
	maxActive int

	results map[string]*StageResult
	errs    map[string]error
	gates   map[string]chan struct{}
	delay   time.Duration
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{
		results: map[string]*StageResult{},
		errs:    map[string]error{},
		gates:   map[string]chan struct{}{},
	}
}

func (s *stubExecutor) gate(stageID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	s.gates[stageID] = gate
	return gate
}

func (s *stubExecutor) callOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := make([]string, len(s.calls))
	for i, call := range s.calls {
		order[i] = call.StageID
	}
	return order
}

func (s *stubExecutor) Execute(ctx context.Context, call StageCall) (*StageResult, []BackendAttempt, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	gate := s.gates[call.StageID]
	delay := s.delay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	if err, ok := s.errs[call.StageID]; ok {
		return nil, nil, err
	}
	if result, ok := s.results[call.StageID]; ok {
		return result.Copy(), nil, nil
	}
	return &StageResult{
		StageID:    call.StageID,
		Succeeded:  true,
		Payload:    map[string]any{"stage": call.StageID},
		Confidence: 0.9,
	}, nil, nil
}

func newTestInstance(t *testing.T, template *Template, payload map[string]any) *Instance {
	t.Helper()
	return &Instance{
		state:    newInstanceState(NewWorkflowID(), template, payload),
		template: template,
		cancel:   func() {},
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func runScheduler(t *testing.T, scheduler *Scheduler, instance *Instance) {
	t.Helper()
	require.NoError(t, instance.state.Transition(InstanceStatusRunning, InstanceStatusPending))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	scheduler.Run(ctx, instance)
	require.NoError(t, ctx.Err())
}

func TestSchedulerRespectsDependencyOrder(t *testing.T) {
	template, err := NewTemplate(TemplateOptions{
		Type: "diamond",
		Stages: []*StageTemplate{
			{ID: "fetch", Capability: "x"},
			{ID: "left", Capability: "x", DependsOn: []string{"fetch"}},
			{ID: "right", Capability: "x", DependsOn: []string{"fetch"}},
			{ID: "merge", Capability: "x", DependsOn: []string{"left", "right"}},
		},
	})
	require.NoError(t, err)

	executor := newStubExecutor()
	scheduler, err := NewScheduler(SchedulerOptions{Executor: executor})
	require.NoError(t, err)

	instance := newTestInstance(t, template, nil)
	runScheduler(t, scheduler, instance)

	order := executor.callOrder()
	require.Len(t, order, 4)
	require.Equal(t, "fetch", order[0])
	require.Equal(t, "merge", order[3])
	require.ElementsMatch(t, []string{"left", "right"}, order[1:3])

	snapshot := instance.Snapshot()
	for _, record := range snapshot.Stages {
		require.Equal(t, StageStatusCompleted, record.Status)
	}
	require.InDelta(t, 1.0, snapshot.Progress(), 1e-9)
}

func TestSchedulerSequentialDispatchIsDeterministic(t *testing.T) {
	template, err := NewTemplate(TemplateOptions{
		Type: "independent",
		Stages: []*StageTemplate{
			{ID: "zeta", Capability: "x"},
			{ID: "alpha", Capability: "x"},
			{ID: "mu", Capability: "x"},
		},
	})
	require.NoError(t, err)

	executor := newStubExecutor()
	scheduler, err := NewScheduler(SchedulerOptions{Executor: executor, Workers: 1})
	require.NoError(t, err)

	instance := newTestInstance(t, template, nil)
	runScheduler(t, scheduler, instance)

	// With one worker, independent stages run in declaration order.
	require.Equal(t, []string{"zeta", "alpha", "mu"}, executor.callOrder())
}

func TestSchedulerWorkerBound(t *testing.T) {
	stages := make([]*StageTemplate, 6)
	for i, id := range []string{"a", "b", "c", "d", "e", "f"} {
		stages[i] = &StageTemplate{ID: id, Capability: "x"}
	}
	template, err := NewTemplate(TemplateOptions{Type: "wide", Stages: stages})
	require.NoError(t, err)

	executor := newStubExecutor()
	executor.delay = 20 * time.Millisecond
	scheduler, err := NewScheduler(SchedulerOptions{Executor: executor, Workers: 2})
	require.NoError(t, err)

	instance := newTestInstance(t, template, nil)
	runScheduler(t, scheduler, instance)

	require.Len(t, executor.calls, 6)
	require.LessOrEqual(t, executor.maxActive, 2)
}

func TestSchedulerSkipsDependentsOfFailedStage(t *testing.T) {
	template, err := NewTemplate(TemplateOptions{
		Type: "chain",
		Stages: []*StageTemplate{
			{ID: "a", Capability: "x"},
			{ID: "b", Capability: "x", DependsOn: []string{"a"}},
			{ID: "c", Capability: "x", DependsOn: []string{"b"}},
			{ID: "d", Capability: "x"},
		},
	})
	require.NoError(t, err)

	executor := newStubExecutor()
	executor.errs["a"] = NewError(ErrorTypeNoSynthesizer, "capability \"x\" has no degraded-synthesis handler")
	scheduler, err := NewScheduler(SchedulerOptions{Executor: executor})
	require.NoError(t, err)

	instance := newTestInstance(t, template, nil)
	runScheduler(t, scheduler, instance)

	snapshot := instance.Snapshot()
	require.Equal(t, StageStatusFailed, snapshot.Stages["a"].Status)
	require.Equal(t, StageStatusSkipped, snapshot.Stages["b"].Status)
	require.Equal(t, StageStatusSkipped, snapshot.Stages["c"].Status)
	require.Equal(t, StageStatusCompleted, snapshot.Stages["d"].Status)

	// Skipped stages were never handed to the executor.
	require.ElementsMatch(t, []string{"a", "d"}, executor.callOrder())
}

func TestSchedulerPassesStageTimeouts(t *testing.T) {
	template, err := NewTemplate(TemplateOptions{
		Type: "timeouts",
		Stages: []*StageTemplate{
			{ID: "custom", Capability: "x", Timeout: 2 * time.Second},
			{ID: "inherited", Capability: "x"},
		},
		StageTimeout: 7 * time.Second,
	})
	require.NoError(t, err)

	executor := newStubExecutor()
	scheduler, err := NewScheduler(SchedulerOptions{
		Executor:      executor,
		CeilingFactor: 3,
	})
	require.NoError(t, err)

	instance := newTestInstance(t, template, map[string]any{"text": "hello"})
	runScheduler(t, scheduler, instance)

	require.Len(t, executor.calls, 2)
	byStage := map[string]StageCall{}
	for _, call := range executor.calls {
		byStage[call.StageID] = call
	}
	require.Equal(t, 2*time.Second, byStage["custom"].PerCandidateTimeout)
	require.Equal(t, 6*time.Second, byStage["custom"].Ceiling)
	require.Equal(t, 7*time.Second, byStage["inherited"].PerCandidateTimeout)
	require.Equal(t, 21*time.Second, byStage["inherited"].Ceiling)
	require.Equal(t, "hello", byStage["custom"].Payload["text"])
	require.Equal(t, instance.ID(), byStage["custom"].WorkflowID)
}

func TestSchedulerStageCallbacks(t *testing.T) {
	template, err := NewTemplate(TemplateOptions{
		Type: "observed",
		Stages: []*StageTemplate{
			{ID: "only", Capability: "analysis"},
		},
	})
	require.NoError(t, err)

	callbacks := &recordingCallbacks{}
	executor := newStubExecutor()
	scheduler, err := NewScheduler(SchedulerOptions{Executor: executor, Callbacks: callbacks})
	require.NoError(t, err)

	instance := newTestInstance(t, template, nil)
	runScheduler(t, scheduler, instance)

	before, after := callbacks.stageEvents()
	require.Len(t, before, 1)
	require.Len(t, after, 1)
	require.Equal(t, "only", before[0].StageID)
	require.Equal(t, "analysis", before[0].Capability)
	require.Equal(t, StageStatusRunning, before[0].Status)
	require.Equal(t, StageStatusCompleted, after[0].Status)
	require.False(t, after[0].Degraded)
}

// recordingCallbacks captures events for assertions.
type recordingCallbacks struct {
	BaseCallbacks
	mu          sync.Mutex
	beforeStage []*StageEvent
	afterStage  []*StageEvent
	workflows   []*WorkflowEvent
}

func (c *recordingCallbacks) BeforeStage(ctx context.Context, event *StageEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beforeStage = append(c.beforeStage, event)
}

func (c *recordingCallbacks) AfterStage(ctx context.Context, event *StageEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.afterStage = append(c.afterStage, event)
}

func (c *recordingCallbacks) AfterWorkflow(ctx context.Context, event *WorkflowEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workflows = append(c.workflows, event)
}

func (c *recordingCallbacks) stageEvents() (before, after []*StageEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beforeStage, c.afterStage
}

func (c *recordingCallbacks) workflowEvents() []*WorkflowEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workflows
}
