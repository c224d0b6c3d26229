package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/executors"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

// mockRunner records Run calls.
type mockRunner struct {
	mu     sync.Mutex
	calls  []engine.RunRequest
	status schema.RunStatus
}

func (r *mockRunner) Run(_ context.Context, req engine.RunRequest) *schema.WorkflowRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	status := r.status
	if status == "" {
		status = schema.RunStatusCompleted
	}
	return &schema.WorkflowRun{ID: "run", WorkflowID: req.WorkflowID, Status: status}
}

func (r *mockRunner) Calls() []engine.RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.RunRequest(nil), r.calls...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestScheduler(t *testing.T, s store.RunStore, runner WorkflowRunner) (*Scheduler, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)}
	sched := NewScheduler(s, runner, Config{
		PlatformToken: "tok",
		Credentials:   executors.Credentials{AIKey: "sk"},
	}, logging.Discard())
	sched.now = clock.Now
	return sched, clock
}

func saveWorkflow(t *testing.T, s store.RunStore, id, schedule string, enabled bool) {
	t.Helper()
	require.NoError(t, s.SaveWorkflow(context.Background(), &schema.Workflow{
		ID:       id,
		Name:     id,
		Schedule: schedule,
		Enabled:  enabled,
		Nodes: []schema.WorkflowNode{
			{ID: "t", Name: "Trigger", Kind: schema.NodeKindTrigger, TriggerType: schema.TriggerEvent},
		},
	}))
}

func TestScheduler_RunsWhenDue(t *testing.T) {
	s := store.NewMemoryStore()
	saveWorkflow(t, s, "every-minute", "* * * * *", true)
	runner := &mockRunner{}
	sched, clock := newTestScheduler(t, s, runner)
	ctx := context.Background()

	sched.tick(ctx)
	assert.Empty(t, runner.Calls(), "first sighting only schedules")
	due, ok := sched.Due("every-minute")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC), due)

	clock.Advance(45 * time.Second)
	sched.tick(ctx)
	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "every-minute", calls[0].WorkflowID)
	assert.Len(t, calls[0].Nodes, 1)
	assert.Equal(t, "tok", calls[0].PlatformToken)
	assert.Equal(t, "sk", calls[0].Credentials.AIKey)
	assert.Equal(t, ScheduleEvent, calls[0].TriggerInput["event"])
	assert.Equal(t, "2026-03-01T10:01:15Z", calls[0].TriggerInput["scheduledAt"])

	// Not due again until the next minute.
	sched.tick(ctx)
	assert.Len(t, runner.Calls(), 1)
	due, _ = sched.Due("every-minute")
	assert.Equal(t, time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC), due)
}

func TestScheduler_SkipsDisabledAndInvalid(t *testing.T) {
	s := store.NewMemoryStore()
	saveWorkflow(t, s, "disabled", "* * * * *", false)
	saveWorkflow(t, s, "broken", "not a cron", true)
	saveWorkflow(t, s, "unscheduled", "", true)
	runner := &mockRunner{}
	sched, clock := newTestScheduler(t, s, runner)

	sched.tick(context.Background())
	clock.Advance(2 * time.Minute)
	sched.tick(context.Background())

	assert.Empty(t, runner.Calls())
	_, ok := sched.Due("disabled")
	assert.False(t, ok)
	_, ok = sched.Due("broken")
	assert.False(t, ok)
}

func TestScheduler_ForgetsRemovedWorkflows(t *testing.T) {
	s := store.NewMemoryStore()
	saveWorkflow(t, s, "wf", "* * * * *", true)
	sched, _ := newTestScheduler(t, s, &mockRunner{})

	sched.tick(context.Background())
	_, ok := sched.Due("wf")
	require.True(t, ok)

	require.NoError(t, s.DeleteWorkflow(context.Background(), "wf"))
	sched.tick(context.Background())
	_, ok = sched.Due("wf")
	assert.False(t, ok)
}

func TestScheduler_ScheduleChangeRecomputes(t *testing.T) {
	s := store.NewMemoryStore()
	saveWorkflow(t, s, "wf", "0 12 * * *", true)
	sched, _ := newTestScheduler(t, s, &mockRunner{})

	sched.tick(context.Background())
	due, _ := sched.Due("wf")
	assert.Equal(t, 12, due.Hour())

	saveWorkflow(t, s, "wf", "0 18 * * *", true)
	sched.tick(context.Background())
	due, _ = sched.Due("wf")
	assert.Equal(t, 18, due.Hour())
}

func TestScheduler_OnRunFinished(t *testing.T) {
	s := store.NewMemoryStore()
	saveWorkflow(t, s, "every-minute", "* * * * *", true)
	runner := &mockRunner{status: schema.RunStatusFailed}
	sched, clock := newTestScheduler(t, s, runner)

	var finished []*schema.WorkflowRun
	sched.config.OnRunFinished = func(run *schema.WorkflowRun) { finished = append(finished, run) }

	sched.tick(context.Background())
	clock.Advance(time.Minute)
	sched.tick(context.Background())

	require.Len(t, finished, 1)
	assert.Equal(t, "every-minute", finished[0].WorkflowID)
	assert.Equal(t, schema.RunStatusFailed, finished[0].Status)
}

func TestScheduler_InflightDedup(t *testing.T) {
	sched, _ := newTestScheduler(t, store.NewMemoryStore(), &mockRunner{})
	assert.True(t, sched.tryAcquire("wf"))
	assert.False(t, sched.tryAcquire("wf"))
	sched.releaseWorkflow("wf")
	assert.True(t, sched.tryAcquire("wf"))
}

func TestScheduler_StartStop(t *testing.T) {
	sched := NewScheduler(store.NewMemoryStore(), &mockRunner{}, Config{TickInterval: time.Hour}, logging.Discard())
	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()))
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

func TestCalculateNextRun(t *testing.T) {
	sched, _ := newTestScheduler(t, store.NewMemoryStore(), &mockRunner{})
	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@hourly", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("61 * * * *", from)
	assert.Error(t, err)
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("0 9 * * 1-5"))
	assert.Error(t, ValidateSchedule("0 9 * *"))
}

func TestScheduler_SkipsDefinitionsFailingValidation(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.SaveWorkflow(context.Background(), &schema.Workflow{
		ID: "late-trigger", Name: "late-trigger", Schedule: "* * * * *", Enabled: true,
		Nodes: []schema.WorkflowNode{
			{ID: "h", Name: "Call", Kind: schema.NodeKindAction, ActionType: schema.ActionHTTP},
			{ID: "t", Name: "Trigger", Kind: schema.NodeKindTrigger, TriggerType: schema.TriggerEvent},
		},
	}))
	saveWorkflow(t, s, "fine", "* * * * *", true)

	wv, err := validation.NewWorkflowValidator(nil)
	require.NoError(t, err)
	runner := &mockRunner{}
	sched, clock := newTestScheduler(t, s, runner)
	sched.config.Validator = wv

	sched.tick(context.Background())
	clock.Advance(time.Minute)
	sched.tick(context.Background())

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "fine", calls[0].WorkflowID)
}
