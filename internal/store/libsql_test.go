package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// forEachStore runs fn against both implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s RunStore)) {
	t.Run("libsql", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func seedRun(t *testing.T, s RunStore, mutate func(r *schema.WorkflowRun)) *schema.WorkflowRun {
	t.Helper()
	now := time.Now().UTC()
	r := &schema.WorkflowRun{
		ID:           uuid.New().String(),
		WorkflowID:   "wf-1",
		Status:       schema.RunStatusRunning,
		TriggerInput: map[string]any{"x": "3"},
		StartedAt:    now,
		CreatedAt:    now,
	}
	if mutate != nil {
		mutate(r)
	}
	require.NoError(t, s.CreateRun(context.Background(), r))
	return r
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations(migrationFiles)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "initial_schema", ms[0].Name)
	assert.Equal(t, 2, ms[1].Version)
	assert.Equal(t, "stale_run_index", ms[1].Name)
}

func TestLoadMigrations_BadNames(t *testing.T) {
	_, err := loadMigrations(fstest.MapFS{"migrations/initial.sql": {Data: []byte("SELECT 1")}})
	assert.ErrorContains(t, err, "want NNN_name.sql")

	_, err = loadMigrations(fstest.MapFS{
		"migrations/001_a.sql": {Data: []byte("SELECT 1")},
		"migrations/1_b.sql":   {Data: []byte("SELECT 1")},
	})
	assert.ErrorContains(t, err, "version 1 used by")
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- only a comment\n;CREATE INDEX i ON a (x);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Equal(t, "CREATE INDEX i ON a (x)", stmts[1])
}

func TestRun_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RunStore) {
		ctx := context.Background()
		r := seedRun(t, s, nil)

		got, err := s.GetRun(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.ID, got.ID)
		assert.Equal(t, "wf-1", got.WorkflowID)
		assert.Equal(t, schema.RunStatusRunning, got.Status)
		assert.Equal(t, map[string]any{"x": "3"}, got.TriggerInput)
		assert.Empty(t, got.Results)
		assert.Nil(t, got.CompletedAt)
		assert.WithinDuration(t, r.StartedAt, got.StartedAt, time.Second)

		_, err = s.GetRun(ctx, "missing")
		assert.Equal(t, schema.ErrNotFound, schema.KindOf(err))
	})
}

func TestRun_UpdateToTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RunStore) {
		ctx := context.Background()
		r := seedRun(t, s, nil)

		results := []schema.NodeExecutionResult{
			{ID: "r1", NodeID: "t1", NodeName: "Trigger", Success: true, Output: map[string]any{"x": "3"}},
			{ID: "r2", NodeID: "g1", NodeName: "Gate", Success: false, HaltReason: schema.HaltGateBlocked,
				Error: schema.NewError(schema.ErrGateConditionFailed, "gate condition not met")},
		}
		status := schema.RunStatusFailed
		summary := schema.Summarize(results)
		msg := "gate condition not met"
		done := time.Now().UTC()
		elapsed := int64(42)

		require.NoError(t, s.UpdateRun(ctx, r.ID, RunUpdate{
			Status: &status, Results: results, Summary: &summary,
			Error: &msg, CompletedAt: &done, ExecutionTime: &elapsed,
		}))

		got, err := s.GetRun(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusFailed, got.Status)
		require.Len(t, got.Results, 2)
		assert.Equal(t, schema.HaltGateBlocked, got.Results[1].HaltReason)
		assert.Equal(t, schema.ErrGateConditionFailed, got.Results[1].Error.Kind)
		assert.Equal(t, summary, got.Summary)
		assert.Equal(t, msg, got.Error)
		assert.Equal(t, int64(42), got.ExecutionTime)
		require.NotNil(t, got.CompletedAt)
		assert.WithinDuration(t, done, *got.CompletedAt, time.Second)
	})
}

func TestRun_TerminalIsFinal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RunStore) {
		ctx := context.Background()
		r := seedRun(t, s, func(r *schema.WorkflowRun) { r.Status = schema.RunStatusCompleted })

		failed := schema.RunStatusFailed
		err := s.UpdateRun(ctx, r.ID, RunUpdate{Status: &failed})
		require.Error(t, err)
		assert.Equal(t, schema.ErrInvalidTransition, schema.KindOf(err))

		got, err := s.GetRun(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.RunStatusCompleted, got.Status)

		// Non-status fields can still be written.
		elapsed := int64(7)
		require.NoError(t, s.UpdateRun(ctx, r.ID, RunUpdate{ExecutionTime: &elapsed}))
	})
}

func TestRun_UpdateMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RunStore) {
		status := schema.RunStatusFailed
		err := s.UpdateRun(context.Background(), "missing", RunUpdate{Status: &status})
		assert.Equal(t, schema.ErrNotFound, schema.KindOf(err))
	})
}

func TestRun_List(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RunStore) {
		ctx := context.Background()
		old := time.Now().UTC().Add(-2 * time.Hour)

		stale := seedRun(t, s, func(r *schema.WorkflowRun) { r.StartedAt = old; r.CreatedAt = old })
		seedRun(t, s, nil)
		seedRun(t, s, func(r *schema.WorkflowRun) { r.Status = schema.RunStatusCompleted; r.WorkflowID = "wf-2" })

		all, err := s.ListRuns(ctx, RunFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		running := schema.RunStatusRunning
		cutoff := time.Now().UTC().Add(-time.Hour)
		got, err := s.ListRuns(ctx, RunFilter{Status: &running, StartedBefore: &cutoff})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, stale.ID, got[0].ID)

		got, err = s.ListRuns(ctx, RunFilter{Status: &running, UpdatedBefore: &cutoff})
		require.NoError(t, err)
		assert.Empty(t, got, "stale start time alone does not make a quiet record")

		got, err = s.ListRuns(ctx, RunFilter{WorkflowID: "wf-2"})
		require.NoError(t, err)
		assert.Len(t, got, 1)

		got, err = s.ListRuns(ctx, RunFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, got, 2)
		assert.NotEqual(t, stale.ID, got[0].ID, "newest first")
	})
}

func TestRun_UpdatedBefore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RunStore) {
		ctx := context.Background()
		old := time.Now().UTC().Add(-2 * time.Hour)
		quiet := seedRun(t, s, func(r *schema.WorkflowRun) { r.StartedAt = old; r.CreatedAt = old; r.UpdatedAt = old })
		busy := seedRun(t, s, func(r *schema.WorkflowRun) { r.StartedAt = old; r.CreatedAt = old; r.UpdatedAt = old })

		running := schema.RunStatusRunning
		require.NoError(t, s.UpdateRun(ctx, busy.ID, RunUpdate{Status: &running}))

		cutoff := time.Now().UTC().Add(-time.Hour)
		got, err := s.ListRuns(ctx, RunFilter{Status: &running, UpdatedBefore: &cutoff})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, quiet.ID, got[0].ID)
	})
}

func TestWorkflow_SaveGetListDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s RunStore) {
		ctx := context.Background()
		created := time.Now().UTC().Add(-24 * time.Hour)
		wf := &schema.Workflow{
			ID:   "wf-1",
			Name: "onboarding",
			Nodes: []schema.WorkflowNode{
				{ID: "t1", Name: "Trigger", Kind: schema.NodeKindTrigger, TriggerType: schema.TriggerManual},
				{ID: "h1", Name: "Fetch", Kind: schema.NodeKindAction, ActionType: schema.ActionHTTP,
					Config: json.RawMessage(`{"inputMapping":{"uri":"https://x","method":"GET"}}`)},
			},
			Schedule:  "*/5 * * * *",
			Enabled:   true,
			CreatedAt: created,
		}
		require.NoError(t, s.SaveWorkflow(ctx, wf))
		require.NoError(t, s.SaveWorkflow(ctx, &schema.Workflow{ID: "wf-2", Name: "adhoc", Enabled: false}))

		got, err := s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "onboarding", got.Name)
		require.Len(t, got.Nodes, 2)
		assert.JSONEq(t, `{"inputMapping":{"uri":"https://x","method":"GET"}}`, string(got.Nodes[1].Config))
		assert.True(t, got.Enabled)

		// Re-saving keeps the original creation time.
		wf.Name = "onboarding-v2"
		wf.CreatedAt = time.Time{}
		require.NoError(t, s.SaveWorkflow(ctx, wf))
		got, err = s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "onboarding-v2", got.Name)
		assert.WithinDuration(t, created, got.CreatedAt, time.Second)

		enabled := true
		list, err := s.ListWorkflows(ctx, WorkflowFilter{Enabled: &enabled, Scheduled: true})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "wf-1", list[0].ID)

		list, err = s.ListWorkflows(ctx, WorkflowFilter{})
		require.NoError(t, err)
		assert.Len(t, list, 2)

		require.NoError(t, s.DeleteWorkflow(ctx, "wf-2"))
		_, err = s.GetWorkflow(ctx, "wf-2")
		assert.Equal(t, schema.ErrNotFound, schema.KindOf(err))
		assert.Equal(t, schema.ErrNotFound, schema.KindOf(s.DeleteWorkflow(ctx, "wf-2")))
	})
}

func TestMemoryStore_CopiesRecords(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	r := seedRun(t, s, nil)

	r.TriggerInput["x"] = "mutated"
	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "3", got.TriggerInput["x"])

	assert.Error(t, s.CreateRun(ctx, r), "duplicate id")
}

func TestPageClause(t *testing.T) {
	assert.Equal(t, "", page(0, 0))
	assert.Equal(t, " LIMIT 5", page(5, 0))
	assert.Equal(t, " LIMIT 5 OFFSET 10", page(5, 10))
	assert.Equal(t, " LIMIT -1 OFFSET 3", page(0, 3))
}

func TestClauses(t *testing.T) {
	var q clauses
	assert.Equal(t, "", q.sql())
	q.where("status = ?", "running")
	q.where("schedule IS NOT NULL")
	assert.Equal(t, " WHERE status = ? AND schedule IS NOT NULL", q.sql())
	assert.Equal(t, []any{"running"}, q.args)
}
