package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/nodeflow/pkg/schema"
)

var connPragmas = []string{"journal_mode=WAL", "synchronous=NORMAL", "busy_timeout=5000", "temp_store=MEMORY"}

// LibSQLStore implements RunStore using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/nodeflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// journal_mode answers with a row, so every pragma goes through QueryRow.
	for _, p := range connPragmas {
		var ignored string
		_ = db.QueryRow("PRAGMA " + p).Scan(&ignored)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

const runColumns = `id, workflow_id, status, trigger_input, results, summary, error, started_at, completed_at, execution_time_ms, created_at, updated_at`

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.WorkflowRun) error {
	trigger, err := marshalMapOrDefault(run.TriggerInput)
	if err != nil {
		return fmt.Errorf("marshal trigger_input: %w", err)
	}
	results, err := schema.MarshalResults(run.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.WorkflowID), string(run.Status), string(trigger), string(results), string(summary),
		nullStr(run.Error), timeOrNow(run.StartedAt), nullTime(run.CompletedAt), run.ExecutionTime,
		timeOrNow(run.CreatedAt), timeOrNow(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Results != nil {
		b, err := schema.MarshalResults(update.Results)
		if err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
		sets = append(sets, "results = ?")
		args = append(args, string(b))
	}
	if update.Summary != nil {
		b, err := json.Marshal(update.Summary)
		if err != nil {
			return fmt.Errorf("marshal summary: %w", err)
		}
		sets = append(sets, "summary = ?")
		args = append(args, string(b))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.ExecutionTime != nil {
		sets = append(sets, "execution_time_ms = ?")
		args = append(args, *update.ExecutionTime)
	}

	query := "UPDATE workflow_runs SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	if update.Status != nil {
		// Terminal states are final.
		query += " AND status NOT IN (?, ?)"
		args = append(args, string(schema.RunStatusCompleted), string(schema.RunStatusFailed))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	current, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if update.Status == nil {
		return nil
	}
	return terminalRun(id, current.Status, *update.Status)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.WorkflowRun, error) {
	var q clauses
	if filter.Status != nil {
		q.where("status = ?", string(*filter.Status))
	}
	if filter.WorkflowID != "" {
		q.where("workflow_id = ?", filter.WorkflowID)
	}
	if filter.StartedBefore != nil {
		q.where("started_at < ?", *filter.StartedBefore)
	}
	if filter.UpdatedBefore != nil {
		q.where("updated_at < ?", *filter.UpdatedBefore)
	}
	if filter.Since != nil {
		q.where("created_at >= ?", *filter.Since)
	}

	query := "SELECT " + runColumns + " FROM workflow_runs" + q.sql() +
		" ORDER BY created_at DESC" + page(filter.Limit, filter.Offset)
	runs, err := collect(ctx, s.db, query, q.args, scanRun)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*schema.WorkflowRun, error) {
	run := &schema.WorkflowRun{}
	var (
		workflowID, triggerJSON, summaryJSON, errMsg sql.NullString
		resultsJSON, status                          string
		completedAt                                  sql.NullTime
	)
	if err := row.Scan(&run.ID, &workflowID, &status, &triggerJSON, &resultsJSON, &summaryJSON, &errMsg,
		&run.StartedAt, &completedAt, &run.ExecutionTime, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.WorkflowID = workflowID.String
	run.Status = schema.RunStatus(status)
	run.Error = errMsg.String
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if triggerJSON.Valid && triggerJSON.String != "" {
		if err := json.Unmarshal([]byte(triggerJSON.String), &run.TriggerInput); err != nil {
			return nil, fmt.Errorf("decode trigger_input: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(resultsJSON), &run.Results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		if err := json.Unmarshal([]byte(summaryJSON.String), &run.Summary); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
	}
	return run, nil
}

// --- Workflows ---

const workflowColumns = `id, name, description, nodes, schedule, enabled, created_at, updated_at`

// SaveWorkflow inserts or replaces a definition, keeping its original created_at.
func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *schema.Workflow) error {
	nodes, err := json.Marshal(wf.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description, nodes=excluded.nodes,
		   schedule=excluded.schedule, enabled=excluded.enabled, updated_at=excluded.updated_at`,
		wf.ID, wf.Name, nullStr(wf.Description), string(nodes), nullStr(wf.Schedule), wf.Enabled,
		timeOrNow(wf.CreatedAt), now,
	)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var q clauses
	if filter.Enabled != nil {
		q.where("enabled = ?", *filter.Enabled)
	}
	if filter.Scheduled {
		q.where("schedule IS NOT NULL AND schedule != ''")
	}

	query := "SELECT " + workflowColumns + " FROM workflows" + q.sql() +
		" ORDER BY name ASC" + page(filter.Limit, 0)
	wfs, err := collect(ctx, s.db, query, q.args, scanWorkflow)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return wfs, nil
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	return checkRowsAffected(res, "workflow", id)
}

func scanWorkflow(row rowScanner) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var (
		description, sched sql.NullString
		nodesJSON          string
	)
	if err := row.Scan(&wf.ID, &wf.Name, &description, &nodesJSON, &sched, &wf.Enabled, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Description = description.String
	wf.Schedule = sched.String
	if err := json.Unmarshal([]byte(nodesJSON), &wf.Nodes); err != nil {
		return nil, fmt.Errorf("decode nodes: %w", err)
	}
	return wf, nil
}

// --- helpers ---

// clauses accumulates AND-ed WHERE conditions and their arguments.
type clauses struct {
	conds []string
	args  []any
}

func (c *clauses) where(cond string, args ...any) {
	c.conds = append(c.conds, cond)
	c.args = append(c.args, args...)
}

func (c *clauses) sql() string {
	if len(c.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.conds, " AND ")
}

// page renders LIMIT/OFFSET. A non-positive limit means unbounded; SQLite
// spells that LIMIT -1 when an offset is present.
func page(limit, offset int) string {
	switch {
	case offset > 0 && limit <= 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	case offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	}
	return ""
}

func collect[T any](ctx context.Context, db *sql.DB, query string, args []any, scan func(rowScanner) (T, error)) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ RunStore = (*LibSQLStore)(nil)
