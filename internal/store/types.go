package store

import (
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// RunUpdate holds the fields to change on a run. Nil fields are left as is.
type RunUpdate struct {
	Status        *schema.RunStatus
	Results       []schema.NodeExecutionResult
	Summary       *schema.RunSummary
	Error         *string
	CompletedAt   *time.Time
	ExecutionTime *int64
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Status        *schema.RunStatus
	WorkflowID    string
	StartedBefore *time.Time
	// UpdatedBefore keeps runs whose record was last written before it.
	UpdatedBefore *time.Time
	Since         *time.Time
	Limit         int
	Offset        int
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	Enabled *bool
	// Scheduled keeps only workflows with a non-empty schedule.
	Scheduled bool
	Limit     int
}

func storeNotFound(resource, id string) *schema.NodeflowError {
	return schema.NewErrorf(schema.ErrNotFound, "%s %q not found", resource, id).
		WithDetails(map[string]any{"resource": resource, "id": id})
}

func terminalRun(id string, status schema.RunStatus, to schema.RunStatus) *schema.NodeflowError {
	return schema.NewErrorf(schema.ErrInvalidTransition, "run %q is %s and cannot move to %s", id, status, to).
		WithDetails(map[string]any{"run_id": id, "from": string(status), "to": string(to)})
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
