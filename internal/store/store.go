package store

import (
	"context"

	"github.com/rendis/nodeflow/pkg/schema"
)

// RunStore persists workflow runs and workflow definitions.
// All implementations must be safe for concurrent use.
type RunStore interface {
	// Runs
	CreateRun(ctx context.Context, run *schema.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*schema.WorkflowRun, error)
	// UpdateRun applies the non-nil fields of update. Once a run is terminal
	// its status can no longer change.
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.WorkflowRun, error)

	// Workflow definitions
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
