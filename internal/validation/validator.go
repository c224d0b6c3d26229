package validation

import "github.com/rendis/nodeflow/pkg/schema"

// Validator checks workflow definitions for correctness before they are
// stored or executed.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
	ValidateNodes(nodes []schema.WorkflowNode) error
}

var _ Validator = (*WorkflowValidator)(nil)
