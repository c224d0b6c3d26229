package engine

import (
	"sync"

	"github.com/rendis/nodeflow/pkg/schema"
)

// TransitionHook is called after a run state transition.
type TransitionHook func(runID string, from, to schema.RunStatus)

// ValidRunTransitions defines the allowed state transitions for runs.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}

// RunFSM validates run lifecycle transitions and notifies hooks.
type RunFSM struct {
	mu    sync.Mutex
	hooks []TransitionHook
}

// NewRunFSM creates an FSM with no hooks.
func NewRunFSM() *RunFSM {
	return &RunFSM{}
}

// OnTransition registers a hook called after every successful transition.
func (f *RunFSM) OnTransition(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hook)
}

// Transition moves run to the given status or returns an InvalidTransition
// error leaving run untouched.
func (f *RunFSM) Transition(run *schema.WorkflowRun, to schema.RunStatus) error {
	from := run.Status
	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrInvalidTransition, "invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(from), "to": string(to)})
	}
	run.Status = to

	f.mu.Lock()
	hooks := append([]TransitionHook(nil), f.hooks...)
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(run.ID, from, to)
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
