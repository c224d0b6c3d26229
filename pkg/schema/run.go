package schema

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// HaltReason distinguishes an intentional gate stop from a real fault.
type HaltReason string

const (
	HaltNone        HaltReason = ""
	HaltGateBlocked HaltReason = "gate_blocked"
	HaltError       HaltReason = "error"
)

// NodeExecutionResult is the immutable outcome of executing one node.
type NodeExecutionResult struct {
	ID         string         `json:"id"`
	NodeID     string         `json:"nodeId"`
	NodeName   string         `json:"nodeName"`
	Success    bool           `json:"success"`
	Input      map[string]any `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Error      *NodeflowError `json:"error,omitempty"`
	HaltReason HaltReason     `json:"haltReason,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	DurationMs int64          `json:"durationMs"`
}

// RunSummary holds counts derived from a run's results.
type RunSummary struct {
	TotalNodes      int     `json:"totalNodes"`
	SuccessfulNodes int     `json:"successfulNodes"`
	FailedNodes     int     `json:"failedNodes"`
	SuccessRate     float64 `json:"successRate"`
}

// Summarize computes a RunSummary. An empty result list has a 0 success rate.
func Summarize(results []NodeExecutionResult) RunSummary {
	s := RunSummary{TotalNodes: len(results)}
	for _, r := range results {
		if r.Success {
			s.SuccessfulNodes++
		} else {
			s.FailedNodes++
		}
	}
	if s.TotalNodes > 0 {
		s.SuccessRate = float64(s.SuccessfulNodes) / float64(s.TotalNodes) * 100
	}
	return s
}

// WorkflowRun is the durable record of one execution.
type WorkflowRun struct {
	ID            string                `json:"id"`
	WorkflowID    string                `json:"workflowId,omitempty"`
	Status        RunStatus             `json:"status"`
	TriggerInput  map[string]any        `json:"triggerInput,omitempty"`
	Results       []NodeExecutionResult `json:"results"`
	Summary       RunSummary            `json:"summary"`
	Error         string                `json:"error,omitempty"`
	StartedAt     time.Time             `json:"startedAt"`
	CompletedAt   *time.Time            `json:"completedAt,omitempty"`
	ExecutionTime int64                 `json:"executionTime"` // milliseconds
	CreatedAt     time.Time             `json:"createdAt"`
	UpdatedAt     time.Time             `json:"updatedAt"`

	// PersistError is set when the terminal write to the run store failed.
	// It is never stored.
	PersistError string `json:"persistError,omitempty"`
}

// FailedResult returns the first failed result, or nil.
func (r *WorkflowRun) FailedResult() *NodeExecutionResult {
	for i := range r.Results {
		if !r.Results[i].Success {
			return &r.Results[i]
		}
	}
	return nil
}

// MarshalResults encodes results for storage.
func MarshalResults(results []NodeExecutionResult) (json.RawMessage, error) {
	if results == nil {
		results = []NodeExecutionResult{}
	}
	return json.Marshal(results)
}
