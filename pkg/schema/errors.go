package schema

import (
	"errors"
	"fmt"
)

// Error kinds reported on failed node results and by the surrounding layers.
const (
	ErrMissingField           = "MissingField"
	ErrReference              = "ReferenceError"
	ErrHTTP                   = "HttpError"
	ErrHTTPExecution          = "HttpExecutionError"
	ErrActionExecution        = "ActionExecutionError"
	ErrAIExecution            = "AiExecutionError"
	ErrGateConditionFailed    = "GateConditionFailed"
	ErrUnsupportedTriggerType = "UnsupportedTriggerType"
	ErrUnsupportedActionType  = "UnsupportedActionType"
	ErrNodeExecution          = "NodeExecutionError"
	ErrExecutionTimeout       = "ExecutionTimeout"

	ErrValidation        = "ValidationError"
	ErrNotFound          = "NotFound"
	ErrStore             = "StoreError"
	ErrInvalidTransition = "InvalidTransition"
)

// NodeflowError is the structured error type used across the engine.
// It doubles as the serialized error of a failed NodeExecutionResult.
type NodeflowError struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"-"`
	Cause   error          `json:"-"`
}

func (e *NodeflowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *NodeflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new NodeflowError.
func NewError(kind, message string) *NodeflowError {
	return &NodeflowError{Kind: kind, Message: message}
}

// NewErrorf creates a new NodeflowError with a formatted message.
func NewErrorf(kind, format string, args ...any) *NodeflowError {
	return &NodeflowError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *NodeflowError) WithNode(nodeID string) *NodeflowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *NodeflowError) WithCause(err error) *NodeflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *NodeflowError) WithDetails(details map[string]any) *NodeflowError {
	e.Details = details
	return e
}

// KindOf returns the kind of the first NodeflowError in err's chain, or "".
func KindOf(err error) string {
	var nfErr *NodeflowError
	if errors.As(err, &nfErr) {
		return nfErr.Kind
	}
	return ""
}

// AsError converts any error into a *NodeflowError, wrapping foreign errors
// under the fallback kind.
func AsError(err error, fallbackKind string) *NodeflowError {
	if err == nil {
		return nil
	}
	var nfErr *NodeflowError
	if errors.As(err, &nfErr) {
		return nfErr
	}
	return NewError(fallbackKind, err.Error()).WithCause(err)
}
