// Package ai wraps the model provider and external tool servers used by AI
// nodes.
package ai

import "context"

// Tool is one callable function exposed to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolSet is an open connection to a tool server. Close must be called
// exactly once by whoever opened it.
type ToolSet interface {
	Tools() []Tool
	Call(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// ToolServerOpener opens a scoped tool server connection. transportType is
// "sse" or "http".
type ToolServerOpener interface {
	Open(ctx context.Context, url, transportType string, headers map[string]string) (ToolSet, error)
}

// GenerateRequest is a single model call. A nil Schema means plain text
// generation; a nil Tools means no tool use.
type GenerateRequest struct {
	Model  string
	System string
	Prompt string
	Schema map[string]any
	Tools  ToolSet
}

// GenerateResponse carries the final model reply. Value is set only when the
// request had a Schema and holds the decoded JSON reply.
type GenerateResponse struct {
	Text  string
	Value any
}

// Model generates a reply for one request.
type Model interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

// Config selects provider credentials for a model.
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	MaxToolRounds int
}

// Factory builds a Model from per-run credentials.
type Factory func(cfg Config) (Model, error)
