package executors

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/rendis/nodeflow/internal/ai"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/pkg/schema"
)

const previousStepsHeader = "Available data from previous steps:"

// AIExecutor calls the model, optionally with tools from an external tool
// server that is open only for the duration of this node.
type AIExecutor struct {
	models        ai.Factory
	tools         ai.ToolServerOpener
	maxToolRounds int
	logger        *slog.Logger
}

func (e *AIExecutor) Execute(ctx context.Context, node *schema.WorkflowNode, input map[string]any, rc *RunContext) schema.NodeExecutionResult {
	cfg, cerr := decodeConfig[*schema.AIConfig](node)
	if cerr != nil {
		return Failure(node, input, nil, cerr)
	}
	fail := func(msg string, err error) schema.NodeExecutionResult {
		nerr := schema.NewError(schema.ErrAIExecution, msg)
		if err != nil {
			nerr = schema.NewError(schema.ErrAIExecution, msg+": "+err.Error()).WithCause(err)
		}
		return Failure(node, input, nil, nerr)
	}

	prompt := cfg.Prompt
	if p, ok := input["prompt"].(string); ok && p != "" {
		prompt = p
	}
	if strings.TrimSpace(prompt) == "" {
		return fail("ai node requires a non-empty prompt", nil)
	}

	var outSchema *ai.OutputSchema
	if cfg.Structured() {
		s, err := ai.CompileOutputSchema(cfg.OutputSchema)
		if err != nil {
			return fail("invalid output schema", err)
		}
		outSchema = s
	}

	model, err := e.models(ai.Config{
		APIKey:        rc.Credentials.AIKey,
		BaseURL:       rc.Credentials.AIBaseURL,
		Model:         rc.Credentials.AIModel,
		MaxToolRounds: e.maxToolRounds,
	})
	if err != nil {
		return fail("model unavailable", err)
	}

	req := ai.GenerateRequest{
		Model:  cfg.Model,
		System: cfg.System,
		Prompt: buildPrompt(prompt, input, rc.PreviousResults),
	}
	if outSchema != nil {
		req.Schema = outSchema.Canonical
	}

	if cfg.MCP != nil && cfg.MCP.URL != "" {
		tools, err := e.tools.Open(ctx, cfg.MCP.URL, cfg.MCP.Type, cfg.MCP.Headers)
		if err != nil {
			logging.LogWith(ctx, e.logger).Warn("tool server unavailable, continuing without tools",
				slog.String("url", cfg.MCP.URL), slog.String("type", cfg.MCP.Type), slog.String("error", err.Error()))
		} else {
			defer func() {
				if err := tools.Close(); err != nil {
					logging.LogWith(ctx, e.logger).Warn("close tool server", slog.String("error", err.Error()))
				}
			}()
			req.Tools = tools
		}
	}

	resp, err := model.Generate(ctx, req)
	if err != nil {
		return fail("model call failed", err)
	}

	if outSchema == nil {
		return Success(node, input, map[string]any{"text": resp.Text})
	}
	if err := outSchema.Validate(resp.Value); err != nil {
		return fail("structured output rejected", err)
	}
	return Success(node, input, resp.Value)
}

// buildPrompt prefixes the prompt with a snapshot of every prior node's
// output keyed by node name, plus the node's own resolved inputs.
func buildPrompt(prompt string, input map[string]any, prior []schema.NodeExecutionResult) string {
	snapshot := make(map[string]any, len(prior))
	for _, r := range prior {
		snapshot[r.NodeName] = r.Output
	}

	var b strings.Builder
	b.WriteString(previousStepsHeader)
	b.WriteString("\n")
	b.WriteString(marshalIndent(snapshot))
	b.WriteString("\n\n")

	extra := make(map[string]any, len(input))
	for k, v := range input {
		if k != "prompt" {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		b.WriteString("Inputs:\n")
		b.WriteString(marshalIndent(extra))
		b.WriteString("\n\n")
	}
	b.WriteString(prompt)
	return b.String()
}

func marshalIndent(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
