package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

const (
	// DefaultModel is used when neither the node nor the run names a model.
	DefaultModel = openai.GPT4oMini
	// DefaultMaxToolRounds bounds the function-calling loop.
	DefaultMaxToolRounds = 8

	outputSchemaName = "node_output"
)

// OpenAIModel implements Model over the OpenAI chat completions API or any
// compatible endpoint.
type OpenAIModel struct {
	client        *openai.Client
	model         string
	maxToolRounds int
}

// NewOpenAIModel creates a model client. An API key is required.
func NewOpenAIModel(cfg Config, httpClient *http.Client) (*OpenAIModel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("missing AI provider API key")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		oc.HTTPClient = httpClient
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	rounds := cfg.MaxToolRounds
	if rounds <= 0 {
		rounds = DefaultMaxToolRounds
	}
	return &OpenAIModel{
		client:        openai.NewClientWithConfig(oc),
		model:         model,
		maxToolRounds: rounds,
	}, nil
}

// OpenAIFactory is the default Factory.
func OpenAIFactory(cfg Config) (Model, error) {
	return NewOpenAIModel(cfg, nil)
}

// Generate runs one chat completion, looping through tool calls until the
// model answers without calling a tool.
func (m *OpenAIModel) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = m.model
	}

	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	creq := openai.ChatCompletionRequest{Model: model}
	if req.Schema != nil {
		raw, err := json.Marshal(req.Schema)
		if err != nil {
			return GenerateResponse{}, fmt.Errorf("marshal output schema: %w", err)
		}
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   outputSchemaName,
				Schema: json.RawMessage(raw),
			},
		}
	}
	if req.Tools != nil {
		creq.Tools = toOpenAITools(req.Tools.Tools())
	}

	for round := 0; ; round++ {
		creq.Messages = messages
		resp, err := m.client.CreateChatCompletion(ctx, creq)
		if err != nil {
			return GenerateResponse{}, fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return GenerateResponse{}, errors.New("chat completion returned no choices")
		}
		msg := resp.Choices[0].Message

		if len(msg.ToolCalls) == 0 || req.Tools == nil {
			return finalResponse(msg.Content, req.Schema != nil)
		}
		if round >= m.maxToolRounds {
			return GenerateResponse{}, fmt.Errorf("model exceeded %d tool rounds", m.maxToolRounds)
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    callTool(ctx, req.Tools, call),
				ToolCallID: call.ID,
			})
		}
	}
}

// callTool runs one tool call. Tool failures are reported back to the model
// as text so it can recover.
func callTool(ctx context.Context, tools ToolSet, call openai.ToolCall) string {
	args := map[string]any{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return fmt.Sprintf("error: invalid tool arguments: %v", err)
		}
	}
	out, err := tools.Call(ctx, call.Function.Name, args)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return out
}

func finalResponse(content string, structured bool) (GenerateResponse, error) {
	resp := GenerateResponse{Text: content}
	if !structured {
		return resp, nil
	}
	if err := json.Unmarshal([]byte(content), &resp.Value); err != nil {
		return GenerateResponse{}, fmt.Errorf("model reply is not valid JSON: %w", err)
	}
	return resp, nil
}

func toOpenAITools(tools []Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

var _ Model = (*OpenAIModel)(nil)
