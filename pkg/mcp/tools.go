package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("nodeflow.run",
		mcp.WithDescription("Execute a stored workflow or an inline node list"),
		mcp.WithString("workflow_id", mcp.Description("ID of a stored workflow to execute")),
		mcp.WithArray("nodes", mcp.Description("Inline node list, used when workflow_id is empty"),
			mcp.Items(map[string]any{"type": "object"})),
		mcp.WithObject("trigger_input", mcp.Description("Input payload of the trigger node")),
		mcp.WithString("run_id", mcp.Description("ID of a pending run record to execute into")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("nodeflow.define",
		mcp.WithDescription("Validate and store a workflow definition"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithArray("nodes", mcp.Required(), mcp.Description("Ordered node list, trigger first"),
			mcp.Items(map[string]any{"type": "object"})),
		mcp.WithString("id", mcp.Description("Workflow ID (generated when empty, replaced when it exists)")),
		mcp.WithString("description", mcp.Description("Workflow description")),
		mcp.WithString("schedule", mcp.Description("Five-field cron expression or @descriptor")),
		mcp.WithBoolean("enabled", mcp.Description("Whether the scheduler may run the workflow (default: true)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("nodeflow.status",
		mcp.WithDescription("Get a run with its node results"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to read")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("nodeflow.query",
		mcp.WithDescription("Query runs or workflows"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "workflows"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (runs: status, workflow_id, since, started_before, limit, offset; workflows: enabled, scheduled, limit)")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("nodeflow.validate",
		mcp.WithDescription("Validate a workflow definition without storing or running it"),
		mcp.WithArray("nodes", mcp.Required(), mcp.Description("Ordered node list to validate"),
			mcp.Items(map[string]any{"type": "object"})),
		mcp.WithString("schedule", mcp.Description("Cron schedule to validate alongside the nodes")),
	)
}

// --- Handlers ---

// handleRun executes a stored workflow or an inline node list and returns
// the terminal run.
func (s *NodeflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	runID := req.GetString("run_id", "")
	triggerInput := mcp.ParseStringMap(req, "trigger_input", nil)

	var nodes []schema.WorkflowNode
	if workflowID != "" {
		wf, err := s.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow lookup failed: %v", err)), nil
		}
		nodes = wf.Nodes
	} else {
		found, err := decodeArg(req, "nodes", &nodes)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid nodes: %v", err)), nil
		}
		if !found {
			return mcp.NewToolResultError("either workflow_id or nodes is required"), nil
		}
	}

	if result := s.validator.Validate(&schema.Workflow{Nodes: nodes}); !result.Valid() {
		return validationFailure(result)
	}

	if runID != "" {
		existing, err := s.store.GetRun(ctx, runID)
		if err == nil && existing.Status != schema.RunStatusPending {
			return mcp.NewToolResultError(fmt.Sprintf("run %q is already %s", runID, existing.Status)), nil
		}
	}

	run := s.runner.Run(ctx, engine.RunRequest{
		RunID:         runID,
		WorkflowID:    workflowID,
		Nodes:         nodes,
		PlatformToken: s.platformToken,
		TriggerInput:  triggerInput,
		Credentials:   s.credentials,
	})
	s.notifier.RunFinished(run)
	return marshalResult(run)
}

// handleDefine validates and stores a workflow definition.
func (s *NodeflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}

	var nodes []schema.WorkflowNode
	found, err := decodeArg(req, "nodes", &nodes)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid nodes: %v", err)), nil
	}
	if !found {
		return mcp.NewToolResultError("nodes is required"), nil
	}

	wf := &schema.Workflow{
		ID:          req.GetString("id", ""),
		Name:        name,
		Description: req.GetString("description", ""),
		Nodes:       nodes,
		Schedule:    req.GetString("schedule", ""),
		Enabled:     req.GetBool("enabled", true),
	}
	if wf.ID == "" {
		wf.ID = uuid.New().String()
	}

	result := s.validator.Validate(wf)
	if !result.Valid() {
		return validationFailure(result)
	}

	if storeErr := s.store.SaveWorkflow(ctx, wf); storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store workflow: %v", storeErr)), nil
	}

	return marshalResult(map[string]any{
		"id":       wf.ID,
		"name":     wf.Name,
		"schedule": wf.Schedule,
		"enabled":  wf.Enabled,
		"warnings": result.Warnings,
	})
}

// handleStatus returns a stored run.
func (s *NodeflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, getErr := s.store.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}
	return marshalResult(run)
}

// handleQuery lists runs or workflows based on filters.
func (s *NodeflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleValidate reports every issue found in a node list. An invalid
// definition is a successful call whose payload has valid=false.
func (s *NodeflowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var nodes []schema.WorkflowNode
	found, err := decodeArg(req, "nodes", &nodes)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid nodes: %v", err)), nil
	}
	if !found {
		return mcp.NewToolResultError("nodes is required"), nil
	}

	result := s.validator.Validate(&schema.Workflow{Nodes: nodes, Schedule: req.GetString("schedule", "")})
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// --- Query helpers ---

func (s *NodeflowServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		rf.WorkflowID = wfID
	}
	if t, ok := extractTime(filter, "since"); ok {
		rf.Since = &t
	}
	if t, ok := extractTime(filter, "started_before"); ok {
		rf.StartedBefore = &t
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *NodeflowServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		wf.Enabled = &enabled
	}
	if scheduled, ok := filter["scheduled"].(bool); ok {
		wf.Scheduled = scheduled
	}

	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

// --- Internal helpers ---

// decodeArg re-decodes the raw argument key into target. It reports whether
// the argument was present.
func decodeArg(req mcp.CallToolRequest, key string, target any) (bool, error) {
	raw, ok := req.GetArguments()[key]
	if !ok || raw == nil {
		return false, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return true, err
	}
	return true, json.Unmarshal(data, target)
}

// validationFailure returns an error result carrying every validation issue.
func validationFailure(result *schema.ValidationResult) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(result.ToError().Error()), nil
	}
	return mcp.NewToolResultError(fmt.Sprintf("workflow is invalid: %s", data)), nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// extractTime parses an RFC 3339 timestamp from a filter map.
func extractTime(filter map[string]any, key string) (time.Time, bool) {
	s, ok := filter[key].(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
