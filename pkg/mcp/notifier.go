package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nodeflow/pkg/schema"
)

// RunFinishedMethod is the notification method sent when a run ends.
const RunFinishedMethod = "notifications/nodeflow/run_finished"

// RunNotifier pushes run completion notices to every connected client.
type RunNotifier struct {
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

// NewRunNotifier creates a notifier that broadcasts through mcpServer.
func NewRunNotifier(mcpServer *server.MCPServer, logger *slog.Logger) *RunNotifier {
	return &RunNotifier{mcpServer: mcpServer, logger: logger}
}

// RunFinished broadcasts a summary of run. Best-effort: clients that are not
// connected never see it.
func (n *RunNotifier) RunFinished(run *schema.WorkflowRun) {
	if run == nil {
		return
	}
	n.mcpServer.SendNotificationToAllClients(RunFinishedMethod, runNotice(run))
	n.logger.Debug("run finished notification sent", slog.String("run_id", run.ID))
}

func runNotice(run *schema.WorkflowRun) map[string]any {
	notice := map[string]any{
		"run_id":       run.ID,
		"status":       string(run.Status),
		"total_nodes":  run.Summary.TotalNodes,
		"successful":   run.Summary.SuccessfulNodes,
		"failed":       run.Summary.FailedNodes,
		"execution_ms": run.ExecutionTime,
	}
	if run.WorkflowID != "" {
		notice["workflow_id"] = run.WorkflowID
	}
	if run.Error != "" {
		notice["error"] = run.Error
	}
	return notice
}
