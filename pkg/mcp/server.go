package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/executors"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Runner executes a run. Satisfied by *engine.Engine.
type Runner interface {
	Run(ctx context.Context, req engine.RunRequest) *schema.WorkflowRun
}

// NodeflowServerDeps holds the dependencies for creating a NodeflowServer.
type NodeflowServerDeps struct {
	Runner    Runner
	Store     store.RunStore
	Validator *validation.WorkflowValidator
	// PlatformToken and Credentials are passed to every run started through
	// the server.
	PlatformToken string
	Credentials   executors.Credentials
	Logger        *slog.Logger
}

// NodeflowServer wraps an MCP server with nodeflow tool handlers.
type NodeflowServer struct {
	runner        Runner
	store         store.RunStore
	validator     *validation.WorkflowValidator
	platformToken string
	credentials   executors.Credentials
	notifier      *RunNotifier
	logger        *slog.Logger
	mcpServer     *server.MCPServer
}

// NewNodeflowServer creates a NodeflowServer with all 5 tools registered.
// A nil Validator is replaced by one with the default expression languages.
func NewNodeflowServer(deps NodeflowServerDeps) (*NodeflowServer, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	validator := deps.Validator
	if validator == nil {
		v, err := validation.NewWorkflowValidator(nil)
		if err != nil {
			return nil, fmt.Errorf("create workflow validator: %w", err)
		}
		validator = v
	}

	s := &NodeflowServer{
		runner:        deps.Runner,
		store:         deps.Store,
		validator:     validator,
		platformToken: deps.PlatformToken,
		credentials:   deps.Credentials,
		logger:        logger,
	}

	mcpSrv := server.NewMCPServer(
		"nodeflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Nodeflow executes linear workflows of trigger, http, platform-action, ai and gate nodes. Use nodeflow.validate to check a node list, nodeflow.define to store a workflow (optionally with a cron schedule), nodeflow.run to execute stored or inline nodes, nodeflow.status to read a run, and nodeflow.query to list runs or workflows."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewRunNotifier(mcpSrv, logger)
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *NodeflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ServeSSE serves the SSE transport on addr until ctx is cancelled.
func (s *NodeflowServer) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sse := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("mcp sse listening", slog.String("addr", addr), slog.String("base_url", baseURL))
		errCh <- sse.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		if err := sse.Shutdown(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("shutdown sse server: %w", err)
		}
		return nil
	}
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *NodeflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Notifier returns the broadcaster for finished runs.
func (s *NodeflowServer) Notifier() *RunNotifier {
	return s.notifier
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *NodeflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: validateTool(), Handler: s.handleValidate},
	}
}
