package mcp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/ai"
)

// TestServeSSE_StartStop verifies that the SSE server starts, accepts connections, and shuts down.
func TestServeSSE_StartStop(t *testing.T) {
	env := newTestEnv(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	baseURL := "http://" + addr

	errCh := make(chan error, 1)
	go func() {
		errCh <- env.server.ServeSSE(ctx, addr, baseURL)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/sse")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 3*time.Second, 50*time.Millisecond, "SSE server did not start")

	cancel()

	select {
	case srvErr := <-errCh:
		assert.NoError(t, srvErr)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

// TestSSE_ToolServerClient drives the tools through the same client AI nodes
// use for external tool servers.
func TestSSE_ToolServerClient(t *testing.T) {
	env := newTestEnv(t)
	ts := server.NewTestServer(env.server.MCPServer())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tools, err := ai.MCPOpener{ClientName: "sse-test"}.Open(ctx, ts.URL+"/sse", ai.TransportSSE, nil)
	require.NoError(t, err)
	defer tools.Close()

	names := make([]string, 0, len(tools.Tools()))
	for _, tool := range tools.Tools() {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"nodeflow.run", "nodeflow.define", "nodeflow.status", "nodeflow.query", "nodeflow.validate"}, names)

	out, err := tools.Call(ctx, "nodeflow.run", map[string]any{
		"nodes":         []any{trigger(), gate("$.Trigger.x", "3")},
		"trigger_input": map[string]any{"x": "3"},
	})
	require.NoError(t, err)

	var run struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, "completed", run.Status)

	_, err = tools.Call(ctx, "nodeflow.status", map[string]any{"run_id": "ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
