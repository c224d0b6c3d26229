package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// Tool server transports.
const (
	TransportSSE  = "sse"
	TransportHTTP = "http"
)

// MCPOpener opens tool servers with the mcp-go client.
type MCPOpener struct {
	ClientName    string
	ClientVersion string
}

// Open connects, initializes the session and lists the server's tools.
// On any failure the partially opened client is closed before returning.
func (o MCPOpener) Open(ctx context.Context, url, transportType string, headers map[string]string) (ToolSet, error) {
	var (
		c   *client.Client
		err error
	)
	switch transportType {
	case TransportSSE:
		c, err = client.NewSSEMCPClient(url, transport.WithHeaders(headers))
	case TransportHTTP:
		c, err = client.NewStreamableHttpClient(url, transport.WithHTTPHeaders(headers))
	default:
		return nil, fmt.Errorf("unsupported tool server type %q", transportType)
	}
	if err != nil {
		return nil, fmt.Errorf("create tool server client: %w", err)
	}

	tools, err := o.handshake(ctx, c)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return &mcpToolSet{client: c, tools: tools}, nil
}

func (o MCPOpener) handshake(ctx context.Context, c *client.Client) ([]Tool, error) {
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start tool server client: %w", err)
	}

	name, version := o.ClientName, o.ClientVersion
	if name == "" {
		name = "nodeflow"
	}
	if version == "" {
		version = "dev"
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: name, Version: version}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("initialize tool server: %w", err)
	}

	list, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	tools := make([]Tool, 0, len(list.Tools))
	for _, t := range list.Tools {
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: inputSchema(t),
		})
	}
	return tools, nil
}

// inputSchema reads the tool's input schema through its JSON form, which
// covers both the structured and the raw schema representation.
func inputSchema(t mcp.Tool) map[string]any {
	b, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	var wire struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return nil
	}
	return wire.InputSchema
}

type mcpToolSet struct {
	client *client.Client
	tools  []Tool
	once   sync.Once
	err    error
}

func (s *mcpToolSet) Tools() []Tool { return s.tools }

func (s *mcpToolSet) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call tool %s: %w", name, err)
	}

	var parts []string
	for _, c := range res.Content {
		if text := mcp.GetTextFromContent(c); text != "" {
			parts = append(parts, text)
		}
	}
	out := strings.Join(parts, "\n")
	if res.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, out)
	}
	return out, nil
}

// Close is idempotent; only the first call reaches the client.
func (s *mcpToolSet) Close() error {
	s.once.Do(func() { s.err = s.client.Close() })
	return s.err
}

var _ ToolServerOpener = MCPOpener{}
