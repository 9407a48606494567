package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ToolDefinition represents an MCP tool definition.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Client is the interface for interacting with MCP servers.
type Client interface {
	// Start initializes the connection.
	Start(ctx context.Context) error

	// ListTools returns all tools available from the MCP server.
	ListTools(ctx context.Context) ([]ToolDefinition, error)

	// InvokeTool invokes a tool on the MCP server with the given input.
	InvokeTool(ctx context.Context, name string, input map[string]any) (map[string]any, error)

	// Close closes the connection to the MCP server.
	Close() error
}

// protocolVersions are tried in order during initialization.
var protocolVersions = []string{
	mcp.LATEST_PROTOCOL_VERSION,
	"2024-11-05",
}

// Session is a Client over any mcp-go transport.
type Session struct {
	client *client.Client
	target string
	logger zerolog.Logger
}

func newSession(c *client.Client, target string, logger zerolog.Logger) *Session {
	return &Session{client: c, target: target, logger: logger}
}

// Start starts the transport and runs the initialize handshake.
func (s *Session) Start(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	var lastErr error
	for _, version := range protocolVersions {
		initReq := mcp.InitializeRequest{
			Params: mcp.InitializeParams{
				ProtocolVersion: version,
				Capabilities:    mcp.ClientCapabilities{},
				ClientInfo: mcp.Implementation{
					Name:    "relay",
					Version: "1.0.0",
				},
			},
		}
		if _, err := s.client.Initialize(ctx, initReq); err != nil {
			lastErr = err
			s.logger.Warn().Str("protocol_version", version).Err(err).Msg("Initialize failed, trying next protocol version")
			continue
		}
		s.logger.Info().Str("target", s.target).Str("protocol_version", version).Msg("MCP client started")
		return nil
	}
	return fmt.Errorf("failed to initialize MCP client: %w", lastErr)
}

// ListTools returns all tools available from the MCP server.
func (s *Session) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	s.logger.Info().Int("tool_count", len(result.Tools)).Str("target", s.target).Msg("Received tools from MCP server")

	return lo.Map(result.Tools, func(tool mcp.Tool, _ int) ToolDefinition {
		inputSchema := map[string]any{"type": tool.InputSchema.Type}
		if tool.InputSchema.Properties != nil {
			inputSchema["properties"] = tool.InputSchema.Properties
		}
		if len(tool.InputSchema.Required) > 0 {
			inputSchema["required"] = tool.InputSchema.Required
		}
		if len(tool.InputSchema.Defs) > 0 {
			inputSchema["$defs"] = tool.InputSchema.Defs
		}
		return ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: inputSchema,
		}
	}), nil
}

// InvokeTool invokes a tool on the MCP server. Text content is returned under "text";
// a result flagged as an error becomes a Go error carrying that text.
func (s *Session) InvokeTool(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	result, err := s.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: input,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke tool %s: %w", name, err)
	}

	texts := lo.FilterMap(result.Content, func(content mcp.Content, _ int) (string, bool) {
		if tc, ok := mcp.AsTextContent(content); ok {
			return tc.Text, true
		}
		text := mcp.GetTextFromContent(content)
		return text, text != ""
	})

	if result.IsError {
		msg := "tool reported an error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return nil, fmt.Errorf("tool %s: %s", name, msg)
	}

	output := make(map[string]any)
	switch len(texts) {
	case 0:
	case 1:
		output["text"] = texts[0]
	default:
		output["text"] = texts
	}
	return output, nil
}

// Close closes the connection to the MCP server.
func (s *Session) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
