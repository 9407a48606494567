package mcp

import (
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/rs/zerolog"
)

// NewStdioClient creates a client that spawns command and talks MCP over its stdio.
// A command containing spaces is split into the executable and leading arguments.
func NewStdioClient(logger zerolog.Logger, command string, args, env []string) (*Session, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("command is required for STDIO MCP client")
	}

	cmd := parts[0]
	cmdArgs := append(append([]string{}, parts[1:]...), args...)

	logger = logger.With().Str("component", "stdioMCPClient").Str("command", cmd).Logger()
	logger.Debug().Strs("args", cmdArgs).Msg("Creating STDIO MCP client")

	c, err := client.NewStdioMCPClient(cmd, env, cmdArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdio MCP client: %w", err)
	}
	return newSession(c, cmd, logger), nil
}
