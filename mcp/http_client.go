package mcp

import (
	"fmt"
	"net/url"

	"github.com/mark3labs/mcp-go/client"
	"github.com/rs/zerolog"
)

// NewHTTPClient creates a client for a streamable HTTP MCP server.
func NewHTTPClient(logger zerolog.Logger, baseURL string) (*Session, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required for HTTP MCP client")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}

	logger = logger.With().Str("component", "httpMCPClient").Str("base_url", baseURL).Logger()
	c, err := client.NewStreamableHttpClient(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP MCP client: %w", err)
	}
	return newSession(c, baseURL, logger), nil
}
