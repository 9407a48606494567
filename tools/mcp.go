package tools

import (
	"context"
	"sort"

	"github.com/aschepis/backscratcher/relay/config"
	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/mcp"
	"github.com/rs/zerolog"
)

// Define records the function definition advertised to the model for name.
func (r *Registry) Define(name, description string, parameters map[string]any) {
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.definitions == nil {
		r.definitions = make(map[string]llm.Tool)
	}
	r.definitions[name] = llm.Tool{
		"type":        llm.ToolTypeFunction,
		"name":        name,
		"description": description,
		"parameters":  parameters,
	}
}

// Definitions returns the advertised function definitions sorted by name.
func (r *Registry) Definitions() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.definitions[name])
	}
	return out
}

// RegisterMCPServers connects to every configured MCP server and registers its tools.
// Servers that fail to start are logged and skipped. The returned clients must be
// closed by the caller.
func (r *Registry) RegisterMCPServers(ctx context.Context, servers map[string]*config.MCPServerConfig) []mcp.Client {
	if len(servers) == 0 {
		return nil
	}

	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	adapter := mcp.NewNameAdapter()
	var clients []mcp.Client
	for _, serverName := range names {
		serverConfig := servers[serverName]
		log := r.logger.With().Str("mcp_server", serverName).Logger()
		if serverConfig == nil {
			log.Warn().Msg("MCP server has nil config, skipping")
			continue
		}

		var (
			client mcp.Client
			err    error
		)
		switch {
		case serverConfig.Command != "":
			client, err = mcp.NewStdioClient(r.logger, serverConfig.Command, serverConfig.Args, serverConfig.Env)
		case serverConfig.URL != "":
			client, err = mcp.NewHTTPClient(r.logger, serverConfig.URL)
		default:
			log.Warn().Msg("MCP server has neither command nor url, skipping")
			continue
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to create MCP client")
			continue
		}

		if err := r.registerMCPClient(ctx, adapter, client, log); err != nil {
			log.Error().Err(err).Msg("Failed to register MCP server")
			_ = client.Close()
			continue
		}
		clients = append(clients, client)
	}
	return clients
}

func (r *Registry) registerMCPClient(ctx context.Context, adapter *mcp.NameAdapter, client mcp.Client, log zerolog.Logger) error {
	if err := client.Start(ctx); err != nil {
		return err
	}
	defs, err := client.ListTools(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		safeName, ok := adapter.GetSafeName(def.Name)
		if !ok {
			log.Warn().Str("tool", def.Name).Str("safe_name", safeName).Msg("Tool name collides with another MCP tool, skipping")
			continue
		}
		r.RegisterMCPTool(safeName, def.Name, client)
		r.Define(safeName, def.Description, def.InputSchema)
	}
	log.Info().Int("count", len(defs)).Msg("Registered tools from MCP server")
	return nil
}
