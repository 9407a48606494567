package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/rs/zerolog"
)

// ErrUnknownTool is returned when no handler or fallback can serve a tool name.
var ErrUnknownTool = errors.New("unknown tool")

// Executor runs a named function with JSON arguments.
type Executor interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, name string, args json.RawMessage) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, name string, args json.RawMessage) (any, error) {
	return f(ctx, name, args)
}

// ToolHandler handles a call to one tool.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// Registry maps tool names to handlers. Names without a handler go to the fallback
// executor when one is set.
type Registry struct {
	mu          sync.RWMutex
	handlers    map[string]ToolHandler
	definitions map[string]llm.Tool
	fallback    Executor
	logger      zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]ToolHandler),
		logger:   logger.With().Str("component", "tool_registry").Logger(),
	}
}

// Register registers a handler for a tool name, replacing any previous one.
func (r *Registry) Register(name string, h ToolHandler) {
	r.logger.Debug().Str("name", name).Msg("Registering tool handler")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// SetFallback sets the executor used for names without a registered handler.
func (r *Registry) SetFallback(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = e
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute dispatches a tool call.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	fallback := r.fallback
	r.mu.RUnlock()

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	var (
		result any
		err    error
	)
	switch {
	case ok:
		r.logger.Info().Str("tool", name).Msg("Executing tool")
		result, err = h(ctx, args)
	case fallback != nil:
		r.logger.Info().Str("tool", name).Msg("Executing tool via fallback")
		result, err = fallback.Execute(ctx, name, args)
	default:
		r.logger.Error().Str("tool", name).Msg("Unknown tool requested")
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if err != nil {
		r.logger.Warn().Str("tool", name).Err(err).Msg("Tool returned error")
		return nil, err
	}
	if r.logger.GetLevel() <= zerolog.DebugLevel {
		if b, e := json.Marshal(result); e == nil {
			s := string(b)
			if len(s) > 500 {
				s = s[:500] + "... (truncated)"
			}
			r.logger.Debug().Str("tool", name).Str("result", s).Msg("Tool returned result")
		}
	}
	return result, nil
}

// RemoteCaller represents something that can call a remote tool backend.
type RemoteCaller interface {
	Call(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error)
}

// RegisterRemoteTool registers a tool whose implementation is provided by a RemoteCaller.
func (r *Registry) RegisterRemoteTool(name string, caller RemoteCaller) {
	r.Register(name, func(ctx context.Context, args json.RawMessage) (any, error) {
		return callRemote(ctx, caller, name, args, r.logger)
	})
}

// RemoteExecutor serves every tool name through one RemoteCaller.
func RemoteExecutor(caller RemoteCaller, logger zerolog.Logger) Executor {
	return ExecutorFunc(func(ctx context.Context, name string, args json.RawMessage) (any, error) {
		return callRemote(ctx, caller, name, args, logger)
	})
}

func callRemote(ctx context.Context, caller RemoteCaller, name string, args json.RawMessage, logger zerolog.Logger) (any, error) {
	resp, err := caller.Call(ctx, name, args)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		logger.Warn().Str("name", name).Msg("Remote tool returned empty response")
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(resp, &out); err != nil {
		logger.Warn().Str("name", name).Err(err).Msg("Remote tool returned non-JSON; returning raw")
		return string(resp), nil
	}
	return out, nil
}

// MCPToolInvoker represents something that can invoke an MCP tool.
type MCPToolInvoker interface {
	InvokeTool(ctx context.Context, originalName string, input map[string]any) (map[string]any, error)
}

// RegisterMCPTool registers a tool whose implementation is provided by an MCP client.
// safeName is the name exposed to the model; originalName is the MCP tool name.
func (r *Registry) RegisterMCPTool(safeName, originalName string, invoker MCPToolInvoker) {
	r.Register(safeName, func(ctx context.Context, args json.RawMessage) (any, error) {
		var input map[string]any
		if err := json.Unmarshal(args, &input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool arguments: %w", err)
		}
		return invoker.InvokeTool(ctx, originalName, input)
	})
}
