package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sourcegraph/conc/pool"

	"github.com/elee1766/threadloom/src/aisdk"
	"github.com/elee1766/threadloom/src/mcp"
	"github.com/elee1766/threadloom/src/thread"
)

// ToolExecutor is a function type for tool execution
type ToolExecutor func(ctx context.Context, tool Tool, call *Call) (any, error)

// ToolMiddleware is a function that wraps a ToolExecutor to add functionality.
type ToolMiddleware func(next ToolExecutor) ToolExecutor

// Toolbox holds local tools and the tools discovered on MCP servers.
type Toolbox struct {
	logger *slog.Logger

	mu         sync.RWMutex
	local      map[string]Tool
	remote     map[string]Tool
	middleware []ToolMiddleware
	filter     func(name string) bool
}

// NewToolbox creates a new tool manager.
func NewToolbox(logger *slog.Logger) *Toolbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolbox{
		logger: logger.With("component", "toolbox"),
		local:  make(map[string]Tool),
		remote: make(map[string]Tool),
	}
}

// RegisterTool registers a local tool. Local tools shadow remote ones.
func (tb *Toolbox) RegisterTool(tool Tool) error {
	if tool.GetName() == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()
	if _, exists := tb.local[tool.GetName()]; exists {
		return fmt.Errorf("tool %s is already registered", tool.GetName())
	}
	tb.local[tool.GetName()] = tool
	return nil
}

// RegisterMiddleware registers middleware that will be applied to all tool executions.
// Middleware is applied in the order it's registered (first registered = outermost layer).
func (tb *Toolbox) RegisterMiddleware(middleware ToolMiddleware) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.middleware = append(tb.middleware, middleware)
}

// SetFilter hides remote tools whose name filter rejects. It applies from
// the next Refresh.
func (tb *Toolbox) SetFilter(filter func(name string) bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.filter = filter
}

// Refresh lists tools on every source in parallel and replaces the remote
// tool set. When two sources offer the same name the earlier source wins.
// A failing source is skipped; its error is returned joined with the others
// after the successful sources have been applied.
func (tb *Toolbox) Refresh(ctx context.Context, sources []ToolSource) error {
	listed := make([][]*sdk.Tool, len(sources))
	errs := make([]error, len(sources))

	p := pool.New().WithContext(ctx)
	for i, src := range sources {
		p.Go(func(ctx context.Context) error {
			tools, err := src.ListTools(ctx)
			if err != nil {
				errs[i] = fmt.Errorf("list tools on %s: %w", src.Name(), err)
				return nil
			}
			listed[i] = tools
			return nil
		})
	}
	p.Wait()

	tb.mu.RLock()
	filter := tb.filter
	tb.mu.RUnlock()

	remote := make(map[string]Tool)
	owner := make(map[string]string)
	for i, src := range sources {
		if errs[i] != nil {
			tb.logger.Warn("skipping tool source", "source", src.Name(), "error", errs[i])
			continue
		}
		for _, t := range listed[i] {
			if filter != nil && !filter(t.Name) {
				tb.logger.Debug("tool filtered", "tool", t.Name, "source", src.Name())
				continue
			}
			if prev, dup := owner[t.Name]; dup {
				tb.logger.Warn("duplicate tool name, keeping first", "tool", t.Name, "kept", prev, "dropped", src.Name())
				continue
			}
			mt, err := NewMCPTool(src, t)
			if err != nil {
				tb.logger.Warn("skipping tool", "source", src.Name(), "error", err)
				continue
			}
			owner[t.Name] = src.Name()
			remote[t.Name] = mt
		}
	}

	tb.mu.Lock()
	tb.remote = remote
	tb.mu.Unlock()
	tb.logger.Debug("tools refreshed", "sources", len(sources), "remote_tools", len(remote))
	return errors.Join(errs...)
}

// RefreshFrom refreshes from every connection in m
func (tb *Toolbox) RefreshFrom(ctx context.Context, m *mcp.Manager) error {
	conns := m.Connections()
	sources := make([]ToolSource, len(conns))
	for i, c := range conns {
		sources[i] = c
	}
	return tb.Refresh(ctx, sources)
}

// Tools returns every available tool sorted by name
func (tb *Toolbox) Tools() []Tool {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	out := make([]Tool, 0, len(tb.local)+len(tb.remote))
	for _, t := range tb.local {
		out = append(out, t)
	}
	for name, t := range tb.remote {
		if _, shadowed := tb.local[name]; !shadowed {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out
}

// Definitions describes the available tools to the model
func (tb *Toolbox) Definitions() []*aisdk.ToolDefinition {
	tools := tb.Tools()
	out := make([]*aisdk.ToolDefinition, len(tools))
	for i, t := range tools {
		out[i] = &aisdk.ToolDefinition{
			Name:        t.GetName(),
			Description: t.GetDescription(),
			Parameters:  t.GetParameters(),
		}
	}
	return out
}

// GetTool returns a specific tool by name.
func (tb *Toolbox) GetTool(name string) (Tool, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if t, ok := tb.local[name]; ok {
		return t, true
	}
	t, ok := tb.remote[name]
	return t, ok
}

// Invoke runs call with middleware applied and normalizes its result into
// thread content.
func (tb *Toolbox) Invoke(ctx context.Context, call *Call) ([]thread.ContentPart, error) {
	tool, ok := tb.GetTool(call.Name())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name())
	}

	tb.mu.RLock()
	exec := ToolExecutor(func(ctx context.Context, tool Tool, call *Call) (any, error) {
		return tool.Execute(ctx, call)
	})
	for i := len(tb.middleware) - 1; i >= 0; i-- {
		exec = tb.middleware[i](exec)
	}
	tb.mu.RUnlock()

	result, err := exec(ctx, tool, call)
	if err != nil {
		return nil, err
	}
	parts, err := NormalizeResult(tb.logger.With("tool", call.Name()), result)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", call.Name(), err)
	}
	return parts, nil
}

// LoggingMiddleware logs tool execution details.
func LoggingMiddleware(logger *slog.Logger) ToolMiddleware {
	return func(next ToolExecutor) ToolExecutor {
		return func(ctx context.Context, tool Tool, call *Call) (any, error) {
			logger.Info("executing tool", "tool", call.Name(), "call_id", call.ID, "params", len(call.Request.Parameters))
			result, err := next(ctx, tool, call)
			if err != nil {
				logger.Warn("tool execution failed", "tool", call.Name(), "error", err)
			} else {
				logger.Debug("tool execution completed", "tool", call.Name())
			}
			return result, err
		}
	}
}
