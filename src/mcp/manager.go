package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// Manager holds the named connections of one logical client session
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewManager creates a new MCP manager. opts is applied to every connection
// it creates; Dialer must be left nil unless all servers share it.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:   opts,
		logger: logger.With("component", "mcp-manager"),
		conns:  make(map[string]*Connection),
	}
}

// AddServer creates and connects a connection for cfg
func (m *Manager) AddServer(ctx context.Context, cfg ServerConfig) (*Connection, error) {
	m.mu.Lock()
	if _, exists := m.conns[cfg.Name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("server '%s' already exists", cfg.Name)
	}
	conn := NewConnection(cfg, m.opts)
	m.conns[cfg.Name] = conn
	m.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		m.mu.Lock()
		delete(m.conns, cfg.Name)
		m.mu.Unlock()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect server '%s': %w", cfg.Name, err)
	}

	m.logger.Info("MCP server added", "name", cfg.Name, "transport", cfg.Transport)
	return conn, nil
}

// ConnectAll adds every server concurrently. Servers that fail are logged and
// reported in the joined error; the rest stay connected.
func (m *Manager) ConnectAll(ctx context.Context, cfgs []ServerConfig) error {
	p := pool.New().WithErrors().WithContext(ctx)
	for _, cfg := range cfgs {
		p.Go(func(ctx context.Context) error {
			if _, err := m.AddServer(ctx, cfg); err != nil {
				m.logger.Error("failed to add MCP server", "name", cfg.Name, "error", err)
				return err
			}
			return nil
		})
	}
	return p.Wait()
}

// RemoveServer closes and forgets a server
func (m *Manager) RemoveServer(name string) error {
	m.mu.Lock()
	conn, exists := m.conns[name]
	delete(m.conns, name)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("server '%s' not found", name)
	}
	if err := conn.Close(); err != nil {
		m.logger.Error("error closing server", "name", name, "error", err)
	}
	m.logger.Info("MCP server removed", "name", name)
	return nil
}

// Get returns the named connection or nil
func (m *Manager) Get(name string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[name]
}

// Names lists server names in sorted order
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connections returns the connections ordered by name
func (m *Manager) Connections() []*Connection {
	names := m.Names()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(names))
	for _, name := range names {
		if c, ok := m.conns[name]; ok {
			out = append(out, c)
		}
	}
	return out
}

// UpdateHandlers applies h to every connection
func (m *Manager) UpdateHandlers(h Handlers) error {
	var errs []error
	for _, c := range m.Connections() {
		if err := c.UpdateHandlers(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all servers
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	var errs []error
	for name, conn := range conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close server '%s': %w", name, err))
		}
	}
	return errors.Join(errs...)
}
