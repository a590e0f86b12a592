// Package app builds the threadloom services from configuration.
package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/elee1766/threadloom/src/agent"
	"github.com/elee1766/threadloom/src/config"
	"github.com/elee1766/threadloom/src/executor"
	"github.com/elee1766/threadloom/src/httpapi"
	"github.com/elee1766/threadloom/src/mcp"
	"github.com/elee1766/threadloom/src/metrics"
	"github.com/elee1766/threadloom/src/orclient"
	"github.com/elee1766/threadloom/src/sampling"
	"github.com/elee1766/threadloom/src/storage"
	"github.com/elee1766/threadloom/src/tools/webfetch"
)

// App represents the main application with all services
type App struct {
	Config   *config.Config
	Store    *storage.DB
	Backend  *orclient.Client
	MCP      *mcp.Manager
	Toolbox  *agent.Toolbox
	Sampling *sampling.Bridge
	Metrics  *metrics.Metrics
	Service  *executor.Service
	API      *httpapi.API
	Logger   *slog.Logger
}

// New creates a new App instance with all services initialized. MCP servers
// that fail to connect are logged and left out.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	store, err := OpenStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.Store = store

	backend, err := orclient.NewClient(orclient.Config{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		Model:        cfg.LLM.Model,
		SystemPrompt: cfg.LLM.SystemPrompt,
		Prompts:      cfg.LLM.Prompts,
		MaxRetries:   cfg.LLM.MaxRetries,
		SiteURL:      cfg.LLM.SiteURL,
		SiteName:     cfg.LLM.SiteName,
		HTTPClient:   &http.Client{Timeout: time.Duration(cfg.LLM.Timeout)},
		Logger:       logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	a.Backend = backend

	var metricsAuth func(http.Handler) http.Handler
	if cfg.Server.MetricsToken != "" {
		metricsAuth = BearerAuth(cfg.Server.MetricsToken)
	}
	a.Metrics = metrics.New(metrics.Opts{AuthMiddleware: metricsAuth})

	a.Sampling = sampling.New(sampling.Options{
		Backend:        backend,
		Store:          store,
		PromptTemplate: cfg.LLM.SamplingTemplate,
		Metrics:        a.Metrics,
		Logger:         logger,
	})

	a.MCP = NewManager(cfg, a.Sampling.Handlers(), a.Metrics, logger)
	a.Toolbox = agent.NewToolbox(logger)
	a.Toolbox.SetFilter(config.NewPermissionChecker(&cfg.Tools).Allowed)
	a.Toolbox.RegisterMiddleware(agent.LoggingMiddleware(logger))
	if err := registerBuiltinTools(a.Toolbox, cfg, logger); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.MCP.ConnectAll(ctx, servers(cfg)); err != nil {
		logger.Warn("some MCP servers are unavailable", "error", err)
	}
	if err := a.Toolbox.RefreshFrom(ctx, a.MCP); err != nil {
		logger.Warn("some MCP servers did not list tools", "error", err)
	}

	a.Service, err = executor.NewService(executor.ServiceConfig{
		Store:            store,
		Backend:          backend,
		Toolbox:          a.Toolbox,
		Sampling:         a.Sampling,
		MaxToolRounds:    cfg.MaxToolRounds,
		StreamBufferSize: cfg.Server.StreamBufferSize,
		Metrics:          a.Metrics,
		Logger:           logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.API = httpapi.New(httpapi.Opts{
		Service: a.Service,
		Store:   store,
		Metrics: a.Metrics,
		Logger:  logger,
	})
	return a, nil
}

// registerBuiltinTools adds the enabled in-process tools that the
// permission rules allow
func registerBuiltinTools(tb *agent.Toolbox, cfg *config.Config, logger *slog.Logger) error {
	perms := config.NewPermissionChecker(&cfg.Tools)
	if w := cfg.BuiltinTools.WebFetch; w.Enabled && perms.Allowed(webfetch.Name) {
		tool, err := webfetch.Tool(webfetch.Options{
			MaxBytes:  w.MaxBytes,
			Timeout:   time.Duration(w.Timeout),
			UserAgent: w.UserAgent,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("failed to build %s: %w", webfetch.Name, err)
		}
		if err := tb.RegisterTool(tool); err != nil {
			return err
		}
	}
	return nil
}

// OpenStore opens the configured database and applies migrations. The
// directory of a sqlite file is created if missing.
func OpenStore(cfg config.DatabaseConfig) (*storage.DB, error) {
	if err := ensureSQLiteDir(cfg); err != nil {
		return nil, err
	}
	db, err := storage.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return db, nil
}

// OpenStoreNoMigrate opens the database without touching the schema
func OpenStoreNoMigrate(cfg config.DatabaseConfig) (*storage.DB, error) {
	if err := ensureSQLiteDir(cfg); err != nil {
		return nil, err
	}
	return storage.OpenNoMigrate(cfg.Driver, cfg.DSN)
}

func ensureSQLiteDir(cfg config.DatabaseConfig) error {
	if cfg.Driver != "" && cfg.Driver != storage.DriverSQLite {
		return nil
	}
	if cfg.DSN == "" || cfg.DSN == ":memory:" || strings.HasPrefix(cfg.DSN, "file:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	return nil
}

// NewManager builds an MCP connection manager for the configured servers
// without connecting
func NewManager(cfg *config.Config, h mcp.Handlers, m *metrics.Metrics, logger *slog.Logger) *mcp.Manager {
	opts := mcp.Options{
		Handlers: h,
		Backoff:  cfg.Backoff.Backoff(),
		Logger:   logger,
	}
	if m != nil {
		opts.OnReconnect = m.Reconnect
	}
	return mcp.NewManager(opts)
}

func servers(cfg *config.Config) []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, len(cfg.MCPServers))
	for i, s := range cfg.MCPServers {
		out[i] = s.Server()
	}
	return out
}

// ConnectMCP connects every configured server with no client capabilities
func ConnectMCP(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*mcp.Manager, error) {
	m := NewManager(cfg, mcp.Handlers{}, nil, logger)
	if err := m.ConnectAll(ctx, servers(cfg)); err != nil && len(m.Names()) == 0 {
		m.Close()
		return nil, err
	}
	return m, nil
}

// BearerAuth rejects requests without the given bearer token
func BearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Close closes all resources held by the app
func (a *App) Close() error {
	var errs []error
	if a.MCP != nil {
		errs = append(errs, a.MCP.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
