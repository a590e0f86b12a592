package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/elee1766/threadloom/src/app"
)

// ServeCmd runs the HTTP API
type ServeCmd struct {
	Listen          string        `help:"Listen address (overrides config)"`
	ShutdownTimeout time.Duration `default:"15s" help:"Grace period for in-flight requests on shutdown"`
}

func (c *ServeCmd) Run(ctx *kong.Context, cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Server.Listen = c.Listen
	}
	logger := cli.logger(cfg.Logging.Level, cfg.Logging.Format)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(sigCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           a.API,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("serving",
		"addr", cfg.Server.Listen,
		"database", cfg.Database.Driver,
		"model", cfg.LLM.Model,
		"mcp_servers", a.MCP.Names(),
		"tools", len(a.Toolbox.Tools()),
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-sigCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
