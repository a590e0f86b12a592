package main

import (
	"log/slog"

	"github.com/alecthomas/kong"

	"github.com/elee1766/threadloom/src/config"
)

// CLI represents the main CLI structure
type CLI struct {
	Config    string `short:"c" type:"path" help:"Configuration file (defaults to the standard locations)"`
	LogLevel  string `help:"Log level: debug, info, warn or error (serve defaults to the configured level, other commands to warn)"`
	LogFormat string `help:"Log format: text or json"`

	Serve   ServeCmd   `cmd:"" help:"Run the HTTP API"`
	Migrate MigrateCmd `cmd:"" help:"Database migrations"`
	MCP     MCPCmd     `cmd:"" name:"mcp" help:"Inspect configured MCP servers"`
	Thread  ThreadCmd  `cmd:"" help:"Inspect threads"`
}

// loadConfig reads the configuration from --config or the standard locations
func (c *CLI) loadConfig() (*config.Config, error) {
	return config.NewLoader(nil, config.PathsFor(c.Config)).Load()
}

// logger builds the process logger. Flags win over the fallbacks.
func (c *CLI) logger(level, format string) *slog.Logger {
	if c.LogLevel != "" {
		level = c.LogLevel
	}
	if c.LogFormat != "" {
		format = c.LogFormat
	}
	logger := createLogger(level, format)
	slog.SetDefault(logger)
	return logger
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("threadloom"),
		kong.Description("Thread advancement engine with MCP tool access"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	if err := ctx.Run(&cli); err != nil {
		NewErrorHandler(slog.Default()).HandleError(err)
	}
}
