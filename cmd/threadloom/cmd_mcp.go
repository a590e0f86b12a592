package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"

	"github.com/elee1766/threadloom/src/app"
	"github.com/elee1766/threadloom/src/config"
	"github.com/elee1766/threadloom/src/mcp"
	"github.com/elee1766/threadloom/src/thread"
)

var errServerNotFound = errors.New("mcp server not configured")

// MCPCmd inspects the configured MCP servers
type MCPCmd struct {
	Tools   MCPToolsCmd   `cmd:"" help:"List tools across configured servers"`
	Prompts MCPPromptsCmd `cmd:"" help:"List prompts across configured servers"`
	Prompt  MCPPromptCmd  `cmd:"" help:"Render one prompt"`
}

type mcpFlags struct {
	Server  string        `short:"s" help:"Only this server"`
	Timeout time.Duration `default:"30s" help:"Overall timeout"`
}

// connect loads config, keeps the selected servers and connects them
func (f *mcpFlags) connect(cli *CLI) (*mcp.Manager, context.Context, context.CancelFunc, error) {
	cfg, err := cli.loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := cli.logger("warn", "text")

	if f.Server != "" {
		var keep []config.MCPServerConfig
		for _, s := range cfg.MCPServers {
			if s.Name == f.Server {
				keep = append(keep, s)
			}
		}
		if len(keep) == 0 {
			return nil, nil, nil, fmt.Errorf("%w: %s", errServerNotFound, f.Server)
		}
		cfg.MCPServers = keep
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.Timeout)
	m, err := app.ConnectMCP(ctx, cfg, logger)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return m, ctx, cancel, nil
}

// MCPToolsCmd lists tools
type MCPToolsCmd struct {
	mcpFlags
	JSON bool `help:"Print JSON"`
}

type toolRow struct {
	Server      string `json:"server"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (c *MCPToolsCmd) Run(ctx *kong.Context, cli *CLI) error {
	m, callCtx, cancel, err := c.connect(cli)
	if err != nil {
		return err
	}
	defer cancel()
	defer m.Close()

	var rows []toolRow
	var errs []error
	for _, conn := range m.Connections() {
		tools, err := conn.ListTools(callCtx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", conn.Name(), err))
			continue
		}
		for _, t := range tools {
			rows = append(rows, toolRow{Server: conn.Name(), Name: t.Name, Description: firstLine(t.Description)})
		}
	}

	if c.JSON {
		if err := printJSON(rows); err != nil {
			return err
		}
		return errors.Join(errs...)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tTOOL\tDESCRIPTION")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Server, r.Name, r.Description)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// MCPPromptsCmd lists prompts
type MCPPromptsCmd struct {
	mcpFlags
}

func (c *MCPPromptsCmd) Run(ctx *kong.Context, cli *CLI) error {
	m, callCtx, cancel, err := c.connect(cli)
	if err != nil {
		return err
	}
	defer cancel()
	defer m.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tPROMPT\tARGUMENTS\tDESCRIPTION")
	var errs []error
	for _, conn := range m.Connections() {
		prompts, err := conn.ListPrompts(callCtx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", conn.Name(), err))
			continue
		}
		for _, p := range prompts {
			var args []string
			for _, a := range p.Arguments {
				name := a.Name
				if a.Required {
					name += "*"
				}
				args = append(args, name)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", conn.Name(), p.Name, strings.Join(args, ","), firstLine(p.Description))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// MCPPromptCmd fetches and prints one prompt
type MCPPromptCmd struct {
	mcpFlags
	Name string            `arg:"" help:"Prompt name"`
	Arg  map[string]string `short:"a" help:"Prompt argument as key=value"`
}

func (c *MCPPromptCmd) Run(ctx *kong.Context, cli *CLI) error {
	m, callCtx, cancel, err := c.connect(cli)
	if err != nil {
		return err
	}
	defer cancel()
	defer m.Close()

	for _, conn := range m.Connections() {
		res, err := conn.GetPrompt(callCtx, c.Name, c.Arg)
		if err != nil {
			if c.Server == "" {
				continue
			}
			return err
		}
		if res.Description != "" {
			fmt.Printf("# %s\n\n", res.Description)
		}
		for _, msg := range res.Messages {
			part := mcp.ContentPart(nil, msg.Content)
			fmt.Printf("[%s] %s\n", msg.Role, describePart(part))
		}
		return nil
	}
	return fmt.Errorf("prompt %s not found on any server", c.Name)
}

func describePart(p thread.ContentPart) string {
	switch p.Type {
	case thread.ContentText:
		return p.Text
	case thread.ContentResource:
		return "<resource " + p.Resource.URI + ">"
	default:
		return "<" + string(p.Type) + ">"
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
