package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/alecthomas/kong"

	"github.com/elee1766/threadloom/src/app"
	"github.com/elee1766/threadloom/src/thread"
)

// ThreadCmd inspects stored threads
type ThreadCmd struct {
	List ThreadListCmd `cmd:"" help:"List a project's threads"`
	Show ThreadShowCmd `cmd:"" help:"Print a thread and its messages"`
}

// ThreadListCmd lists threads newest first
type ThreadListCmd struct {
	Project string `arg:"" help:"Project ID"`
	Limit   int    `short:"n" default:"20" help:"Maximum threads to list"`
	JSON    bool   `help:"Print JSON"`
}

func (c *ThreadListCmd) Run(ctx *kong.Context, cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	cli.logger("warn", "text")

	db, err := app.OpenStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	threads, err := db.ListThreads(context.Background(), c.Project, c.Limit)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(threads)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTAGE\tUPDATED\tSTATUS")
	for _, t := range threads {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.GenerationStage, t.UpdatedAt.Local().Format("2006-01-02 15:04:05"), t.StatusMessage)
	}
	return w.Flush()
}

// ThreadShowCmd prints one thread
type ThreadShowCmd struct {
	ID   string `arg:"" help:"Thread ID"`
	JSON bool   `help:"Print JSON"`
}

func (c *ThreadShowCmd) Run(ctx *kong.Context, cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	cli.logger("warn", "text")

	db, err := app.OpenStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	bg := context.Background()
	t, err := db.GetThread(bg, c.ID)
	if err != nil {
		return err
	}
	messages, err := db.ListMessages(bg, c.ID)
	if err != nil {
		return err
	}

	if c.JSON {
		return printJSON(struct {
			*thread.Thread
			Messages []*thread.Message `json:"messages"`
		}{t, messages})
	}

	fmt.Printf("Thread %s (project %s)\n", t.ID, t.ProjectID)
	fmt.Printf("Stage: %s", t.GenerationStage)
	if t.StatusMessage != "" {
		fmt.Printf(" (%s)", t.StatusMessage)
	}
	fmt.Printf("\n\n")
	for _, m := range messages {
		printMessage(m)
	}
	return nil
}

func printMessage(m *thread.Message) {
	header := string(m.Role)
	if m.ActionType != thread.ActionNone {
		header += "/" + string(m.ActionType)
	}
	fmt.Printf("%s [%s]\n", m.CreatedAt.Local().Format("2006-01-02 15:04:05"), header)

	text := m.Text()
	if text == "" && m.ComponentDecision != nil {
		text = m.ComponentDecision.Message
	}
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if line != "" {
			fmt.Printf("  %s\n", line)
		}
	}
	if d := m.ComponentDecision; d != nil && d.ComponentName != "" {
		fmt.Printf("  component: %s\n", d.ComponentName)
	}
	if r := m.ToolCallRequest; r != nil {
		var args []string
		for _, p := range r.Parameters {
			args = append(args, fmt.Sprintf("%s=%v", p.ParameterName, p.ParameterValue))
		}
		fmt.Printf("  tool call: %s(%s)\n", r.ToolName, strings.Join(args, ", "))
	}
	fmt.Println()
}
