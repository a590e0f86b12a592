package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/alecthomas/kong"

	"github.com/elee1766/threadloom/src/app"
)

// MigrateCmd manages database migrations
type MigrateCmd struct {
	Up     MigrateUpCmd     `cmd:"" help:"Run pending migrations"`
	Status MigrateStatusCmd `cmd:"" help:"Show migration status"`
}

// MigrateUpCmd runs pending migrations
type MigrateUpCmd struct{}

func (c *MigrateUpCmd) Run(ctx *kong.Context, cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	cli.logger("warn", "text")

	db, err := app.OpenStoreNoMigrate(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	before, err := db.AppliedVersions(context.Background())
	if err != nil {
		return err
	}
	if err := db.Migrate(context.Background()); err != nil {
		return err
	}
	after, err := db.AppliedVersions(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Applied %d migration(s) on %s\n", len(after)-len(before), cfg.Database.Driver)
	return nil
}

// MigrateStatusCmd shows migration status
type MigrateStatusCmd struct{}

func (c *MigrateStatusCmd) Run(ctx *kong.Context, cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	cli.logger("warn", "text")

	db, err := app.OpenStoreNoMigrate(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	applied, err := db.AppliedVersions(context.Background())
	if err != nil {
		return err
	}
	migrations, err := db.Migrations()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, m := range migrations {
		status := "pending"
		if slices.Contains(applied, m.Version) {
			status = "applied"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", m.Version, m.Name, status)
	}
	return w.Flush()
}
