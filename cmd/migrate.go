package cmd

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/jake-fetch/urlfetch/internal/config"
)

const migrationsPath = "file://migrations"

// newMigrateCmd creates the 'migrate' subcommand, which applies or
// rolls back the fetch_records schema against the configured
// Postgres DSN. It bypasses the App container entirely since it runs
// against the database directly, before any adapter opens a pool.
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [up|down]",
		Short: "Apply or roll back the fetch_records schema migration",
		Long: `Runs the migrations/ directory against db.dsn. 'up' creates the
fetch_records table and its indexes; 'down' drops it. Only meaningful
when db.provider is "postgres" — the memory adapter needs no schema.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE:      runMigrateCommand,
	}
	return cmd
}

func runMigrateCommand(cmd *cobra.Command, args []string) error {
	direction := args[0]
	if direction != "up" && direction != "down" {
		return fmt.Errorf("invalid direction %q (must be %q or %q)", direction, "up", "down")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required to run migrations")
	}

	m, err := migrate.New(migrationsPath, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if direction == "up" {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration %s failed: %w", direction, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "migration %s completed\n", direction)
	return nil
}
