package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/warden/internal/database"
)

func (a *app) newDBCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
		Long: `Manage the schema of the scan result database.

The connection comes from --db-dsn, WARDEN_DATABASE_DSN or DATABASE_URL.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withRunner(cmd.Context(), 60*time.Second, func(ctx context.Context, r *database.MigrationRunner) error {
					n, err := r.RunMigrations(ctx)
					if err != nil {
						return fmt.Errorf("migration failed: %w", err)
					}
					fmt.Fprintf(a.out, "Applied %d migrations\n", n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show which migrations are applied",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withRunner(cmd.Context(), 10*time.Second, func(ctx context.Context, r *database.MigrationRunner) error {
					status, err := r.Status(ctx)
					if err != nil {
						return fmt.Errorf("failed to get migration status: %w", err)
					}
					pending := 0
					for _, s := range status {
						applied := "pending"
						if s.AppliedAt != nil {
							applied = s.AppliedAt.Local().Format(time.DateTime)
						} else {
							pending++
						}
						fmt.Fprintf(a.out, "  %3d  %-20s  %s\n", s.Version, applied, s.Description)
					}
					if pending == 0 {
						fmt.Fprintln(a.out, "\nDatabase is up to date")
					} else {
						fmt.Fprintf(a.out, "\n%d pending; run 'warden db migrate'\n", pending)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "rollback <version>",
			Short: "Undo one applied migration",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid migration version %q", args[0])
				}
				return a.withRunner(cmd.Context(), 60*time.Second, func(ctx context.Context, r *database.MigrationRunner) error {
					if err := r.Rollback(ctx, version); err != nil {
						return err
					}
					fmt.Fprintf(a.out, "Rolled back migration %d\n", version)
					return nil
				})
			},
		},
	)
	return cmd
}

func (a *app) withRunner(ctx context.Context, timeout time.Duration, fn func(context.Context, *database.MigrationRunner) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := database.Open(ctx, a.cfg.Database, a.log)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, database.NewMigrationRunner(db, a.log.WithComponent("db")))
}
