package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/CodeMonkeyCybersecurity/warden/internal/logger"
)

// Migration is one forward schema step.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// MigrationRunner applies pending migrations and records them in
// schema_migrations.
type MigrationRunner struct {
	db  *sqlx.DB
	log *logger.Logger
}

func NewMigrationRunner(db *sqlx.DB, log *logger.Logger) *MigrationRunner {
	if log == nil {
		log = logger.NewNop()
	}
	return &MigrationRunner{db: db, log: log}
}

// Migrations returns the schema history in version order.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create scan_runs table",
			Up: `
				CREATE TABLE IF NOT EXISTS scan_runs (
					id TEXT PRIMARY KEY,
					target TEXT NOT NULL,
					status TEXT NOT NULL,
					complete BOOLEAN NOT NULL DEFAULT FALSE,
					passed BOOLEAN NOT NULL DEFAULT FALSE,
					probes_executed INTEGER NOT NULL DEFAULT 0,
					errors INTEGER NOT NULL DEFAULT 0,
					error_message TEXT NOT NULL DEFAULT '',
					started_at TIMESTAMPTZ NOT NULL,
					completed_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_scan_runs_target ON scan_runs(target);
				CREATE INDEX IF NOT EXISTS idx_scan_runs_status ON scan_runs(status);
			`,
			Down: `DROP TABLE IF EXISTS scan_runs;`,
		},
		{
			Version:     2,
			Description: "Create vulnerabilities table",
			Up: `
				CREATE TABLE IF NOT EXISTS vulnerabilities (
					scan_id TEXT NOT NULL REFERENCES scan_runs(id) ON DELETE CASCADE,
					id TEXT NOT NULL,
					type TEXT NOT NULL,
					endpoint TEXT NOT NULL,
					method TEXT NOT NULL,
					severity TEXT NOT NULL,
					acting_identity TEXT NOT NULL,
					target_identity TEXT NOT NULL DEFAULT '',
					resource_id TEXT NOT NULL DEFAULT '',
					title TEXT NOT NULL,
					evidence JSONB NOT NULL,
					recommendation TEXT NOT NULL DEFAULT '',
					status TEXT NOT NULL,
					detected_at TIMESTAMPTZ NOT NULL,
					position INTEGER NOT NULL,
					PRIMARY KEY (scan_id, id)
				);
				CREATE INDEX IF NOT EXISTS idx_vulnerabilities_severity ON vulnerabilities(severity);
			`,
			Down: `DROP TABLE IF EXISTS vulnerabilities;`,
		},
		{
			Version:     3,
			Description: "Create policy_violations table",
			Up: `
				CREATE TABLE IF NOT EXISTS policy_violations (
					id SERIAL PRIMARY KEY,
					scan_id TEXT NOT NULL REFERENCES scan_runs(id) ON DELETE CASCADE,
					rule TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					endpoint TEXT NOT NULL,
					method TEXT NOT NULL,
					severity TEXT NOT NULL,
					action TEXT NOT NULL,
					tags JSONB NOT NULL,
					evidence JSONB NOT NULL,
					record_index INTEGER NOT NULL,
					observed_at TIMESTAMPTZ NOT NULL,
					position INTEGER NOT NULL
				);
				CREATE INDEX IF NOT EXISTS idx_policy_violations_scan ON policy_violations(scan_id);
			`,
			Down: `DROP TABLE IF EXISTS policy_violations;`,
		},
	}
}

func (mr *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	if _, err := mr.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

func (mr *MigrationRunner) appliedVersions(ctx context.Context) (map[int]bool, error) {
	var versions []int
	if err := mr.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	applied := make(map[int]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}

// RunMigrations applies every migration not yet recorded. Each one runs in
// its own transaction.
func (mr *MigrationRunner) RunMigrations(ctx context.Context) (int, error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}
	applied, err := mr.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}

	all := Migrations()
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })

	count := 0
	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		if err := mr.applyMigration(ctx, m); err != nil {
			return count, fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
		count++
	}

	if count == 0 {
		mr.log.Debugw("Database schema is up to date",
			"latest_version", all[len(all)-1].Version,
		)
	} else {
		mr.log.Infow("Migrations applied",
			"migrations_applied", count,
		)
	}
	return count, nil
}

func (mr *MigrationRunner) applyMigration(ctx context.Context, m Migration) error {
	mr.log.Infow("Applying migration",
		"version", m.Version,
		"description", m.Description,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		mr.log.Errorw("Migration failed",
			"version", m.Version,
			"error", err,
		)
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)`,
		m.Version, m.Description, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// MigrationStatus reports whether one known migration has been applied.
type MigrationStatus struct {
	Version     int
	Description string
	AppliedAt   *time.Time
}

func (mr *MigrationRunner) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	var rows []struct {
		Version   int       `db:"version"`
		AppliedAt time.Time `db:"applied_at"`
	}
	if err := mr.db.SelectContext(ctx, &rows, "SELECT version, applied_at FROM schema_migrations"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	appliedAt := make(map[int]time.Time, len(rows))
	for _, r := range rows {
		appliedAt[r.Version] = r.AppliedAt
	}

	all := Migrations()
	sort.Slice(all, func(i, j int) bool { return all[i].Version < all[j].Version })
	out := make([]MigrationStatus, 0, len(all))
	for _, m := range all {
		s := MigrationStatus{Version: m.Version, Description: m.Description}
		if t, ok := appliedAt[m.Version]; ok {
			t := t.UTC()
			s.AppliedAt = &t
		}
		out = append(out, s)
	}
	return out, nil
}

// Rollback runs the Down script of an applied migration and forgets it.
func (mr *MigrationRunner) Rollback(ctx context.Context, version int) error {
	var target *Migration
	for _, m := range Migrations() {
		if m.Version == version {
			m := m
			target = &m
			break
		}
	}
	if target == nil {
		return fmt.Errorf("unknown migration version %d", version)
	}

	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return err
	}
	applied, err := mr.appliedVersions(ctx)
	if err != nil {
		return err
	}
	if !applied[version] {
		return fmt.Errorf("migration %d is not applied", version)
	}

	mr.log.Warnw("Rolling back migration",
		"version", target.Version,
		"description", target.Description,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, target.Down); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = $1`, version); err != nil {
		return fmt.Errorf("failed to unrecord migration: %w", err)
	}
	return tx.Commit()
}
