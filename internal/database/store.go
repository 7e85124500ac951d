// Package database persists scan runs and their findings in PostgreSQL.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/CodeMonkeyCybersecurity/warden/internal/config"
	"github.com/CodeMonkeyCybersecurity/warden/internal/core"
	"github.com/CodeMonkeyCybersecurity/warden/internal/logger"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

var ErrNotFound = errors.New("scan run not found")

var _ core.ResultStore = (*Store)(nil)

type Store struct {
	db     *sqlx.DB
	cfg    config.DatabaseConfig
	logger *logger.Logger
}

// Open connects and configures the pool without touching the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*sqlx.DB, error) {
	if log == nil {
		log = logger.NewNop()
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	start := time.Now()
	db, err := sqlx.ConnectContext(ctx, driver, cfg.DSN)
	if err != nil {
		log.LogError(ctx, err, "database.Connect",
			"driver", driver,
			"dsn_masked", maskDSN(cfg.DSN),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// NewStore connects, configures the pool and migrates the schema.
func NewStore(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.WithComponent("database")

	start := time.Now()
	var err error
	ctx, span := log.StartOperation(ctx, "database.NewStore",
		"driver", cfg.Driver,
		"dsn_masked", maskDSN(cfg.DSN),
	)
	defer func() {
		log.FinishOperation(ctx, span, "database.NewStore", start, err)
	}()

	var db *sqlx.DB
	db, err = Open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	migrateStart := time.Now()
	var applied int
	applied, err = NewMigrationRunner(db, log).RunMigrations(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	log.LogDuration(ctx, "database.Migrate", migrateStart,
		"migrations_applied", applied,
	)

	return &Store{db: db, cfg: cfg, logger: log}, nil
}

// maskDSN hides the password of a URL-form DSN.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		if len(dsn) > 10 {
			return dsn[:5] + "***"
		}
		return "***"
	}
	return u.Redacted()
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveScanRun(ctx context.Context, run *types.ScanRun) error {
	start := time.Now()
	var err error
	ctx, span := s.logger.StartOperation(ctx, "database.SaveScanRun",
		"scan_id", run.ID,
		"target", run.Target,
	)
	defer func() {
		s.logger.FinishOperation(ctx, span, "database.SaveScanRun", start, err)
	}()

	query := `
		INSERT INTO scan_runs (
			id, target, status, complete, passed, probes_executed,
			errors, error_message, started_at, completed_at
		) VALUES (
			:id, :target, :status, :complete, :passed, :probes_executed,
			:errors, :error_message, :started_at, :completed_at
		)
	`
	var result sql.Result
	result, err = s.db.NamedExecContext(ctx, query, run)
	if err != nil {
		s.logger.LogError(ctx, err, "database.SaveScanRun.insert", "scan_id", run.ID)
		return fmt.Errorf("failed to save scan run: %w", err)
	}
	rows, _ := result.RowsAffected()
	s.logger.LogDatabaseOperation(ctx, "INSERT", "scan_runs", rows, time.Since(start), "scan_id", run.ID)
	return nil
}

func (s *Store) UpdateScanRun(ctx context.Context, run *types.ScanRun) error {
	query := `
		UPDATE scan_runs SET
			target = :target,
			status = :status,
			complete = :complete,
			passed = :passed,
			probes_executed = :probes_executed,
			errors = :errors,
			error_message = :error_message,
			started_at = :started_at,
			completed_at = :completed_at
		WHERE id = :id
	`
	start := time.Now()
	result, err := s.db.NamedExecContext(ctx, query, run)
	if err != nil {
		s.logger.LogError(ctx, err, "database.UpdateScanRun", "scan_id", run.ID)
		return fmt.Errorf("failed to update scan run: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, run.ID)
	}
	s.logger.LogDatabaseOperation(ctx, "UPDATE", "scan_runs", rows, time.Since(start), "scan_id", run.ID)
	return nil
}

const scanRunColumns = `id, target, status, complete, passed, probes_executed,
	errors, error_message, started_at, completed_at`

func (s *Store) GetScanRun(ctx context.Context, scanID string) (*types.ScanRun, error) {
	var run types.ScanRun
	err := s.db.GetContext(ctx, &run, `SELECT `+scanRunColumns+` FROM scan_runs WHERE id = $1`, scanID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, scanID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scan run: %w", err)
	}
	return &run, nil
}

// ListScanRuns returns runs newest first.
func (s *Store) ListScanRuns(ctx context.Context, filter core.ScanFilter) ([]*types.ScanRun, error) {
	query := `SELECT ` + scanRunColumns + ` FROM scan_runs WHERE 1=1`
	args := map[string]interface{}{}

	if filter.Target != "" {
		query += " AND target = :target"
		args["target"] = filter.Target
	}
	if filter.Status != "" {
		query += " AND status = :status"
		args["status"] = string(filter.Status)
	}

	query += " ORDER BY started_at DESC, id"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.NamedQueryContext(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan runs: %w", err)
	}
	defer rows.Close()

	runs := []*types.ScanRun{}
	for rows.Next() {
		var run types.ScanRun
		if err := rows.StructScan(&run); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

type vulnerabilityRow struct {
	ScanID         string    `db:"scan_id"`
	ID             string    `db:"id"`
	Type           string    `db:"type"`
	Endpoint       string    `db:"endpoint"`
	Method         string    `db:"method"`
	Severity       string    `db:"severity"`
	ActingIdentity string    `db:"acting_identity"`
	TargetIdentity string    `db:"target_identity"`
	ResourceID     string    `db:"resource_id"`
	Title          string    `db:"title"`
	Evidence       []byte    `db:"evidence"`
	Recommendation string    `db:"recommendation"`
	Status         string    `db:"status"`
	DetectedAt     time.Time `db:"detected_at"`
	Position       int       `db:"position"`
}

// SaveVulnerabilities writes the findings of one scan in a single
// transaction. Report order is kept through the position column.
func (s *Store) SaveVulnerabilities(ctx context.Context, scanID string, vulns []types.Vulnerability) error {
	if len(vulns) == 0 {
		return nil
	}
	start := time.Now()
	var err error
	ctx, span := s.logger.StartOperation(ctx, "database.SaveVulnerabilities",
		"scan_id", scanID,
		"count", len(vulns),
	)
	defer func() {
		s.logger.FinishOperation(ctx, span, "database.SaveVulnerabilities", start, err)
	}()

	var tx *sqlx.Tx
	tx, err = s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO vulnerabilities (
			scan_id, id, type, endpoint, method, severity, acting_identity,
			target_identity, resource_id, title, evidence, recommendation,
			status, detected_at, position
		) VALUES (
			:scan_id, :id, :type, :endpoint, :method, :severity, :acting_identity,
			:target_identity, :resource_id, :title, :evidence, :recommendation,
			:status, :detected_at, :position
		)
	`
	for i, v := range vulns {
		var evidence []byte
		evidence, err = json.Marshal(v.Evidence)
		if err != nil {
			return fmt.Errorf("failed to marshal evidence: %w", err)
		}
		row := vulnerabilityRow{
			ScanID:         scanID,
			ID:             v.ID,
			Type:           string(v.Type),
			Endpoint:       v.Endpoint,
			Method:         v.Method,
			Severity:       v.Severity.String(),
			ActingIdentity: v.ActingIdentity,
			TargetIdentity: v.TargetIdentity,
			ResourceID:     v.ResourceID,
			Title:          v.Title,
			Evidence:       evidence,
			Recommendation: v.Recommendation,
			Status:         string(v.Status),
			DetectedAt:     v.DetectedAt,
			Position:       i,
		}
		if _, err = tx.NamedExecContext(ctx, query, row); err != nil {
			s.logger.LogError(ctx, err, "database.SaveVulnerabilities.insert",
				"scan_id", scanID,
				"vulnerability_id", v.ID,
			)
			return fmt.Errorf("failed to save vulnerability %s: %w", v.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit vulnerabilities: %w", err)
	}
	s.logger.LogDatabaseOperation(ctx, "INSERT", "vulnerabilities", int64(len(vulns)), time.Since(start), "scan_id", scanID)
	return nil
}

func (s *Store) GetVulnerabilities(ctx context.Context, scanID string) ([]types.Vulnerability, error) {
	var rows []vulnerabilityRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT scan_id, id, type, endpoint, method, severity, acting_identity,
			target_identity, resource_id, title, evidence, recommendation,
			status, detected_at, position
		FROM vulnerabilities
		WHERE scan_id = $1
		ORDER BY position
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get vulnerabilities: %w", err)
	}

	out := make([]types.Vulnerability, 0, len(rows))
	for _, row := range rows {
		sev, err := types.ParseSeverity(row.Severity)
		if err != nil {
			return nil, fmt.Errorf("vulnerability %s: %w", row.ID, err)
		}
		v := types.Vulnerability{
			ID:             row.ID,
			Type:           types.VulnType(row.Type),
			Endpoint:       row.Endpoint,
			Method:         row.Method,
			Severity:       sev,
			ActingIdentity: row.ActingIdentity,
			TargetIdentity: row.TargetIdentity,
			ResourceID:     row.ResourceID,
			Title:          row.Title,
			Recommendation: row.Recommendation,
			Status:         types.VulnStatus(row.Status),
			DetectedAt:     row.DetectedAt.UTC(),
		}
		if err := json.Unmarshal(row.Evidence, &v.Evidence); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

type violationRow struct {
	ScanID      string    `db:"scan_id"`
	Rule        string    `db:"rule"`
	Description string    `db:"description"`
	Endpoint    string    `db:"endpoint"`
	Method      string    `db:"method"`
	Severity    string    `db:"severity"`
	Action      string    `db:"action"`
	Tags        []byte    `db:"tags"`
	Evidence    []byte    `db:"evidence"`
	RecordIndex int       `db:"record_index"`
	ObservedAt  time.Time `db:"observed_at"`
	Position    int       `db:"position"`
}

func (s *Store) SaveViolations(ctx context.Context, scanID string, violations []types.PolicyViolation) error {
	if len(violations) == 0 {
		return nil
	}
	start := time.Now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO policy_violations (
			scan_id, rule, description, endpoint, method, severity, action,
			tags, evidence, record_index, observed_at, position
		) VALUES (
			:scan_id, :rule, :description, :endpoint, :method, :severity, :action,
			:tags, :evidence, :record_index, :observed_at, :position
		)
	`
	for i, v := range violations {
		tags := v.Tags
		if tags == nil {
			tags = []string{}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("failed to marshal tags: %w", err)
		}
		evidence, err := json.Marshal(v.Evidence)
		if err != nil {
			return fmt.Errorf("failed to marshal evidence: %w", err)
		}
		row := violationRow{
			ScanID:      scanID,
			Rule:        v.Rule,
			Description: v.Description,
			Endpoint:    v.Endpoint,
			Method:      v.Method,
			Severity:    v.Severity.String(),
			Action:      v.Action,
			Tags:        tagsJSON,
			Evidence:    evidence,
			RecordIndex: v.RecordIndex,
			ObservedAt:  v.Timestamp,
			Position:    i,
		}
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			s.logger.LogError(ctx, err, "database.SaveViolations.insert",
				"scan_id", scanID,
				"rule", v.Rule,
			)
			return fmt.Errorf("failed to save violation of %q: %w", v.Rule, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit violations: %w", err)
	}
	s.logger.LogDatabaseOperation(ctx, "INSERT", "policy_violations", int64(len(violations)), time.Since(start), "scan_id", scanID)
	return nil
}

func (s *Store) GetViolations(ctx context.Context, scanID string) ([]types.PolicyViolation, error) {
	var rows []violationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT scan_id, rule, description, endpoint, method, severity, action,
			tags, evidence, record_index, observed_at, position
		FROM policy_violations
		WHERE scan_id = $1
		ORDER BY position
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get violations: %w", err)
	}

	out := make([]types.PolicyViolation, 0, len(rows))
	for _, row := range rows {
		sev, err := types.ParseSeverity(row.Severity)
		if err != nil {
			return nil, fmt.Errorf("violation of %q: %w", row.Rule, err)
		}
		v := types.PolicyViolation{
			Rule:        row.Rule,
			Description: row.Description,
			Endpoint:    row.Endpoint,
			Method:      row.Method,
			Severity:    sev,
			Action:      row.Action,
			RecordIndex: row.RecordIndex,
			Timestamp:   row.ObservedAt.UTC(),
		}
		if err := json.Unmarshal(row.Tags, &v.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
		if len(v.Tags) == 0 {
			v.Tags = nil
		}
		if err := json.Unmarshal(row.Evidence, &v.Evidence); err != nil {
			return nil, fmt.Errorf("failed to unmarshal evidence: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}
