// Package cmd implements the warden command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/warden/internal/config"
	"github.com/CodeMonkeyCybersecurity/warden/internal/logger"
)

// ErrGateFailed is returned when a scan or policy evaluation produced a
// critical or high finding. The process exits with status 1.
var ErrGateFailed = errors.New("gate failed: critical or high findings present")

// Exit codes.
const (
	ExitPass   = 0
	ExitFailed = 1
	ExitFatal  = 2
)

// ExitCode maps a command error onto the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitPass
	case errors.Is(err, ErrGateFailed):
		return ExitFailed
	default:
		return ExitFatal
	}
}

// app holds what every subcommand shares for one invocation.
type app struct {
	v   *viper.Viper
	cfg *config.Config
	log *logger.Logger
	out io.Writer
}

func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New(), out: os.Stdout}

	root := &cobra.Command{
		Use:   "warden",
		Short: "API authorization scanner and policy gate",
		Long: `Warden probes an API with several identities to find broken object level
authorization (BOLA/IDOR), missing authentication and privilege escalation, and
evaluates declarative governance policies over request/response records.

Exit status: 0 when no critical or high finding exists, 1 when one does,
2 on a fatal error (unreadable inputs, empty identity registry).

Commands:
  warden scan            - Probe a target and write the JSON reports
  warden policy evaluate - Evaluate policies over captured traffic
  warden policy validate - Check a policy file
  warden results list    - Show persisted scan runs
  warden workers start   - Run queued scans
  warden db migrate      - Apply the result database schema
  warden config show     - Print the effective configuration`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.sync()
		},
	}

	pf := root.PersistentFlags()
	def := config.DefaultConfig()
	pf.String("config", "", "config file (yaml, json or toml)")
	pf.String("log-level", def.Logger.Level, "log level (debug, info, warn, error)")
	pf.String("log-format", def.Logger.Format, "log format (json, console)")
	pf.String("db-dsn", def.Database.DSN, "PostgreSQL connection string")
	pf.String("redis-addr", def.Redis.Addr, "Redis server address")

	a.v.BindPFlag("logger.level", pf.Lookup("log-level"))
	a.v.BindPFlag("logger.format", pf.Lookup("log-format"))
	a.v.BindPFlag("database.dsn", pf.Lookup("db-dsn"))
	a.v.BindPFlag("redis.addr", pf.Lookup("redis-addr"))
	a.v.BindEnv("database.dsn", "WARDEN_DATABASE_DSN", "DATABASE_URL")
	a.v.BindEnv("redis.addr", "WARDEN_REDIS_ADDR", "REDIS_URL")

	root.AddCommand(
		a.newScanCommand(),
		a.newPolicyCommand(),
		a.newResultsCommand(),
		a.newWorkersCommand(),
		a.newDBCommand(),
		a.newConfigCommand(),
	)
	return root
}

// Execute runs the CLI and returns the error that decides the exit status.
func Execute(ctx context.Context) error {
	root := NewRootCommand()
	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, ErrGateFailed) {
		fmt.Fprintf(root.ErrOrStderr(), "Error: %v\n", err)
	}
	return err
}

func (a *app) init(cmd *cobra.Command) error {
	// A missing .env is normal.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	setDefaults(a.v, config.DefaultConfig())
	a.v.SetEnvPrefix("WARDEN")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &config.Config{}
	if err := a.v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.log = log
	return nil
}

func (a *app) sync() {
	if a.log == nil {
		return
	}
	// Sync on a terminal fails with EINVAL on Linux.
	if err := a.log.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") {
		fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", err)
	}
}

// setDefaults registers every config key so env variables and config files
// can override it.
func setDefaults(v *viper.Viper, c *config.Config) {
	defaults := map[string]interface{}{
		"logger.level":                 c.Logger.Level,
		"logger.format":                c.Logger.Format,
		"logger.output_paths":          c.Logger.OutputPaths,
		"database.enabled":             c.Database.Enabled,
		"database.driver":              c.Database.Driver,
		"database.dsn":                 c.Database.DSN,
		"database.max_connections":     c.Database.MaxConnections,
		"database.max_idle_conns":      c.Database.MaxIdleConns,
		"database.conn_max_lifetime":   c.Database.ConnMaxLifetime,
		"redis.addr":                   c.Redis.Addr,
		"redis.password":               c.Redis.Password,
		"redis.db":                     c.Redis.DB,
		"redis.max_retries":            c.Redis.MaxRetries,
		"redis.dial_timeout":           c.Redis.DialTimeout,
		"redis.read_timeout":           c.Redis.ReadTimeout,
		"redis.write_timeout":          c.Redis.WriteTimeout,
		"worker.count":                 c.Worker.Count,
		"worker.queue_poll_interval":   c.Worker.QueuePollInterval,
		"worker.max_retries":           c.Worker.MaxRetries,
		"telemetry.enabled":            c.Telemetry.Enabled,
		"telemetry.service_name":       c.Telemetry.ServiceName,
		"telemetry.exporter_type":      c.Telemetry.ExporterType,
		"telemetry.endpoint":           c.Telemetry.Endpoint,
		"telemetry.sample_rate":        c.Telemetry.SampleRate,
		"probe.concurrency":            c.Probe.Concurrency,
		"probe.timeout":                c.Probe.Timeout,
		"probe.max_retries":            c.Probe.MaxRetries,
		"probe.initial_backoff":        c.Probe.InitialBackoff,
		"probe.max_backoff":            c.Probe.MaxBackoff,
		"probe.max_body_bytes":         c.Probe.MaxBodyBytes,
		"probe.requests_per_second":    c.Probe.RequestsPerSecond,
		"probe.burst_size":             c.Probe.BurstSize,
		"probe.min_host_delay":         c.Probe.MinHostDelay,
		"probe.allow_write_methods":    c.Probe.AllowWriteMethods,
		"probe.block_private_ips":      c.Probe.BlockPrivateIPs,
		"probe.follow_redirects":       c.Probe.FollowRedirects,
		"probe.user_agent":             c.Probe.UserAgent,
		"analyzer.classification":      c.Analyzer.Classification,
		"policy.file":                  c.Policy.File,
		"policy.workers":               c.Policy.Workers,
		"policy.evaluate_probes":       c.Policy.EvaluateProbes,
		"output.directory":             c.Output.Directory,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}
