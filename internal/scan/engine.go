// Package scan runs one authorization scan end to end: load inputs, probe
// the target, analyze, evaluate policies, report and persist.
package scan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/warden/internal/analyzer"
	"github.com/CodeMonkeyCybersecurity/warden/internal/catalog"
	"github.com/CodeMonkeyCybersecurity/warden/internal/config"
	"github.com/CodeMonkeyCybersecurity/warden/internal/core"
	"github.com/CodeMonkeyCybersecurity/warden/internal/generator"
	"github.com/CodeMonkeyCybersecurity/warden/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/warden/internal/identity"
	"github.com/CodeMonkeyCybersecurity/warden/internal/logger"
	"github.com/CodeMonkeyCybersecurity/warden/internal/policy"
	"github.com/CodeMonkeyCybersecurity/warden/internal/probe"
	"github.com/CodeMonkeyCybersecurity/warden/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/warden/internal/report"
	"github.com/CodeMonkeyCybersecurity/warden/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

// ErrInput marks failures to load or validate scan inputs. Nothing has been
// probed when it is returned.
var ErrInput = errors.New("invalid scan input")

// Request names the inputs of one run. PoliciesPath and TrafficPath are
// optional; without PoliciesPath no policy report is produced.
type Request struct {
	Target         string
	CatalogPath    string
	IdentitiesPath string
	PoliciesPath   string
	TrafficPath    string
	// OutputDir receives the JSON reports; empty skips writing them.
	OutputDir string
}

type Result struct {
	Report *report.ScanReport
	Policy *policy.Report
	Files  []string
	// Persisted reports whether the run reached the result store.
	Persisted bool
}

type Engine struct {
	cfg       *config.Config
	log       *logger.Logger
	telemetry core.Telemetry
	store     core.ResultStore
	client    *http.Client
	limiter   core.RateLimiter
	now       func() time.Time
	newID     func() string
}

type Option func(*Engine)

func WithStore(s core.ResultStore) Option {
	return func(e *Engine) { e.store = s }
}

func WithTelemetry(t core.Telemetry) Option {
	return func(e *Engine) { e.telemetry = t }
}

func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

func WithRateLimiter(l core.RateLimiter) Option {
	return func(e *Engine) { e.limiter = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(cfg *config.Config, log *logger.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}

	e := &Engine{
		cfg:       cfg,
		log:       log.WithComponent("scan"),
		telemetry: telemetry.NewNoop(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(e)
	}
	if e.client == nil {
		e.client = httpclient.NewSecureClient(httpclient.FromProbeConfig(cfg.Probe))
	}
	if e.limiter == nil {
		e.limiter = ratelimit.NewLimiter(ratelimit.FromProbeConfig(cfg.Probe))
	}
	return e, nil
}

type inputs struct {
	registry *identity.Registry
	catalog  *catalog.Catalog
	rules    []*policy.Rule
	traffic  []types.Record
}

func (e *Engine) load(req Request) (*inputs, error) {
	if req.Target == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInput)
	}
	if req.CatalogPath == "" {
		return nil, fmt.Errorf("%w: catalog is required", ErrInput)
	}
	if req.IdentitiesPath == "" {
		return nil, fmt.Errorf("%w: identities are required", ErrInput)
	}

	in := &inputs{}
	var err error
	if in.registry, err = identity.LoadFile(req.IdentitiesPath); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInput, err)
	}
	if in.catalog, err = catalog.LoadFile(req.CatalogPath); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInput, err)
	}

	policiesPath := req.PoliciesPath
	if policiesPath == "" {
		policiesPath = e.cfg.Policy.File
	}
	if policiesPath != "" {
		if in.rules, err = policy.LoadFile(policiesPath); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInput, err)
		}
	}
	if req.TrafficPath != "" {
		if in.traffic, err = catalog.LoadTraffic(req.TrafficPath); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInput, err)
		}
	}
	return in, nil
}

// Run executes a scan. Input errors are returned before any probe is sent.
// A cancelled ctx does not fail the run: probing stops, and the report is
// built from what completed and marked incomplete.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	in, err := e.load(req)
	if err != nil {
		return nil, err
	}

	gen, err := generator.New(req.Target, generator.WithUserAgent(e.cfg.Probe.UserAgent))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInput, err)
	}

	scanID := e.newID()
	started := e.now().UTC()
	log := e.log.WithScanID(scanID).WithTarget(req.Target)

	ctx, span := log.StartOperation(ctx, "scan.Run",
		"endpoints", in.catalog.Len(),
		"identities", in.registry.Len(),
		"policies", len(in.rules),
		"traffic_records", len(in.traffic),
	)
	defer func() {
		log.FinishOperation(ctx, span, "scan.Run", started, err)
	}()

	e.persistStart(ctx, log, scanID, req.Target, started)

	cases := gen.Generate(in.catalog.Endpoints(), in.registry.All())
	log.Infow("Test plan generated", "test_cases", len(cases))

	executor := probe.NewExecutor(e.client, probe.OptionsFromConfig(e.cfg.Probe), log,
		probe.WithRateLimiter(e.limiter),
		probe.WithTelemetry(e.telemetry),
	)
	results, stats := executor.Execute(ctx, cases)

	// Analysis and policy evaluation work on data already collected, so they
	// run to completion even when the scan was cancelled.
	workCtx := context.WithoutCancel(ctx)
	var (
		analysis   analyzer.Result
		violations []types.PolicyViolation
		records    []types.Record
	)
	g, gctx := errgroup.WithContext(workCtx)
	g.Go(func() error {
		a := analyzer.New(analyzer.Classification(e.cfg.Analyzer.Classification), log, analyzer.WithClock(e.now))
		analysis = a.Analyze(gctx, results)
		return nil
	})
	if len(in.rules) > 0 {
		records = e.policyRecords(in.traffic, results)
		g.Go(func() error {
			ev := policy.NewEvaluator(in.rules, log, policy.WithClock(e.now))
			var evalErr error
			violations, evalErr = ev.EvaluateAll(gctx, records, e.cfg.Policy.Workers)
			return evalErr
		})
	}
	if err = g.Wait(); err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}

	completed := e.now().UTC()
	res := &Result{}
	res.Report = report.Aggregate(report.Input{
		ScanID:             scanID,
		Target:             req.Target,
		StartedAt:          started,
		CompletedAt:        completed,
		Complete:           !stats.Cancelled,
		ProbesPlanned:      stats.Planned,
		ProbesExecuted:     stats.Executed,
		ProbesSkipped:      stats.Skipped,
		ProbesNotPermitted: stats.NotPermitted,
		Vulnerabilities:    analysis.Vulnerabilities,
		Violations:         violations,
		NotApplicable:      analysis.NotApplicable,
		Errors:             report.ProbeErrors(results),
	})
	if len(in.rules) > 0 {
		res.Policy = policy.BuildReport(in.rules, len(records), res.Report.Violations, completed)
	}

	e.record(res.Report)

	if req.OutputDir != "" {
		res.Files, err = report.WriteFiles(req.OutputDir, res.Report, res.Policy)
		if err != nil {
			return nil, fmt.Errorf("failed to write reports: %w", err)
		}
	}

	res.Persisted = e.persistFinish(workCtx, log, res.Report)

	log.Infow("Scan finished",
		"passed", res.Report.Passed,
		"complete", res.Report.Complete,
		"vulnerabilities", res.Report.Summary.Vulnerabilities.Total,
		"violations", res.Report.Summary.Violations.Total,
		"probe_errors", res.Report.Errors,
	)
	return res, nil
}

// policyRecords concatenates captured traffic and answered probe exchanges.
// Record indexes in violations refer to this slice.
func (e *Engine) policyRecords(traffic []types.Record, results []*types.ProbeResult) []types.Record {
	records := make([]types.Record, 0, len(traffic)+len(results))
	records = append(records, traffic...)
	if !e.cfg.Policy.EvaluateProbes {
		return records
	}
	for _, r := range results {
		if r == nil || r.Failed() || r.Skipped() {
			continue
		}
		records = append(records, r.Record())
	}
	return records
}

func (e *Engine) record(r *report.ScanReport) {
	e.telemetry.RecordScan(r.CompletedAt.Sub(r.StartedAt).Seconds(), r.Passed, r.Complete)
	for _, v := range r.Vulnerabilities {
		e.telemetry.RecordFinding(string(v.Type), v.Severity)
	}
	for _, v := range r.Violations {
		e.telemetry.RecordFinding("policy_violation", v.Severity)
	}
}

func (e *Engine) persistStart(ctx context.Context, log *logger.Logger, scanID, target string, started time.Time) {
	if e.store == nil {
		return
	}
	run := &types.ScanRun{ID: scanID, Target: target, Status: types.ScanStatusRunning, StartedAt: started}
	if err := e.store.SaveScanRun(ctx, run); err != nil {
		log.LogError(ctx, err, "scan.persistStart")
	}
}

// persistFinish stores the final run and its findings. Store failures are
// logged and do not fail the scan; the files are the primary output.
func (e *Engine) persistFinish(ctx context.Context, log *logger.Logger, r *report.ScanReport) bool {
	if e.store == nil {
		return false
	}
	run := r.ScanRun()
	if err := e.store.UpdateScanRun(ctx, run); err != nil {
		if err := e.store.SaveScanRun(ctx, run); err != nil {
			log.LogError(ctx, err, "scan.persistFinish.run")
			return false
		}
	}
	if err := e.store.SaveVulnerabilities(ctx, r.ScanID, r.Vulnerabilities); err != nil {
		log.LogError(ctx, err, "scan.persistFinish.vulnerabilities")
		return false
	}
	if err := e.store.SaveViolations(ctx, r.ScanID, r.Violations); err != nil {
		log.LogError(ctx, err, "scan.persistFinish.violations")
		return false
	}
	return true
}
