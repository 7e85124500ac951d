package core

import (
	"context"

	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

type JobQueue interface {
	Push(ctx context.Context, job *types.Job) error
	Pop(ctx context.Context, workerID string) (*types.Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, reason string) error
	Retry(ctx context.Context, jobID string) error
	GetStatus(ctx context.Context, jobID string) (*types.Job, error)
	GetPending(ctx context.Context) ([]*types.Job, error)
	Close() error
}

// ResultStore persists scan runs and their findings.
type ResultStore interface {
	SaveScanRun(ctx context.Context, run *types.ScanRun) error
	UpdateScanRun(ctx context.Context, run *types.ScanRun) error
	GetScanRun(ctx context.Context, scanID string) (*types.ScanRun, error)
	ListScanRuns(ctx context.Context, filter ScanFilter) ([]*types.ScanRun, error)

	SaveVulnerabilities(ctx context.Context, scanID string, vulns []types.Vulnerability) error
	GetVulnerabilities(ctx context.Context, scanID string) ([]types.Vulnerability, error)
	SaveViolations(ctx context.Context, scanID string, violations []types.PolicyViolation) error
	GetViolations(ctx context.Context, scanID string) ([]types.PolicyViolation, error)

	Close() error
}

type ScanFilter struct {
	Target string
	Status types.ScanStatus
	Limit  int
	Offset int
}

// RateLimiter paces requests to a target host.
type RateLimiter interface {
	WaitForHost(ctx context.Context, host string) error
}

type Telemetry interface {
	RecordScan(duration float64, passed bool, complete bool)
	RecordProbe(kind types.ProbeKind, statusCode int, failed bool)
	RecordFinding(kind string, severity types.Severity)
	Close() error
}
