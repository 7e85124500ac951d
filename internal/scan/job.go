package scan

import (
	"context"
	"errors"

	"github.com/CodeMonkeyCybersecurity/warden/internal/worker"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

// RequestFromJob maps a scan job payload onto a Request.
func RequestFromJob(job *types.Job) Request {
	return Request{
		Target:         job.PayloadString("target"),
		CatalogPath:    job.PayloadString("catalog"),
		IdentitiesPath: job.PayloadString("identities"),
		PoliciesPath:   job.PayloadString("policies"),
		TrafficPath:    job.PayloadString("traffic"),
		OutputDir:      job.PayloadString("output"),
	}
}

// HandleJob is a worker.Handler. A failing gate is a finished job; input
// errors fail the job without retries.
func (e *Engine) HandleJob(ctx context.Context, job *types.Job) error {
	res, err := e.Run(ctx, RequestFromJob(job))
	if err != nil {
		if errors.Is(err, ErrInput) {
			return worker.Permanent(err)
		}
		return err
	}
	e.log.Infow("Scan job finished",
		"job_id", job.ID,
		"scan_id", res.Report.ScanID,
		"passed", res.Report.Passed,
	)
	return nil
}
