// Package worker runs queued scan jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/CodeMonkeyCybersecurity/warden/internal/core"
	"github.com/CodeMonkeyCybersecurity/warden/internal/logger"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

// Handler executes one job. Errors wrapped with Permanent fail the job
// without a retry.
type Handler func(ctx context.Context, job *types.Job) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Options struct {
	PollInterval time.Duration
	MaxRetries   int
	ErrorBackoff time.Duration
}

type Status struct {
	ID           string    `json:"id"`
	Hostname     string    `json:"hostname"`
	State        string    `json:"state"`
	CurrentJob   string    `json:"current_job,omitempty"`
	JobsComplete int       `json:"jobs_complete"`
	JobsFailed   int       `json:"jobs_failed"`
	StartedAt    time.Time `json:"started_at"`
}

type Worker struct {
	id       string
	hostname string
	queue    core.JobQueue
	handler  Handler
	opts     Options
	logger   *logger.Logger

	statusMu sync.RWMutex
	status   Status
}

func New(queue core.JobQueue, handler Handler, opts Options, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 5 * time.Second
	}

	id := uuid.New().String()
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &Worker{
		id:       id,
		hostname: hostname,
		queue:    queue,
		handler:  handler,
		opts:     opts,
		logger: log.WithComponent("worker").WithFields(
			"worker_id", id,
			"hostname", hostname,
		),
		status: Status{State: "idle"},
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Status() Status {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()

	s := w.status
	s.ID = w.id
	s.Hostname = w.hostname
	return s
}

// Run polls the queue until ctx is cancelled. A job in progress when ctx
// is cancelled sees the cancellation through its own context.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(func(s *Status) {
		s.State = "active"
		s.StartedAt = time.Now().UTC()
	})
	defer w.setState(func(s *Status) { s.State = "stopped"; s.CurrentJob = "" })

	w.logger.Infow("Worker started")

	for {
		if err := ctx.Err(); err != nil {
			st := w.Status()
			w.logger.Infow("Worker shutting down",
				"jobs_complete", st.JobsComplete,
				"jobs_failed", st.JobsFailed,
			)
			return nil
		}

		processed, err := w.ProcessNext(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			w.logger.LogError(ctx, err, "worker.processNext")
			wait = w.opts.ErrorBackoff
		case !processed:
			wait = w.opts.PollInterval
		}
		if wait == 0 {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

// ProcessNext pops and handles one job. It reports false when the queue
// was empty.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.queue.Pop(ctx, w.id)
	if err != nil {
		return false, fmt.Errorf("failed to pop job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	w.setState(func(s *Status) { s.State = "processing"; s.CurrentJob = job.ID })
	defer w.setState(func(s *Status) { s.State = "active"; s.CurrentJob = "" })

	start := time.Now()
	jobCtx, span := w.logger.StartSpan(ctx, "worker.job."+job.Type)
	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("job_type", job.Type),
		attribute.Int("job_retries", job.Retries),
	)
	defer span.End()

	log := w.logger.WithFields("job_id", job.ID, "job_type", job.Type)
	log.Infow("Processing job",
		"target", job.PayloadString("target"),
		"retries", job.Retries,
	)

	execErr := w.execute(jobCtx, job)
	if execErr == nil {
		w.setState(func(s *Status) { s.JobsComplete++ })
		log.LogDuration(jobCtx, "worker.job", start)
		return true, w.queue.Complete(ctx, job.ID)
	}

	span.RecordError(execErr)
	span.SetStatus(codes.Error, execErr.Error())
	w.setState(func(s *Status) { s.JobsFailed++ })

	if !IsPermanent(execErr) && job.Retries < w.opts.MaxRetries && ctx.Err() == nil {
		log.Warnw("Job failed, scheduling retry",
			"error", execErr,
			"retry_attempt", job.Retries+1,
		)
		if err := w.queue.Fail(ctx, job.ID, execErr.Error()); err != nil {
			return true, fmt.Errorf("failed to mark job %s failed: %w", job.ID, err)
		}
		return true, w.queue.Retry(ctx, job.ID)
	}

	log.Errorw("Job failed",
		"error", execErr,
		"retries", job.Retries,
	)
	// The failure is recorded even when ctx is already cancelled.
	return true, w.queue.Fail(context.WithoutCancel(ctx), job.ID, execErr.Error())
}

func (w *Worker) execute(ctx context.Context, job *types.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("job panicked: %v", r))
		}
	}()
	if job.Type != types.JobTypeScan {
		return Permanent(fmt.Errorf("unsupported job type %q", job.Type))
	}
	return w.handler(ctx, job)
}

func (w *Worker) setState(fn func(*Status)) {
	w.statusMu.Lock()
	fn(&w.status)
	w.statusMu.Unlock()
}
