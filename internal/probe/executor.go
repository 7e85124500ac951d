// Package probe executes planned test cases against the target and captures
// what came back.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/murmur3"
	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/warden/internal/config"
	"github.com/CodeMonkeyCybersecurity/warden/internal/core"
	"github.com/CodeMonkeyCybersecurity/warden/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/warden/internal/logger"
	"github.com/CodeMonkeyCybersecurity/warden/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

// ErrWriteNotPermitted marks probes skipped because the method could mutate
// target state and the scan was not allowed to send it.
var ErrWriteNotPermitted = errors.New("write method not permitted")

type Options struct {
	Concurrency       int
	Timeout           time.Duration
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxBodyBytes      int64
	AllowWriteMethods bool
}

func OptionsFromConfig(cfg config.ProbeConfig) Options {
	return Options{
		Concurrency:       cfg.Concurrency,
		Timeout:           cfg.Timeout,
		MaxRetries:        cfg.MaxRetries,
		InitialBackoff:    cfg.InitialBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		AllowWriteMethods: cfg.AllowWriteMethods,
	}
}

// Stats summarizes one Execute call.
type Stats struct {
	Planned  int `json:"planned"`
	Executed int `json:"executed"`
	Failed   int `json:"failed"`
	// Skipped counts probes never sent, whether cancelled or not permitted.
	Skipped      int `json:"skipped"`
	NotPermitted int `json:"not_permitted"`
	// Cancelled is set when the context ended before every probe was sent.
	Cancelled bool `json:"cancelled"`
}

type Executor struct {
	client    *http.Client
	limiter   core.RateLimiter
	log       *logger.Logger
	telemetry core.Telemetry
	opts      Options
}

type ExecutorOption func(*Executor)

func WithRateLimiter(l core.RateLimiter) ExecutorOption {
	return func(e *Executor) { e.limiter = l }
}

func WithTelemetry(t core.Telemetry) ExecutorOption {
	return func(e *Executor) { e.telemetry = t }
}

func NewExecutor(client *http.Client, opts Options, log *logger.Logger, options ...ExecutorOption) *Executor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}

	e := &Executor{
		client:    client,
		log:       log.WithComponent("probe"),
		telemetry: telemetry.NewNoop(),
		opts:      opts,
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// Execute runs the test cases with bounded concurrency and returns results
// in test case order. Probe failures are captured in the result, never
// returned as errors. Once ctx is done no further requests are sent, but
// requests already in flight run to completion or to their own timeout.
// Results cover only the probes that were sent or withheld by policy.
func (e *Executor) Execute(ctx context.Context, cases []*types.TestCase) ([]*types.ProbeResult, Stats) {
	ctx, span := e.log.StartSpan(ctx, "probe.Execute")
	defer span.End()

	slots := make([]*types.ProbeResult, len(cases))
	step := progressStep(len(cases))
	var finished atomic.Int64

	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)

	for i, tc := range cases {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res := e.run(ctx, tc)
			if res == nil {
				return nil
			}
			slots[i] = res

			e.log.LogProbe(ctx, res)
			if !res.Skipped() {
				e.telemetry.RecordProbe(tc.Kind, res.StatusCode, res.Failed())
			}
			if n := int(finished.Add(1)); n%step == 0 && n < len(cases) {
				e.log.LogProbeProgress(ctx, n, len(cases))
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := Stats{Planned: len(cases)}
	results := make([]*types.ProbeResult, 0, len(cases))
	for _, res := range slots {
		if res == nil {
			stats.Skipped++
			continue
		}
		results = append(results, res)
		if res.Skipped() {
			stats.Skipped++
			stats.NotPermitted++
			continue
		}
		stats.Executed++
		if res.Failed() {
			stats.Failed++
		}
	}
	stats.Cancelled = stats.Skipped > stats.NotPermitted && ctx.Err() != nil

	e.log.Infow("Probe execution finished",
		"planned", stats.Planned,
		"executed", stats.Executed,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"not_permitted", stats.NotPermitted,
		"cancelled", stats.Cancelled,
	)
	return results, stats
}

// progressStep reports progress about every tenth of the plan.
func progressStep(total int) int {
	if total < 10 {
		return total + 1
	}
	return total / 10
}

// run returns nil when ctx ended before the first request was sent.
func (e *Executor) run(ctx context.Context, tc *types.TestCase) *types.ProbeResult {
	res := &types.ProbeResult{TestCase: tc, StartedAt: time.Now()}

	if types.IsWriteMethod(tc.Request.Method) && !e.opts.AllowWriteMethods {
		res.SkipReason = ErrWriteNotPermitted.Error()
		return res
	}

	target, err := url.Parse(tc.Request.URL)
	if err != nil {
		res.Error = fmt.Sprintf("invalid probe URL: %v", err)
		return res
	}

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if e.limiter != nil {
			if err := e.limiter.WaitForHost(ctx, target.Host); err != nil {
				return backoff.Permanent(err)
			}
		}
		res.Attempts++
		return e.attempt(ctx, tc, res)
	}

	retryErr := backoff.RetryNotify(op, e.backoffPolicy(ctx), func(err error, wait time.Duration) {
		e.log.Debugw("Retrying probe",
			"url", tc.Request.URL,
			"attempt", res.Attempts,
			"wait", wait,
			"error", err,
		)
	})
	if retryErr != nil {
		if res.Attempts == 0 && ctx.Err() != nil {
			return nil
		}
		res.StatusCode = 0
		res.Body = nil
		res.Headers = nil
		res.BodyHash = 0
		res.Error = retryErr.Error()
	}
	return res
}

// attempt sends one request. Only transport failures are retryable; any
// HTTP response, including 5xx, is a conclusive observation. The request is
// bounded by the probe timeout alone so cancelling ctx does not abort it.
func (e *Executor) attempt(ctx context.Context, tc *types.TestCase, res *types.ProbeResult) error {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, tc.Request.Method, tc.Request.URL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	for k, v := range tc.Request.Headers {
		req.Header[k] = append([]string(nil), v...)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, httpclient.ErrPrivateAddress) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	defer httpclient.CloseBody(resp)

	body, err := httpclient.ReadBody(resp, e.opts.MaxBodyBytes)
	res.Latency = time.Since(start)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	res.StatusCode = resp.StatusCode
	res.Headers = resp.Header.Clone()
	res.Body = body
	res.BodyHash = murmur3.Sum64(body)
	return nil
}

func (e *Executor) backoffPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if e.opts.InitialBackoff > 0 {
		b.InitialInterval = e.opts.InitialBackoff
	}
	if e.opts.MaxBackoff > 0 {
		b.MaxInterval = e.opts.MaxBackoff
	}
	b.MaxElapsedTime = 0

	retries := e.opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}
