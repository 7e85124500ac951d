package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/CodeMonkeyCybersecurity/warden/internal/config"
)

// Limiter paces probes so a scan does not overwhelm the target. Each host
// gets its own token bucket plus an optional minimum gap between requests.
type Limiter struct {
	rps      rate.Limit
	burst    int
	minDelay time.Duration

	mu          sync.Mutex
	hosts       map[string]*rate.Limiter
	lastRequest map[string]time.Time
}

type Config struct {
	// RequestsPerSecond of zero or less disables token-bucket pacing.
	RequestsPerSecond float64
	BurstSize         int
	MinDelay          time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 20.0,
		BurstSize:         10,
	}
}

func FromProbeConfig(cfg config.ProbeConfig) Config {
	return Config{
		RequestsPerSecond: cfg.RequestsPerSecond,
		BurstSize:         cfg.BurstSize,
		MinDelay:          cfg.MinHostDelay,
	}
}

func NewLimiter(cfg Config) *Limiter {
	rps := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		rps = rate.Inf
	}
	burst := cfg.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rps:         rps,
		burst:       burst,
		minDelay:    cfg.MinDelay,
		hosts:       make(map[string]*rate.Limiter),
		lastRequest: make(map[string]time.Time),
	}
}

func (l *Limiter) hostLimiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.hosts[host]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.hosts[host] = lim
	}
	return lim
}

// WaitForHost blocks until a request to host is allowed or ctx is done.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if err := l.hostLimiter(host).Wait(ctx); err != nil {
		return err
	}
	if l.minDelay <= 0 {
		return nil
	}

	// Reserve the next slot under the lock, sleep outside it.
	l.mu.Lock()
	next := time.Now()
	if last, ok := l.lastRequest[host]; ok && last.Add(l.minDelay).After(next) {
		next = last.Add(l.minDelay)
	}
	l.lastRequest[host] = next
	l.mu.Unlock()

	wait := time.Until(next)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Stats struct {
	TrackedHosts int
	BurstSize    int
	MinDelay     time.Duration
}

func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TrackedHosts: len(l.hosts),
		BurstSize:    l.burst,
		MinDelay:     l.minDelay,
	}
}
