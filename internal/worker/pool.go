package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/warden/internal/core"
	"github.com/CodeMonkeyCybersecurity/warden/internal/logger"
)

// Pool runs a fixed number of workers against one queue.
type Pool struct {
	queue   core.JobQueue
	handler Handler
	opts    Options
	logger  *logger.Logger

	mu      sync.RWMutex
	workers []*Worker
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func NewPool(queue core.JobQueue, handler Handler, opts Options, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.NewNop()
	}
	return &Pool{
		queue:   queue,
		handler: handler,
		opts:    opts,
		logger:  log.WithComponent("worker_pool"),
	}
}

func (p *Pool) Start(ctx context.Context, count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return fmt.Errorf("worker pool already started")
	}
	if count < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", count)
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)

	p.logger.Infow("Starting worker pool", "workers", count)
	for i := 0; i < count; i++ {
		w := New(p.queue, p.handler, p.opts, p.logger)
		p.workers = append(p.workers, w)
		p.group.Go(func() error { return w.Run(ctx) })
	}
	return nil
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() error {
	p.mu.RLock()
	g := p.group
	p.mu.RUnlock()
	if g == nil {
		return fmt.Errorf("worker pool not started")
	}
	return g.Wait()
}

func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return fmt.Errorf("worker pool not started")
	}
	p.logger.Info("Stopping worker pool")
	p.cancel()
	g := p.group
	p.mu.Unlock()

	err := g.Wait()

	p.mu.Lock()
	p.cancel = nil
	p.group = nil
	p.workers = nil
	p.mu.Unlock()
	return err
}

func (p *Pool) Status() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Status, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.Status())
	}
	return out
}
