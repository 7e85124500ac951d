package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/CodeMonkeyCybersecurity/warden/internal/logger"
)

// Handler manages graceful shutdown of the application
type Handler struct {
	shutdownFuncs []func() error
	mu            sync.Mutex
	once          sync.Once
	done          chan struct{}
	logger        *logger.Logger
	signals       []os.Signal
}

// NewHandler creates a new graceful shutdown handler
func NewHandler(log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		shutdownFuncs: make([]func() error, 0),
		done:          make(chan struct{}),
		logger:        log.WithComponent("shutdown"),
		signals:       []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// RegisterShutdownFunc registers a function to be called during shutdown
func (h *Handler) RegisterShutdownFunc(fn func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdownFuncs = append(h.shutdownFuncs, fn)
}

// Context returns a context that is cancelled on the first SIGINT or
// SIGTERM. A running scan stops starting probes and reports what it has,
// marked incomplete. The returned stop function releases the signal hook.
func (h *Handler) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, h.signals...)

	go func() {
		select {
		case sig := <-sigChan:
			h.logger.Infow("Received signal, cancelling scan", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// WaitForShutdown waits for shutdown signals and executes shutdown functions
func (h *Handler) WaitForShutdown(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, h.signals...)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		h.logger.Infow("Received signal, starting graceful shutdown", "signal", sig.String())
	case <-ctx.Done():
		h.logger.Info("Context cancelled, starting graceful shutdown")
	}
	h.Shutdown()
}

// Shutdown runs the registered functions once, in reverse order.
func (h *Handler) Shutdown() {
	h.once.Do(func() {
		h.mu.Lock()
		funcs := append([]func() error(nil), h.shutdownFuncs...)
		h.mu.Unlock()

		for i := len(funcs) - 1; i >= 0; i-- {
			if err := funcs[i](); err != nil {
				h.logger.Errorw("Error during shutdown", "error", err)
			}
		}
		close(h.done)
	})
}

// Done returns a channel that's closed when shutdown is complete
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// ShutdownWithTimeout executes shutdown with a timeout
func (h *Handler) ShutdownWithTimeout(timeout time.Duration) error {
	go h.Shutdown()

	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}
