package shutdown

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsInReverseOnce(t *testing.T) {
	h := NewHandler(nil)
	var order []int
	h.RegisterShutdownFunc(func() error { order = append(order, 1); return nil })
	h.RegisterShutdownFunc(func() error { order = append(order, 2); return errors.New("ignored") })

	h.Shutdown()
	h.Shutdown()

	assert.Equal(t, []int{2, 1}, order)
	select {
	case <-h.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestShutdownWithTimeout(t *testing.T) {
	h := NewHandler(nil)
	h.RegisterShutdownFunc(func() error { time.Sleep(200 * time.Millisecond); return nil })
	assert.Error(t, h.ShutdownWithTimeout(10*time.Millisecond))

	h = NewHandler(nil)
	assert.NoError(t, h.ShutdownWithTimeout(time.Second))
}

func TestContextCancelledBySignal(t *testing.T) {
	h := NewHandler(nil)
	h.signals = []os.Signal{syscall.SIGUSR1}
	ctx, stop := h.Context(context.Background())
	defer stop()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled by signal")
	}
}

func TestContextStop(t *testing.T) {
	h := NewHandler(nil)
	ctx, stop := h.Context(context.Background())
	require.NoError(t, ctx.Err())
	stop()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
