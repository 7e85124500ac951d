package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CodeMonkeyCybersecurity/warden/internal/config"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

func TestNewScanJobOmitsEmptyPaths(t *testing.T) {
	job := NewScanJob("https://api.local", "catalog.yaml", "ids.yaml", "", "", "out")
	assert.Equal(t, types.JobTypeScan, job.Type)
	assert.Equal(t, "https://api.local", job.PayloadString("target"))
	assert.Equal(t, "catalog.yaml", job.PayloadString("catalog"))
	assert.NotContains(t, job.Payload, "policies")
	assert.NotContains(t, job.Payload, "traffic")
}

func TestScoreOrdersByPriorityThenAge(t *testing.T) {
	q := &RedisQueue{}
	now := time.Unix(1_700_000_000, 0)

	older := &types.Job{CreatedAt: now}
	newer := &types.Job{CreatedAt: now.Add(time.Minute)}
	urgent := &types.Job{CreatedAt: now.Add(time.Minute), Priority: 1}
	retried := &types.Job{CreatedAt: now, Retries: 1}

	assert.Less(t, q.score(older), q.score(newer))
	assert.Less(t, q.score(urgent), q.score(older))
	assert.Greater(t, q.score(retried), q.score(newer))
}

func setupQueue(t *testing.T) *RedisQueue {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	q, err := NewRedisQueue(ctx, config.RedisConfig{Addr: endpoint, DialTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueueLifecycle(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	job := NewScanJob("https://api.local", "catalog.yaml", "ids.yaml", "", "", "")
	require.NoError(t, q.Push(ctx, job))
	require.NotEmpty(t, job.ID)

	pending, err := q.GetPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	popped, err := q.Pop(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, job.ID, popped.ID)
	assert.Equal(t, StatusProcessing, popped.Status)

	empty, err := q.Pop(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, q.Fail(ctx, job.ID, "catalog missing"))
	status, err := q.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status.Status)
	assert.Equal(t, "catalog missing", status.PayloadString("error"))

	require.NoError(t, q.Retry(ctx, job.ID))
	popped, err = q.Pop(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, 1, popped.Retries)
	assert.Empty(t, popped.PayloadString("error"))

	require.NoError(t, q.Complete(ctx, job.ID))
	status, err = q.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.Status)

	_, err = q.GetStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
