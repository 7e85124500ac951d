// Package jobs queues scan jobs in Redis for the worker command.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/warden/internal/config"
	"github.com/CodeMonkeyCybersecurity/warden/internal/core"
	"github.com/CodeMonkeyCybersecurity/warden/pkg/types"
)

const (
	queuePending    = "warden:queue:pending"
	queueProcessing = "warden:queue:processing"
	queueFailed     = "warden:queue:failed"
	jobPrefix       = "warden:job:"
	workerPrefix    = "warden:worker:"

	jobTTL = 24 * time.Hour

	// priorityStep is how far ahead in the queue one priority point moves a job.
	priorityStep = float64(time.Hour / time.Second)
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

var ErrJobNotFound = errors.New("job not found")

var _ core.JobQueue = (*RedisQueue)(nil)

type RedisQueue struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisQueue(ctx context.Context, cfg config.RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{client: client, now: time.Now}, nil
}

// NewScanJob builds a scan job from the scan input paths.
func NewScanJob(target, catalog, identities, policies, traffic, output string) *types.Job {
	payload := map[string]interface{}{"target": target}
	for k, v := range map[string]string{
		"catalog":    catalog,
		"identities": identities,
		"policies":   policies,
		"traffic":    traffic,
		"output":     output,
	} {
		if v != "" {
			payload[k] = v
		}
	}
	return &types.Job{Type: types.JobTypeScan, Payload: payload}
}

func (q *RedisQueue) score(job *types.Job) float64 {
	return float64(job.CreatedAt.Unix()) - float64(job.Priority-job.Retries)*priorityStep
}

func (q *RedisQueue) Push(ctx context.Context, job *types.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	job.Status = StatusPending
	job.CreatedAt = q.now().UTC()
	job.UpdatedAt = job.CreatedAt

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobPrefix+job.ID, data, jobTTL)
	pipe.ZAdd(ctx, queuePending, redis.Z{Score: q.score(job), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Pop claims the next pending job for workerID. It returns nil, nil when
// the queue is empty.
func (q *RedisQueue) Pop(ctx context.Context, workerID string) (*types.Job, error) {
	members, err := q.client.ZPopMin(ctx, queuePending, 1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	jobID, ok := members[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected queue member %v", members[0].Member)
	}

	job, err := q.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Status = StatusProcessing
	job.UpdatedAt = q.now().UTC()

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal updated job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobPrefix+jobID, data, jobTTL)
	pipe.HSet(ctx, queueProcessing, jobID, workerID)
	pipe.Set(ctx, workerPrefix+workerID+":current", jobID, time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		q.client.ZAdd(ctx, queuePending, redis.Z{Score: members[0].Score, Member: jobID})
		return nil, fmt.Errorf("failed to update job status: %w", err)
	}
	return job, nil
}

func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	return q.finish(ctx, jobID, StatusCompleted, "")
}

func (q *RedisQueue) Fail(ctx context.Context, jobID string, reason string) error {
	return q.finish(ctx, jobID, StatusFailed, reason)
}

func (q *RedisQueue) finish(ctx context.Context, jobID, status, reason string) error {
	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = status
	job.UpdatedAt = q.now().UTC()
	if reason != "" {
		if job.Payload == nil {
			job.Payload = map[string]interface{}{}
		}
		job.Payload["error"] = reason
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal updated job: %w", err)
	}

	workerID, _ := q.client.HGet(ctx, queueProcessing, jobID).Result()

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobPrefix+jobID, data, jobTTL)
	pipe.HDel(ctx, queueProcessing, jobID)
	if status == StatusFailed {
		pipe.ZAdd(ctx, queueFailed, redis.Z{Score: float64(job.UpdatedAt.Unix()), Member: jobID})
	}
	if workerID != "" {
		pipe.Del(ctx, workerPrefix+workerID+":current")
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Retry moves a failed job back to pending. Each retry lowers its priority
// by one step.
func (q *RedisQueue) Retry(ctx context.Context, jobID string) error {
	job, err := q.load(ctx, jobID)
	if err != nil {
		return err
	}

	job.Status = StatusPending
	job.Retries++
	job.UpdatedAt = q.now().UTC()
	delete(job.Payload, "error")

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal updated job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobPrefix+jobID, data, jobTTL)
	pipe.ZRem(ctx, queueFailed, jobID)
	pipe.ZAdd(ctx, queuePending, redis.Z{Score: q.score(job), Member: jobID})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) GetStatus(ctx context.Context, jobID string) (*types.Job, error) {
	return q.load(ctx, jobID)
}

// GetPending lists pending jobs in the order Pop would return them. Jobs
// whose record expired are skipped.
func (q *RedisQueue) GetPending(ctx context.Context) ([]*types.Job, error) {
	jobIDs, err := q.client.ZRange(ctx, queuePending, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending jobs: %w", err)
	}

	jobs := make([]*types.Job, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		job, err := q.load(ctx, jobID)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) load(ctx context.Context, jobID string) (*types.Job, error) {
	data, err := q.client.Get(ctx, jobPrefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to get job data: %w", err)
	}

	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}
