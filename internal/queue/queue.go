package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storefront-auth/internal/client"
	"storefront-auth/internal/config"
)

const (
	pendingKey = "queue:pending"
	delayedKey = "queue:delayed"
	failedKey  = "queue:failed"
)

var ErrNoHandler = errors.New("no handler registered for job type")

// Job is a unit of durable asynchronous work. Jobs survive process
// restarts: they live in Redis until terminally completed or parked in
// the failed list after exhausting their retry budget.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Handler processes a job. Returning an error re-raises the job into the
// queue's retry schedule; the handler must be safe to call again.
type Handler func(ctx context.Context, job *Job) error

// EventPublisher receives completed/failed notifications. Optional.
type EventPublisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// Queue is a Redis-backed job queue with exponential-backoff retries.
// Pending jobs sit in a list, scheduled retries in a sorted set keyed by
// ready time, exhausted jobs in a durable failed list.
type Queue struct {
	client *client.RedisClient
	cfg    config.QueueConfig
	logger *zap.Logger
	events EventPublisher

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewQueue(redisClient *client.RedisClient, cfg config.QueueConfig, events EventPublisher, logger *zap.Logger) *Queue {
	return &Queue{
		client:   redisClient,
		cfg:      cfg,
		logger:   logger,
		events:   events,
		handlers: make(map[string]Handler),
	}
}

// Process registers the handler for a job type. Must be called before Run.
func (q *Queue) Process(jobType string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

// Enqueue serializes payload and appends a new job to the pending list.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	job := &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     raw,
		Attempts:    0,
		MaxAttempts: q.cfg.MaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}

	if err := q.push(ctx, job); err != nil {
		return nil, err
	}

	q.logger.Debug("Job enqueued",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
	)
	return job, nil
}

func (q *Queue) push(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, pendingKey, string(data)); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Run starts the worker pool and the delayed-job promoter. Blocks until
// ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return q.promoteLoop(ctx)
	})

	for i := 0; i < q.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return q.workerLoop(ctx, worker)
		})
	}

	q.logger.Info("Queue workers started",
		zap.Int("workers", q.cfg.Workers),
		zap.Int("max_attempts", q.cfg.MaxAttempts),
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// promoteLoop moves delayed jobs whose ready time has passed back onto
// the pending list.
func (q *Queue) promoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Error("Failed to promote delayed jobs", zap.Error(err))
			}
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context) error {
	now := float64(time.Now().UnixMilli())
	members, err := q.client.ZRangeByScore(ctx, delayedKey, now, 100)
	if err != nil {
		return err
	}

	for _, member := range members {
		// Only the remover of the zset member may promote it; a second
		// promoter sees removed == 0 and skips.
		removed, err := q.client.ZRem(ctx, delayedKey, member)
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, pendingKey, member); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) workerLoop(ctx context.Context, worker int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw, err := q.client.RPop(ctx, pendingKey)
		if err != nil {
			if errors.Is(err, client.ErrKeyNotFound) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(q.cfg.PollInterval):
				}
				continue
			}
			q.logger.Error("Failed to pop job", zap.Int("worker", worker), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Error("Dropping malformed job payload", zap.Error(err))
			continue
		}

		q.handleJob(ctx, &job)
	}
}

func (q *Queue) handleJob(ctx context.Context, job *Job) {
	q.mu.RLock()
	handler, ok := q.handlers[job.Type]
	q.mu.RUnlock()

	if !ok {
		job.LastError = ErrNoHandler.Error()
		q.park(ctx, job)
		return
	}

	job.Attempts++
	err := handler(ctx, job)
	if err == nil {
		q.logger.Debug("Job completed",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Int("attempts", job.Attempts),
		)
		q.notify(ctx, "job.completed", job)
		return
	}

	job.LastError = err.Error()

	if job.Attempts >= job.MaxAttempts {
		q.logger.Error("Job exhausted all attempts",
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Int("attempts", job.Attempts),
			zap.Error(err),
		)
		q.park(ctx, job)
		return
	}

	delay := q.backoff(job.Attempts)
	q.logger.Warn("Job failed, scheduling retry",
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Int("attempts", job.Attempts),
		zap.Duration("delay", delay),
		zap.Error(err),
	)

	if err := q.schedule(ctx, job, delay); err != nil {
		q.logger.Error("Failed to schedule retry, parking job",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		q.park(ctx, job)
	}
}

// backoff doubles per attempt: base, 2*base, 4*base.
func (q *Queue) backoff(attempts int) time.Duration {
	return q.cfg.BackoffBase << (attempts - 1)
}

func (q *Queue) schedule(ctx context.Context, job *Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	return q.client.ZAdd(ctx, delayedKey, readyAt, string(data))
}

// park moves a job to the durable failed list. Exhausted jobs are kept
// for inspection, never silently dropped.
func (q *Queue) park(ctx context.Context, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		q.logger.Error("Failed to marshal parked job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if err := q.client.LPush(ctx, failedKey, string(data)); err != nil {
		q.logger.Error("Failed to park job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	q.notify(ctx, "job.failed", job)
}

func (q *Queue) notify(ctx context.Context, event string, job *Job) {
	if q.events == nil {
		return
	}
	payload := map[string]interface{}{
		"event":    event,
		"job_id":   job.ID,
		"job_type": job.Type,
		"attempts": job.Attempts,
	}
	if job.LastError != "" {
		payload["error"] = job.LastError
	}
	if err := q.events.PublishEvent(ctx, job.ID, payload); err != nil {
		q.logger.Warn("Failed to publish queue event",
			zap.String("event", event),
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

// FailedJobs returns up to limit parked jobs, newest first.
func (q *Queue) FailedJobs(ctx context.Context, limit int64) ([]*Job, error) {
	raws, err := q.client.LRange(ctx, failedKey, 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("failed to read failed jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// PendingCount reports the depth of the pending list.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, pendingKey)
}
