package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storefront-auth/internal/client"
	"storefront-auth/internal/config"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *capturingPublisher) PublishEvent(ctx context.Context, key string, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := event.(map[string]interface{}); ok {
		if name, ok := m["event"].(string); ok {
			p.events = append(p.events, name)
		}
	}
	return nil
}

func (p *capturingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	copy(out, p.events)
	return out
}

func newTestQueue(t *testing.T, events EventPublisher) *Queue {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	redisClient := client.NewRedisClientFromAddr(mr.Addr())
	t.Cleanup(func() { _ = redisClient.Close() })

	cfg := config.QueueConfig{
		Workers:      2,
		MaxAttempts:  3,
		BackoffBase:  20 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
	return NewQueue(redisClient, cfg, events, zap.NewNop())
}

func runQueue(t *testing.T, q *Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestEnqueueAndProcess(t *testing.T) {
	q := newTestQueue(t, nil)

	var mu sync.Mutex
	var got []string
	q.Process("greet", func(ctx context.Context, job *Job) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(job.Payload))
		return nil
	})

	runQueue(t, q)

	_, err := q.Enqueue(context.Background(), "greet", map[string]string{"name": "world"})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	assert.JSONEq(t, `{"name":"world"}`, got[0])
	mu.Unlock()
}

func TestRetryThenSucceed(t *testing.T) {
	events := &capturingPublisher{}
	q := newTestQueue(t, events)

	var mu sync.Mutex
	calls := 0
	q.Process("flaky", func(ctx context.Context, job *Job) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("transient failure")
		}
		return nil
	})

	runQueue(t, q)

	_, err := q.Enqueue(context.Background(), "flaky", struct{}{})
	require.NoError(t, err)

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 3
	})

	waitFor(t, time.Second, func() bool {
		for _, name := range events.names() {
			if name == "job.completed" {
				return true
			}
		}
		return false
	})

	failed, err := q.FailedJobs(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestExhaustedJobIsParked(t *testing.T) {
	events := &capturingPublisher{}
	q := newTestQueue(t, events)

	var mu sync.Mutex
	calls := 0
	q.Process("doomed", func(ctx context.Context, job *Job) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("permanent failure")
	})

	runQueue(t, q)

	job, err := q.Enqueue(context.Background(), "doomed", struct{}{})
	require.NoError(t, err)

	waitFor(t, 3*time.Second, func() bool {
		failed, err := q.FailedJobs(context.Background(), 10)
		return err == nil && len(failed) == 1
	})

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()

	failed, err := q.FailedJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, job.ID, failed[0].ID)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Contains(t, failed[0].LastError, "permanent failure")

	waitFor(t, time.Second, func() bool {
		for _, name := range events.names() {
			if name == "job.failed" {
				return true
			}
		}
		return false
	})
}

func TestJobWithoutHandlerIsParked(t *testing.T) {
	q := newTestQueue(t, nil)
	runQueue(t, q)

	_, err := q.Enqueue(context.Background(), "unknown", struct{}{})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool {
		failed, err := q.FailedJobs(context.Background(), 10)
		return err == nil && len(failed) == 1
	})

	failed, _ := q.FailedJobs(context.Background(), 10)
	assert.Contains(t, failed[0].LastError, "no handler")
}

func TestPendingCount(t *testing.T) {
	q := newTestQueue(t, nil)

	_, err := q.Enqueue(context.Background(), "later", struct{}{})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), "later", struct{}{})
	require.NoError(t, err)

	count, err := q.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
