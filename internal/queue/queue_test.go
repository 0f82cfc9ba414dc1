package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := New(client, Config{})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, &now
}

func TestEnqueueAndClaim(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "acme", JobTrackingEvent, map[string]string{"event": "open"}, Options{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := q.ClaimDue(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, JobTrackingEvent, job.Type)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, 3, job.MaxAttempts)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, "open", payload["event"])

	// claimed jobs are gone
	again, err := q.ClaimDue(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestDelayedJobNotDueUntilDelay(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "acme", JobDelayedMessage, nil, Options{Delay: 2 * time.Hour})
	require.NoError(t, err)

	job, err := q.ClaimDue(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, job, "job is not due yet")

	*now = now.Add(2 * time.Hour)
	job, err = q.ClaimDue(ctx, "acme")
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestTenantIsolation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "acme", JobRunAutomation, nil, Options{})
	require.NoError(t, err)

	job, err := q.ClaimDue(ctx, "beta")
	require.NoError(t, err)
	assert.Nil(t, job, "beta's queue is empty")

	tenants, err := q.Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, tenants)
}

func TestRetryBackoffDoubles(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "acme", JobDispatchSegment, nil, Options{})
	require.NoError(t, err)
	job, err := q.ClaimDue(ctx, "acme")
	require.NoError(t, err)

	// first failure: retried after the 5s base backoff
	retrying, err := q.Retry(ctx, *job, errors.New("gateway down"))
	require.NoError(t, err)
	assert.True(t, retrying)

	*now = now.Add(4 * time.Second)
	j, err := q.ClaimDue(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, j, "backoff has not elapsed")

	*now = now.Add(1 * time.Second)
	j, err = q.ClaimDue(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 2, j.Attempt)

	// second failure: backoff doubles to 10s
	retrying, err = q.Retry(ctx, *j, errors.New("still down"))
	require.NoError(t, err)
	assert.True(t, retrying)

	*now = now.Add(10 * time.Second)
	j, err = q.ClaimDue(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 3, j.Attempt)

	// third failure exhausts the default 3 attempts
	retrying, err = q.Retry(ctx, *j, errors.New("gave up"))
	require.NoError(t, err)
	assert.False(t, retrying)

	*now = now.Add(time.Hour)
	j, err = q.ClaimDue(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, j, "exhausted jobs go to the dead list, not back on the queue")
}

func TestWorkerProcessesJobs(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := New(client, Config{})
	ctx := context.Background()

	var handled atomic.Int64
	worker := NewWorker(q, map[string]Handler{
		JobTrackingEvent: func(ctx context.Context, job Job) error {
			handled.Add(1)
			return nil
		},
	}, 2, 10*time.Millisecond)

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, "acme", JobTrackingEvent, nil, Options{})
		require.NoError(t, err)
	}

	worker.Start()
	defer worker.Stop()

	assert.Eventually(t, func() bool {
		return handled.Load() == 5
	}, 3*time.Second, 10*time.Millisecond)

	processed, failed := worker.Stats()
	assert.Equal(t, int64(5), processed)
	assert.Equal(t, int64(0), failed)
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := New(client, Config{})
	ctx := context.Background()

	worker := NewWorker(q, map[string]Handler{
		JobRunAutomation: func(ctx context.Context, job Job) error {
			panic("bad payload")
		},
	}, 1, 10*time.Millisecond)

	_, err := q.Enqueue(ctx, "acme", JobRunAutomation, nil, Options{Attempts: 1})
	require.NoError(t, err)

	worker.Start()
	defer worker.Stop()

	assert.Eventually(t, func() bool {
		_, failed := worker.Stats()
		return failed == 1
	}, 3*time.Second, 10*time.Millisecond)
}
