package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestAcquireRelease(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	lock := NewLock(client, "scheduler:tick", time.Minute)

	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second holder cannot acquire while the first owns it
	other := NewLock(client, "scheduler:tick", time.Minute)
	ok, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lock.Release(ctx))

	ok, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseOnlyWhenOwned(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	first := NewLock(client, "dispatch:camp-1", time.Minute)
	second := NewLock(client, "dispatch:camp-1", time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Releasing a lock we do not own must leave the holder intact
	require.NoError(t, second.Release(ctx))

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtend(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	lock := NewLock(client, "automation:run", time.Minute)

	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.NoError(t, lock.Extend(ctx, 5*time.Minute))
}
