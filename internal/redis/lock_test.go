package redisclient

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Needs a disposable Redis, e.g. TEST_REDIS_ADDR=localhost:6379.
func newTestLocker(t *testing.T) Locker {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	client, err := Connect(context.Background(), Options{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisLocker(client, 5*time.Second)
}

func TestRedisLockerExcludes(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()
	key := "payment:" + uuid.NewString()

	err := locker.WithLock(ctx, key, func(ctx context.Context) error {
		inner := locker.WithLock(ctx, key, func(context.Context) error {
			t.Fatal("second holder must not run")
			return nil
		})
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)

	ran := false
	require.NoError(t, locker.WithLock(ctx, key, func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran, "lock must be released after the first holder returns")
}

func TestRedisLockerReturnsCallbackError(t *testing.T) {
	locker := newTestLocker(t)
	boom := errors.New("boom")

	err := locker.WithLock(context.Background(), "payment:"+uuid.NewString(), func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}
