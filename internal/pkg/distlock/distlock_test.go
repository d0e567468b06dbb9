package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLock_ExclusiveUntilReleased(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "analytics-aggregator", time.Minute)
	b := NewRedisLock(client, "analytics-aggregator", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	// Only the owner may release.
	require.NoError(t, b.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ExpiresWithTTL(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "job", 10*time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(11 * time.Second)

	ok, err = NewRedisLock(client, "job", 10*time.Second).Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	lock := NewLock(nil, db, "analytics-aggregator", time.Minute)
	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lock.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTryRun(t *testing.T) {
	lock := NewLocalLock()
	ctx := context.Background()

	t.Run("runs when free", func(t *testing.T) {
		ran, err := TryRun(ctx, lock, func(ctx context.Context) error { return nil })
		require.NoError(t, err)
		assert.True(t, ran)
	})

	t.Run("skips when held", func(t *testing.T) {
		ok, _ := lock.Acquire(ctx)
		require.True(t, ok)
		defer lock.Release(ctx)

		called := false
		ran, err := TryRun(ctx, lock, func(ctx context.Context) error { called = true; return nil })
		require.NoError(t, err)
		assert.False(t, ran)
		assert.False(t, called)
	})

	t.Run("returns fn error and releases", func(t *testing.T) {
		boom := errors.New("boom")
		ran, err := TryRun(ctx, lock, func(ctx context.Context) error { return boom })
		assert.True(t, ran)
		assert.ErrorIs(t, err, boom)

		ok, _ := lock.Acquire(ctx)
		assert.True(t, ok)
		lock.Release(ctx)
	})
}

func TestRedisLock_Refresh(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "job", 10*time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(8 * time.Second)
	require.NoError(t, a.Refresh(ctx))
	mr.FastForward(8 * time.Second)
	assert.True(t, mr.Exists("outreach:lock:job"), "refresh renews the full TTL")

	mr.Del("outreach:lock:job")
	assert.ErrorIs(t, a.Refresh(ctx), ErrNotHeld)
}

func TestTryRun_CancelsWhenLockLost(t *testing.T) {
	mr, client := newRedis(t)
	lock := NewRedisLock(client, "aggregator", 300*time.Millisecond)

	ran, err := TryRun(context.Background(), lock, func(ctx context.Context) error {
		mr.Del("outreach:lock:aggregator")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("run was not cancelled")
		}
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, context.Canceled)
}
