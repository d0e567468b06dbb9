package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// DistLock is a non-blocking mutual-exclusion lock shared between
// processes. One instance represents one prospective holder.
type DistLock interface {
	// Acquire takes the lock and reports whether it succeeded.
	Acquire(ctx context.Context) (bool, error)
	// Release frees the lock if this instance holds it.
	Release(ctx context.Context) error
}

// Refresher is implemented by locks that expire unless renewed.
type Refresher interface {
	Refresh(ctx context.Context) error
	TTL() time.Duration
}

// NewLock picks the backend: Redis when a client is configured, otherwise a
// PostgreSQL advisory lock, otherwise an in-process lock.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	if db != nil {
		return NewPGAdvisoryLock(db, key)
	}
	return NewLocalLock()
}

// =============================================================================
// PostgreSQL advisory lock
// =============================================================================

// PGAdvisoryLock holds a session-level advisory lock. The session is pinned
// to one pooled connection between Acquire and Release, so the unlock runs
// where the lock was taken; a dropped connection frees the lock.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPGAdvisoryLock derives the advisory lock id from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire calls pg_try_advisory_lock on a dedicated connection.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return false, nil
	}
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks on the pinned connection and returns it to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil
	_, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// =============================================================================
// Exclusive runs
// =============================================================================

// TryRun acquires lock, runs fn while holding it, and releases it. If the
// lock is held elsewhere fn is skipped and ran is false. Locks that expire
// are refreshed every third of their TTL; when a refresh finds the lock lost,
// fn's context is cancelled. Release uses a fresh context so a cancelled ctx
// still frees the lock.
func TryRun(ctx context.Context, lock DistLock, fn func(ctx context.Context) error) (ran bool, err error) {
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if r, ok := lock.(Refresher); ok && r.TTL() > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keepAlive(runCtx, r, cancel)
		}()
	}
	defer func() {
		cancel()
		wg.Wait()
		releaseCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if relErr := lock.Release(releaseCtx); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return true, fn(runCtx)
}

func keepAlive(ctx context.Context, r Refresher, lost context.CancelFunc) {
	ticker := time.NewTicker(r.TTL() / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.Refresh(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrNotHeld):
				logger.Warn("distributed lock lost, cancelling run")
				lost()
				return
			case ctx.Err() == nil:
				logger.Warn("distributed lock refresh failed", "error", err.Error())
			}
		}
	}
}

// =============================================================================
// In-process lock (single-node and memory storage mode)
// =============================================================================

// LocalLock implements DistLock with a process-local flag. It serves the
// memory storage mode where there is no shared backend to coordinate on.
type LocalLock struct {
	mu   sync.Mutex
	held bool
}

// NewLocalLock creates an unheld in-process lock.
func NewLocalLock() *LocalLock { return &LocalLock{} }

// Acquire takes the lock if nobody holds it.
func (l *LocalLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

// Release frees the lock.
func (l *LocalLock) Release(ctx context.Context) error {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
	return nil
}
