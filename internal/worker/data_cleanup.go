// Package worker holds periodic maintenance jobs for the PostgreSQL store.
package worker

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"
)

// =============================================================================
// DATA CLEANUP WORKER: prunes closed tasks and hourly buckets
// =============================================================================
// Retention policies:
//   - Scheduled tasks (done/cancelled) of terminal enrollments: 30 days
//   - Hourly aggregate buckets:                                 90 days
//
// The event ledger, dispatch attempts and day/month buckets are never
// pruned; rebuilds replay the ledger and re-derive hourly buckets, which
// the next cycle prunes again.
//
// Deletes run in batches so no single statement holds long locks.

const (
	// DefaultCleanupInterval is how often the cleanup cycle runs.
	DefaultCleanupInterval = 1 * time.Hour

	// cleanupBatchSize limits each DELETE to avoid table-level locks.
	cleanupBatchSize = 10000
)

const pruneTasksQuery = `
	DELETE FROM outreach_scheduled_tasks
	WHERE id IN (
		SELECT t.id FROM outreach_scheduled_tasks t
		JOIN outreach_enrollments e ON e.id = t.enrollment_id
		WHERE t.state IN ('done', 'cancelled')
		  AND e.state IN ('completed', 'exited')
		  AND t.updated_at < NOW() - INTERVAL '30 days'
		LIMIT $1
	)`

const pruneHourBucketsQuery = `
	DELETE FROM outreach_aggregate_buckets
	WHERE ctid IN (
		SELECT ctid FROM outreach_aggregate_buckets
		WHERE granularity = 'hour'
		  AND bucket_start < NOW() - INTERVAL '90 days'
		LIMIT $1
	)`

// DataCleanupWorker periodically removes old rows from the outreach tables.
type DataCleanupWorker struct {
	db         *sql.DB
	interval   time.Duration
	batchPause time.Duration
}

// NewDataCleanupWorker creates a new cleanup worker with default settings.
func NewDataCleanupWorker(db *sql.DB) *DataCleanupWorker {
	return &DataCleanupWorker{
		db:         db,
		interval:   DefaultCleanupInterval,
		batchPause: 100 * time.Millisecond,
	}
}

// Start begins the cleanup loop. It blocks until ctx is cancelled.
func (dc *DataCleanupWorker) Start(ctx context.Context) {
	log.Printf("[DataCleanup] Starting (interval=%s, batch_size=%d)", dc.interval, cleanupBatchSize)

	dc.Cleanup(ctx)

	ticker := time.NewTicker(dc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[DataCleanup] Stopping")
			return
		case <-ticker.C:
			dc.Cleanup(ctx)
		}
	}
}

// Cleanup runs one cycle and returns the rows removed per table.
func (dc *DataCleanupWorker) Cleanup(ctx context.Context) map[string]int64 {
	start := time.Now()
	removed := map[string]int64{
		"outreach_scheduled_tasks":   dc.batchDelete(ctx, "outreach_scheduled_tasks", pruneTasksQuery),
		"outreach_aggregate_buckets": dc.batchDelete(ctx, "outreach_aggregate_buckets", pruneHourBucketsQuery),
	}
	for table, n := range removed {
		if n > 0 {
			log.Printf("[DataCleanup] Removed %d rows from %s", n, table)
		}
	}
	log.Printf("[DataCleanup] Cleanup cycle completed in %s", time.Since(start).Round(time.Millisecond))
	return removed
}

// batchDelete runs query with cleanupBatchSize as $1 until no rows are
// affected. A missing table is logged once and skipped, which keeps the
// worker safe before migrations have run.
func (dc *DataCleanupWorker) batchDelete(ctx context.Context, table, query string) int64 {
	var totalDeleted int64

	for {
		if ctx.Err() != nil {
			return totalDeleted
		}

		queryCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		res, err := dc.db.ExecContext(queryCtx, query, cleanupBatchSize)
		cancel()

		if err != nil {
			if isTableNotExistsError(err) {
				if totalDeleted == 0 {
					log.Printf("[DataCleanup] Table %s does not exist, skipping", table)
				}
				return totalDeleted
			}
			log.Printf("[DataCleanup] Error deleting from %s: %v", table, err)
			return totalDeleted
		}

		affected, _ := res.RowsAffected()
		if affected == 0 {
			return totalDeleted
		}
		totalDeleted += affected

		if affected < cleanupBatchSize {
			return totalDeleted
		}
		time.Sleep(dc.batchPause)
	}
}

func isTableNotExistsError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "does not exist")
}
