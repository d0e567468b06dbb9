package worker

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T) (*DataCleanupWorker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	dc := NewDataCleanupWorker(db)
	dc.batchPause = 0
	return dc, mock
}

func TestCleanup_BatchesUntilShortBatch(t *testing.T) {
	dc, mock := newTestWorker(t)

	tasks := regexp.QuoteMeta("DELETE FROM outreach_scheduled_tasks")
	mock.ExpectExec(tasks).WithArgs(cleanupBatchSize).WillReturnResult(sqlmock.NewResult(0, cleanupBatchSize))
	mock.ExpectExec(tasks).WithArgs(cleanupBatchSize).WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM outreach_aggregate_buckets")).
		WithArgs(cleanupBatchSize).WillReturnResult(sqlmock.NewResult(0, 0))

	removed := dc.Cleanup(context.Background())
	assert.EqualValues(t, cleanupBatchSize+12, removed["outreach_scheduled_tasks"])
	assert.EqualValues(t, 0, removed["outreach_aggregate_buckets"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup_MissingTableIsSkipped(t *testing.T) {
	dc, mock := newTestWorker(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM outreach_scheduled_tasks")).
		WillReturnError(errors.New(`pq: relation "outreach_scheduled_tasks" does not exist`))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM outreach_aggregate_buckets")).
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed := dc.Cleanup(context.Background())
	assert.EqualValues(t, 0, removed["outreach_scheduled_tasks"])
	assert.EqualValues(t, 3, removed["outreach_aggregate_buckets"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup_CancelledContextDoesNothing(t *testing.T) {
	dc, mock := newTestWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	removed := dc.Cleanup(ctx)
	assert.EqualValues(t, 0, removed["outreach_scheduled_tasks"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsTableNotExistsError(t *testing.T) {
	assert.True(t, isTableNotExistsError(errors.New(`relation "x" does not exist`)))
	assert.False(t, isTableNotExistsError(errors.New("connection refused")))
	assert.False(t, isTableNotExistsError(nil))
}
