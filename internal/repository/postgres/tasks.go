package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/outreach"
)

const taskColumns = `id, enrollment_id, workflow_id, step_index, due_at, lease_owner,
	lease_expires_at, attempts, state, created_at, updated_at`

// claimQuery selects and leases in one statement. SKIP LOCKED lets
// concurrent workers claim disjoint sets without waiting on each other.
const claimQuery = `
	WITH due AS (
		SELECT t.id
		FROM outreach_scheduled_tasks t
		JOIN outreach_workflows w ON w.id = t.workflow_id
		WHERE t.state = 'pending'
		  AND t.due_at <= $1
		  AND (t.lease_owner IS NULL OR t.lease_expires_at <= $1)
		  AND w.status = 'active'
		  AND w.deleted_at IS NULL
		ORDER BY t.due_at, t.id
		LIMIT $4
		FOR UPDATE OF t SKIP LOCKED
	)
	UPDATE outreach_scheduled_tasks s
	SET lease_owner = $2, lease_expires_at = $3, updated_at = $1
	FROM due
	WHERE s.id = due.id
	RETURNING s.id, s.enrollment_id, s.workflow_id, s.step_index, s.due_at, s.lease_owner,
		s.lease_expires_at, s.attempts, s.state, s.created_at, s.updated_at`

func scanTask(row scanner) (*domain.ScheduledTask, error) {
	var (
		t       domain.ScheduledTask
		owner   sql.NullString
		expires sql.NullTime
		state   string
	)
	if err := row.Scan(
		&t.ID, &t.EnrollmentID, &t.WorkflowID, &t.StepIndex, &t.DueAt, &owner,
		&expires, &t.Attempts, &state, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.State = domain.TaskState(state)
	t.LeaseOwner = stringPtr(owner)
	t.LeaseExpiresAt = timePtr(expires)
	t.DueAt = t.DueAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func insertTask(ctx context.Context, tx *sql.Tx, t *domain.ScheduledTask) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outreach_scheduled_tasks
			(id, enrollment_id, workflow_id, step_index, due_at, lease_owner,
			 lease_expires_at, attempts, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.EnrollmentID, t.WorkflowID, t.StepIndex, t.DueAt, nullString(t.LeaseOwner),
		nullTime(t.LeaseExpiresAt), t.Attempts, string(t.State), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// ClaimDueTasks leases due tasks of active workflows, earliest first.
func (s *Store) ClaimDueTasks(ctx context.Context, c outreach.Claim) ([]domain.ScheduledTask, error) {
	limit := c.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, claimQuery, c.Now, c.WorkerID, c.Now.Add(c.Lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()

	out := []domain.ScheduledTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not preserve the CTE order.
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})
	return out, nil
}

// RescheduleTask moves a leased task to dueAt and releases the lease.
func (s *Store) RescheduleTask(ctx context.Context, taskID, workerID string, dueAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outreach_scheduled_tasks
		SET due_at = $3, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND state = 'pending' AND lease_owner = $2
	`, taskID, workerID, dueAt)
	if err != nil {
		return fmt.Errorf("reschedule task: %w", err)
	}
	return s.checkOwned(ctx, res, taskID)
}

// FinishTask closes a leased task as done or cancelled.
func (s *Store) FinishTask(ctx context.Context, taskID, workerID string, state domain.TaskState, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outreach_scheduled_tasks
		SET state = $3, lease_owner = NULL, lease_expires_at = NULL, updated_at = $4
		WHERE id = $1 AND state = 'pending' AND lease_owner = $2
	`, taskID, workerID, string(state), at)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	return s.checkOwned(ctx, res, taskID)
}

// checkOwned maps an ownership-guarded update that matched nothing to
// ErrTaskNotFound or ErrLeaseLost.
func (s *Store) checkOwned(ctx context.Context, res sql.Result, taskID string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM outreach_scheduled_tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
		return fmt.Errorf("check task: %w", err)
	}
	if !exists {
		return outreach.ErrTaskNotFound
	}
	return outreach.ErrLeaseLost
}

// ListTasks returns the tasks of an enrollment by step.
func (s *Store) ListTasks(ctx context.Context, enrollmentID string) ([]domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM outreach_scheduled_tasks
		WHERE enrollment_id = $1
		ORDER BY step_index, created_at
	`, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	out := []domain.ScheduledTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
