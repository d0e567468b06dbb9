package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/outreach"
)

const enrollmentColumns = `id, workflow_id, workflow_version, workflow_type, contact_id, current_step,
	state, source, exit_reason, enrolled_at, completed_at, exited_at, updated_at`

func scanEnrollment(row scanner) (*domain.Enrollment, error) {
	var (
		e                     domain.Enrollment
		wfType, state, source string
		reason                sql.NullString
		completedAt, exitedAt sql.NullTime
	)
	if err := row.Scan(
		&e.ID, &e.WorkflowID, &e.WorkflowVersion, &wfType, &e.ContactID, &e.CurrentStep,
		&state, &source, &reason, &e.EnrolledAt, &completedAt, &exitedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.WorkflowType = domain.WorkflowType(wfType)
	e.State = domain.EnrollmentState(state)
	e.Source = domain.EnrollmentSource(source)
	if reason.Valid {
		r := domain.ExitReason(reason.String)
		e.ExitReason = &r
	}
	e.EnrolledAt = e.EnrolledAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.CompletedAt = timePtr(completedAt)
	e.ExitedAt = timePtr(exitedAt)
	return &e, nil
}

// CreateEnrollment inserts the enrollment, its first task and the enrolled
// event in one transaction. The partial unique index on in-flight
// enrollments turns a concurrent duplicate into ErrAlreadyEnrolled.
func (s *Store) CreateEnrollment(ctx context.Context, e *domain.Enrollment, first *domain.ScheduledTask, ev *domain.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outreach_enrollments
				(id, workflow_id, workflow_version, workflow_type, contact_id, current_step,
				 state, source, enrolled_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, e.ID, e.WorkflowID, e.WorkflowVersion, string(e.WorkflowType), e.ContactID, e.CurrentStep,
			string(e.State), string(e.Source), e.EnrolledAt, e.UpdatedAt)
		if isUniqueViolation(err) {
			return outreach.ErrAlreadyEnrolled
		}
		if err != nil {
			return fmt.Errorf("insert enrollment: %w", err)
		}
		if first != nil {
			if err := insertTask(ctx, tx, first); err != nil {
				return err
			}
		}
		if ev != nil {
			return insertEvents(ctx, tx, ev)
		}
		return nil
	})
}

// GetEnrollment returns one enrollment.
func (s *Store) GetEnrollment(ctx context.Context, id string) (*domain.Enrollment, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx,
		`SELECT `+enrollmentColumns+` FROM outreach_enrollments WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, outreach.ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return e, nil
}

// LatestEnrollment returns the most recent enrollment of a contact in a
// workflow, or nil.
func (s *Store) LatestEnrollment(ctx context.Context, workflowID, contactID string) (*domain.Enrollment, error) {
	e, err := scanEnrollment(s.db.QueryRowContext(ctx, `
		SELECT `+enrollmentColumns+` FROM outreach_enrollments
		WHERE workflow_id = $1 AND contact_id = $2
		ORDER BY enrolled_at DESC, id DESC
		LIMIT 1
	`, workflowID, contactID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest enrollment: %w", err)
	}
	return e, nil
}

// ListEnrollments returns matching enrollments, newest first, and the total.
func (s *Store) ListEnrollments(ctx context.Context, f outreach.EnrollmentFilter) ([]domain.Enrollment, int, error) {
	where := ` WHERE TRUE`
	args := []interface{}{}
	idx := 1
	if f.WorkflowID != "" {
		where += fmt.Sprintf(" AND workflow_id = $%d", idx)
		args = append(args, f.WorkflowID)
		idx++
	}
	if f.ContactID != "" {
		where += fmt.Sprintf(" AND contact_id = $%d", idx)
		args = append(args, f.ContactID)
		idx++
	}
	if f.State != "" {
		where += fmt.Sprintf(" AND state = $%d", idx)
		args = append(args, string(f.State))
		idx++
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outreach_enrollments`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}

	q := `SELECT ` + enrollmentColumns + ` FROM outreach_enrollments` + where + ` ORDER BY enrolled_at DESC, id`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, f.Limit)
		idx++
	}
	if f.Offset > 0 {
		q += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	out := []domain.Enrollment{}
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, *e)
	}
	return out, total, rows.Err()
}

// CountEnrollments returns enrollment counters per workflow.
func (s *Store) CountEnrollments(ctx context.Context, workflowIDs []string) (map[string]domain.EnrollmentCounts, error) {
	out := make(map[string]domain.EnrollmentCounts, len(workflowIDs))
	for _, id := range workflowIDs {
		out[id] = domain.EnrollmentCounts{}
	}
	if len(workflowIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE state IN ('pending', 'in_progress')),
		       COUNT(*) FILTER (WHERE state = 'completed'),
		       COUNT(*) FILTER (WHERE state = 'exited')
		FROM outreach_enrollments
		WHERE workflow_id = ANY($1)
		GROUP BY workflow_id
	`, pq.Array(workflowIDs))
	if err != nil {
		return nil, fmt.Errorf("count enrollments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var c domain.EnrollmentCounts
		if err := rows.Scan(&id, &c.Enrolled, &c.Active, &c.Completed, &c.Exited); err != nil {
			return nil, fmt.Errorf("scan enrollment counts: %w", err)
		}
		out[id] = c
	}
	return out, rows.Err()
}

// ActiveEnrollmentIDs lists non-terminal enrollments of a workflow.
func (s *Store) ActiveEnrollmentIDs(ctx context.Context, workflowID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM outreach_enrollments
		WHERE workflow_id = $1 AND state IN ('pending', 'in_progress')
		ORDER BY enrolled_at
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("active enrollments: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan enrollment id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AdvanceEnrollment moves an in-progress enrollment past adv.FromStep,
// closing the task and inserting the next one or completing.
func (s *Store) AdvanceEnrollment(ctx context.Context, adv outreach.Advance) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		q := `
			UPDATE outreach_enrollments SET current_step = $3, updated_at = $4
			WHERE id = $1 AND state = 'in_progress' AND current_step = $2`
		if adv.Next == nil {
			q = `
			UPDATE outreach_enrollments
			SET current_step = $3, updated_at = $4, state = 'completed', completed_at = $4
			WHERE id = $1 AND state = 'in_progress' AND current_step = $2`
		}
		res, err := tx.ExecContext(ctx, q, adv.EnrollmentID, adv.FromStep, adv.FromStep+1, adv.At)
		if err != nil {
			return fmt.Errorf("advance enrollment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return staleOrMissing(ctx, tx, adv.EnrollmentID)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE outreach_scheduled_tasks
			SET state = 'done', lease_owner = NULL, lease_expires_at = NULL, updated_at = $2
			WHERE id = $1 AND state = 'pending'
		`, adv.TaskID, adv.At)
		if err != nil {
			return fmt.Errorf("close task: %w", err)
		}
		if adv.Next != nil {
			return insertTask(ctx, tx, adv.Next)
		}
		return nil
	})
}

// ExitEnrollment exits a non-terminal enrollment and cancels its tasks.
func (s *Store) ExitEnrollment(ctx context.Context, ex outreach.Exit) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE outreach_enrollments
			SET state = 'exited', exit_reason = $2, exited_at = $3, updated_at = $3
			WHERE id = $1 AND state IN ('pending', 'in_progress')
		`, ex.EnrollmentID, string(ex.Reason), ex.At)
		if err != nil {
			return fmt.Errorf("exit enrollment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return staleOrMissing(ctx, tx, ex.EnrollmentID)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE outreach_scheduled_tasks
			SET state = 'cancelled', lease_owner = NULL, lease_expires_at = NULL, updated_at = $2
			WHERE enrollment_id = $1 AND state = 'pending'
		`, ex.EnrollmentID, ex.At)
		if err != nil {
			return fmt.Errorf("cancel tasks: %w", err)
		}
		return nil
	})
}

// staleOrMissing explains a CAS update that matched no row.
func staleOrMissing(ctx context.Context, tx *sql.Tx, id string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM outreach_enrollments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check enrollment: %w", err)
	}
	if !exists {
		return outreach.ErrEnrollmentNotFound
	}
	return outreach.ErrStaleEnrollment
}
