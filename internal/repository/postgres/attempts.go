package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/outreach-engine/internal/domain"
)

const attemptColumns = `id, task_id, enrollment_id, step_index, attempt_number, channel, outcome,
	provider_code, provider_message_id, worker_id, automated, ai_generated, attempted_at`

// RecordAttempt numbers and stores an attempt and appends its event in one
// transaction. The task row lock taken by the attempts increment serializes
// numbering per task.
func (s *Store) RecordAttempt(ctx context.Context, a *domain.DispatchAttempt, ev *domain.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx, `
			UPDATE outreach_scheduled_tasks SET attempts = attempts + 1, updated_at = $2
			WHERE id = $1
			RETURNING attempts
		`, a.TaskID, a.AttemptedAt).Scan(&n)
		if err == sql.ErrNoRows {
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) + 1 FROM outreach_dispatch_attempts WHERE task_id = $1`, a.TaskID).Scan(&n); err != nil {
				return fmt.Errorf("number attempt: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("number attempt: %w", err)
		}
		a.AttemptNumber = n

		_, err = tx.ExecContext(ctx, `
			INSERT INTO outreach_dispatch_attempts (`+attemptColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, a.ID, a.TaskID, a.EnrollmentID, a.StepIndex, a.AttemptNumber, string(a.Channel), string(a.Outcome),
			a.ProviderCode, a.ProviderMessageID, a.WorkerID, a.Automated, a.AIGenerated, a.AttemptedAt)
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		if ev != nil {
			return insertEvents(ctx, tx, ev)
		}
		return nil
	})
}

// HasSentAttempt reports whether the step was already sent.
func (s *Store) HasSentAttempt(ctx context.Context, enrollmentID string, step int) (bool, error) {
	var sent bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM outreach_dispatch_attempts
			WHERE enrollment_id = $1 AND step_index = $2 AND outcome = 'sent'
		)
	`, enrollmentID, step).Scan(&sent)
	if err != nil {
		return false, fmt.Errorf("check sent attempt: %w", err)
	}
	return sent, nil
}

// ListAttempts returns an enrollment's attempts in order.
func (s *Store) ListAttempts(ctx context.Context, enrollmentID string) ([]domain.DispatchAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM outreach_dispatch_attempts
		WHERE enrollment_id = $1
		ORDER BY attempted_at, step_index, attempt_number
	`, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	out := []domain.DispatchAttempt{}
	for rows.Next() {
		var a domain.DispatchAttempt
		var ch, outcome string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.EnrollmentID, &a.StepIndex, &a.AttemptNumber, &ch, &outcome,
			&a.ProviderCode, &a.ProviderMessageID, &a.WorkerID, &a.Automated, &a.AIGenerated, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Channel = domain.Channel(ch)
		a.Outcome = domain.AttemptOutcome(outcome)
		a.AttemptedAt = a.AttemptedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
