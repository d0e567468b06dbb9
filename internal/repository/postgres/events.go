package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/outreach-engine/internal/domain"
)

// eventsLockKey serializes ledger inserts. Holding a transaction-scoped
// advisory lock from nextval to commit makes offsets visible in order, so a
// reader that has seen seq N never later finds a committed seq below N.
const eventsLockKey int64 = 0x6f75747265616368 // "outreach"

const eventColumns = `seq, id, type, enrollment_id, workflow_id, workflow_type, contact_id,
	step_index, channel, automated, ai_generated, occurred_at, recorded_at`

func insertEvents(ctx context.Context, tx *sql.Tx, events ...*domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, eventsLockKey); err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	for _, ev := range events {
		if ev == nil {
			continue
		}
		var seq int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO outreach_events
				(id, type, enrollment_id, workflow_id, workflow_type, contact_id,
				 step_index, channel, automated, ai_generated, occurred_at, recorded_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO NOTHING
			RETURNING seq
		`, ev.ID, string(ev.Type), ev.EnrollmentID, ev.WorkflowID, string(ev.WorkflowType), ev.ContactID,
			ev.StepIndex, string(ev.Channel), ev.Automated, ev.AIGenerated, ev.OccurredAt, ev.RecordedAt,
		).Scan(&seq)
		if err == sql.ErrNoRows {
			ev.Seq = 0
			continue
		}
		if err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
		ev.Seq = seq
	}
	return nil
}

// AppendEvents stores events, skipping IDs already in the ledger.
func (s *Store) AppendEvents(ctx context.Context, events ...*domain.Event) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertEvents(ctx, tx, events...)
	})
}

// EventsAfter returns up to limit events after the offset; limit 0 reads
// to the end.
func (s *Store) EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM outreach_events WHERE seq > $1 ORDER BY seq`
	args := []interface{}{after}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastSeq returns the highest assigned offset.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM outreach_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

func scanEvent(row scanner) (domain.Event, error) {
	var (
		ev              domain.Event
		typ, wfType, ch string
	)
	if err := row.Scan(
		&ev.Seq, &ev.ID, &typ, &ev.EnrollmentID, &ev.WorkflowID, &wfType, &ev.ContactID,
		&ev.StepIndex, &ch, &ev.Automated, &ev.AIGenerated, &ev.OccurredAt, &ev.RecordedAt,
	); err != nil {
		return ev, fmt.Errorf("scan event: %w", err)
	}
	ev.Type = domain.EventType(typ)
	ev.WorkflowType = domain.WorkflowType(wfType)
	ev.Channel = domain.Channel(ch)
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.RecordedAt = ev.RecordedAt.UTC()
	return ev, nil
}
