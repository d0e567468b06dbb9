package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/outreach-engine/internal/analytics"
	"github.com/ignite/outreach-engine/internal/domain"
)

const counterColumns = `enrolled, sent, delivered, opened, clicked, converted, responded,
	bounced, unsubscribed, failed, automated, ai_generated`

const upsertBucket = `
	INSERT INTO outreach_aggregate_buckets
		(workflow_id, channel, granularity, bucket_start, ` + counterColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (workflow_id, channel, granularity, bucket_start) DO UPDATE SET
		enrolled     = outreach_aggregate_buckets.enrolled + EXCLUDED.enrolled,
		sent         = outreach_aggregate_buckets.sent + EXCLUDED.sent,
		delivered    = outreach_aggregate_buckets.delivered + EXCLUDED.delivered,
		opened       = outreach_aggregate_buckets.opened + EXCLUDED.opened,
		clicked      = outreach_aggregate_buckets.clicked + EXCLUDED.clicked,
		converted    = outreach_aggregate_buckets.converted + EXCLUDED.converted,
		responded    = outreach_aggregate_buckets.responded + EXCLUDED.responded,
		bounced      = outreach_aggregate_buckets.bounced + EXCLUDED.bounced,
		unsubscribed = outreach_aggregate_buckets.unsubscribed + EXCLUDED.unsubscribed,
		failed       = outreach_aggregate_buckets.failed + EXCLUDED.failed,
		automated    = outreach_aggregate_buckets.automated + EXCLUDED.automated,
		ai_generated = outreach_aggregate_buckets.ai_generated + EXCLUDED.ai_generated`

// Watermark returns the last aggregated ledger offset.
func (s *Store) Watermark(ctx context.Context) (int64, error) {
	var w int64
	err := s.db.QueryRowContext(ctx, `SELECT watermark FROM outreach_aggregator_state WHERE id = 1`).Scan(&w)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return w, nil
}

// ApplyBatch adds a folded batch and moves the watermark in one
// transaction. The state row is locked first; a batch at or below the
// stored watermark was already applied by another aggregator and is
// skipped.
func (s *Store) ApplyBatch(ctx context.Context, b *analytics.Batch) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx,
			`SELECT watermark FROM outreach_aggregator_state WHERE id = 1 FOR UPDATE`).Scan(&current)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("lock watermark: %w", err)
		}
		if b.Watermark <= current {
			return nil
		}

		for k, c := range b.Deltas {
			if _, err := tx.ExecContext(ctx, upsertBucket,
				k.WorkflowID, string(k.Channel), string(k.Granularity), k.Start,
				c.Enrolled, c.Sent, c.Delivered, c.Opened, c.Clicked, c.Converted, c.Responded,
				c.Bounced, c.Unsubscribed, c.Failed, c.Automated, c.AIGenerated,
			); err != nil {
				return fmt.Errorf("upsert bucket: %w", err)
			}
		}
		for id, st := range b.Stages {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO outreach_enrollment_stages (enrollment_id, workflow_id, stage)
				VALUES ($1, $2, $3)
				ON CONFLICT (enrollment_id) DO UPDATE SET
					stage = GREATEST(outreach_enrollment_stages.stage, EXCLUDED.stage)
			`, id, st.WorkflowID, int(st.Stage)); err != nil {
				return fmt.Errorf("upsert stage: %w", err)
			}
		}
		for id, t := range b.WorkflowTypes {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO outreach_workflow_types (workflow_id, type) VALUES ($1, $2)
				ON CONFLICT (workflow_id) DO UPDATE SET type = EXCLUDED.type
			`, id, string(t)); err != nil {
				return fmt.Errorf("upsert workflow type: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outreach_aggregator_state (id, watermark, updated_at) VALUES (1, $1, NOW())
			ON CONFLICT (id) DO UPDATE SET watermark = EXCLUDED.watermark, updated_at = NOW()
		`, b.Watermark); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
		return nil
	})
}

// Buckets returns matching buckets ordered by start.
func (s *Store) Buckets(ctx context.Context, q analytics.BucketQuery) ([]domain.AggregateBucket, error) {
	query := `SELECT workflow_id, channel, granularity, bucket_start, ` + counterColumns +
		` FROM outreach_aggregate_buckets WHERE granularity = $1`
	args := []interface{}{string(q.Granularity)}
	idx := 2

	if q.PerWorkflow {
		query += fmt.Sprintf(" AND workflow_id <> $%d", idx)
		args = append(args, domain.AllWorkflows)
	} else {
		wf := q.WorkflowID
		if wf == "" {
			wf = domain.AllWorkflows
		}
		query += fmt.Sprintf(" AND workflow_id = $%d", idx)
		args = append(args, wf)
	}
	idx++
	if q.Channel != "" {
		query += fmt.Sprintf(" AND channel = $%d", idx)
		args = append(args, string(q.Channel))
		idx++
	}
	if !q.Start.IsZero() {
		query += fmt.Sprintf(" AND bucket_start >= $%d", idx)
		args = append(args, q.Start)
		idx++
	}
	if !q.End.IsZero() {
		query += fmt.Sprintf(" AND bucket_start < $%d", idx)
		args = append(args, q.End)
	}
	query += ` ORDER BY bucket_start, workflow_id, channel`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query buckets: %w", err)
	}
	defer rows.Close()

	var out []domain.AggregateBucket
	for rows.Next() {
		var b domain.AggregateBucket
		var ch, g string
		if err := rows.Scan(&b.WorkflowID, &ch, &g, &b.Start,
			&b.Enrolled, &b.Sent, &b.Delivered, &b.Opened, &b.Clicked, &b.Converted, &b.Responded,
			&b.Bounced, &b.Unsubscribed, &b.Failed, &b.Automated, &b.AIGenerated); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		b.Channel = domain.Channel(ch)
		b.Granularity = domain.Granularity(g)
		b.Start = b.Start.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// StageHistogram counts enrollments by highest funnel stage.
func (s *Store) StageHistogram(ctx context.Context, workflowID string) (map[domain.FunnelStage]int64, error) {
	query := `SELECT stage, COUNT(*) FROM outreach_enrollment_stages`
	var args []interface{}
	if workflowID != "" && workflowID != domain.AllWorkflows {
		query += ` WHERE workflow_id = $1`
		args = append(args, workflowID)
	}
	query += ` GROUP BY stage`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stage histogram: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.FunnelStage]int64)
	for rows.Next() {
		var stage int
		var n int64
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		out[domain.FunnelStage(stage)] = n
	}
	return out, rows.Err()
}

// StageHistograms counts enrollments by workflow and highest funnel stage.
func (s *Store) StageHistograms(ctx context.Context, workflowIDs []string) (map[string]map[domain.FunnelStage]int64, error) {
	out := make(map[string]map[domain.FunnelStage]int64)
	if len(workflowIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, stage, COUNT(*)
		FROM outreach_enrollment_stages
		WHERE workflow_id = ANY($1)
		GROUP BY workflow_id, stage
	`, pq.Array(workflowIDs))
	if err != nil {
		return nil, fmt.Errorf("stage histograms: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var stage int
		var n int64
		if err := rows.Scan(&id, &stage, &n); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		if out[id] == nil {
			out[id] = make(map[domain.FunnelStage]int64)
		}
		out[id][domain.FunnelStage(stage)] = n
	}
	return out, rows.Err()
}

// WorkflowTypes returns the workflow types seen by the aggregator.
func (s *Store) WorkflowTypes(ctx context.Context) (map[string]domain.WorkflowType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT workflow_id, type FROM outreach_workflow_types`)
	if err != nil {
		return nil, fmt.Errorf("workflow types: %w", err)
	}
	defer rows.Close()
	out := make(map[string]domain.WorkflowType)
	for rows.Next() {
		var id, t string
		if err := rows.Scan(&id, &t); err != nil {
			return nil, fmt.Errorf("scan workflow type: %w", err)
		}
		out[id] = domain.WorkflowType(t)
	}
	return out, rows.Err()
}

// Reset drops all derived analytics and rewinds the watermark.
func (s *Store) Reset(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`TRUNCATE outreach_aggregate_buckets, outreach_enrollment_stages, outreach_workflow_types`); err != nil {
			return fmt.Errorf("truncate aggregates: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE outreach_aggregator_state SET watermark = 0, updated_at = NOW() WHERE id = 1`); err != nil {
			return fmt.Errorf("reset watermark: %w", err)
		}
		return nil
	})
}
