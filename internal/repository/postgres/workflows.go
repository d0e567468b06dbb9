package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/service/workflow"
)

// Status and soft delete live on the workflow row; content lives on the
// version rows, of which current_version is the one served.
const workflowColumns = `
	w.id, v.version, v.name, v.type, w.status, v.steps, v.trigger, v.published,
	v.created_at, GREATEST(v.updated_at, w.updated_at), w.deleted_at`

const workflowJoin = `
	FROM outreach_workflows w
	JOIN outreach_workflow_versions v ON v.workflow_id = w.id`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row scanner) (*domain.WorkflowDefinition, error) {
	var (
		w        domain.WorkflowDefinition
		steps    []byte
		trigger  []byte
		deleted  sql.NullTime
		wfType   string
		wfStatus string
	)
	if err := row.Scan(
		&w.ID, &w.Version, &w.Name, &wfType, &wfStatus, &steps, &trigger, &w.Published,
		&w.CreatedAt, &w.UpdatedAt, &deleted,
	); err != nil {
		return nil, err
	}
	w.Type = domain.WorkflowType(wfType)
	w.Status = domain.WorkflowStatus(wfStatus)
	w.DeletedAt = timePtr(deleted)
	w.CreatedAt = w.CreatedAt.UTC()
	w.UpdatedAt = w.UpdatedAt.UTC()
	if err := json.Unmarshal(steps, &w.Steps); err != nil {
		return nil, fmt.Errorf("decode steps of %s v%d: %w", w.ID, w.Version, err)
	}
	if len(trigger) > 0 {
		if err := json.Unmarshal(trigger, &w.Trigger); err != nil {
			return nil, fmt.Errorf("decode trigger of %s v%d: %w", w.ID, w.Version, err)
		}
	}
	return &w, nil
}

func encodeContent(w *domain.WorkflowDefinition) (steps, trigger []byte, err error) {
	if steps, err = json.Marshal(w.Steps); err != nil {
		return nil, nil, fmt.Errorf("encode steps: %w", err)
	}
	if trigger, err = json.Marshal(w.Trigger); err != nil {
		return nil, nil, fmt.Errorf("encode trigger: %w", err)
	}
	return steps, trigger, nil
}

func insertVersion(ctx context.Context, tx *sql.Tx, w *domain.WorkflowDefinition) error {
	steps, trigger, err := encodeContent(w)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outreach_workflow_versions
			(workflow_id, version, name, type, steps, trigger, published, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, w.ID, w.Version, w.Name, string(w.Type), steps, trigger, w.Published, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow version: %w", err)
	}
	return nil
}

// Create inserts version 1 of a workflow.
func (s *Store) Create(ctx context.Context, w *domain.WorkflowDefinition) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outreach_workflows (id, current_version, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
		`, w.ID, w.Version, string(w.Status), w.CreatedAt, w.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}
		return insertVersion(ctx, tx, w)
	})
}

// Get returns the current version, including soft-deleted workflows.
func (s *Store) Get(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	w, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+workflowJoin+` AND v.version = w.current_version WHERE w.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

// GetVersion returns one version.
func (s *Store) GetVersion(ctx context.Context, id string, version int) (*domain.WorkflowDefinition, error) {
	w, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+workflowJoin+` AND v.version = $2 WHERE w.id = $1`, id, version))
	if err == sql.ErrNoRows {
		return nil, workflow.ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow version: %w", err)
	}
	return w, nil
}

// List returns current versions of live workflows, newest first.
func (s *Store) List(ctx context.Context, f workflow.ListFilter) ([]domain.WorkflowDefinition, int, error) {
	where := ` AND v.version = w.current_version WHERE w.deleted_at IS NULL`
	args := []interface{}{}
	idx := 1
	if f.Status != "" {
		where += fmt.Sprintf(" AND w.status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Type != "" {
		where += fmt.Sprintf(" AND v.type = $%d", idx)
		args = append(args, f.Type)
		idx++
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+workflowJoin+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflows: %w", err)
	}

	q := `SELECT ` + workflowColumns + workflowJoin + where + ` ORDER BY w.created_at DESC, w.id`
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
		return nil, 0, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	out := []domain.WorkflowDefinition{}
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, *w)
	}
	return out, total, rows.Err()
}

// SaveDraft overwrites an unpublished current version.
func (s *Store) SaveDraft(ctx context.Context, w *domain.WorkflowDefinition) error {
	steps, trigger, err := encodeContent(w)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE outreach_workflow_versions
			SET name = $3, type = $4, steps = $5, trigger = $6, updated_at = $7
			WHERE workflow_id = $1 AND version = $2 AND NOT published
		`, w.ID, w.Version, w.Name, string(w.Type), steps, trigger, w.UpdatedAt)
		if err != nil {
			return fmt.Errorf("save draft: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var published bool
			err := tx.QueryRowContext(ctx, `
				SELECT published FROM outreach_workflow_versions WHERE workflow_id = $1 AND version = $2
			`, w.ID, w.Version).Scan(&published)
			if err == sql.ErrNoRows {
				return workflow.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("check draft: %w", err)
			}
			return workflow.ErrImmutable
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE outreach_workflows SET status = $2, updated_at = $3 WHERE id = $1
		`, w.ID, string(w.Status), w.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update workflow: %w", err)
		}
		return nil
	})
}

// ForkVersion inserts a new version and makes it current.
func (s *Store) ForkVersion(ctx context.Context, w *domain.WorkflowDefinition) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE outreach_workflows SET current_version = $2, status = $3, updated_at = $4 WHERE id = $1
		`, w.ID, w.Version, string(w.Status), w.UpdatedAt)
		if err != nil {
			return fmt.Errorf("fork workflow: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return workflow.ErrNotFound
		}
		return insertVersion(ctx, tx, w)
	})
}

// SetStatus changes the workflow status; publish marks the current version
// published.
func (s *Store) SetStatus(ctx context.Context, id string, status domain.WorkflowStatus, publish bool, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE outreach_workflows SET status = $2, updated_at = $3 WHERE id = $1
		`, id, string(status), at)
		if err != nil {
			return fmt.Errorf("set workflow status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return workflow.ErrNotFound
		}
		if !publish {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE outreach_workflow_versions SET published = TRUE
			WHERE workflow_id = $1
			  AND version = (SELECT current_version FROM outreach_workflows WHERE id = $1)
		`, id)
		if err != nil {
			return fmt.Errorf("publish workflow version: %w", err)
		}
		return nil
	})
}

// SoftDelete stamps deleted_at and pauses the workflow.
func (s *Store) SoftDelete(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outreach_workflows SET deleted_at = $2, status = 'paused', updated_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return workflow.ErrNotFound
	}
	return nil
}
