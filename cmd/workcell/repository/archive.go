package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/madsci/workcell/common/db"
	"github.com/madsci/workcell/common/types"
)

// ArchiveRepository keeps a long-term record of finished workflows in
// Postgres, beyond the Redis archive's retention horizon.
type ArchiveRepository struct {
	db *db.DB
}

// NewArchiveRepository creates an archive repository.
func NewArchiveRepository(db *db.DB) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

// Insert records a terminal workflow. Re-inserting the same workflow
// replaces the stored document.
func (r *ArchiveRepository) Insert(ctx context.Context, wf *types.Workflow) error {
	document, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to encode workflow: %w", err)
	}

	status := "completed"
	switch {
	case wf.Status.Failed:
		status = "failed"
	case wf.Status.Cancelled:
		status = "cancelled"
	}

	query := `
		INSERT INTO workflow_archive (workflow_id, name, status, document, submitted_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_id) DO UPDATE
		SET status = EXCLUDED.status, document = EXCLUDED.document, ended_at = EXCLUDED.ended_at
	`
	_, err = r.db.Exec(ctx, query,
		wf.WorkflowID,
		wf.Name,
		status,
		document,
		wf.SubmittedTime,
		wf.EndTime,
	)
	if err != nil {
		return fmt.Errorf("failed to archive workflow: %w", err)
	}
	return nil
}

// GetByID retrieves an archived workflow.
func (r *ArchiveRepository) GetByID(ctx context.Context, workflowID string) (*types.Workflow, error) {
	var document []byte
	err := r.db.QueryRow(ctx, `SELECT document FROM workflow_archive WHERE workflow_id = $1`, workflowID).Scan(&document)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("archived workflow %s: %w", workflowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived workflow: %w", err)
	}

	var wf types.Workflow
	if err := json.Unmarshal(document, &wf); err != nil {
		return nil, fmt.Errorf("failed to decode archived workflow: %w", err)
	}
	return &wf, nil
}

// List returns archived workflows, newest first, optionally filtered by
// status.
func (r *ArchiveRepository) List(ctx context.Context, status string, limit int) ([]*types.Workflow, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT document
		FROM workflow_archive
		WHERE ($1 = '' OR status = $1)
		ORDER BY ended_at DESC NULLS LAST
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*types.Workflow
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan archived workflow: %w", err)
		}
		var wf types.Workflow
		if err := json.Unmarshal(document, &wf); err != nil {
			return nil, fmt.Errorf("failed to decode archived workflow: %w", err)
		}
		workflows = append(workflows, &wf)
	}
	return workflows, rows.Err()
}
