package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/madsci/workcell/common/db"
	"github.com/madsci/workcell/common/types"
)

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("not found")

// DefinitionRepository stores reusable workflow definitions in Postgres.
// The definition document is kept as JSONB so PATCH operations can work on
// the full structure.
type DefinitionRepository struct {
	db *db.DB
}

// NewDefinitionRepository creates a definition repository.
func NewDefinitionRepository(db *db.DB) *DefinitionRepository {
	return &DefinitionRepository{db: db}
}

// Create inserts a new definition and assigns its ID.
func (r *DefinitionRepository) Create(ctx context.Context, def *types.WorkflowDefinition) error {
	if def.DefinitionID == "" {
		def.DefinitionID = types.NewID()
	}
	document, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode definition: %w", err)
	}

	query := `
		INSERT INTO workflow_definition (definition_id, name, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`
	if _, err := r.db.Exec(ctx, query, def.DefinitionID, def.Name, document, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to create workflow definition: %w", err)
	}
	return nil
}

// GetByID retrieves a definition by its ID.
func (r *DefinitionRepository) GetByID(ctx context.Context, definitionID string) (*types.WorkflowDefinition, error) {
	query := `
		SELECT document
		FROM workflow_definition
		WHERE definition_id = $1
	`

	var document []byte
	err := r.db.QueryRow(ctx, query, definitionID).Scan(&document)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow definition %s: %w", definitionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow definition: %w", err)
	}

	var def types.WorkflowDefinition
	if err := json.Unmarshal(document, &def); err != nil {
		return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
	}
	return &def, nil
}

// List returns all stored definitions, newest first.
func (r *DefinitionRepository) List(ctx context.Context) ([]*types.WorkflowDefinition, error) {
	query := `
		SELECT document
		FROM workflow_definition
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow definitions: %w", err)
	}
	defer rows.Close()

	var definitions []*types.WorkflowDefinition
	for rows.Next() {
		var document []byte
		if err := rows.Scan(&document); err != nil {
			return nil, fmt.Errorf("failed to scan workflow definition: %w", err)
		}
		var def types.WorkflowDefinition
		if err := json.Unmarshal(document, &def); err != nil {
			return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
		}
		definitions = append(definitions, &def)
	}
	return definitions, rows.Err()
}

// Update replaces a definition document.
func (r *DefinitionRepository) Update(ctx context.Context, def *types.WorkflowDefinition) error {
	document, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode definition: %w", err)
	}

	query := `
		UPDATE workflow_definition
		SET name = $2, document = $3, updated_at = $4
		WHERE definition_id = $1
	`
	tag, err := r.db.Exec(ctx, query, def.DefinitionID, def.Name, document, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update workflow definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow definition %s: %w", def.DefinitionID, ErrNotFound)
	}
	return nil
}

// Delete removes a definition.
func (r *DefinitionRepository) Delete(ctx context.Context, definitionID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflow_definition WHERE definition_id = $1`, definitionID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow definition %s: %w", definitionID, ErrNotFound)
	}
	return nil
}
