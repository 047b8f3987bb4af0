package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/madsci/workcell/cmd/workcell/repository"
	"github.com/madsci/workcell/common/cache"
	"github.com/madsci/workcell/common/types"
	"github.com/madsci/workcell/common/validation"
)

// definitionCacheTTL bounds staleness for reads that race a concurrent
// update through another replica.
const definitionCacheTTL = 30 * time.Second

// DefinitionService manages stored workflow definitions. Reads go through
// a small cache because every submission fetches its definition.
type DefinitionService struct {
	repo      *repository.DefinitionRepository
	cache     cache.Cache
	validator *validation.PatchValidator
	logger    Logger
}

// NewDefinitionService creates a definition service. The cache may be nil.
func NewDefinitionService(repo *repository.DefinitionRepository, definitionCache cache.Cache, logger Logger) *DefinitionService {
	return &DefinitionService{
		repo:      repo,
		cache:     definitionCache,
		validator: validation.NewPatchValidator(),
		logger:    logger,
	}
}

// Create validates and stores a new definition.
func (s *DefinitionService) Create(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, def); err != nil {
		return nil, err
	}
	s.cacheSet(ctx, def)
	s.logger.Info("workflow definition created", "definition_id", def.DefinitionID, "name", def.Name)
	return def, nil
}

// Get fetches a definition by ID.
func (s *DefinitionService) Get(ctx context.Context, definitionID string) (*types.WorkflowDefinition, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, cacheKey(definitionID)); ok {
			if def, ok := cached.(*types.WorkflowDefinition); ok {
				return def, nil
			}
		}
	}
	def, err := s.repo.GetByID(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, def)
	return def, nil
}

// List returns all stored definitions.
func (s *DefinitionService) List(ctx context.Context) ([]*types.WorkflowDefinition, error) {
	return s.repo.List(ctx)
}

// Update validates and replaces a definition.
func (s *DefinitionService) Update(ctx context.Context, def *types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, def); err != nil {
		return nil, err
	}
	s.cacheSet(ctx, def)
	return def, nil
}

// Patch applies an RFC 6902 JSON Patch to a stored definition. The patch is
// screened for forbidden operations first, and the patched document must
// still validate before it replaces the original.
func (s *DefinitionService) Patch(ctx context.Context, definitionID string, patchDoc []byte) (*types.WorkflowDefinition, error) {
	if err := s.validator.Validate(patchDoc); err != nil {
		return nil, types.NewError(types.ErrValidation, "invalid JSON patch: %v", err)
	}

	def, err := s.repo.GetByID(ctx, definitionID)
	if err != nil {
		return nil, err
	}

	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "invalid JSON patch: %v", err)
	}

	original, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode definition: %w", err)
	}
	patched, err := patch.Apply(original)
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "failed to apply patch: %v", err)
	}

	var updated types.WorkflowDefinition
	if err := json.Unmarshal(patched, &updated); err != nil {
		return nil, types.NewError(types.ErrValidation, "patched definition is not valid: %v", err)
	}
	updated.DefinitionID = definitionID
	if err := updated.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.Update(ctx, &updated); err != nil {
		return nil, err
	}
	s.cacheSet(ctx, &updated)
	s.logger.Info("workflow definition patched", "definition_id", definitionID)
	return &updated, nil
}

// Delete removes a definition.
func (s *DefinitionService) Delete(ctx context.Context, definitionID string) error {
	if err := s.repo.Delete(ctx, definitionID); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Delete(ctx, cacheKey(definitionID))
	}
	return nil
}

func (s *DefinitionService) cacheSet(ctx context.Context, def *types.WorkflowDefinition) {
	if s.cache != nil {
		s.cache.Set(ctx, cacheKey(def.DefinitionID), def, definitionCacheTTL)
	}
}

func cacheKey(definitionID string) string {
	return "definition:" + definitionID
}
