// Package registry manages versioned mapping rulesets. Versions are
// immutable, append-only snapshots; the active version per
// (source_system, entity_type) is swapped atomically and read lock-free
// from an in-process cache.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"driftline.io/driftline/internal/domain"
	apperrors "driftline.io/driftline/internal/pkg/errors"
	"driftline.io/driftline/internal/pkg/logger"
	"driftline.io/driftline/internal/store"
)

// Registry is the mapping registry service.
type Registry struct {
	store *store.Store

	// cache holds *domain.RegistryVersion snapshots keyed by
	// "system/entity". Readers never take a write lock; swaps replace the
	// stored pointer.
	cache sync.Map
}

// New creates a Registry over the given store.
func New(s *store.Store) *Registry {
	return &Registry{store: s}
}

func cacheKey(system, entityType string) string {
	return system + "/" + entityType
}

// Active returns the active mapping version for a key. Reads hit the
// in-process snapshot cache; a miss falls through to the store.
func (r *Registry) Active(ctx context.Context, system, entityType string) (domain.RegistryVersion, error) {
	if v, ok := r.cache.Load(cacheKey(system, entityType)); ok {
		return *v.(*domain.RegistryVersion), nil
	}

	v, err := r.store.ActiveVersion(ctx, system, entityType)
	if errors.Is(err, apperrors.ErrNotFound) {
		return domain.RegistryVersion{}, apperrors.ErrMappingNotFoundf(system, entityType)
	}
	if err != nil {
		return domain.RegistryVersion{}, err
	}
	r.cache.Store(cacheKey(system, entityType), &v)
	return v, nil
}

// CreateVersion installs a brand-new ruleset as version 1 of a key.
// Fails with a conflict if the key already has versions.
func (r *Registry) CreateVersion(ctx context.Context, ruleSet domain.MappingRuleSet, createdBy string) (domain.RegistryVersion, error) {
	v := domain.RegistryVersion{
		SourceSystem: ruleSet.SourceSystem,
		EntityType:   ruleSet.EntityType,
		Version:      1,
		RuleSet:      ruleSet,
		CreatedBy:    createdBy,
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.install(ctx, v); err != nil {
		return domain.RegistryVersion{}, err
	}
	return v, nil
}

// ApplyChanges derives a new version from the given base version and swaps
// it active. This is the single write path shared by the repair workflow
// and administrative edits. If the base is no longer the active version the
// write is rejected with MAPPING_CONFLICT; the caller must re-derive.
func (r *Registry) ApplyChanges(ctx context.Context, system, entityType string, baseVersion int64, changes []domain.MappingChange, createdBy string) (domain.RegistryVersion, error) {
	active, err := r.Active(ctx, system, entityType)
	if err != nil {
		return domain.RegistryVersion{}, err
	}
	if active.Version != baseVersion {
		return domain.RegistryVersion{}, apperrors.ErrMappingConflictf(system, entityType, baseVersion, active.Version)
	}

	next := NextVersion(active, active.RuleSet.ApplyChanges(changes), createdBy)
	if err := r.install(ctx, next); err != nil {
		return domain.RegistryVersion{}, err
	}
	return next, nil
}

// NextVersion builds the successor snapshot of base with the given ruleset.
// It does not persist anything; callers installing it inside a larger
// transaction (repair application) hand it to the store themselves and then
// call CacheInstalled.
func NextVersion(base domain.RegistryVersion, rules domain.MappingRuleSet, createdBy string) domain.RegistryVersion {
	parent := base.Version
	return domain.RegistryVersion{
		SourceSystem: base.SourceSystem,
		EntityType:   base.EntityType,
		Version:      base.Version + 1,
		RuleSet:      rules,
		CreatedFrom:  &parent,
		CreatedBy:    createdBy,
		CreatedAt:    time.Now().UTC(),
	}
}

// CacheInstalled publishes a version committed outside this package to the
// snapshot cache.
func (r *Registry) CacheInstalled(v domain.RegistryVersion) {
	vv := v
	r.cache.Store(cacheKey(v.SourceSystem, v.EntityType), &vv)
}

// Versions returns the full version history for a key, newest first.
func (r *Registry) Versions(ctx context.Context, system, entityType string) ([]domain.RegistryVersion, error) {
	return r.store.ListVersions(ctx, system, entityType)
}

func (r *Registry) install(ctx context.Context, v domain.RegistryVersion) error {
	if err := r.store.CreateAndActivate(ctx, v); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// The cache may be stale; drop it so the next read reloads.
			r.cache.Delete(cacheKey(v.SourceSystem, v.EntityType))
		}
		return err
	}
	r.CacheInstalled(v)
	logger.Info("Mapping version activated",
		zap.String("source_system", v.SourceSystem),
		zap.String("entity_type", v.EntityType),
		zap.Int64("version", v.Version),
		zap.String("created_by", v.CreatedBy),
	)
	return nil
}
