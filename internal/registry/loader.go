package registry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"driftline.io/driftline/internal/domain"
	apperrors "driftline.io/driftline/internal/pkg/errors"
)

// seedFile is the yaml document shape for ruleset seeds.
type seedFile struct {
	RuleSets []domain.MappingRuleSet `yaml:"rulesets"`
}

// LoadRuleSets parses mapping rulesets from a yaml seed file.
func LoadRuleSets(path string) ([]domain.MappingRuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var doc seedFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	for i, rs := range doc.RuleSets {
		if rs.SourceSystem == "" || rs.EntityType == "" {
			return nil, fmt.Errorf("seed ruleset %d: source_system and entity_type are required", i)
		}
		if rs.RatioConvention == "" {
			doc.RuleSets[i].RatioConvention = domain.RatioPercent
		}
		if len(rs.Rules) == 0 {
			return nil, fmt.Errorf("seed ruleset %s/%s: at least one rule is required",
				rs.SourceSystem, rs.EntityType)
		}
	}
	return doc.RuleSets, nil
}

// SeedFromFile installs each ruleset in the file as version 1 of its key.
// Keys that already have an active version are skipped, so seeding is
// idempotent.
func (r *Registry) SeedFromFile(ctx context.Context, path, createdBy string) (installed int, err error) {
	ruleSets, err := LoadRuleSets(path)
	if err != nil {
		return 0, err
	}
	for _, rs := range ruleSets {
		if _, err := r.Active(ctx, rs.SourceSystem, rs.EntityType); err == nil {
			continue
		} else if appErr, ok := apperrors.IsAppError(err); !ok || appErr.Code != apperrors.CodeMappingNotFound {
			if !errors.Is(err, apperrors.ErrNotFound) {
				return installed, err
			}
		}
		if _, err := r.CreateVersion(ctx, rs, createdBy); err != nil {
			return installed, fmt.Errorf("seed %s/%s: %w", rs.SourceSystem, rs.EntityType, err)
		}
		installed++
	}
	return installed, nil
}
