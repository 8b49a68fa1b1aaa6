package domain

import "time"

// RatioConvention declares how a source system encodes ratio fields.
// It is declared per ruleset, never inferred from field names.
type RatioConvention string

const (
	// RatioUnit means the source emits ratios in 0–1.
	RatioUnit RatioConvention = "unit"
	// RatioPercent means the source emits ratios in 0–100 (the canonical scale).
	RatioPercent RatioConvention = "percent"
)

// MappingRule maps one source field path to one canonical field.
type MappingRule struct {
	CanonicalField string `json:"canonical_field" yaml:"canonical_field"`
	SourcePath     string `json:"source_path" yaml:"source_path"`
	Kind           Kind   `json:"kind" yaml:"kind"`
	// Ratio marks the canonical field as a ratio normalized to 0–100 using
	// the ruleset's declared convention.
	Ratio bool `json:"ratio,omitempty" yaml:"ratio,omitempty"`
}

// MappingRuleSet is the full field mapping for one (source_system, entity_type).
type MappingRuleSet struct {
	SourceSystem    string          `json:"source_system" yaml:"source_system"`
	EntityType      string          `json:"entity_type" yaml:"entity_type"`
	RatioConvention RatioConvention `json:"ratio_convention" yaml:"ratio_convention"`
	Rules           []MappingRule   `json:"rules" yaml:"rules"`
}

// RuleFor returns the rule producing the given canonical field.
func (s MappingRuleSet) RuleFor(canonicalField string) (MappingRule, bool) {
	for _, r := range s.Rules {
		if r.CanonicalField == canonicalField {
			return r, true
		}
	}
	return MappingRule{}, false
}

// SourceRoots returns the set of top-level source fields referenced by any
// rule. Nested paths claim their root segment: a rule on "address.city"
// means the whole "address" field is mapped, not an extra.
func (s MappingRuleSet) SourceRoots() map[string]bool {
	roots := make(map[string]bool, len(s.Rules))
	for _, r := range s.Rules {
		roots[pathRoot(r.SourcePath)] = true
	}
	return roots
}

func pathRoot(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}

// RegistryVersion is an immutable snapshot of a ruleset. Versions never
// mutate; a new version is created and the active pointer swapped.
type RegistryVersion struct {
	SourceSystem string          `json:"source_system"`
	EntityType   string          `json:"entity_type"`
	Version      int64           `json:"version"`
	RuleSet      MappingRuleSet  `json:"rule_set"`
	CreatedFrom  *int64          `json:"created_from,omitempty"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ChangeOp is the kind of mutation a MappingChange applies.
type ChangeOp string

const (
	// ChangeSet adds or repoints a canonical field's source path.
	ChangeSet ChangeOp = "set"
	// ChangeRemove drops a canonical field's rule entirely.
	ChangeRemove ChangeOp = "remove"
)

// MappingChange is one proposed mutation of a ruleset.
type MappingChange struct {
	Op             ChangeOp `json:"op"`
	CanonicalField string   `json:"canonical_field"`
	SourcePath     string   `json:"source_path,omitempty"`
	Kind           Kind     `json:"kind,omitempty"`
}

// ApplyChanges returns a new ruleset with the changes applied. The receiver
// is never mutated.
func (s MappingRuleSet) ApplyChanges(changes []MappingChange) MappingRuleSet {
	out := MappingRuleSet{
		SourceSystem:    s.SourceSystem,
		EntityType:      s.EntityType,
		RatioConvention: s.RatioConvention,
		Rules:           make([]MappingRule, 0, len(s.Rules)+len(changes)),
	}
	out.Rules = append(out.Rules, s.Rules...)

	for _, ch := range changes {
		switch ch.Op {
		case ChangeRemove:
			kept := out.Rules[:0]
			for _, r := range out.Rules {
				if r.CanonicalField != ch.CanonicalField {
					kept = append(kept, r)
				}
			}
			out.Rules = kept
		case ChangeSet:
			replaced := false
			for i, r := range out.Rules {
				if r.CanonicalField == ch.CanonicalField {
					out.Rules[i].SourcePath = ch.SourcePath
					if ch.Kind != "" {
						out.Rules[i].Kind = ch.Kind
					}
					replaced = true
					break
				}
			}
			if !replaced {
				kind := ch.Kind
				if kind == "" {
					kind = KindString
				}
				out.Rules = append(out.Rules, MappingRule{
					CanonicalField: ch.CanonicalField,
					SourcePath:     ch.SourcePath,
					Kind:           kind,
				})
			}
		}
	}
	return out
}
