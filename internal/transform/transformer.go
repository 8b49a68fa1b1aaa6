// Package transform applies the active mapping ruleset to raw records,
// producing canonical events. Bad fields never abort a record: they are
// nulled and reported as diagnostics. Raw fields without a mapping rule are
// preserved verbatim in extras, so no field is ever silently dropped.
package transform

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"driftline.io/driftline/internal/domain"
	"driftline.io/driftline/internal/pkg/logger"
	"driftline.io/driftline/internal/registry"
)

// Metrics counts per-process transformer outcomes. The counts feed the
// drift detector's context; they are not drift themselves.
type Metrics struct {
	CoercionFailures atomic.Int64
	UnknownFields    atomic.Int64
	RecordsEmitted   atomic.Int64
}

// Transformer maps raw records into canonical events.
type Transformer struct {
	registry *registry.Registry
	metrics  *Metrics
}

// New creates a Transformer.
func New(reg *registry.Registry) *Transformer {
	return &Transformer{
		registry: reg,
		metrics:  &Metrics{},
	}
}

// Metrics exposes the transformer counters.
func (t *Transformer) Metrics() *Metrics {
	return t.metrics
}

// Transform applies the active mapping for the record's source to produce a
// canonical event. A missing mapping is fatal to this record path
// (configuration bug); a failing field is not (data bug, reported as a
// diagnostic).
func (t *Transformer) Transform(ctx context.Context, raw domain.RawRecord, src domain.SourceContext) (*domain.CanonicalEvent, error) {
	active, err := t.registry.Active(ctx, src.System, src.EntityType)
	if err != nil {
		return nil, err
	}
	ruleSet := active.RuleSet

	data := make(map[string]domain.Value, len(ruleSet.Rules))
	var diags []domain.Diagnostic

	for _, rule := range ruleSet.Rules {
		rawVal, ok := Lookup(raw, rule.SourcePath)
		if !ok {
			data[rule.CanonicalField] = domain.Null()
			continue
		}
		val, err := Coerce(rawVal, rule.Kind)
		if err != nil {
			t.metrics.CoercionFailures.Add(1)
			data[rule.CanonicalField] = domain.Null()
			diags = append(diags, domain.Diagnostic{
				Field:   rule.CanonicalField,
				Code:    domain.DiagCoercionFailed,
				Message: err.Error(),
			})
			continue
		}
		if rule.Ratio && val.Kind == domain.KindNumber {
			val = normalizeRatio(val, ruleSet.RatioConvention)
		}
		data[rule.CanonicalField] = val
	}

	// Everything not claimed by a rule is preserved verbatim.
	roots := ruleSet.SourceRoots()
	extras := make(map[string]domain.Value)
	for key, val := range raw {
		if !roots[key] {
			extras[key] = val
		}
	}
	t.metrics.UnknownFields.Add(int64(len(extras)))
	t.metrics.RecordsEmitted.Add(1)

	eventID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}
	traceID, _ := uuid.NewV7()

	ev := &domain.CanonicalEvent{
		ID: eventID.String(),
		Meta: domain.EventMeta{
			SchemaVersion: domain.SchemaVersion,
			TraceID:       traceID.String(),
			EmittedAt:     time.Now().UTC(),
		},
		Source: domain.EventSource{
			System:         src.System,
			ConnectionID:   src.ConnectionID,
			MappingVersion: active.Version,
		},
		EntityType:        src.EntityType,
		Operation:         "upsert",
		Data:              data,
		Extras:            extras,
		UnknownFieldCount: len(extras),
		Diagnostics:       diags,
	}

	if len(diags) > 0 {
		logger.Debug("Record emitted with coercion diagnostics",
			zap.String("event_id", ev.ID),
			zap.String("source_system", src.System),
			zap.String("entity_type", src.EntityType),
			zap.Int("diagnostics", len(diags)),
		)
	}
	return ev, nil
}

// normalizeRatio rescales a ratio value to the canonical 0–100 range using
// the source's declared convention. Declared, never sniffed from names.
func normalizeRatio(v domain.Value, convention domain.RatioConvention) domain.Value {
	if convention == domain.RatioUnit {
		return domain.Number(v.Num * 100)
	}
	return v
}
