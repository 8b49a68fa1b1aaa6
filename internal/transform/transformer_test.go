package transform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driftline.io/driftline/internal/domain"
	apperrors "driftline.io/driftline/internal/pkg/errors"
	"driftline.io/driftline/internal/pkg/logger"
	"driftline.io/driftline/internal/registry"
	"driftline.io/driftline/internal/store"
)

func init() {
	_ = logger.Init("error", "json")
}

func newTestTransformer(t *testing.T, ruleSets ...domain.MappingRuleSet) *Transformer {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	reg := registry.New(s)
	for _, rs := range ruleSets {
		_, err := reg.CreateVersion(ctx, rs, "seed")
		require.NoError(t, err)
	}
	return New(reg)
}

func opportunityRuleSet() domain.MappingRuleSet {
	return domain.MappingRuleSet{
		SourceSystem:    "salesforce",
		EntityType:      "opportunity",
		RatioConvention: domain.RatioPercent,
		Rules: []domain.MappingRule{
			{CanonicalField: "opportunity_id", SourcePath: "Id", Kind: domain.KindString},
			{CanonicalField: "stage", SourcePath: "StageName", Kind: domain.KindString},
			{CanonicalField: "amount", SourcePath: "Amount", Kind: domain.KindNumber},
		},
	}
}

var srcCtx = domain.SourceContext{System: "salesforce", ConnectionID: "conn-1", EntityType: "opportunity"}

func TestTransform_MappedAndExtras(t *testing.T) {
	tr := newTestTransformer(t, opportunityRuleSet())

	raw := domain.RawRecord{
		"Id":         domain.String("006A"),
		"StageName":  domain.String("Closed Won"),
		"Amount":     domain.Number(125000),
		"Type":       domain.String("New Business"),
		"LeadSource": domain.String("Partner"),
	}

	ev, err := tr.Transform(context.Background(), raw, srcCtx)
	require.NoError(t, err)

	require.Equal(t, "006A", ev.Data["opportunity_id"].Str)
	require.Equal(t, "Closed Won", ev.Data["stage"].Str)
	require.Equal(t, float64(125000), ev.Data["amount"].Num)

	require.Len(t, ev.Extras, 2)
	require.Equal(t, "New Business", ev.Extras["Type"].Str)
	require.Equal(t, "Partner", ev.Extras["LeadSource"].Str)
	require.Equal(t, 2, ev.UnknownFieldCount)
	require.Equal(t, int64(1), ev.Source.MappingVersion)
	require.Empty(t, ev.Diagnostics)
}

// Losslessness: every raw key appears either as a mapped source root or in extras.
func TestTransform_Lossless(t *testing.T) {
	tr := newTestTransformer(t, opportunityRuleSet())

	raw := domain.RawRecord{
		"Id":        domain.String("006B"),
		"StageName": domain.String("Prospecting"),
		"Amount":    domain.Number(10),
		"Extra1":    domain.Boolean(true),
		"Extra2":    domain.Nested(map[string]domain.Value{"x": domain.Number(1)}),
		"Extra3":    domain.Null(),
	}

	ev, err := tr.Transform(context.Background(), raw, srcCtx)
	require.NoError(t, err)

	roots := opportunityRuleSet().SourceRoots()
	for key := range raw {
		_, inExtras := ev.Extras[key]
		require.True(t, roots[key] || inExtras, "raw key %q dropped", key)
	}
	require.Equal(t, len(ev.Extras), ev.UnknownFieldCount)
}

func TestTransform_MissingSourceFieldIsNull(t *testing.T) {
	tr := newTestTransformer(t, opportunityRuleSet())

	ev, err := tr.Transform(context.Background(), domain.RawRecord{
		"Id": domain.String("006C"),
	}, srcCtx)
	require.NoError(t, err)

	require.True(t, ev.Data["amount"].IsNull())
	require.True(t, ev.Data["stage"].IsNull())
	require.Empty(t, ev.Diagnostics, "absence is not a coercion failure")
}

func TestTransform_CoercionFailureIsDiagnosticNotError(t *testing.T) {
	tr := newTestTransformer(t, opportunityRuleSet())

	ev, err := tr.Transform(context.Background(), domain.RawRecord{
		"Id":     domain.String("006D"),
		"Amount": domain.String("not-a-number"),
	}, srcCtx)
	require.NoError(t, err, "a single bad field never aborts the record")

	require.True(t, ev.Data["amount"].IsNull())
	require.Len(t, ev.Diagnostics, 1)
	require.Equal(t, "amount", ev.Diagnostics[0].Field)
	require.Equal(t, domain.DiagCoercionFailed, ev.Diagnostics[0].Code)
	require.Equal(t, int64(1), tr.Metrics().CoercionFailures.Load())
}

func TestTransform_MissingMappingIsFatal(t *testing.T) {
	tr := newTestTransformer(t) // no rulesets installed

	_, err := tr.Transform(context.Background(), domain.RawRecord{}, srcCtx)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	require.Equal(t, apperrors.CodeMappingNotFound, appErr.Code)
}

func TestTransform_RatioConventions(t *testing.T) {
	unitRS := domain.MappingRuleSet{
		SourceSystem:    "hubspot",
		EntityType:      "deal",
		RatioConvention: domain.RatioUnit,
		Rules: []domain.MappingRule{
			{CanonicalField: "probability", SourcePath: "hs_probability", Kind: domain.KindNumber, Ratio: true},
		},
	}
	percentRS := domain.MappingRuleSet{
		SourceSystem:    "salesforce",
		EntityType:      "opportunity",
		RatioConvention: domain.RatioPercent,
		Rules: []domain.MappingRule{
			{CanonicalField: "probability", SourcePath: "Probability", Kind: domain.KindNumber, Ratio: true},
		},
	}
	tr := newTestTransformer(t, unitRS, percentRS)

	// 0–1 convention is rescaled to the canonical 0–100.
	ev, err := tr.Transform(context.Background(), domain.RawRecord{
		"hs_probability": domain.Number(0.45),
	}, domain.SourceContext{System: "hubspot", ConnectionID: "c", EntityType: "deal"})
	require.NoError(t, err)
	require.InDelta(t, 45.0, ev.Data["probability"].Num, 1e-9)

	// 0–100 convention passes through.
	ev, err = tr.Transform(context.Background(), domain.RawRecord{
		"Probability": domain.Number(45),
	}, srcCtx)
	require.NoError(t, err)
	require.InDelta(t, 45.0, ev.Data["probability"].Num, 1e-9)
}

func TestTransform_NestedPathLookup(t *testing.T) {
	rs := domain.MappingRuleSet{
		SourceSystem:    "zendesk",
		EntityType:      "ticket",
		RatioConvention: domain.RatioPercent,
		Rules: []domain.MappingRule{
			{CanonicalField: "requester_city", SourcePath: "requester.address.city", Kind: domain.KindString},
		},
	}
	tr := newTestTransformer(t, rs)

	raw := domain.RawRecord{
		"requester": domain.Nested(map[string]domain.Value{
			"address": domain.Nested(map[string]domain.Value{
				"city": domain.String("Lisbon"),
			}),
		}),
	}
	ev, err := tr.Transform(context.Background(), raw,
		domain.SourceContext{System: "zendesk", ConnectionID: "c", EntityType: "ticket"})
	require.NoError(t, err)
	require.Equal(t, "Lisbon", ev.Data["requester_city"].Str)
	// The nested root is claimed by the rule, not an extra.
	require.Empty(t, ev.Extras)
}

func TestCoerce(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		in      domain.Value
		target  domain.Kind
		want    domain.Value
		wantErr bool
	}{
		{"null passes through", domain.Null(), domain.KindNumber, domain.Null(), false},
		{"same kind", domain.Number(3), domain.KindNumber, domain.Number(3), false},
		{"string to number", domain.String(" 12.5 "), domain.KindNumber, domain.Number(12.5), false},
		{"bad string to number", domain.String("abc"), domain.KindNumber, domain.Value{}, true},
		{"number to string", domain.Number(12.5), domain.KindString, domain.String("12.5"), false},
		{"bool to string", domain.Boolean(true), domain.KindString, domain.String("true"), false},
		{"string to bool", domain.String("Yes"), domain.KindBool, domain.Boolean(true), false},
		{"number to bool", domain.Number(0), domain.KindBool, domain.Boolean(false), false},
		{"bad number to bool", domain.Number(7), domain.KindBool, domain.Value{}, true},
		{"rfc3339 to timestamp", domain.String("2026-03-01T12:00:00Z"), domain.KindTimestamp, domain.Timestamp(ts), false},
		{"date to timestamp", domain.String("2026-03-01"), domain.KindTimestamp, domain.Timestamp(ts.Truncate(24 * time.Hour)), false},
		{"epoch to timestamp", domain.Number(float64(ts.Unix())), domain.KindTimestamp, domain.Timestamp(ts), false},
		{"map to string fails", domain.Nested(map[string]domain.Value{}), domain.KindString, domain.Value{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.in, tt.target)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.want.Kind == domain.KindTimestamp {
				require.True(t, got.Time.Equal(tt.want.Time), "got %v want %v", got.Time, tt.want.Time)
				return
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestLookup(t *testing.T) {
	rec := domain.RawRecord{
		"a": domain.Nested(map[string]domain.Value{
			"b": domain.Number(1),
		}),
		"top": domain.String("x"),
	}

	v, ok := Lookup(rec, "top")
	require.True(t, ok)
	require.Equal(t, "x", v.Str)

	v, ok = Lookup(rec, "a.b")
	require.True(t, ok)
	require.Equal(t, float64(1), v.Num)

	_, ok = Lookup(rec, "a.missing")
	require.False(t, ok)

	_, ok = Lookup(rec, "top.b")
	require.False(t, ok, "descending through a non-map must fail")
}
