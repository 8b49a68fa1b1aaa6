package fingerprint

import (
	"math/rand"
	"testing"

	"driftline.io/driftline/internal/domain"
)

func TestCompute_PermutationInvariant(t *testing.T) {
	shapes := []domain.FieldShape{
		{Field: "Id", Kind: domain.KindString},
		{Field: "Amount", Kind: domain.KindNumber},
		{Field: "StageName", Kind: domain.KindString},
		{Field: "CloseDate", Kind: domain.KindTimestamp},
		{Field: "IsWon", Kind: domain.KindBool},
	}
	want := Compute(shapes)

	for i := 0; i < 20; i++ {
		shuffled := make([]domain.FieldShape, len(shapes))
		copy(shuffled, shapes)
		rand.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		if got := Compute(shuffled); got != want {
			t.Fatalf("Compute() changed under permutation: %s != %s", got, want)
		}
	}
}

func TestCompute_SensitiveToShapeChanges(t *testing.T) {
	base := []domain.FieldShape{
		{Field: "Id", Kind: domain.KindString},
		{Field: "Amount", Kind: domain.KindNumber},
	}
	baseHash := Compute(base)

	tests := []struct {
		name   string
		shapes []domain.FieldShape
	}{
		{
			name: "field added",
			shapes: append([]domain.FieldShape{
				{Field: "Type", Kind: domain.KindString},
			}, base...),
		},
		{
			name:   "field removed",
			shapes: base[:1],
		},
		{
			name: "kind changed",
			shapes: []domain.FieldShape{
				{Field: "Id", Kind: domain.KindString},
				{Field: "Amount", Kind: domain.KindString},
			},
		},
		{
			name: "field renamed",
			shapes: []domain.FieldShape{
				{Field: "Id", Kind: domain.KindString},
				{Field: "OpportunityAmount", Kind: domain.KindNumber},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compute(tt.shapes); got == baseHash {
				t.Errorf("Compute() did not change for %s", tt.name)
			}
		})
	}
}

func TestCollect(t *testing.T) {
	records := []domain.RawRecord{
		{
			"Id":     domain.String("006"),
			"Amount": domain.Number(1200),
		},
		{
			"Id":     domain.String("007"),
			"Stage":  domain.String("won"),
			"Amount": domain.String("broken"), // same field, different kind
		},
	}

	shapes := Collect(records)
	if len(shapes) != 4 {
		t.Fatalf("Collect() = %d shapes, want 4 (Id, Stage, Amount×2 kinds)", len(shapes))
	}

	fields := Fields(shapes)
	if len(fields) != 3 {
		t.Errorf("Fields() = %v, want 3 distinct names", fields)
	}
}

func TestCompute_EmptyBatch(t *testing.T) {
	if Compute(nil) != Compute([]domain.FieldShape{}) {
		t.Error("nil and empty shape sets should hash identically")
	}
}
