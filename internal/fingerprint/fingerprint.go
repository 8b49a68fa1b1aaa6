// Package fingerprint computes deterministic hashes of a source's observed
// field shape. The hash depends only on the set of (field, kind) pairs,
// never on record order or map iteration order.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"driftline.io/driftline/internal/domain"
)

// Collect gathers the set of (field, kind) pairs observed across a batch of
// raw records. A field seen with two different kinds contributes two pairs;
// judging whether that matters belongs to the drift detector, not here.
func Collect(records []domain.RawRecord) []domain.FieldShape {
	seen := make(map[domain.FieldShape]bool)
	for _, rec := range records {
		for field, val := range rec {
			seen[domain.FieldShape{Field: field, Kind: val.Kind}] = true
		}
	}
	shapes := make([]domain.FieldShape, 0, len(seen))
	for shape := range seen {
		shapes = append(shapes, shape)
	}
	return shapes
}

// Compute hashes a field-shape set into a stable hex digest. The set is
// sorted into canonical order first so any permutation hashes identically.
func Compute(shapes []domain.FieldShape) string {
	sorted := make([]domain.FieldShape, len(shapes))
	copy(sorted, shapes)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Field != sorted[j].Field {
			return sorted[i].Field < sorted[j].Field
		}
		return sorted[i].Kind < sorted[j].Kind
	})

	h := sha256.New()
	for _, shape := range sorted {
		h.Write([]byte(shape.Field))
		h.Write([]byte{0})
		h.Write([]byte(shape.Kind))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fields returns just the field names of a shape set, deduplicated.
func Fields(shapes []domain.FieldShape) []string {
	seen := make(map[string]bool, len(shapes))
	var out []string
	for _, shape := range shapes {
		if !seen[shape.Field] {
			seen[shape.Field] = true
			out = append(out, shape.Field)
		}
	}
	sort.Strings(out)
	return out
}
