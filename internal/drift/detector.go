// Package drift compares observed batch fingerprints against the persisted
// baseline and turns mismatches into drift events. The baseline never moves
// here: it only advances when the event it spawned reaches a terminal state,
// so a crash mid-repair cannot lose the drift signal.
package drift

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/agext/levenshtein"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"driftline.io/driftline/internal/config"
	"driftline.io/driftline/internal/domain"
	"driftline.io/driftline/internal/fingerprint"
	apperrors "driftline.io/driftline/internal/pkg/errors"
	"driftline.io/driftline/internal/pkg/logger"
	"driftline.io/driftline/internal/store"
)

// Detector detects schema drift for one batch of observed field shapes.
type Detector struct {
	store     *store.Store
	threshold float64
	now       func() time.Time
}

// NewDetector creates a Detector.
func NewDetector(s *store.Store, cfg config.DriftConfig) *Detector {
	return &Detector{
		store:     s,
		threshold: cfg.RenameSimilarityThreshold,
		now:       time.Now,
	}
}

// Detect compares a batch's shapes against the baseline for the source key.
//
// Returns the drift event relevant to this batch and whether it was created
// now. The event is nil when there is nothing to act on: first observation
// (baseline installed), unchanged schema, or a batch matching the pending
// event's already-recorded shape. While an event is pending, any further
// change merges into it instead of spawning a second one.
func (d *Detector) Detect(ctx context.Context, src domain.SourceContext, shapes []domain.FieldShape) (*domain.DriftEvent, bool, error) {
	newHash := fingerprint.Compute(shapes)

	pending, err := d.store.PendingDriftEvent(ctx, src.System, src.EntityType)
	switch {
	case err == nil:
		if pending.NewHash == newHash {
			return nil, false, nil
		}
		return d.coalesce(ctx, src, pending, shapes, newHash)
	case !errors.Is(err, apperrors.ErrNotFound):
		return nil, false, fmt.Errorf("read pending drift: %w", err)
	}

	baseline, err := d.store.Fingerprint(ctx, src.System, src.EntityType)
	if errors.Is(err, apperrors.ErrNotFound) {
		// First observation establishes the baseline, it is not drift.
		if err := d.store.SetFingerprint(ctx, domain.SchemaFingerprint{
			SourceSystem: src.System,
			EntityType:   src.EntityType,
			Hash:         newHash,
			Shapes:       shapes,
		}); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if baseline.Hash == newHash {
		return nil, false, nil
	}

	// Same transition already recorded (restart replaying an old batch).
	if prior, err := d.store.FindDriftByHashPair(ctx, src.System, src.EntityType, baseline.Hash, newHash); err == nil {
		return &prior, false, nil
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, false, err
	}

	added, removed := diffFields(baseline.Shapes, shapes)
	id, err := uuid.NewV7()
	if err != nil {
		return nil, false, fmt.Errorf("generate drift event id: %w", err)
	}
	ev := domain.DriftEvent{
		ID:               id.String(),
		SourceSystem:     src.System,
		EntityType:       src.EntityType,
		PreviousHash:     baseline.Hash,
		NewHash:          newHash,
		NewShapes:        shapes,
		AddedFields:      added,
		RemovedFields:    removed,
		RenameCandidates: d.renameCandidates(removed, added),
		DetectedAt:       d.now().UTC(),
		State:            domain.DriftDetected,
	}
	if err := d.store.InsertDriftEvent(ctx, ev); err != nil {
		return nil, false, err
	}

	logger.Info("Schema drift detected",
		zap.String("drift_event_id", ev.ID),
		zap.String("source_system", src.System),
		zap.String("entity_type", src.EntityType),
		zap.Strings("added_fields", ev.AddedFields),
		zap.Strings("removed_fields", ev.RemovedFields),
		zap.Int("rename_candidates", len(ev.RenameCandidates)),
	)
	return &ev, true, nil
}

// coalesce folds a further schema change into the existing pending event.
// The diff stays relative to the original baseline so reviewers and the
// oracle always see the full change, not just the latest increment.
func (d *Detector) coalesce(ctx context.Context, src domain.SourceContext, pending domain.DriftEvent, shapes []domain.FieldShape, newHash string) (*domain.DriftEvent, bool, error) {
	baseline, err := d.store.Fingerprint(ctx, pending.SourceSystem, pending.EntityType)
	if err != nil {
		return nil, false, err
	}

	pending.NewHash = newHash
	pending.NewShapes = shapes
	pending.AddedFields, pending.RemovedFields = diffFields(baseline.Shapes, shapes)
	pending.RenameCandidates = d.renameCandidates(pending.RemovedFields, pending.AddedFields)

	if err := d.store.UpdateDriftDiff(ctx, pending); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// The event closed under us and the baseline advanced with it;
			// compare this batch against the new baseline instead.
			return d.Detect(ctx, src, shapes)
		}
		return nil, false, err
	}
	logger.Info("Schema drift coalesced into pending event",
		zap.String("drift_event_id", pending.ID),
		zap.String("source_system", pending.SourceSystem),
		zap.String("entity_type", pending.EntityType),
		zap.String("state", string(pending.State)),
	)
	return &pending, false, nil
}

// diffFields compares two shape sets at field-name granularity. A field whose
// kind changed appears in neither list; the hash change alone carries it.
func diffFields(old, new []domain.FieldShape) (added, removed []string) {
	oldSet := fieldSet(old)
	newSet := fieldSet(new)
	for f := range newSet {
		if !oldSet[f] {
			added = append(added, f)
		}
	}
	for f := range oldSet {
		if !newSet[f] {
			removed = append(removed, f)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func fieldSet(shapes []domain.FieldShape) map[string]bool {
	set := make(map[string]bool, len(shapes))
	for _, s := range shapes {
		set[s.Field] = true
	}
	return set
}

// renameCandidates pairs removed fields with added fields whose names score
// at or above the similarity threshold. Candidates are hints for the oracle;
// the detector never auto-resolves a rename.
func (d *Detector) renameCandidates(removed, added []string) []domain.RenameCandidate {
	var out []domain.RenameCandidate
	for _, r := range removed {
		for _, a := range added {
			if sim := Similarity(r, a); sim >= d.threshold {
				out = append(out, domain.RenameCandidate{
					RemovedField: r,
					AddedField:   a,
					Similarity:   sim,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if out[i].RemovedField != out[j].RemovedField {
			return out[i].RemovedField < out[j].RemovedField
		}
		return out[i].AddedField < out[j].AddedField
	})
	return out
}

// Similarity scores two field names in [0,1]. It takes the better of a
// normalized Levenshtein score on the flattened names and a token-overlap
// score, so "amount" vs "opportunity_amount" scores high despite the long
// prefix the edit distance alone would punish.
func Similarity(a, b string) float64 {
	lev := levenshtein.Similarity(flatten(a), flatten(b), levenshtein.NewParams())
	if dice := tokenDice(tokenize(a), tokenize(b)); dice > lev {
		return dice
	}
	return lev
}

func flatten(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// tokenize splits a field name on separators and camelCase boundaries.
func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens[cur.String()] = true
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			flush()
			cur.WriteRune(unicode.ToLower(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func tokenDice(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	common := 0
	for t := range a {
		if b[t] {
			common++
		}
	}
	return 2 * float64(common) / float64(len(a)+len(b))
}
