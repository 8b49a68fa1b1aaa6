// Package repair turns detected drift into mapping fixes: an oracle proposes
// changes with a confidence score, the workflow routes the proposal by
// confidence tier, and the gateway applies human review decisions.
package repair

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"driftline.io/driftline/internal/domain"
)

// ProposalRequest is everything an oracle sees when asked to repair a drift.
type ProposalRequest struct {
	Drift domain.DriftEvent

	// ActiveRules is the mapping ruleset the proposal must be derived
	// against; its version becomes the proposal's base version.
	ActiveRules domain.MappingRuleSet
	BaseVersion int64

	// SampleValues holds up to the configured limit of observed values per
	// added field, to let the oracle judge type compatibility.
	SampleValues map[string][]domain.Value
}

// Oracle proposes a repair for a drift event. Implementations may call out
// to an external matching service; transient failures should be returned as
// errors so the workflow can retry with backoff.
type Oracle interface {
	ProposeRepair(ctx context.Context, req ProposalRequest) (domain.RepairProposal, error)
}

// HeuristicOracle is the built-in deterministic oracle. It maps each removed
// source field to its best rename candidate and scores the proposal with the
// weakest similarity it relied on. It never fails, which also makes it the
// fallback proposal builder when an external oracle stays unreachable.
type HeuristicOracle struct{}

// ProposeRepair implements Oracle.
func (HeuristicOracle) ProposeRepair(_ context.Context, req ProposalRequest) (domain.RepairProposal, error) {
	changes, confidence := heuristicChanges(req)
	id, err := uuid.NewV7()
	if err != nil {
		return domain.RepairProposal{}, fmt.Errorf("generate proposal id: %w", err)
	}
	return domain.RepairProposal{
		ID:           id.String(),
		DriftEventID: req.Drift.ID,
		Confidence:   confidence,
		Changes:      changes,
		Origin:       domain.OriginOracle,
		BaseVersion:  req.BaseVersion,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// heuristicChanges builds rename repairs from the drift event's candidates.
// Candidates are pre-sorted best first; each removed field takes its best
// unused added field. Confidence is the minimum similarity among the pairs
// actually used: one weak guess makes the whole proposal weak.
func heuristicChanges(req ProposalRequest) ([]domain.MappingChange, float64) {
	var (
		changes     []domain.MappingChange
		confidence  = 1.0
		usedAdded   = map[string]bool{}
		usedRemoved = map[string]bool{}
	)
	for _, cand := range req.Drift.RenameCandidates {
		if usedAdded[cand.AddedField] || usedRemoved[cand.RemovedField] {
			continue
		}
		rule, ok := ruleForSourcePath(req.ActiveRules, cand.RemovedField)
		if !ok {
			// Removed field was never mapped; nothing to repair.
			continue
		}
		changes = append(changes, domain.MappingChange{
			Op:             domain.ChangeSet,
			CanonicalField: rule.CanonicalField,
			SourcePath:     cand.AddedField,
			Kind:           rule.Kind,
		})
		if cand.Similarity < confidence {
			confidence = cand.Similarity
		}
		usedAdded[cand.AddedField] = true
		usedRemoved[cand.RemovedField] = true
	}
	if len(changes) == 0 {
		return nil, 0
	}
	return changes, confidence
}

func ruleForSourcePath(rs domain.MappingRuleSet, sourcePath string) (domain.MappingRule, bool) {
	for _, rule := range rs.Rules {
		if rule.SourcePath == sourcePath {
			return rule, true
		}
	}
	return domain.MappingRule{}, false
}
