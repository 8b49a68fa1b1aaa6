package repair

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"driftline.io/driftline/internal/config"
	"driftline.io/driftline/internal/domain"
	apperrors "driftline.io/driftline/internal/pkg/errors"
	"driftline.io/driftline/internal/pkg/logger"
	"driftline.io/driftline/internal/pkg/worker"
	"driftline.io/driftline/internal/registry"
	"driftline.io/driftline/internal/store"
)

// Reasons recorded on drift events at non-obvious transitions.
const (
	ReasonOracleUnavailable = "oracle_unavailable"
	ReasonLowConfidence     = "low_confidence"
	ReasonMappingConflict   = "mapping_conflict"
	ReasonDriftCoalesced    = "drift_coalesced"
	ReasonNoChanges         = "no_changes_proposed"
	ReasonAutoApplied       = "auto_applied"
	ReasonTimeout           = "timeout"
)

// Workflow runs the automated half of the repair state machine:
// DETECTED -> PROPOSED -> AUTO_APPLIED | HITL_QUEUED | REJECTED.
// Human decisions on queued proposals go through the Gateway.
type Workflow struct {
	store  *store.Store
	reg    *registry.Registry
	oracle Oracle
	pools  *worker.Pools
	health *Health
	cfg    config.RepairConfig

	// sleep is swapped in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorkflow creates a Workflow.
func NewWorkflow(s *store.Store, reg *registry.Registry, oracle Oracle, pools *worker.Pools, health *Health, cfg config.RepairConfig) *Workflow {
	return &Workflow{
		store:  s,
		reg:    reg,
		oracle: oracle,
		pools:  pools,
		health: health,
		cfg:    cfg,
		sleep:  sleepCtx,
	}
}

// Submit schedules repair processing for a drift event on the oracle pool.
// Processing is detached from the ingestion request: it survives request
// cancellation and stops only on service shutdown.
func (w *Workflow) Submit(ev domain.DriftEvent, samples map[string][]domain.Value) error {
	return w.pools.SubmitDetached("oracle", func(ctx context.Context) {
		if err := w.Process(ctx, ev, samples); err != nil {
			logger.Error("Repair processing failed",
				zap.String("drift_event_id", ev.ID),
				zap.String("source_system", ev.SourceSystem),
				zap.String("entity_type", ev.EntityType),
				zap.Error(err),
			)
		}
	})
}

// Process asks the oracle for a repair proposal and routes it by confidence
// tier. Exhausted oracle retries queue the drift for human review instead of
// dropping it.
func (w *Workflow) Process(ctx context.Context, ev domain.DriftEvent, samples map[string][]domain.Value) error {
	active, err := w.reg.Active(ctx, ev.SourceSystem, ev.EntityType)
	if err != nil {
		return err
	}
	req := ProposalRequest{
		Drift:        ev,
		ActiveRules:  active.RuleSet,
		BaseVersion:  active.Version,
		SampleValues: capSamples(samples, w.cfg.SampleValueLimit),
	}

	proposal, oracleDown, err := w.propose(ctx, req)
	if err != nil {
		return err
	}
	// The oracle is external input: confidence outside [0,1] is its bug, not
	// a reason to auto-apply or to persist an impossible score.
	proposal.Confidence = clamp01(proposal.Confidence)
	proposal.DriftEventID = ev.ID
	proposal.BaseVersion = active.Version
	if err := w.store.InsertProposal(ctx, proposal); err != nil {
		return err
	}

	if oracleDown {
		// Never drop a drift because the oracle is down: a zero-confidence
		// heuristic proposal goes straight to human review.
		if err := w.queueForReview(ctx, ev, ReasonOracleUnavailable); err != nil {
			return err
		}
		logger.Warn("Oracle unavailable, drift queued for review",
			zap.String("drift_event_id", ev.ID),
			zap.String("proposal_id", proposal.ID),
			zap.Int("attempts", w.cfg.OracleMaxAttempts),
		)
		return nil
	}

	if err := w.store.SetDriftState(ctx, ev.ID, domain.DriftProposed, ""); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// Resolved while the oracle was in flight; nothing left to route.
			logger.Info("Drift event closed during proposal",
				zap.String("drift_event_id", ev.ID),
				zap.String("proposal_id", proposal.ID),
			)
			return nil
		}
		return err
	}

	// The snapshot is stale by now: batches may have coalesced a newer shape
	// into the event while the oracle call (and its backoff) ran. A proposal
	// derived from the old diff must not resolve the new one.
	fresh, err := w.store.GetDriftEvent(ctx, ev.ID)
	if err != nil {
		return err
	}
	if fresh.NewHash != ev.NewHash {
		return w.queueForReview(ctx, fresh, ReasonDriftCoalesced)
	}
	ev = fresh

	logger.Info("Repair proposed",
		zap.String("drift_event_id", ev.ID),
		zap.String("proposal_id", proposal.ID),
		zap.Float64("confidence", proposal.Confidence),
		zap.Int("changes", len(proposal.Changes)),
	)

	switch w.tier(proposal.Confidence) {
	case domain.DriftAutoApplied:
		if len(proposal.Changes) == 0 {
			// High confidence with nothing to change still needs eyes.
			return w.queueForReview(ctx, ev, ReasonNoChanges)
		}
		return w.autoApply(ctx, ev, active, proposal)
	case domain.DriftHITLQueued:
		return w.queueForReview(ctx, ev, "")
	default:
		return w.reject(ctx, ev, proposal)
	}
}

// tier maps a confidence score to its routing. Boundaries are inclusive at
// the lower edge of each tier.
func (w *Workflow) tier(confidence float64) domain.DriftState {
	switch {
	case confidence >= w.cfg.AutoApplyThreshold:
		return domain.DriftAutoApplied
	case confidence >= w.cfg.ReviewThreshold:
		return domain.DriftHITLQueued
	default:
		return domain.DriftRejected
	}
}

// propose calls the oracle with bounded exponential backoff. The third
// return is true when all attempts failed and the proposal is the built-in
// heuristic fallback with zero confidence.
func (w *Workflow) propose(ctx context.Context, req ProposalRequest) (domain.RepairProposal, bool, error) {
	for attempt := 1; attempt <= w.cfg.OracleMaxAttempts; attempt++ {
		proposal, err := w.oracle.ProposeRepair(ctx, req)
		if err == nil {
			return proposal, false, nil
		}
		logger.Warn("Oracle attempt failed",
			zap.String("drift_event_id", req.Drift.ID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", w.cfg.OracleMaxAttempts),
			zap.Error(err),
		)
		if attempt < w.cfg.OracleMaxAttempts {
			if err := w.sleep(ctx, w.backoff(attempt)); err != nil {
				return domain.RepairProposal{}, false, err
			}
		}
	}

	fallback, err := (HeuristicOracle{}).ProposeRepair(ctx, req)
	if err != nil {
		return domain.RepairProposal{}, false, err
	}
	fallback.Confidence = 0
	fallback.Origin = domain.OriginHeuristicFallback
	fallback.Reason = ReasonOracleUnavailable
	return fallback, true, nil
}

// backoff returns the wait before the next attempt: base doubled per attempt,
// capped at the configured maximum.
func (w *Workflow) backoff(attempt int) time.Duration {
	d := w.cfg.OracleBackoffBase << (attempt - 1)
	if d > w.cfg.OracleBackoffMax {
		d = w.cfg.OracleBackoffMax
	}
	return d
}

func (w *Workflow) autoApply(ctx context.Context, ev domain.DriftEvent, active domain.RegistryVersion, proposal domain.RepairProposal) error {
	next := registry.NextVersion(active, active.RuleSet.ApplyChanges(proposal.Changes), domain.SystemReviewer)
	ev.Reason = ReasonAutoApplied
	if err := w.store.ApplyRepair(ctx, ev, next); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// Either the mapping moved underneath us or the event coalesced a
			// newer shape in; both go to a human with the current diff.
			reason := ReasonMappingConflict
			if fresh, readErr := w.store.GetDriftEvent(ctx, ev.ID); readErr == nil && fresh.NewHash != ev.NewHash {
				ev, reason = fresh, ReasonDriftCoalesced
			}
			return w.queueForReview(ctx, ev, reason)
		}
		return err
	}
	w.reg.CacheInstalled(next)
	if err := w.recordDecision(ctx, proposal.ID, domain.DecisionApprove, domain.SystemReviewer, ReasonAutoApplied); err != nil {
		return err
	}
	w.health.MarkActive(ev.SourceSystem, ev.EntityType)
	logger.Info("Repair auto-applied",
		zap.String("drift_event_id", ev.ID),
		zap.String("proposal_id", proposal.ID),
		zap.Float64("confidence", proposal.Confidence),
		zap.Int64("mapping_version", next.Version),
	)
	return nil
}

func (w *Workflow) queueForReview(ctx context.Context, ev domain.DriftEvent, reason string) error {
	if err := w.store.SetDriftState(ctx, ev.ID, domain.DriftHITLQueued, reason); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// Closed by a concurrent decision; nothing left to queue.
			return nil
		}
		return err
	}
	w.health.MarkHealing(ev.SourceSystem, ev.EntityType)
	return nil
}

func (w *Workflow) reject(ctx context.Context, ev domain.DriftEvent, proposal domain.RepairProposal) error {
	if err := w.store.ResolveDrift(ctx, ev, domain.DriftRejected, ReasonLowConfidence); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// The event changed or closed since the re-read; hand it to review
			// rather than advance the baseline from a stale snapshot.
			return w.queueForReview(ctx, ev, ReasonDriftCoalesced)
		}
		return err
	}
	if err := w.recordDecision(ctx, proposal.ID, domain.DecisionReject, domain.SystemReviewer, ReasonLowConfidence); err != nil {
		return err
	}
	// The drifted schema becomes the accepted baseline; unmapped fields stay
	// in extras from here on.
	w.health.MarkActive(ev.SourceSystem, ev.EntityType)
	logger.Info("Repair rejected on low confidence",
		zap.String("drift_event_id", ev.ID),
		zap.String("proposal_id", proposal.ID),
		zap.Float64("confidence", proposal.Confidence),
	)
	return nil
}

func (w *Workflow) recordDecision(ctx context.Context, proposalID string, outcome domain.DecisionOutcome, reviewer, reason string) error {
	return recordDecision(ctx, w.store, proposalID, outcome, reviewer, reason)
}

// recordDecision appends one audit record for a proposal resolution. Every
// terminal transition leaves one, automatic ones included.
func recordDecision(ctx context.Context, s *store.Store, proposalID string, outcome domain.DecisionOutcome, reviewer, reason string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate decision id: %w", err)
	}
	return s.InsertDecision(ctx, domain.RepairDecision{
		ID:         id.String(),
		ProposalID: proposalID,
		Decision:   outcome,
		Reviewer:   reviewer,
		Reason:     reason,
		DecidedAt:  time.Now().UTC(),
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func capSamples(samples map[string][]domain.Value, limit int) map[string][]domain.Value {
	if limit <= 0 || samples == nil {
		return samples
	}
	out := make(map[string][]domain.Value, len(samples))
	for field, vals := range samples {
		if len(vals) > limit {
			vals = vals[:limit]
		}
		out[field] = vals
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
