package repair

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"driftline.io/driftline/internal/config"
	"driftline.io/driftline/internal/domain"
	apperrors "driftline.io/driftline/internal/pkg/errors"
	"driftline.io/driftline/internal/pkg/logger"
	"driftline.io/driftline/internal/registry"
	"driftline.io/driftline/internal/store"
)

// Gateway applies human review decisions to queued repair proposals and
// expires proposals nobody reviewed in time.
type Gateway struct {
	store  *store.Store
	reg    *registry.Registry
	health *Health
	cfg    config.RepairConfig
	now    func() time.Time
}

// NewGateway creates a Gateway.
func NewGateway(s *store.Store, reg *registry.Registry, health *Health, cfg config.RepairConfig) *Gateway {
	return &Gateway{
		store:  s,
		reg:    reg,
		health: health,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Approve applies a queued proposal as a new mapping version. The proposal
// must still be open and derived from the currently active version; a stale
// base is rejected with MAPPING_CONFLICT and the reviewer must re-examine
// the re-derived proposal.
func (g *Gateway) Approve(ctx context.Context, proposalID, reviewer string) (domain.RegistryVersion, error) {
	proposal, ev, err := g.openProposal(ctx, proposalID)
	if err != nil {
		return domain.RegistryVersion{}, err
	}

	active, err := g.reg.Active(ctx, ev.SourceSystem, ev.EntityType)
	if err != nil {
		return domain.RegistryVersion{}, err
	}
	if active.Version != proposal.BaseVersion {
		return domain.RegistryVersion{}, apperrors.ErrMappingConflictf(
			ev.SourceSystem, ev.EntityType, proposal.BaseVersion, active.Version)
	}

	next := registry.NextVersion(active, active.RuleSet.ApplyChanges(proposal.Changes), reviewer)
	ev.Reason = "approved"
	if err := g.store.ApplyRepair(ctx, ev, next); err != nil {
		return domain.RegistryVersion{}, err
	}
	g.reg.CacheInstalled(next)

	if err := g.recordDecision(ctx, proposal.ID, domain.DecisionApprove, reviewer, ""); err != nil {
		return domain.RegistryVersion{}, err
	}
	g.health.MarkActive(ev.SourceSystem, ev.EntityType)
	logger.Info("Repair approved",
		zap.String("proposal_id", proposal.ID),
		zap.String("drift_event_id", ev.ID),
		zap.String("reviewer", reviewer),
		zap.Int64("mapping_version", next.Version),
	)
	return next, nil
}

// Reject closes a queued proposal without changing the mapping. The drifted
// schema becomes the accepted baseline; its unmapped fields keep flowing
// through extras.
func (g *Gateway) Reject(ctx context.Context, proposalID, reviewer, reason string) error {
	proposal, ev, err := g.openProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if err := g.store.ResolveDrift(ctx, ev, domain.DriftRejected, reason); err != nil {
		return err
	}
	if err := g.recordDecision(ctx, proposal.ID, domain.DecisionReject, reviewer, reason); err != nil {
		return err
	}
	g.health.MarkActive(ev.SourceSystem, ev.EntityType)
	logger.Info("Repair rejected",
		zap.String("proposal_id", proposal.ID),
		zap.String("drift_event_id", ev.ID),
		zap.String("reviewer", reviewer),
		zap.String("reason", reason),
	)
	return nil
}

// Pending lists proposals awaiting review, longest-waiting first.
func (g *Gateway) Pending(ctx context.Context) ([]store.PendingProposal, error) {
	return g.store.ListPendingProposals(ctx)
}

// SweepExpired rejects every queued proposal older than the review TTL.
// Returns the number of proposals expired.
func (g *Gateway) SweepExpired(ctx context.Context) (int, error) {
	cutoff := g.now().Add(-g.cfg.ReviewTTL)
	expired, err := g.store.ListExpiredPending(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, pp := range expired {
		if err := g.store.ResolveDrift(ctx, pp.Drift, domain.DriftRejected, ReasonTimeout); err != nil {
			return swept, err
		}
		if err := g.recordDecision(ctx, pp.Proposal.ID, domain.DecisionTimeout, domain.SystemReviewer, ReasonTimeout); err != nil {
			return swept, err
		}
		g.health.MarkActive(pp.Drift.SourceSystem, pp.Drift.EntityType)
		logger.Warn("Repair proposal expired unreviewed",
			zap.String("proposal_id", pp.Proposal.ID),
			zap.String("drift_event_id", pp.Drift.ID),
			zap.Time("created_at", pp.Proposal.CreatedAt),
		)
		swept++
	}
	return swept, nil
}

// openProposal loads a proposal and its drift event and verifies the drift
// is still open for review.
func (g *Gateway) openProposal(ctx context.Context, proposalID string) (domain.RepairProposal, domain.DriftEvent, error) {
	proposal, err := g.store.GetProposal(ctx, proposalID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return domain.RepairProposal{}, domain.DriftEvent{},
			apperrors.NotFound(apperrors.CodeProposalNotFound, "proposal not found").
				WithParams(map[string]interface{}{"proposal_id": proposalID})
	}
	if err != nil {
		return domain.RepairProposal{}, domain.DriftEvent{}, err
	}

	ev, err := g.store.GetDriftEvent(ctx, proposal.DriftEventID)
	if err != nil {
		return domain.RepairProposal{}, domain.DriftEvent{}, err
	}
	if ev.State != domain.DriftHITLQueued {
		return domain.RepairProposal{}, domain.DriftEvent{},
			apperrors.Conflict(apperrors.CodeProposalNotOpen, "proposal is not awaiting review").
				WithParams(map[string]interface{}{
					"proposal_id": proposalID,
					"drift_state": string(ev.State),
				})
	}
	return proposal, ev, nil
}

func (g *Gateway) recordDecision(ctx context.Context, proposalID string, outcome domain.DecisionOutcome, reviewer, reason string) error {
	return recordDecision(ctx, g.store, proposalID, outcome, reviewer, reason)
}
