package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driftline.io/driftline/internal/domain"
	apperrors "driftline.io/driftline/internal/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRuleSet() domain.MappingRuleSet {
	return domain.MappingRuleSet{
		SourceSystem:    "salesforce",
		EntityType:      "opportunity",
		RatioConvention: domain.RatioPercent,
		Rules: []domain.MappingRule{
			{CanonicalField: "opportunity_id", SourcePath: "Id", Kind: domain.KindString},
			{CanonicalField: "amount", SourcePath: "Amount", Kind: domain.KindNumber},
		},
	}
}

func TestCreateAndActivate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v1 := domain.RegistryVersion{
		SourceSystem: "salesforce",
		EntityType:   "opportunity",
		Version:      1,
		RuleSet:      testRuleSet(),
		CreatedBy:    "seed",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateAndActivate(ctx, v1))

	active, err := s.ActiveVersion(ctx, "salesforce", "opportunity")
	require.NoError(t, err)
	require.Equal(t, int64(1), active.Version)
	require.Len(t, active.RuleSet.Rules, 2)

	parent := int64(1)
	v2 := v1
	v2.Version = 2
	v2.CreatedFrom = &parent
	require.NoError(t, s.CreateAndActivate(ctx, v2))

	active, err = s.ActiveVersion(ctx, "salesforce", "opportunity")
	require.NoError(t, err)
	require.Equal(t, int64(2), active.Version)

	versions, err := s.ListVersions(ctx, "salesforce", "opportunity")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, int64(2), versions[0].Version)
}

func TestCreateAndActivate_Conflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v1 := domain.RegistryVersion{
		SourceSystem: "hubspot", EntityType: "deal", Version: 1,
		RuleSet: testRuleSet(), CreatedBy: "seed",
	}
	require.NoError(t, s.CreateAndActivate(ctx, v1))

	parent := int64(1)
	v2 := v1
	v2.Version = 2
	v2.CreatedFrom = &parent
	require.NoError(t, s.CreateAndActivate(ctx, v2))

	// A second write derived from version 1 is stale: active is now 2.
	stale := v1
	stale.Version = 2
	stale.CreatedFrom = &parent
	err := s.CreateAndActivate(ctx, stale)
	require.Error(t, err)
	require.True(t, errors.Is(err, apperrors.ErrConflict))

	// First version of a fresh key must be 1.
	bad := domain.RegistryVersion{
		SourceSystem: "hubspot", EntityType: "contact", Version: 3,
		RuleSet: testRuleSet(),
	}
	err = s.CreateAndActivate(ctx, bad)
	require.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestActiveVersion_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ActiveVersion(context.Background(), "nope", "none")
	require.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestFingerprintRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Fingerprint(ctx, "salesforce", "opportunity")
	require.True(t, errors.Is(err, apperrors.ErrNotFound))

	fp := domain.SchemaFingerprint{
		SourceSystem: "salesforce",
		EntityType:   "opportunity",
		Hash:         "abc123",
	}
	require.NoError(t, s.SetFingerprint(ctx, fp))

	got, err := s.Fingerprint(ctx, "salesforce", "opportunity")
	require.NoError(t, err)
	require.Equal(t, "abc123", got.Hash)
	require.False(t, got.CapturedAt.IsZero())

	fp.Hash = "def456"
	require.NoError(t, s.SetFingerprint(ctx, fp))
	got, err = s.Fingerprint(ctx, "salesforce", "opportunity")
	require.NoError(t, err)
	require.Equal(t, "def456", got.Hash)
}

func testDrift(id string) domain.DriftEvent {
	return domain.DriftEvent{
		ID:            id,
		SourceSystem:  "salesforce",
		EntityType:    "opportunity",
		PreviousHash:  "h1",
		NewHash:       "h2",
		AddedFields:   []string{"opportunity_amount"},
		RemovedFields: []string{"amount"},
		RenameCandidates: []domain.RenameCandidate{
			{RemovedField: "amount", AddedField: "opportunity_amount", Similarity: 0.82},
		},
		DetectedAt: time.Now(),
		State:      domain.DriftDetected,
	}
}

func TestDriftEventLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ev := testDrift("d1")
	require.NoError(t, s.InsertDriftEvent(ctx, ev))

	pending, err := s.PendingDriftEvent(ctx, "salesforce", "opportunity")
	require.NoError(t, err)
	require.Equal(t, "d1", pending.ID)
	require.Equal(t, []string{"amount"}, pending.RemovedFields)
	require.InDelta(t, 0.82, pending.RenameCandidates[0].Similarity, 1e-9)

	// Coalesce a newer fingerprint into the pending event.
	ev.NewHash = "h3"
	ev.AddedFields = append(ev.AddedFields, "discount_pct")
	require.NoError(t, s.UpdateDriftDiff(ctx, ev))
	pending, err = s.PendingDriftEvent(ctx, "salesforce", "opportunity")
	require.NoError(t, err)
	require.Equal(t, "h3", pending.NewHash)
	require.Len(t, pending.AddedFields, 2)

	// Resolving advances the baseline in the same transaction.
	require.NoError(t, s.SetFingerprint(ctx, domain.SchemaFingerprint{
		SourceSystem: "salesforce", EntityType: "opportunity", Hash: "h1",
	}))
	require.NoError(t, s.ResolveDrift(ctx, pending, domain.DriftRejected, "low_confidence"))

	_, err = s.PendingDriftEvent(ctx, "salesforce", "opportunity")
	require.True(t, errors.Is(err, apperrors.ErrNotFound))

	fp, err := s.Fingerprint(ctx, "salesforce", "opportunity")
	require.NoError(t, err)
	require.Equal(t, "h3", fp.Hash)

	got, err := s.GetDriftEvent(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, domain.DriftRejected, got.State)
	require.Equal(t, "low_confidence", got.Reason)
}

func TestDriftWrites_TerminalEventConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ev := testDrift("d4")
	require.NoError(t, s.InsertDriftEvent(ctx, ev))
	require.NoError(t, s.ResolveDrift(ctx, ev, domain.DriftRejected, "low_confidence"))

	// A coalescing write racing the resolution loses instead of rewriting
	// the closed event.
	ev.NewHash = "h3"
	err := s.UpdateDriftDiff(ctx, ev)
	require.True(t, errors.Is(err, apperrors.ErrConflict))

	// Terminal events never reopen.
	err = s.SetDriftState(ctx, ev.ID, domain.DriftHITLQueued, "")
	require.True(t, errors.Is(err, apperrors.ErrConflict))

	// Missing events still report not-found, not a conflict.
	missing := testDrift("nope")
	require.True(t, errors.Is(s.UpdateDriftDiff(ctx, missing), apperrors.ErrNotFound))
	require.True(t, errors.Is(s.SetDriftState(ctx, "nope", domain.DriftProposed, ""), apperrors.ErrNotFound))

	got, err := s.GetDriftEvent(ctx, "d4")
	require.NoError(t, err)
	require.Equal(t, domain.DriftRejected, got.State)
	require.Equal(t, "h2", got.NewHash)
}

func TestResolveDrift_StaleHashConflicts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ev := testDrift("d5")
	require.NoError(t, s.InsertDriftEvent(ctx, ev))

	stale := ev
	ev.NewHash = "h3"
	require.NoError(t, s.UpdateDriftDiff(ctx, ev))

	// Resolving with the pre-coalesce snapshot must not close the event or
	// advance the baseline to the old hash.
	err := s.ResolveDrift(ctx, stale, domain.DriftRejected, "low_confidence")
	require.True(t, errors.Is(err, apperrors.ErrConflict))

	pending, err := s.PendingDriftEvent(ctx, "salesforce", "opportunity")
	require.NoError(t, err)
	require.Equal(t, "h3", pending.NewHash)
	_, err = s.Fingerprint(ctx, "salesforce", "opportunity")
	require.True(t, errors.Is(err, apperrors.ErrNotFound))

	// The current snapshot resolves cleanly.
	require.NoError(t, s.ResolveDrift(ctx, pending, domain.DriftRejected, "low_confidence"))
	fp, err := s.Fingerprint(ctx, "salesforce", "opportunity")
	require.NoError(t, err)
	require.Equal(t, "h3", fp.Hash)
}

func TestApplyRepair(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v1 := domain.RegistryVersion{
		SourceSystem: "salesforce", EntityType: "opportunity", Version: 1,
		RuleSet: testRuleSet(), CreatedBy: "seed",
	}
	require.NoError(t, s.CreateAndActivate(ctx, v1))

	ev := testDrift("d2")
	require.NoError(t, s.InsertDriftEvent(ctx, ev))

	parent := int64(1)
	v2 := v1
	v2.Version = 2
	v2.CreatedFrom = &parent
	v2.RuleSet = v1.RuleSet.ApplyChanges([]domain.MappingChange{
		{Op: domain.ChangeSet, CanonicalField: "amount", SourcePath: "OpportunityAmount"},
	})
	v2.CreatedBy = domain.SystemReviewer

	require.NoError(t, s.ApplyRepair(ctx, ev, v2))

	active, err := s.ActiveVersion(ctx, "salesforce", "opportunity")
	require.NoError(t, err)
	require.Equal(t, int64(2), active.Version)
	rule, ok := active.RuleSet.RuleFor("amount")
	require.True(t, ok)
	require.Equal(t, "OpportunityAmount", rule.SourcePath)

	got, err := s.GetDriftEvent(ctx, "d2")
	require.NoError(t, err)
	require.Equal(t, domain.DriftAutoApplied, got.State)

	fp, err := s.Fingerprint(ctx, "salesforce", "opportunity")
	require.NoError(t, err)
	require.Equal(t, ev.NewHash, fp.Hash)
}

func TestApplyRepair_StaleVersionRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	v1 := domain.RegistryVersion{
		SourceSystem: "salesforce", EntityType: "opportunity", Version: 1,
		RuleSet: testRuleSet(), CreatedBy: "seed",
	}
	require.NoError(t, s.CreateAndActivate(ctx, v1))

	ev := testDrift("d3")
	require.NoError(t, s.InsertDriftEvent(ctx, ev))

	// Derived from a version that is not active.
	parent := int64(5)
	stale := v1
	stale.Version = 6
	stale.CreatedFrom = &parent
	err := s.ApplyRepair(ctx, ev, stale)
	require.True(t, errors.Is(err, apperrors.ErrConflict))

	// Nothing moved: drift still pending, active still 1.
	pending, err := s.PendingDriftEvent(ctx, "salesforce", "opportunity")
	require.NoError(t, err)
	require.Equal(t, "d3", pending.ID)
	active, err := s.ActiveVersion(ctx, "salesforce", "opportunity")
	require.NoError(t, err)
	require.Equal(t, int64(1), active.Version)
}

func TestProposalsAndDecisions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ev := testDrift("d4")
	ev.State = domain.DriftHITLQueued
	require.NoError(t, s.InsertDriftEvent(ctx, ev))

	p := domain.RepairProposal{
		ID:           "p1",
		DriftEventID: "d4",
		Confidence:   0.7,
		Changes: []domain.MappingChange{
			{Op: domain.ChangeSet, CanonicalField: "amount", SourcePath: "OpportunityAmount"},
		},
		Origin:      domain.OriginOracle,
		BaseVersion: 1,
		CreatedAt:   time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, s.InsertProposal(ctx, p))

	pending, err := s.ListPendingProposals(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "p1", pending[0].Proposal.ID)
	require.Equal(t, "d4", pending[0].Drift.ID)
	require.InDelta(t, 0.7, pending[0].Proposal.Confidence, 1e-9)

	expired, err := s.ListExpiredPending(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)

	expired, err = s.ListExpiredPending(ctx, time.Now().Add(-3*time.Hour))
	require.NoError(t, err)
	require.Empty(t, expired)

	d := domain.RepairDecision{
		ID:         "dec1",
		ProposalID: "p1",
		Decision:   domain.DecisionReject,
		Reviewer:   "alex",
		Reason:     "ambiguous rename",
		DecidedAt:  time.Now(),
	}
	require.NoError(t, s.InsertDecision(ctx, d))

	decisions, err := s.DecisionsForProposal(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.Equal(t, domain.DecisionReject, decisions[0].Decision)
	require.Equal(t, "alex", decisions[0].Reviewer)
}

func TestCanonicalEventLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ev := &domain.CanonicalEvent{
		ID: "e1",
		Meta: domain.EventMeta{
			SchemaVersion: domain.SchemaVersion,
			TraceID:       "t1",
			EmittedAt:     time.Now(),
		},
		Source: domain.EventSource{
			System: "salesforce", ConnectionID: "c1", MappingVersion: 1,
		},
		EntityType: "opportunity",
		Operation:  "upsert",
		Data: map[string]domain.Value{
			"amount": domain.Number(1200),
		},
		Extras:            map[string]domain.Value{},
		UnknownFieldCount: 0,
	}
	require.NoError(t, s.AppendCanonicalEvent(ctx, ev))

	n, err := s.CountCanonicalEvents(ctx, "salesforce", "opportunity")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
