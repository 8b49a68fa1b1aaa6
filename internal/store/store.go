// Package store persists the engine's state in SQLite: mapping registry
// versions, fingerprint baselines, drift events, repair proposals and
// decisions, and the append-only canonical event log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"driftline.io/driftline/internal/domain"
	apperrors "driftline.io/driftline/internal/pkg/errors"
)

// Store wraps a single-writer SQLite handle.
type Store struct {
	db *sql.DB
}

// memSeq names in-memory databases so separate opens never share state.
var memSeq atomic.Int64

// Open opens (and creates, if needed) the database at path.
// Path ":memory:" opens a fresh in-process database, used by tests.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:mem%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", memSeq.Add(1))
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the raw handle for migrations in tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- mapping registry ---

// CreateAndActivate inserts a new mapping version and swaps the active
// pointer in one transaction. The new version must descend from the current
// active version (or be version 1 of a fresh key); anything else means a
// concurrent write won and the caller gets ErrConflict.
func (s *Store) CreateAndActivate(ctx context.Context, v domain.RegistryVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := createAndActivateTx(ctx, tx, v); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mapping version: %w", err)
	}
	return nil
}

func createAndActivateTx(ctx context.Context, tx *sql.Tx, v domain.RegistryVersion) error {
	var active sql.NullInt64
	err := tx.QueryRowContext(ctx, `
SELECT version FROM active_mappings WHERE source_system = ? AND entity_type = ?
`, v.SourceSystem, v.EntityType).Scan(&active)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read active version: %w", err)
	}

	switch {
	case !active.Valid:
		if v.Version != 1 || v.CreatedFrom != nil {
			return fmt.Errorf("%w: first version for %s/%s must be 1 with no parent",
				apperrors.ErrConflict, v.SourceSystem, v.EntityType)
		}
	default:
		if v.CreatedFrom == nil || *v.CreatedFrom != active.Int64 || v.Version != active.Int64+1 {
			return fmt.Errorf("%w: version %d derived from stale parent (active is %d)",
				apperrors.ErrConflict, v.Version, active.Int64)
		}
	}

	rules, err := json.Marshal(v.RuleSet)
	if err != nil {
		return fmt.Errorf("marshal rule set: %w", err)
	}
	var parent any
	if v.CreatedFrom != nil {
		parent = *v.CreatedFrom
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO mapping_versions(source_system, entity_type, version, rule_set, created_from, created_by, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, v.SourceSystem, v.EntityType, v.Version, string(rules), parent, v.CreatedBy, ts(v.CreatedAt)); err != nil {
		return fmt.Errorf("insert mapping version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO active_mappings(source_system, entity_type, version)
VALUES (?, ?, ?)
ON CONFLICT(source_system, entity_type) DO UPDATE SET version = excluded.version
`, v.SourceSystem, v.EntityType, v.Version); err != nil {
		return fmt.Errorf("swap active pointer: %w", err)
	}
	return nil
}

// ActiveVersion returns the currently active mapping version for a key.
func (s *Store) ActiveVersion(ctx context.Context, system, entityType string) (domain.RegistryVersion, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT mv.source_system, mv.entity_type, mv.version, mv.rule_set, mv.created_from, mv.created_by, mv.created_at
FROM active_mappings am
JOIN mapping_versions mv
  ON mv.source_system = am.source_system
 AND mv.entity_type = am.entity_type
 AND mv.version = am.version
WHERE am.source_system = ? AND am.entity_type = ?
`, system, entityType)
	return scanVersion(row)
}

// GetVersion returns one specific mapping version.
func (s *Store) GetVersion(ctx context.Context, system, entityType string, version int64) (domain.RegistryVersion, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT source_system, entity_type, version, rule_set, created_from, created_by, created_at
FROM mapping_versions
WHERE source_system = ? AND entity_type = ? AND version = ?
`, system, entityType, version)
	return scanVersion(row)
}

// ListVersions returns all versions for a key, newest first.
func (s *Store) ListVersions(ctx context.Context, system, entityType string) ([]domain.RegistryVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source_system, entity_type, version, rule_set, created_from, created_by, created_at
FROM mapping_versions
WHERE source_system = ? AND entity_type = ?
ORDER BY version DESC
`, system, entityType)
	if err != nil {
		return nil, fmt.Errorf("list mapping versions: %w", err)
	}
	defer rows.Close()

	var out []domain.RegistryVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (domain.RegistryVersion, error) {
	var (
		v       domain.RegistryVersion
		rules   string
		parent  sql.NullInt64
		created string
	)
	err := row.Scan(&v.SourceSystem, &v.EntityType, &v.Version, &rules, &parent, &v.CreatedBy, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return v, apperrors.ErrNotFound
	}
	if err != nil {
		return v, fmt.Errorf("scan mapping version: %w", err)
	}
	if err := json.Unmarshal([]byte(rules), &v.RuleSet); err != nil {
		return v, fmt.Errorf("unmarshal rule set: %w", err)
	}
	if parent.Valid {
		p := parent.Int64
		v.CreatedFrom = &p
	}
	v.CreatedAt = parseTS(created)
	return v, nil
}

// --- fingerprint baselines ---

// Fingerprint returns the persisted baseline fingerprint for a key.
func (s *Store) Fingerprint(ctx context.Context, system, entityType string) (domain.SchemaFingerprint, error) {
	var (
		fp       domain.SchemaFingerprint
		shapes   string
		captured string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT source_system, entity_type, hash, shapes, captured_at
FROM schema_fingerprints
WHERE source_system = ? AND entity_type = ?
`, system, entityType).Scan(&fp.SourceSystem, &fp.EntityType, &fp.Hash, &shapes, &captured)
	if errors.Is(err, sql.ErrNoRows) {
		return fp, apperrors.ErrNotFound
	}
	if err != nil {
		return fp, fmt.Errorf("read fingerprint: %w", err)
	}
	if err := json.Unmarshal([]byte(shapes), &fp.Shapes); err != nil {
		return fp, fmt.Errorf("unmarshal fingerprint shapes: %w", err)
	}
	fp.CapturedAt = parseTS(captured)
	return fp, nil
}

// SetFingerprint upserts the baseline fingerprint for a key.
func (s *Store) SetFingerprint(ctx context.Context, fp domain.SchemaFingerprint) error {
	if fp.CapturedAt.IsZero() {
		fp.CapturedAt = time.Now().UTC()
	}
	shapes, err := marshalShapes(fp.Shapes)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO schema_fingerprints(source_system, entity_type, hash, shapes, captured_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(source_system, entity_type) DO UPDATE SET
	hash = excluded.hash,
	shapes = excluded.shapes,
	captured_at = excluded.captured_at
`, fp.SourceSystem, fp.EntityType, fp.Hash, shapes, ts(fp.CapturedAt)); err != nil {
		return fmt.Errorf("upsert fingerprint: %w", err)
	}
	return nil
}

// --- drift events ---

// InsertDriftEvent stores a freshly detected drift event.
func (s *Store) InsertDriftEvent(ctx context.Context, ev domain.DriftEvent) error {
	shapes, added, removed, candidates, err := marshalDiff(ev)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO drift_events(id, source_system, entity_type, previous_hash, new_hash, new_shapes,
	added_fields, removed_fields, rename_candidates, detected_at, state, reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, ev.ID, ev.SourceSystem, ev.EntityType, ev.PreviousHash, ev.NewHash, shapes,
		added, removed, candidates, ts(ev.DetectedAt), string(ev.State), ev.Reason); err != nil {
		return fmt.Errorf("insert drift event: %w", err)
	}
	return nil
}

// UpdateDriftDiff rewrites a pending event's diff after coalescing a newer
// fingerprint into it. Writing to an event that reached a terminal state in
// the meantime fails with ErrConflict; the late writer loses.
func (s *Store) UpdateDriftDiff(ctx context.Context, ev domain.DriftEvent) error {
	shapes, added, removed, candidates, err := marshalDiff(ev)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE drift_events
SET new_hash = ?, new_shapes = ?, added_fields = ?, removed_fields = ?, rename_candidates = ?
WHERE id = ? AND state NOT IN (?, ?)
`, ev.NewHash, shapes, added, removed, candidates, ev.ID,
		string(domain.DriftAutoApplied), string(domain.DriftRejected))
	if err != nil {
		return fmt.Errorf("update drift diff: %w", err)
	}
	return s.requireOpenDrift(ctx, res, ev.ID)
}

// SetDriftState transitions a drift event to a new non-terminal state.
// Terminal events never reopen: a write racing a concurrent resolution gets
// ErrConflict instead.
func (s *Store) SetDriftState(ctx context.Context, id string, state domain.DriftState, reason string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE drift_events SET state = ?, reason = ? WHERE id = ? AND state NOT IN (?, ?)
`, string(state), reason, id,
		string(domain.DriftAutoApplied), string(domain.DriftRejected))
	if err != nil {
		return fmt.Errorf("set drift state: %w", err)
	}
	return s.requireOpenDrift(ctx, res, id)
}

// requireOpenDrift distinguishes a missing drift event from one that reached
// a terminal state before the write landed. Must not be called with a
// transaction open: the single-connection pool would deadlock on the lookup.
func (s *Store) requireOpenDrift(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetDriftEvent(ctx, id); errors.Is(err, apperrors.ErrNotFound) {
		return fmt.Errorf("drift event %s: %w", id, apperrors.ErrNotFound)
	}
	return fmt.Errorf("%w: drift event %s is already terminal", apperrors.ErrConflict, id)
}

// GetDriftEvent returns one drift event by id.
func (s *Store) GetDriftEvent(ctx context.Context, id string) (domain.DriftEvent, error) {
	row := s.db.QueryRowContext(ctx, driftSelect+` WHERE id = ?`, id)
	return scanDrift(row)
}

// PendingDriftEvent returns the single non-terminal drift event for a key.
func (s *Store) PendingDriftEvent(ctx context.Context, system, entityType string) (domain.DriftEvent, error) {
	row := s.db.QueryRowContext(ctx, driftSelect+`
WHERE source_system = ? AND entity_type = ?
  AND state NOT IN (?, ?)
ORDER BY detected_at DESC
LIMIT 1
`, system, entityType, string(domain.DriftAutoApplied), string(domain.DriftRejected))
	return scanDrift(row)
}

// FindDriftByHashPair returns the drift event recorded for an exact
// (previous_hash, new_hash) transition, regardless of state. Detection is
// idempotent across restarts because of this lookup.
func (s *Store) FindDriftByHashPair(ctx context.Context, system, entityType, previousHash, newHash string) (domain.DriftEvent, error) {
	row := s.db.QueryRowContext(ctx, driftSelect+`
WHERE source_system = ? AND entity_type = ? AND previous_hash = ? AND new_hash = ?
ORDER BY detected_at DESC
LIMIT 1
`, system, entityType, previousHash, newHash)
	return scanDrift(row)
}

// ListDriftEvents returns events for a key (or all keys when system is
// empty), newest first.
func (s *Store) ListDriftEvents(ctx context.Context, system, entityType string, limit int) ([]domain.DriftEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := driftSelect + ` WHERE 1=1`
	args := []any{}
	if system != "" {
		query += ` AND source_system = ?`
		args = append(args, system)
	}
	if entityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, entityType)
	}
	query += ` ORDER BY detected_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list drift events: %w", err)
	}
	defer rows.Close()

	var out []domain.DriftEvent
	for rows.Next() {
		ev, err := scanDrift(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

const driftSelect = `
SELECT id, source_system, entity_type, previous_hash, new_hash, new_shapes,
	added_fields, removed_fields, rename_candidates, detected_at, state, reason
FROM drift_events`

func scanDrift(row rowScanner) (domain.DriftEvent, error) {
	var (
		ev                         domain.DriftEvent
		shapes                     string
		added, removed, candidates string
		detected, state            string
	)
	err := row.Scan(&ev.ID, &ev.SourceSystem, &ev.EntityType, &ev.PreviousHash, &ev.NewHash, &shapes,
		&added, &removed, &candidates, &detected, &state, &ev.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return ev, apperrors.ErrNotFound
	}
	if err != nil {
		return ev, fmt.Errorf("scan drift event: %w", err)
	}
	if err := json.Unmarshal([]byte(shapes), &ev.NewShapes); err != nil {
		return ev, fmt.Errorf("unmarshal new shapes: %w", err)
	}
	if err := json.Unmarshal([]byte(added), &ev.AddedFields); err != nil {
		return ev, fmt.Errorf("unmarshal added fields: %w", err)
	}
	if err := json.Unmarshal([]byte(removed), &ev.RemovedFields); err != nil {
		return ev, fmt.Errorf("unmarshal removed fields: %w", err)
	}
	if err := json.Unmarshal([]byte(candidates), &ev.RenameCandidates); err != nil {
		return ev, fmt.Errorf("unmarshal rename candidates: %w", err)
	}
	ev.DetectedAt = parseTS(detected)
	ev.State = domain.DriftState(state)
	return ev, nil
}

func marshalDiff(ev domain.DriftEvent) (shapes, added, removed, candidates string, err error) {
	sh, err := marshalShapes(ev.NewShapes)
	if err != nil {
		return "", "", "", "", err
	}
	a, err := json.Marshal(orEmpty(ev.AddedFields))
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal added fields: %w", err)
	}
	r, err := json.Marshal(orEmpty(ev.RemovedFields))
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal removed fields: %w", err)
	}
	cands := ev.RenameCandidates
	if cands == nil {
		cands = []domain.RenameCandidate{}
	}
	c, err := json.Marshal(cands)
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal rename candidates: %w", err)
	}
	return sh, string(a), string(r), string(c), nil
}

func marshalShapes(shapes []domain.FieldShape) (string, error) {
	if shapes == nil {
		shapes = []domain.FieldShape{}
	}
	raw, err := json.Marshal(shapes)
	if err != nil {
		return "", fmt.Errorf("marshal field shapes: %w", err)
	}
	return string(raw), nil
}

// --- repair resolution transactions ---

// ResolveDrift marks a drift event terminal and advances the fingerprint
// baseline to the event's new hash, atomically. The baseline deliberately
// lags until here so a crash mid-repair cannot lose the drift signal.
func (s *Store) ResolveDrift(ctx context.Context, ev domain.DriftEvent, state domain.DriftState, reason string) error {
	if !state.Terminal() {
		return fmt.Errorf("resolve drift %s: state %s is not terminal", ev.ID, state)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := resolveDriftTx(ctx, tx, ev, state, reason); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit drift resolution: %w", err)
	}
	return nil
}

func resolveDriftTx(ctx context.Context, tx *sql.Tx, ev domain.DriftEvent, state domain.DriftState, reason string) error {
	// Guarding on new_hash makes a stale snapshot lose: if the event was
	// coalesced or closed after the caller read it, nothing is resolved and
	// the baseline stays put.
	res, err := tx.ExecContext(ctx, `
UPDATE drift_events SET state = ?, reason = ?
WHERE id = ? AND new_hash = ? AND state NOT IN (?, ?)
`, string(state), reason, ev.ID, ev.NewHash,
		string(domain.DriftAutoApplied), string(domain.DriftRejected))
	if err != nil {
		return fmt.Errorf("set drift state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: drift event %s changed or closed before resolution", apperrors.ErrConflict, ev.ID)
	}
	shapes, err := marshalShapes(ev.NewShapes)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO schema_fingerprints(source_system, entity_type, hash, shapes, captured_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(source_system, entity_type) DO UPDATE SET
	hash = excluded.hash,
	shapes = excluded.shapes,
	captured_at = excluded.captured_at
`, ev.SourceSystem, ev.EntityType, ev.NewHash, shapes, ts(time.Now().UTC())); err != nil {
		return fmt.Errorf("advance fingerprint baseline: %w", err)
	}
	return nil
}

// ApplyRepair commits an approved or auto-applied repair: new mapping
// version + active pointer swap + drift event terminal + baseline advance,
// all in one transaction. Either everything lands or nothing does.
func (s *Store) ApplyRepair(ctx context.Context, ev domain.DriftEvent, v domain.RegistryVersion) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := createAndActivateTx(ctx, tx, v); err != nil {
		return err
	}
	if err := resolveDriftTx(ctx, tx, ev, domain.DriftAutoApplied, ev.Reason); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit repair: %w", err)
	}
	return nil
}

// --- repair proposals ---

// InsertProposal stores an oracle proposal.
func (s *Store) InsertProposal(ctx context.Context, p domain.RepairProposal) error {
	changes := p.Changes
	if changes == nil {
		changes = []domain.MappingChange{}
	}
	raw, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("marshal mapping changes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO repair_proposals(id, drift_event_id, confidence, changes, origin, base_version, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, p.ID, p.DriftEventID, p.Confidence, string(raw), string(p.Origin), p.BaseVersion, p.Reason, ts(p.CreatedAt)); err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

// GetProposal returns one proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (domain.RepairProposal, error) {
	row := s.db.QueryRowContext(ctx, proposalSelect+` WHERE id = ?`, id)
	return scanProposal(row)
}

// LatestProposalForDrift returns the newest proposal attached to a drift event.
func (s *Store) LatestProposalForDrift(ctx context.Context, driftEventID string) (domain.RepairProposal, error) {
	row := s.db.QueryRowContext(ctx, proposalSelect+`
WHERE drift_event_id = ? ORDER BY created_at DESC LIMIT 1`, driftEventID)
	return scanProposal(row)
}

// PendingProposal pairs a queued proposal with its drift event for review surfaces.
type PendingProposal struct {
	Proposal domain.RepairProposal `json:"proposal"`
	Drift    domain.DriftEvent     `json:"drift_event"`
}

// ListPendingProposals returns proposals whose drift event sits in HITL_QUEUED,
// oldest first so reviewers see the longest-waiting drift at the top.
func (s *Store) ListPendingProposals(ctx context.Context) ([]PendingProposal, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT p.id, p.drift_event_id, p.confidence, p.changes, p.origin, p.base_version, p.reason, p.created_at,
	d.id, d.source_system, d.entity_type, d.previous_hash, d.new_hash, d.new_shapes,
	d.added_fields, d.removed_fields, d.rename_candidates, d.detected_at, d.state, d.reason
FROM repair_proposals p
JOIN drift_events d ON d.id = p.drift_event_id
WHERE d.state = ?
ORDER BY p.created_at ASC
`, string(domain.DriftHITLQueued))
	if err != nil {
		return nil, fmt.Errorf("list pending proposals: %w", err)
	}
	defer rows.Close()

	var out []PendingProposal
	for rows.Next() {
		var (
			pp                         PendingProposal
			changes, origin, createdAt string
			shapes                     string
			added, removed, candidates string
			detected, state            string
		)
		if err := rows.Scan(
			&pp.Proposal.ID, &pp.Proposal.DriftEventID, &pp.Proposal.Confidence, &changes,
			&origin, &pp.Proposal.BaseVersion, &pp.Proposal.Reason, &createdAt,
			&pp.Drift.ID, &pp.Drift.SourceSystem, &pp.Drift.EntityType,
			&pp.Drift.PreviousHash, &pp.Drift.NewHash, &shapes,
			&added, &removed, &candidates, &detected, &state, &pp.Drift.Reason,
		); err != nil {
			return nil, fmt.Errorf("scan pending proposal: %w", err)
		}
		if err := json.Unmarshal([]byte(changes), &pp.Proposal.Changes); err != nil {
			return nil, fmt.Errorf("unmarshal mapping changes: %w", err)
		}
		if err := json.Unmarshal([]byte(shapes), &pp.Drift.NewShapes); err != nil {
			return nil, fmt.Errorf("unmarshal new shapes: %w", err)
		}
		pp.Proposal.Origin = domain.ProposalOrigin(origin)
		pp.Proposal.CreatedAt = parseTS(createdAt)
		if err := json.Unmarshal([]byte(added), &pp.Drift.AddedFields); err != nil {
			return nil, fmt.Errorf("unmarshal added fields: %w", err)
		}
		if err := json.Unmarshal([]byte(removed), &pp.Drift.RemovedFields); err != nil {
			return nil, fmt.Errorf("unmarshal removed fields: %w", err)
		}
		if err := json.Unmarshal([]byte(candidates), &pp.Drift.RenameCandidates); err != nil {
			return nil, fmt.Errorf("unmarshal rename candidates: %w", err)
		}
		pp.Drift.DetectedAt = parseTS(detected)
		pp.Drift.State = domain.DriftState(state)
		out = append(out, pp)
	}
	return out, rows.Err()
}

// ListExpiredPending returns queued proposals created before the cutoff.
func (s *Store) ListExpiredPending(ctx context.Context, cutoff time.Time) ([]PendingProposal, error) {
	all, err := s.ListPendingProposals(ctx)
	if err != nil {
		return nil, err
	}
	var out []PendingProposal
	for _, pp := range all {
		if pp.Proposal.CreatedAt.Before(cutoff) {
			out = append(out, pp)
		}
	}
	return out, nil
}

const proposalSelect = `
SELECT id, drift_event_id, confidence, changes, origin, base_version, reason, created_at
FROM repair_proposals`

func scanProposal(row rowScanner) (domain.RepairProposal, error) {
	var (
		p                 domain.RepairProposal
		changes           string
		origin, createdAt string
	)
	err := row.Scan(&p.ID, &p.DriftEventID, &p.Confidence, &changes, &origin, &p.BaseVersion, &p.Reason, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, apperrors.ErrNotFound
	}
	if err != nil {
		return p, fmt.Errorf("scan proposal: %w", err)
	}
	if err := json.Unmarshal([]byte(changes), &p.Changes); err != nil {
		return p, fmt.Errorf("unmarshal mapping changes: %w", err)
	}
	p.Origin = domain.ProposalOrigin(origin)
	p.CreatedAt = parseTS(createdAt)
	return p, nil
}

// --- repair decisions ---

// InsertDecision stores a proposal resolution audit record.
func (s *Store) InsertDecision(ctx context.Context, d domain.RepairDecision) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO repair_decisions(id, proposal_id, decision, reviewer, reason, decided_at)
VALUES (?, ?, ?, ?, ?, ?)
`, d.ID, d.ProposalID, string(d.Decision), d.Reviewer, d.Reason, ts(d.DecidedAt)); err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// DecisionsForProposal returns the audit trail for one proposal.
func (s *Store) DecisionsForProposal(ctx context.Context, proposalID string) ([]domain.RepairDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, proposal_id, decision, reviewer, reason, decided_at
FROM repair_decisions
WHERE proposal_id = ?
ORDER BY decided_at ASC
`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.RepairDecision
	for rows.Next() {
		var (
			d                 domain.RepairDecision
			decision, decided string
		)
		if err := rows.Scan(&d.ID, &d.ProposalID, &decision, &d.Reviewer, &d.Reason, &decided); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Decision = domain.DecisionOutcome(decision)
		d.DecidedAt = parseTS(decided)
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- canonical event log ---

// AppendCanonicalEvent appends one event to the outbound log.
func (s *Store) AppendCanonicalEvent(ctx context.Context, ev *domain.CanonicalEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal canonical event: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO canonical_events(id, source_system, entity_type, connection_id, mapping_version, payload, emitted_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, ev.ID, ev.Source.System, ev.EntityType, ev.Source.ConnectionID, ev.Source.MappingVersion,
		string(payload), ts(ev.Meta.EmittedAt)); err != nil {
		return fmt.Errorf("append canonical event: %w", err)
	}
	return nil
}

// CountCanonicalEvents returns the number of emitted events for a key.
func (s *Store) CountCanonicalEvents(ctx context.Context, system, entityType string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM canonical_events WHERE source_system = ? AND entity_type = ?
`, system, entityType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count canonical events: %w", err)
	}
	return n, nil
}

// --- helpers ---

func ts(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func orEmpty(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}
