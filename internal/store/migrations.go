package store

import (
	"context"
	"fmt"
)

// migrations are applied in order; user_version tracks progress.
var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS mapping_versions (
	source_system TEXT NOT NULL,
	entity_type   TEXT NOT NULL,
	version       INTEGER NOT NULL,
	rule_set      TEXT NOT NULL,
	created_from  INTEGER,
	created_by    TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	PRIMARY KEY (source_system, entity_type, version)
);

CREATE TABLE IF NOT EXISTS active_mappings (
	source_system TEXT NOT NULL,
	entity_type   TEXT NOT NULL,
	version       INTEGER NOT NULL,
	PRIMARY KEY (source_system, entity_type),
	FOREIGN KEY (source_system, entity_type, version)
		REFERENCES mapping_versions(source_system, entity_type, version)
);

CREATE TABLE IF NOT EXISTS schema_fingerprints (
	source_system TEXT NOT NULL,
	entity_type   TEXT NOT NULL,
	hash          TEXT NOT NULL,
	shapes        TEXT NOT NULL DEFAULT '[]',
	captured_at   TEXT NOT NULL,
	PRIMARY KEY (source_system, entity_type)
);

CREATE TABLE IF NOT EXISTS drift_events (
	id                TEXT PRIMARY KEY,
	source_system     TEXT NOT NULL,
	entity_type       TEXT NOT NULL,
	previous_hash     TEXT NOT NULL,
	new_hash          TEXT NOT NULL,
	new_shapes        TEXT NOT NULL DEFAULT '[]',
	added_fields      TEXT NOT NULL,
	removed_fields    TEXT NOT NULL,
	rename_candidates TEXT NOT NULL,
	detected_at       TEXT NOT NULL,
	state             TEXT NOT NULL,
	reason            TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_drift_events_key_state
	ON drift_events(source_system, entity_type, state);

CREATE TABLE IF NOT EXISTS repair_proposals (
	id             TEXT PRIMARY KEY,
	drift_event_id TEXT NOT NULL REFERENCES drift_events(id),
	confidence     REAL NOT NULL,
	changes        TEXT NOT NULL,
	origin         TEXT NOT NULL,
	base_version   INTEGER NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_repair_proposals_event
	ON repair_proposals(drift_event_id);

CREATE TABLE IF NOT EXISTS repair_decisions (
	id          TEXT PRIMARY KEY,
	proposal_id TEXT NOT NULL REFERENCES repair_proposals(id),
	decision    TEXT NOT NULL,
	reviewer    TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	decided_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS canonical_events (
	id              TEXT PRIMARY KEY,
	source_system   TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	connection_id   TEXT NOT NULL,
	mapping_version INTEGER NOT NULL,
	payload         TEXT NOT NULL,
	emitted_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_canonical_events_key
	ON canonical_events(source_system, entity_type, emitted_at);
`,
}

// Migrate applies all pending migrations.
func (s *Store) Migrate(ctx context.Context) error {
	var current int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for i := current; i < len(migrations); i++ {
		if _, err := s.db.ExecContext(ctx, migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			return fmt.Errorf("bump user_version to %d: %w", i+1, err)
		}
	}
	return nil
}
