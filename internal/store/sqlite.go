// Package store provides SQLite-backed persistence for the IVI engine.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// schemaV1 defines the initial database schema.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS engine_events (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	domain       TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	event_type   TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	UNIQUE(domain, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_domain_type ON engine_events(domain, event_type);

CREATE TABLE IF NOT EXISTS relational_artifacts (
	artifact_id          TEXT PRIMARY KEY,
	domain               TEXT NOT NULL,
	proposal_id          TEXT NOT NULL,
	edge_id              TEXT NOT NULL,
	participants_json    TEXT NOT NULL DEFAULT '[]',
	region               TEXT NOT NULL DEFAULT '',
	surplus_metrics_json TEXT NOT NULL DEFAULT '{}',
	status               TEXT NOT NULL,
	policy_version       TEXT NOT NULL,
	event_seq            INTEGER NOT NULL,
	created_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_domain ON relational_artifacts(domain, event_seq);

CREATE TABLE IF NOT EXISTS content_records (
	document_id  TEXT NOT NULL,
	version      INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (document_id, version)
);

CREATE TABLE IF NOT EXISTS edge_proposals (
	proposal_id      TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	community_id     TEXT NOT NULL,
	idempotency_key  TEXT,
	request_hash     TEXT NOT NULL DEFAULT '',
	payload_json     TEXT NOT NULL,
	evaluation_json  TEXT NOT NULL,
	gate_outcome     TEXT NOT NULL,
	routing_class    TEXT NOT NULL,
	status           TEXT NOT NULL,
	proposal_version INTEGER NOT NULL,
	engine_version   TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_edge_proposals_tenant_idempotency
	ON edge_proposals(tenant_id, idempotency_key)
	WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_edge_proposals_tenant_created ON edge_proposals(tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_edge_proposals_tenant_gate ON edge_proposals(tenant_id, gate_outcome);
CREATE INDEX IF NOT EXISTS idx_edge_proposals_tenant_routing ON edge_proposals(tenant_id, routing_class);

CREATE TABLE IF NOT EXISTS audit_records (
	id            TEXT PRIMARY KEY,
	scope         TEXT NOT NULL,
	category      TEXT NOT NULL,
	actor         TEXT NOT NULL DEFAULT '',
	action        TEXT NOT NULL,
	request_json  TEXT NOT NULL DEFAULT '{}',
	decision_json TEXT NOT NULL DEFAULT '{}',
	severity      TEXT NOT NULL DEFAULT 'info',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_scope ON audit_records(scope);
`

// NewDB opens a SQLite database at the given path with recommended pragmas
// and runs the V1 schema migration.
func NewDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connections to 1 for SQLite (WAL allows concurrent reads but single writer).
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	_, err := db.ExecContext(context.Background(), schemaV1)
	return err
}
