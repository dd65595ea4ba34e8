package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS engine_events (
	id           BIGSERIAL PRIMARY KEY,
	domain       TEXT NOT NULL,
	seq          BIGINT NOT NULL,
	event_type   TEXT NOT NULL,
	payload_json JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	UNIQUE(domain, seq)
);
CREATE TABLE IF NOT EXISTS relational_artifacts (
	artifact_id          TEXT PRIMARY KEY,
	domain               TEXT NOT NULL,
	proposal_id          TEXT NOT NULL,
	edge_id              TEXT NOT NULL,
	participants_json    JSONB NOT NULL,
	region               TEXT NOT NULL,
	surplus_metrics_json JSONB NOT NULL,
	status               TEXT NOT NULL,
	policy_version       TEXT NOT NULL,
	event_seq            BIGINT NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL
);
`

const pgUniqueViolation = "23505"

// PGSink persists spine events to Postgres.
type PGSink struct {
	DB *pgxpool.Pool
}

// ConnectPG opens a pool for dsn and ensures the event tables exist.
func ConnectPG(ctx context.Context, dsn string) (*PGSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreInit, err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreInit, err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, domain.WrapEngineError(domain.ErrStoreInit, err)
	}
	return &PGSink{DB: pool}, nil
}

// Persist implements spine.Sink.
func (s *PGSink) Persist(ctx context.Context, e domain.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.Type, err)
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO engine_events(domain,seq,event_type,payload_json,created_at) VALUES($1,$2,$3,$4,$5)`,
		e.Domain, e.Seq, string(e.Type), payload, e.Timestamp)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return domain.Detail(domain.ErrDuplicateEvent, "%s/%d", e.Domain, e.Seq)
		}
		return domain.WrapEngineError(domain.ErrStoreWrite, err)
	}

	if a, ok := e.Payload.(domain.RelationalArtifactCreated); ok {
		participants, _ := json.Marshal(a.Participants)
		surplus, _ := json.Marshal(a.SurplusMetrics)
		_, err = tx.Exec(ctx,
			`INSERT INTO relational_artifacts(artifact_id,domain,proposal_id,edge_id,participants_json,region,surplus_metrics_json,status,policy_version,event_seq,created_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			a.ArtifactID, e.Domain, a.ProposalID, a.EdgeID, participants, a.Region, surplus,
			a.Status, a.PolicyVersion, e.Seq, e.Timestamp)
		if err != nil {
			return domain.WrapEngineError(domain.ErrStoreWrite, err)
		}
	}
	return tx.Commit(ctx)
}

// LoadDomain implements spine.EventLoader.
func (s *PGSink) LoadDomain(ctx context.Context, domainName string) ([]domain.Event, error) {
	rows, err := s.DB.Query(ctx,
		`SELECT seq,event_type,payload_json,created_at FROM engine_events WHERE domain=$1 ORDER BY seq ASC`, domainName)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery, err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			e         = domain.Event{Domain: domainName}
			eventType string
			payload   []byte
		)
		if err := rows.Scan(&e.Seq, &eventType, &payload, &e.Timestamp); err != nil {
			return nil, domain.WrapEngineError(domain.ErrStoreQuery, err)
		}
		e.Type = domain.EventType(eventType)
		e.Timestamp = e.Timestamp.UTC()
		if e.Payload, err = domain.DecodePayload(e.Type, payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestSeq returns the highest persisted seq for a domain, or 0.
func (s *PGSink) LatestSeq(ctx context.Context, domainName string) (int64, error) {
	var seq int64
	err := s.DB.QueryRow(ctx, `SELECT seq FROM engine_events WHERE domain=$1 ORDER BY seq DESC LIMIT 1`, domainName).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.WrapEngineError(domain.ErrStoreQuery, err)
	}
	return seq, nil
}

// Domains lists every domain with at least one persisted event.
func (s *PGSink) Domains(ctx context.Context) ([]string, error) {
	rows, err := s.DB.Query(ctx, `SELECT DISTINCT domain FROM engine_events ORDER BY domain`)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery, err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreQuery, err)
	}
	return names, nil
}

// Close releases the pool.
func (s *PGSink) Close() {
	s.DB.Close()
}
