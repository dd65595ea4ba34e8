package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

// EventRepo handles persistence for spine events.
type EventRepo struct{}

// AppendTx inserts an event within an existing transaction. A second row for
// the same (domain, seq) fails with ErrDuplicateEvent.
func (r *EventRepo) AppendTx(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", e.Type, err)
	}

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM engine_events WHERE domain = ? AND seq = ?`, e.Domain, e.Seq).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check event seq: %w", err)
	}
	if exists > 0 {
		return domain.Detail(domain.ErrDuplicateEvent, "%s/%d", e.Domain, e.Seq)
	}

	const q = `INSERT INTO engine_events (domain, seq, event_type, payload_json, created_at)
VALUES (?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		e.Domain,
		e.Seq,
		string(e.Type),
		string(payload),
		e.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListByDomain returns events for a domain with sequence numbers greater
// than sinceSeq, ordered by sequence number ascending.
func (r *EventRepo) ListByDomain(ctx context.Context, db *sql.DB, domainName string, sinceSeq int64) ([]domain.Event, error) {
	const q = `SELECT domain, seq, event_type, payload_json, created_at
FROM engine_events
WHERE domain = ? AND seq > ?
ORDER BY seq ASC`

	rows, err := db.QueryContext(ctx, q, domainName, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			e         domain.Event
			eventType string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&e.Domain, &e.Seq, &eventType, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = domain.EventType(eventType)
		e.Timestamp = time.Unix(0, createdAt).UTC()
		if e.Payload, err = domain.DecodePayload(e.Type, []byte(payload)); err != nil {
			return nil, fmt.Errorf("event %s/%d: %w", e.Domain, e.Seq, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Domains lists every domain with at least one persisted event.
func (r *EventRepo) Domains(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT domain FROM engine_events ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
