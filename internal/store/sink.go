package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

// EventSink persists spine events to SQLite. Artifact events are projected
// into relational_artifacts in the same transaction as the event row.
type EventSink struct {
	DB        *sql.DB
	Events    *EventRepo
	Artifacts *ArtifactRepo
}

// NewEventSink binds the event and artifact repos to db.
func NewEventSink(db *sql.DB) *EventSink {
	return &EventSink{DB: db, Events: &EventRepo{}, Artifacts: &ArtifactRepo{}}
}

// Persist implements spine.Sink.
func (s *EventSink) Persist(ctx context.Context, e domain.Event) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.Events.AppendTx(ctx, tx, e); err != nil {
		return err
	}
	if a, ok := e.Payload.(domain.RelationalArtifactCreated); ok {
		row := Artifact{
			RelationalArtifactCreated: a,
			Domain:                    e.Domain,
			EventSeq:                  e.Seq,
			CreatedAt:                 e.Timestamp.Unix(),
		}
		if err := s.Artifacts.InsertTx(ctx, tx, row); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadDomain implements spine.EventLoader.
func (s *EventSink) LoadDomain(ctx context.Context, domainName string) ([]domain.Event, error) {
	return s.Events.ListByDomain(ctx, s.DB, domainName, 0)
}

// Domains lists every domain with persisted events.
func (s *EventSink) Domains(ctx context.Context) ([]string, error) {
	return s.Events.Domains(ctx, s.DB)
}
