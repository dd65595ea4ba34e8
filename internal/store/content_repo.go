package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

// ContentRepo handles persistence for ContentRecord versions.
type ContentRepo struct{}

// Insert stores one version of a document.
func (r *ContentRepo) Insert(ctx context.Context, db *sql.DB, rec domain.ContentRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	const q = `INSERT INTO content_records (document_id, version, content_hash, payload_json, created_at)
VALUES (?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, q, rec.DocumentID, rec.Version, rec.ContentHash, string(payload), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert content record: %w", err)
	}
	return nil
}

// Latest returns the highest version of a document, or nil if none exists.
func (r *ContentRepo) Latest(ctx context.Context, db *sql.DB, documentID string) (*domain.ContentRecord, error) {
	const q = `SELECT document_id, version, content_hash, payload_json, created_at
FROM content_records WHERE document_id = ?
ORDER BY version DESC LIMIT 1`
	rec, err := scanContent(db.QueryRowContext(ctx, q, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// GetVersion returns one version of a document.
func (r *ContentRepo) GetVersion(ctx context.Context, db *sql.DB, documentID string, version int) (*domain.ContentRecord, error) {
	const q = `SELECT document_id, version, content_hash, payload_json, created_at
FROM content_records WHERE document_id = ? AND version = ?`
	rec, err := scanContent(db.QueryRowContext(ctx, q, documentID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Detail(domain.ErrDocumentNotFound, "%s v%d", documentID, version)
	}
	return rec, err
}

func scanContent(row *sql.Row) (*domain.ContentRecord, error) {
	var rec domain.ContentRecord
	var payload string
	if err := row.Scan(&rec.DocumentID, &rec.Version, &rec.ContentHash, &payload, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get content record: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s v%d: %w", rec.DocumentID, rec.Version, err)
	}
	return &rec, nil
}

// ContentStore adapts ContentRepo to the registry's RecordStore interface.
type ContentStore struct {
	DB   *sql.DB
	Repo *ContentRepo
}

// NewContentStore binds a ContentRepo to db.
func NewContentStore(db *sql.DB) *ContentStore {
	return &ContentStore{DB: db, Repo: &ContentRepo{}}
}

// Latest implements registry.RecordStore.
func (s *ContentStore) Latest(ctx context.Context, documentID string) (*domain.ContentRecord, error) {
	return s.Repo.Latest(ctx, s.DB, documentID)
}

// Insert implements registry.RecordStore.
func (s *ContentStore) Insert(ctx context.Context, rec domain.ContentRecord) error {
	return s.Repo.Insert(ctx, s.DB, rec)
}
