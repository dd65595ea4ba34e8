// Package registry keeps a content-addressed version chain per document.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notmainstreet/ivi-engine/internal/canon"
	"github.com/notmainstreet/ivi-engine/internal/domain"
	"github.com/notmainstreet/ivi-engine/internal/logging"
	"github.com/notmainstreet/ivi-engine/internal/metrics"
)

// RecordStore persists content records. Latest returns (nil, nil) when the
// document has never been registered.
type RecordStore interface {
	Latest(ctx context.Context, documentID string) (*domain.ContentRecord, error)
	Insert(ctx context.Context, rec domain.ContentRecord) error
}

// Registry assigns versions to document payloads. A payload whose canonical
// hash equals the latest version's hash is a no-op.
type Registry struct {
	mu     sync.Mutex
	latest map[string]domain.ContentRecord
	store  RecordStore
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore backs the registry with durable storage.
func WithStore(s RecordStore) Option {
	return func(r *Registry) { r.store = s }
}

// WithLogger sets the registry's logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = logging.OrNop(l) }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		latest: make(map[string]domain.ContentRecord),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records payload under documentID. created is false when the
// payload matched the latest version and nothing was written.
func (r *Registry) Register(ctx context.Context, documentID string, payload map[string]any) (rec domain.ContentRecord, created bool, err error) {
	if documentID == "" {
		return domain.ContentRecord{}, false, domain.Detail(domain.ErrValidation, "document_id is required")
	}
	hash, err := canon.Hash(payload)
	if err != nil {
		return domain.ContentRecord{}, false, fmt.Errorf("hash payload: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok, err := r.lookup(ctx, documentID)
	if err != nil {
		return domain.ContentRecord{}, false, err
	}
	if ok && prev.ContentHash == hash {
		metrics.RecordRegistration(false)
		r.logger.Debug("content unchanged",
			zap.String("document_id", documentID), zap.Int("version", prev.Version))
		return prev, false, nil
	}

	rec = domain.ContentRecord{
		DocumentID:  documentID,
		Version:     1,
		Payload:     payload,
		ContentHash: hash,
		CreatedAt:   r.now().Unix(),
	}
	if ok {
		rec.Version = prev.Version + 1
	}
	if r.store != nil {
		if err := r.store.Insert(ctx, rec); err != nil {
			return domain.ContentRecord{}, false, fmt.Errorf("insert content record: %w", err)
		}
	}
	r.latest[documentID] = rec
	metrics.RecordRegistration(true)
	r.logger.Info("content registered",
		zap.String("document_id", documentID),
		zap.Int("version", rec.Version),
		zap.String("content_hash", hash))
	return rec, true, nil
}

// Latest returns the newest record for documentID, or false if none exists.
func (r *Registry) Latest(ctx context.Context, documentID string) (domain.ContentRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(ctx, documentID)
}

// lookup must be called with r.mu held.
func (r *Registry) lookup(ctx context.Context, documentID string) (domain.ContentRecord, bool, error) {
	if rec, ok := r.latest[documentID]; ok {
		return rec, true, nil
	}
	if r.store == nil {
		return domain.ContentRecord{}, false, nil
	}
	rec, err := r.store.Latest(ctx, documentID)
	if err != nil {
		return domain.ContentRecord{}, false, fmt.Errorf("load latest record: %w", err)
	}
	if rec == nil {
		return domain.ContentRecord{}, false, nil
	}
	r.latest[documentID] = *rec
	return *rec, true, nil
}
