// Package intake is the boundary where edge proposals enter the engine:
// each submission is gated, routed, stored and audited exactly once per
// idempotency key.
package intake

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notmainstreet/ivi-engine/internal/canon"
	"github.com/notmainstreet/ivi-engine/internal/domain"
	"github.com/notmainstreet/ivi-engine/internal/gate"
	"github.com/notmainstreet/ivi-engine/internal/guard"
	"github.com/notmainstreet/ivi-engine/internal/logging"
	"github.com/notmainstreet/ivi-engine/internal/metrics"
	"github.com/notmainstreet/ivi-engine/internal/store"
)

// List paging bounds.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Request is one intake submission.
type Request struct {
	ProposalID     string `json:"proposal_id,omitempty"`
	TenantID       string `json:"tenant_id"`
	CommunityID    string `json:"community_id"`
	SessionID      string `json:"session_id"`
	ThreadRef      string `json:"thread_ref"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	domain.Facets
}

// Result is what Submit returns. Replay is true when an earlier submission
// with the same idempotency key and identical content was returned.
type Result struct {
	Proposal   domain.Proposal   `json:"proposal"`
	Evaluation domain.Evaluation `json:"evaluation"`
	Replay     bool              `json:"idempotent_replay"`
}

// Filter narrows List.
type Filter struct {
	TenantID     string
	GateOutcome  domain.GateOutcome
	RoutingClass domain.EdgeClass
	Limit        int
	Offset       int
}

// Service runs intake against a SQLite store.
type Service struct {
	db            *sql.DB
	proposals     *store.ProposalRepo
	audit         *store.AuditRepo
	guard         *guard.Guard
	engineVersion string
	logger        *zap.Logger
	now           func() time.Time
	newID         func() string
}

// Option configures a Service.
type Option func(*Service)

// WithGuard rate limits submissions per tenant.
func WithGuard(g *guard.Guard) Option {
	return func(s *Service) { s.guard = g }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = logging.OrNop(l) }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDs overrides proposal and audit id generation.
func WithIDs(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// New creates an intake service stamping proposals with engineVersion.
func New(db *sql.DB, engineVersion string, opts ...Option) *Service {
	s := &Service{
		db:            db,
		proposals:     &store.ProposalRepo{},
		audit:         &store.AuditRepo{},
		engineVersion: engineVersion,
		logger:        zap.NewNop(),
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit evaluates and stores req. With an idempotency key, a second
// submission of identical content replays the stored result and a second
// submission of different content fails with ErrIdempotencyConflict.
func (s *Service) Submit(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	if err := s.guard.Allow(req.TenantID); err != nil {
		return Result{}, err
	}

	hash, err := canon.Hash(req)
	if err != nil {
		return Result{}, domain.WrapEngineError(domain.ErrValidation, err)
	}

	eval := gate.EvaluateAll(req.Facets)
	status := domain.StatusSubmitted
	if eval.GateResults.Outcome == domain.GatePass {
		status = domain.StatusGated
	}
	proposalID := req.ProposalID
	if proposalID == "" {
		proposalID = "prop_" + s.newID()
	}
	ts := domain.FormatTimestamp(s.now())

	p := domain.Proposal{
		ProposalID:      proposalID,
		TenantID:        req.TenantID,
		CommunityID:     req.CommunityID,
		SessionID:       req.SessionID,
		IdempotencyKey:  req.IdempotencyKey,
		Facets:          req.Facets,
		Status:          status,
		GateResults:     eval.GateResults,
		Routing:         eval.Routing,
		ThreadRef:       req.ThreadRef,
		ProposalVersion: 1,
		EngineVersion:   s.engineVersion,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}

	stored, inserted, err := s.proposals.InsertOrGet(ctx, s.db, store.StoredProposal{
		Proposal:    p,
		Evaluation:  eval,
		RequestHash: hash,
	})
	if err != nil {
		return Result{}, err
	}

	if !inserted {
		if stored.RequestHash != hash {
			s.record(ctx, req, "conflict", "warn", map[string]any{
				"idempotency_key":      req.IdempotencyKey,
				"existing_proposal_id": stored.Proposal.ProposalID,
			})
			return Result{}, domain.Detail(domain.ErrIdempotencyConflict,
				"key %q was used for different content by %s", req.IdempotencyKey, stored.Proposal.ProposalID)
		}
		s.logger.Debug("intake replay",
			zap.String("tenant_id", req.TenantID),
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("proposal_id", stored.Proposal.ProposalID),
		)
		s.record(ctx, req, "replay", "info", map[string]any{
			"proposal_id": stored.Proposal.ProposalID,
			"replay":      true,
		})
		metrics.RecordIntake(string(stored.Evaluation.GateResults.Outcome), true)
		return Result{Proposal: stored.Proposal, Evaluation: stored.Evaluation, Replay: true}, nil
	}

	s.record(ctx, req, "submit", "info", map[string]any{
		"proposal_id":   p.ProposalID,
		"gate_outcome":  eval.GateResults.Outcome,
		"routing_class": eval.Class,
	})
	metrics.RecordIntake(string(eval.GateResults.Outcome), false)
	return Result{Proposal: p, Evaluation: eval}, nil
}

// Get returns one stored proposal with its evaluation.
func (s *Service) Get(ctx context.Context, proposalID string) (Result, error) {
	sp, err := s.proposals.GetByID(ctx, s.db, proposalID)
	if err != nil {
		return Result{}, err
	}
	return Result{Proposal: sp.Proposal, Evaluation: sp.Evaluation}, nil
}

// List returns stored proposals newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]domain.Proposal, error) {
	limit := ClampLimit(f.Limit)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.proposals.List(ctx, s.db, store.ProposalFilter{
		TenantID:     f.TenantID,
		GateOutcome:  f.GateOutcome,
		RoutingClass: f.RoutingClass,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Proposal, len(rows))
	for i, r := range rows {
		out[i] = r.Proposal
	}
	return out, nil
}

// ClampLimit reports the page size List will use for limit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

func validate(req Request) error {
	var missing []string
	for _, f := range []struct {
		name  string
		value string
	}{
		{"tenant_id", req.TenantID},
		{"community_id", req.CommunityID},
		{"session_id", req.SessionID},
		{"thread_ref", req.ThreadRef},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return domain.Detail(domain.ErrValidation, "missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// record writes an audit row. Audit failures are logged, not returned: the
// proposal row is the source of truth.
func (s *Service) record(ctx context.Context, req Request, action, severity string, decision map[string]any) {
	reqJSON, err := canon.Marshal(req)
	if err != nil {
		reqJSON = []byte("{}")
	}
	decJSON, err := json.Marshal(decision)
	if err != nil {
		decJSON = []byte("{}")
	}
	rec := domain.AuditRecord{
		ID:           s.newID(),
		Scope:        req.TenantID,
		Category:     "intake",
		Actor:        req.Who.UserID,
		Action:       action,
		RequestJSON:  string(reqJSON),
		DecisionJSON: string(decJSON),
		Severity:     severity,
		CreatedAt:    s.now().Unix(),
	}
	if err := s.audit.Record(ctx, s.db, rec); err != nil {
		s.logger.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}

// Audit returns the audit trail for a tenant.
func (s *Service) Audit(ctx context.Context, tenantID string) ([]domain.AuditRecord, error) {
	return s.audit.List(ctx, s.db, store.AuditFilter{Scope: tenantID})
}
