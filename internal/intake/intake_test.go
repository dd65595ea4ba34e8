package intake

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notmainstreet/ivi-engine/internal/domain"
	"github.com/notmainstreet/ivi-engine/internal/guard"
	"github.com/notmainstreet/ivi-engine/internal/store"
)

func budget(v float64) *float64 { return &v }

func validRequest() Request {
	return Request{
		ProposalID:  "prop-1",
		TenantID:    "tenant-a",
		CommunityID: "community-1",
		SessionID:   "session-1",
		ThreadRef:   "thread-1",
		Facets: domain.Facets{
			Who:   domain.Who{UserID: "u-1", Roles: []string{"resident"}, ReputationRef: "rep-1"},
			Why:   domain.Why{Goal: "fix the fence", Values: []string{"care"}, Urgency: "normal"},
			What:  domain.What{Category: "repair", Description: "fence repair", Budget: budget(40)},
			Where: domain.Where{ScopeLevel: domain.ScopeBlock, Geo: "block-9"},
			When:  domain.When{Window: "this week"},
		},
	}
}

func newService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var n atomic.Int64
	base := []Option{
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }),
		WithIDs(func() string { return fmt.Sprintf("id-%d", n.Add(1)) }),
	}
	return New(db, "ivi-engine/v1", append(base, opts...)...)
}

func TestSubmit_Pass(t *testing.T) {
	s := newService(t)
	out, err := s.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	assert.False(t, out.Replay)
	assert.Equal(t, "prop-1", out.Proposal.ProposalID)
	assert.Equal(t, domain.StatusGated, out.Proposal.Status)
	assert.Equal(t, domain.GatePass, out.Evaluation.GateResults.Outcome)
	assert.Equal(t, 1, out.Proposal.ProposalVersion)
	assert.Equal(t, "ivi-engine/v1", out.Proposal.EngineVersion)
	assert.Equal(t, "2026-03-01T09:30:00Z", out.Proposal.CreatedAt)
	assert.Equal(t, out.Proposal.CreatedAt, out.Proposal.UpdatedAt)
	assert.Equal(t, out.Evaluation.Routing, out.Proposal.Routing)

	rows, err := s.List(context.Background(), Filter{TenantID: "tenant-a", GateOutcome: domain.GatePass})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "prop-1", rows[0].ProposalID)
}

func TestSubmit_FailingGateIsStoredAsSubmitted(t *testing.T) {
	s := newService(t)
	req := validRequest()
	req.Who.UserID = ""
	req.What.Category = ""

	out, err := s.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, out.Proposal.Status)
	assert.Equal(t, domain.GateFail, out.Evaluation.GateResults.Outcome)
	assert.NotEmpty(t, out.Evaluation.NextActions)
}

func TestSubmit_GeneratesProposalID(t *testing.T) {
	s := newService(t)
	req := validRequest()
	req.ProposalID = ""

	out, err := s.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "prop_id-1", out.Proposal.ProposalID)
}

func TestSubmit_RequiredFields(t *testing.T) {
	s := newService(t)
	req := validRequest()
	req.TenantID = ""
	req.ThreadRef = "  "

	_, err := s.Submit(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "tenant_id")
	assert.Contains(t, err.Error(), "thread_ref")
}

func TestSubmit_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	req := validRequest()
	req.IdempotencyKey = "idem-1"

	first, err := s.Submit(ctx, req)
	require.NoError(t, err)
	second, err := s.Submit(ctx, req)
	require.NoError(t, err)

	assert.False(t, first.Replay)
	assert.True(t, second.Replay)
	if diff := cmp.Diff(first.Proposal, second.Proposal, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("replayed proposal mismatch (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(first.Evaluation, second.Evaluation, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("replayed evaluation mismatch (-first +second):\n%s", diff)
	}

	n, err := s.proposals.CountByIdempotencyKey(ctx, s.db, "tenant-a", "idem-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trail, err := s.Audit(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "submit", trail[0].Action)
	assert.Equal(t, "replay", trail[1].Action)
}

func TestSubmit_IdempotencyConflict(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	req := validRequest()
	req.IdempotencyKey = "idem-1"

	_, err := s.Submit(ctx, req)
	require.NoError(t, err)

	req.What.Description = "gate repair"
	_, err = s.Submit(ctx, req)
	require.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	trail, err := s.Audit(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "conflict", trail[1].Action)
	assert.Equal(t, "warn", trail[1].Severity)
}

func TestSubmit_DuplicateProposalIDWithoutKey(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	_, err := s.Submit(ctx, validRequest())
	require.NoError(t, err)
	_, err = s.Submit(ctx, validRequest())
	require.ErrorIs(t, err, domain.ErrDuplicateProposal)
}

func TestSubmit_RateLimited(t *testing.T) {
	ctx := context.Background()
	s := newService(t, WithGuard(guard.New(1)))

	_, err := s.Submit(ctx, validRequest())
	require.NoError(t, err)

	req := validRequest()
	req.ProposalID = "prop-2"
	_, err = s.Submit(ctx, req)
	require.ErrorIs(t, err, domain.ErrRateLimitExceeded)

	req.TenantID = "tenant-b"
	_, err = s.Submit(ctx, req)
	require.NoError(t, err)
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	_, err := s.Submit(ctx, validRequest())
	require.NoError(t, err)

	got, err := s.Get(ctx, "prop-1")
	require.NoError(t, err)
	assert.Equal(t, "fence repair", got.Proposal.What.Description)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrProposalNotFound)
}

func TestList_Paging(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	for i := 0; i < 3; i++ {
		req := validRequest()
		req.ProposalID = fmt.Sprintf("prop-%d", i)
		_, err := s.Submit(ctx, req)
		require.NoError(t, err)
	}

	rows, err := s.List(ctx, Filter{TenantID: "tenant-a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Identical timestamps fall back to insertion order, newest first.
	assert.Equal(t, "prop-2", rows[0].ProposalID)

	rows, err = s.List(ctx, Filter{TenantID: "tenant-a", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "prop-0", rows[0].ProposalID)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-3))
	assert.Equal(t, 10, ClampLimit(10))
	assert.Equal(t, MaxLimit, ClampLimit(10000))
}
