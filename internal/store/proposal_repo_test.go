package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

func testProposal(id, tenant, key string, outcome domain.GateOutcome, class domain.EdgeClass, created string) StoredProposal {
	p := domain.Proposal{
		ProposalID:      id,
		TenantID:        tenant,
		CommunityID:     "c1",
		SessionID:       "s1",
		IdempotencyKey:  key,
		Status:          domain.StatusSubmitted,
		GateResults:     domain.GateResult{Outcome: outcome},
		Routing:         domain.Routing{Class: class, Confidence: 0.9},
		ThreadRef:       "thread-1",
		ProposalVersion: 1,
		EngineVersion:   "0.1.0",
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	p.What.Category = "repair"
	return StoredProposal{
		Proposal:    p,
		Evaluation:  domain.Evaluation{GateResults: p.GateResults, Routing: p.Routing, NextActions: []string{"collect_missing_fields"}},
		RequestHash: "hash-" + id,
	}
}

func TestProposalRepo_InsertAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &ProposalRepo{}

	sp := testProposal("p1", "t1", "", domain.GatePass, domain.ClassServiceRequest, "2026-03-01T00:00:00Z")
	_, inserted, err := repo.InsertOrGet(ctx, db, sp)
	if err != nil {
		t.Fatalf("InsertOrGet: %v", err)
	}
	if !inserted {
		t.Fatal("inserted = false, want true")
	}

	got, err := repo.GetByID(ctx, db, "p1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Proposal.What.Category != "repair" || got.RequestHash != "hash-p1" {
		t.Errorf("got = %+v", got.Proposal)
	}
	if len(got.Evaluation.NextActions) != 1 {
		t.Errorf("next actions = %v", got.Evaluation.NextActions)
	}

	_, err = repo.GetByID(ctx, db, "missing")
	if !errors.Is(err, domain.ErrProposalNotFound) {
		t.Errorf("GetByID missing error = %v, want ErrProposalNotFound", err)
	}

	_, _, err = repo.InsertOrGet(ctx, db, sp)
	if !errors.Is(err, domain.ErrDuplicateProposal) {
		t.Errorf("duplicate id error = %v, want ErrDuplicateProposal", err)
	}
}

func TestProposalRepo_IdempotencyKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &ProposalRepo{}

	first := testProposal("p1", "t1", "key-1", domain.GatePass, domain.ClassServiceRequest, "2026-03-01T00:00:00Z")
	if _, _, err := repo.InsertOrGet(ctx, db, first); err != nil {
		t.Fatalf("InsertOrGet: %v", err)
	}

	retry := testProposal("p2", "t1", "key-1", domain.GatePass, domain.ClassServiceRequest, "2026-03-01T00:00:01Z")
	existing, inserted, err := repo.InsertOrGet(ctx, db, retry)
	if err != nil {
		t.Fatalf("InsertOrGet retry: %v", err)
	}
	if inserted {
		t.Error("retry inserted = true, want false")
	}
	if existing.Proposal.ProposalID != "p1" {
		t.Errorf("existing id = %q, want p1", existing.Proposal.ProposalID)
	}

	// The key is scoped per tenant.
	other := testProposal("p3", "t2", "key-1", domain.GatePass, domain.ClassServiceRequest, "2026-03-01T00:00:02Z")
	if _, inserted, err := repo.InsertOrGet(ctx, db, other); err != nil || !inserted {
		t.Fatalf("other tenant insert = (%v, %v), want (true, nil)", inserted, err)
	}

	n, err := repo.CountByIdempotencyKey(ctx, db, "t1", "key-1")
	if err != nil {
		t.Fatalf("CountByIdempotencyKey: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestProposalRepo_List(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &ProposalRepo{}

	rows := []StoredProposal{
		testProposal("p1", "t1", "", domain.GatePass, domain.ClassServiceRequest, "2026-03-01T00:00:01Z"),
		testProposal("p2", "t1", "", domain.GateFail, domain.ClassVolunteerTask, "2026-03-01T00:00:02Z"),
		testProposal("p3", "t1", "", domain.GatePass, domain.ClassVolunteerTask, "2026-03-01T00:00:03Z"),
		testProposal("p4", "t2", "", domain.GatePass, domain.ClassServiceRequest, "2026-03-01T00:00:04Z"),
	}
	for _, sp := range rows {
		if _, _, err := repo.InsertOrGet(ctx, db, sp); err != nil {
			t.Fatalf("InsertOrGet %s: %v", sp.Proposal.ProposalID, err)
		}
	}

	tests := []struct {
		name   string
		filter ProposalFilter
		want   []string
	}{
		{"tenant newest first", ProposalFilter{TenantID: "t1"}, []string{"p3", "p2", "p1"}},
		{"gate outcome", ProposalFilter{TenantID: "t1", GateOutcome: domain.GatePass}, []string{"p3", "p1"}},
		{"routing class", ProposalFilter{TenantID: "t1", RoutingClass: domain.ClassVolunteerTask}, []string{"p3", "p2"}},
		{"limit", ProposalFilter{TenantID: "t1", Limit: 1}, []string{"p3"}},
		{"offset", ProposalFilter{TenantID: "t1", Limit: 2, Offset: 1}, []string{"p2", "p1"}},
		{"all tenants", ProposalFilter{}, []string{"p4", "p3", "p2", "p1"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := repo.List(ctx, db, tc.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			ids := make([]string, len(got))
			for i, sp := range got {
				ids[i] = sp.Proposal.ProposalID
			}
			if fmt.Sprint(ids) != fmt.Sprint(tc.want) {
				t.Errorf("List = %v, want %v", ids, tc.want)
			}
		})
	}
}
