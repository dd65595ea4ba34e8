package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

// StoredProposal is a proposal row with its evaluation and the hash of the
// request that created it.
type StoredProposal struct {
	Proposal    domain.Proposal
	Evaluation  domain.Evaluation
	RequestHash string
}

// ProposalFilter narrows List. Zero values match everything.
type ProposalFilter struct {
	TenantID     string
	GateOutcome  domain.GateOutcome
	RoutingClass domain.EdgeClass
	Limit        int
	Offset       int
}

// ProposalRepo handles persistence for edge proposals.
type ProposalRepo struct{}

// InsertOrGet inserts sp unless a row with the same (tenant_id,
// idempotency_key) already exists, in which case that row is returned and
// inserted is false. A colliding proposal_id fails with ErrDuplicateProposal.
func (r *ProposalRepo) InsertOrGet(ctx context.Context, db *sql.DB, sp StoredProposal) (existing *StoredProposal, inserted bool, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	p := sp.Proposal
	if p.IdempotencyKey != "" {
		const q = selectProposal + ` WHERE tenant_id = ? AND idempotency_key = ?`
		found, err := scanProposal(tx.QueryRowContext(ctx, q, p.TenantID, p.IdempotencyKey))
		switch {
		case err == nil:
			return found, false, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, false, err
		}
	}

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM edge_proposals WHERE proposal_id = ?`, p.ProposalID).Scan(&n); err != nil {
		return nil, false, fmt.Errorf("check proposal id: %w", err)
	}
	if n > 0 {
		return nil, false, domain.Detail(domain.ErrDuplicateProposal, "%q", p.ProposalID)
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, false, fmt.Errorf("encode proposal: %w", err)
	}
	evaluation, err := json.Marshal(sp.Evaluation)
	if err != nil {
		return nil, false, fmt.Errorf("encode evaluation: %w", err)
	}
	var key any
	if p.IdempotencyKey != "" {
		key = p.IdempotencyKey
	}

	const ins = `INSERT INTO edge_proposals
(proposal_id, tenant_id, community_id, idempotency_key, request_hash, payload_json, evaluation_json,
 gate_outcome, routing_class, status, proposal_version, engine_version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, ins,
		p.ProposalID,
		p.TenantID,
		p.CommunityID,
		key,
		sp.RequestHash,
		string(payload),
		string(evaluation),
		string(p.GateResults.Outcome),
		string(p.Class),
		string(p.Status),
		p.ProposalVersion,
		p.EngineVersion,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert proposal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit proposal: %w", err)
	}
	return &sp, true, nil
}

// GetByID retrieves a proposal by its ID.
func (r *ProposalRepo) GetByID(ctx context.Context, db *sql.DB, proposalID string) (*StoredProposal, error) {
	sp, err := scanProposal(db.QueryRowContext(ctx, selectProposal+` WHERE proposal_id = ?`, proposalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Detail(domain.ErrProposalNotFound, "%q", proposalID)
	}
	return sp, err
}

// CountByIdempotencyKey returns how many rows carry the key for a tenant.
func (r *ProposalRepo) CountByIdempotencyKey(ctx context.Context, db *sql.DB, tenantID, key string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM edge_proposals WHERE tenant_id = ? AND idempotency_key = ?`, tenantID, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count proposals: %w", err)
	}
	return n, nil
}

// List returns proposals matching f, newest first.
func (r *ProposalRepo) List(ctx context.Context, db *sql.DB, f ProposalFilter) ([]StoredProposal, error) {
	var (
		where []string
		args  []any
	)
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.GateOutcome != "" {
		where = append(where, "gate_outcome = ?")
		args = append(args, string(f.GateOutcome))
	}
	if f.RoutingClass != "" {
		where = append(where, "routing_class = ?")
		args = append(args, string(f.RoutingClass))
	}

	q := selectProposal
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, f.Offset)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []StoredProposal
	for rows.Next() {
		sp, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sp)
	}
	return out, rows.Err()
}

const selectProposal = `SELECT payload_json, evaluation_json, request_hash FROM edge_proposals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*StoredProposal, error) {
	var payload, evaluation string
	var sp StoredProposal
	if err := row.Scan(&payload, &evaluation, &sp.RequestHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan proposal: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &sp.Proposal); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	if err := json.Unmarshal([]byte(evaluation), &sp.Evaluation); err != nil {
		return nil, fmt.Errorf("decode evaluation: %w", err)
	}
	return &sp, nil
}
