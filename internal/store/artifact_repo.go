package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

// Artifact is a relational artifact row projected from its creation event.
type Artifact struct {
	domain.RelationalArtifactCreated
	Domain    string `json:"domain"`
	EventSeq  int64  `json:"event_seq"`
	CreatedAt int64  `json:"created_at"`
}

// ArtifactRepo handles the relational_artifacts projection.
type ArtifactRepo struct{}

// InsertTx writes the projection row for an artifact event.
func (r *ArtifactRepo) InsertTx(ctx context.Context, tx *sql.Tx, a Artifact) error {
	participants, err := json.Marshal(a.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	surplus, err := json.Marshal(a.SurplusMetrics)
	if err != nil {
		return fmt.Errorf("encode surplus metrics: %w", err)
	}

	const q = `INSERT INTO relational_artifacts
(artifact_id, domain, proposal_id, edge_id, participants_json, region, surplus_metrics_json, status, policy_version, event_seq, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		a.ArtifactID,
		a.Domain,
		a.ProposalID,
		a.EdgeID,
		string(participants),
		a.Region,
		string(surplus),
		a.Status,
		a.PolicyVersion,
		a.EventSeq,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// ListByDomain returns a domain's artifacts in event order.
func (r *ArtifactRepo) ListByDomain(ctx context.Context, db *sql.DB, domainName string) ([]Artifact, error) {
	const q = `SELECT artifact_id, domain, proposal_id, edge_id, participants_json, region,
	surplus_metrics_json, status, policy_version, event_seq, created_at
FROM relational_artifacts
WHERE domain = ?
ORDER BY event_seq ASC`

	rows, err := db.QueryContext(ctx, q, domainName)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var participants, surplus string
		if err := rows.Scan(&a.ArtifactID, &a.Domain, &a.ProposalID, &a.EdgeID, &participants, &a.Region,
			&surplus, &a.Status, &a.PolicyVersion, &a.EventSeq, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		if err := json.Unmarshal([]byte(participants), &a.Participants); err != nil {
			return nil, fmt.Errorf("decode participants of %s: %w", a.ArtifactID, err)
		}
		if err := json.Unmarshal([]byte(surplus), &a.SurplusMetrics); err != nil {
			return nil, fmt.Errorf("decode surplus metrics of %s: %w", a.ArtifactID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
