package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/notmainstreet/ivi-engine/internal/domain"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	Scope    string
	Category string
	Action   string
	Since    int64 // unix seconds, inclusive
	Limit    int
}

// AuditRepo stores the decision trail for intake and coordination.
type AuditRepo struct{}

// Record appends rec. Passing a transaction ties the row to the caller's
// write.
func (r *AuditRepo) Record(ctx context.Context, ex execer, rec domain.AuditRecord) error {
	if rec.RequestJSON == "" {
		rec.RequestJSON = "{}"
	}
	if rec.DecisionJSON == "" {
		rec.DecisionJSON = "{}"
	}
	if rec.Severity == "" {
		rec.Severity = "info"
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO audit_records
(id, scope, category, actor, action, request_json, decision_json, severity, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Scope, rec.Category, rec.Actor, rec.Action,
		rec.RequestJSON, rec.DecisionJSON, rec.Severity, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record audit %s/%s: %w", rec.Scope, rec.Action, err)
	}
	return nil
}

// List returns matching records oldest first.
func (r *AuditRepo) List(ctx context.Context, db *sql.DB, f AuditFilter) ([]domain.AuditRecord, error) {
	var (
		where []string
		args  []any
	)
	for _, c := range []struct {
		col string
		val string
	}{
		{"scope", f.Scope},
		{"category", f.Category},
		{"action", f.Action},
	} {
		if c.val != "" {
			where = append(where, c.col+" = ?")
			args = append(args, c.val)
		}
	}
	if f.Since > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since)
	}

	q := `SELECT id, scope, category, actor, action, request_json, decision_json, severity, created_at
FROM audit_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, rowid ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditRecord
	for rows.Next() {
		var a domain.AuditRecord
		if err := rows.Scan(&a.ID, &a.Scope, &a.Category, &a.Actor, &a.Action,
			&a.RequestJSON, &a.DecisionJSON, &a.Severity, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
