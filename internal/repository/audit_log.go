package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditLogEntry records a mutation performed through the API. Actor is the
// identity that made the change: an API key ID, "admin" for the static admin
// token, or empty when authentication is disabled.
type AuditLogEntry struct {
	ID        int64           `json:"id"`
	Actor     string          `json:"actor,omitempty"`
	Action    string          `json:"action"`
	FlagName  string          `json:"flag_name,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// InsertAuditLog writes a single audit log entry.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_log (actor, action, flag_name, details)
		 VALUES ($1, $2, $3, $4)`,
		entry.Actor, entry.Action, entry.FlagName, coalesceJSON(entry.Details, "{}"))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAuditLog returns audit entries newest first, paginated by limit and
// offset.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, actor, action, flag_name, details, created_at
		 FROM audit_log
		 ORDER BY id DESC
		 LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditLogEntry, 0)
	for rows.Next() {
		var entry AuditLogEntry
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action, &entry.FlagName, &entry.Details, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read audit rows: %w", err)
	}
	return entries, nil
}
