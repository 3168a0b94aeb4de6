package database

import (
	"context"
	"fmt"
	"time"

	"kis-trading-bot/internal/safety"
)

// AuditRepository persists capital-guard audit entries
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AppendAudit writes one audit entry. Implements safety.AuditLog.
func (r *AuditRepository) AppendAudit(ctx context.Context, entry safety.AuditEntry) error {
	query := `
		INSERT INTO capital_audit (check_name, ticker, passed, detail, checked_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		entry.Check, entry.Ticker, entry.Passed, entry.Detail, entry.CheckedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// GetRecentAudits returns the latest audit entries, newest first
func (r *AuditRepository) GetRecentAudits(ctx context.Context, since time.Time, limit int) ([]safety.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT check_name, ticker, passed, detail, checked_at
		FROM capital_audit
		WHERE checked_at >= $1
		ORDER BY checked_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []safety.AuditEntry
	for rows.Next() {
		var e safety.AuditEntry
		if err := rows.Scan(&e.Check, &e.Ticker, &e.Passed, &e.Detail, &e.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
