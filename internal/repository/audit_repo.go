package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"greenhouse-ops/internal/model"
)

type AuditRepository struct {
	db      querier
	timeout time.Duration
}

func NewAuditRepository(db querier, timeout time.Duration) *AuditRepository {
	return &AuditRepository{db: db, timeout: timeout}
}

func (r *AuditRepository) Log(ctx context.Context, entry model.AuditEntry) error {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	occurredAt, err := time.Parse(time.RFC3339Nano, entry.OccurredAt)
	if err != nil {
		return fmt.Errorf("parse audit time: %w", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO audit_entries (action, occurred_at, actor_id, actor_email, actor_ip, status, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.Action, occurredAt, entry.Actor.UserID, entry.Actor.Email, entry.Actor.IP,
		entry.Status, entry.Detail)
	if err != nil {
		return fmt.Errorf("log audit entry: %w", err)
	}
	return nil
}

// Query returns the newest entries matching every non-empty filter.
func (r *AuditRepository) Query(ctx context.Context, q model.AuditQuery) ([]model.AuditEntry, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	add := func(column string, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("action", q.Action)
	add("actor_id", q.ActorID)
	add("status", q.Status)

	sql := `SELECT action, occurred_at, actor_id, actor_email, actor_ip, status, detail FROM audit_entries`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, q.Limit)
	sql += fmt.Sprintf(" ORDER BY occurred_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	entries := []model.AuditEntry{}
	for rows.Next() {
		var (
			e  model.AuditEntry
			at time.Time
		)
		if err := rows.Scan(&e.Action, &at, &e.Actor.UserID, &e.Actor.Email, &e.Actor.IP, &e.Status, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.OccurredAt = at.UTC().Format(time.RFC3339Nano)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}
