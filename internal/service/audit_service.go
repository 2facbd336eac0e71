package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"greenhouse-ops/internal/model"
)

const (
	AuditStatusSuccess = "success"
	AuditStatusFailure = "failure"
	AuditStatusDenied  = "denied"
)

const auditTimeout = 2 * time.Second

// AuditService appends security events. Failures are logged and never
// returned, so auditing cannot block the operation being audited.
type AuditService struct {
	store AuditStore
	now   func() time.Time
}

func NewAuditService(store AuditStore) *AuditService {
	return &AuditService{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (s *AuditService) Log(ctx context.Context, action string, actor model.AuditActor, status string, detail string) {
	if s == nil || s.store == nil {
		return
	}

	entry := model.AuditEntry{
		Action:     action,
		OccurredAt: s.now().Format(time.RFC3339Nano),
		Actor:      actor,
		Status:     status,
		Detail:     detail,
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	if err := s.store.Log(ctx, entry); err != nil {
		slog.Warn("audit write failed", "action", action, "status", status, "error", err)
	}
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

// Recent lists the newest audit entries, newest first.
func (s *AuditService) Recent(ctx context.Context, q model.AuditQuery) ([]model.AuditEntry, error) {
	switch {
	case q.Limit <= 0:
		q.Limit = defaultAuditLimit
	case q.Limit > maxAuditLimit:
		q.Limit = maxAuditLimit
	}

	entries, err := s.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}
