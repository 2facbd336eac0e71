package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"greenhouse-ops/internal/model"
)

type auditLister interface {
	Recent(ctx context.Context, q model.AuditQuery) ([]model.AuditEntry, error)
}

type AuditHandler struct {
	service auditLister
}

func NewAuditHandler(service auditLister) *AuditHandler {
	return &AuditHandler{service: service}
}

func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	items, err := h.service.Recent(r.Context(), model.AuditQuery{
		Action:  strings.TrimSpace(query.Get("action")),
		ActorID: strings.TrimSpace(query.Get("actor_id")),
		Status:  strings.TrimSpace(query.Get("status")),
		Limit:   parseIntOrDefault(query.Get("limit"), 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{"items": items})
}

func parseIntOrDefault(raw string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return v
}
