package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"greenhouse-ops/internal/middleware"
	"greenhouse-ops/internal/model"
	"greenhouse-ops/pkg/apierror"
)

type UserHandler struct {
	service authService
}

func NewUserHandler(service authService) *UserHandler {
	return &UserHandler{service: service}
}

type setStatusRequest struct {
	IsActive *bool `json:"is_active"`
}

// SetStatus enables or disables an account. Disabling it ends every session.
func (h *UserHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, model.ErrUnauthorized)
		return
	}

	userID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(userID); err != nil {
		writeError(w, apierror.BadRequest("user id must be a uuid", "id"))
		return
	}

	var payload setStatusRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}
	if payload.IsActive == nil {
		writeError(w, apierror.BadRequest("is_active is required", "is_active"))
		return
	}

	if err := h.service.SetActive(r.Context(), claims, userID, *payload.IsActive); err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{"id": userID, "is_active": *payload.IsActive})
}
