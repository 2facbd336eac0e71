package handler

import (
	"context"
	"net/http"
	"strings"

	"greenhouse-ops/internal/middleware"
	"greenhouse-ops/internal/model"
	"greenhouse-ops/pkg/apierror"
)

type authService interface {
	Login(ctx context.Context, email string, password string, prov model.Provenance) (model.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string, prov model.Provenance) (model.TokenPair, error)
	Logout(ctx context.Context, claims *model.Claims, accessToken string, prov model.Provenance) error
	ChangePassword(ctx context.Context, claims *model.Claims, accessToken string, current string, next string, prov model.Provenance) error
	Register(ctx context.Context, actor *model.Claims, email string, password string, role string) (model.User, error)
	SetActive(ctx context.Context, actor *model.Claims, userID string, active bool) error
	Me(ctx context.Context, userID string) (model.User, error)
	Sessions(ctx context.Context, userID string) (model.SessionSummary, error)
}

type AuthHandler struct {
	service authService
}

func NewAuthHandler(service authService) *AuthHandler {
	return &AuthHandler{service: service}
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var payload model.LoginRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.service.Login(r.Context(), payload.Email, payload.Password, provenanceFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, result)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var payload model.RefreshRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}

	payload.RefreshToken = strings.TrimSpace(payload.RefreshToken)
	if payload.RefreshToken == "" {
		writeError(w, apierror.BadRequest("refresh_token is required", "refresh_token"))
		return
	}

	pair, err := h.service.Refresh(r.Context(), payload.RefreshToken, provenanceFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, pair)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, token, ok := authenticated(r)
	if !ok {
		writeError(w, model.ErrUnauthorized)
		return
	}

	if err := h.service.Logout(r.Context(), claims, token, provenanceFromRequest(r)); err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{"logged_out": true})
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, token, ok := authenticated(r)
	if !ok {
		writeError(w, model.ErrUnauthorized)
		return
	}

	var payload model.ChangePasswordRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}

	err := h.service.ChangePassword(r.Context(), claims, token, payload.CurrentPassword, payload.NewPassword, provenanceFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{"password_changed": true})
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, model.ErrUnauthorized)
		return
	}

	var payload model.RegisterRequest
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.service.Register(r.Context(), claims, payload.Email, payload.Password, payload.Role)
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusCreated, user)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, model.ErrUnauthorized)
		return
	}

	user, err := h.service.Me(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, user)
}

func (h *AuthHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, model.ErrUnauthorized)
		return
	}

	summary, err := h.service.Sessions(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, http.StatusOK, summary)
}

func authenticated(r *http.Request) (*model.Claims, string, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return nil, "", false
	}
	token, ok := middleware.AccessTokenFromContext(r.Context())
	if !ok {
		return nil, "", false
	}
	return claims, token, true
}
