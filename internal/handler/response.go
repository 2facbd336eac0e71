package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"greenhouse-ops/internal/model"
	"greenhouse-ops/pkg/apierror"
)

const maxBodyBytes = 1 << 20

func writeSuccess(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success: true,
		Data:    data,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	defer r.Body.Close()

	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return apierror.BadRequest("invalid JSON body", "")
	}
	return nil
}

// writeError maps service errors to the JSON envelope. Authentication failures
// never carry details that would tell an unknown account from a wrong password.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := &model.APIError{
		Code:    apierror.CodeInternal,
		Message: "unexpected server error",
	}

	var apiErr *apierror.APIError
	var rateErr *model.RateLimitError

	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatus
		body.Code = apiErr.Code
		body.Message = apiErr.Message
		body.Details = apiErr.Details
		body.RetryAfter = apiErr.RetryAfter
	case errors.As(err, &rateErr):
		status = http.StatusTooManyRequests
		body.Code = apierror.CodeRateLimited
		body.Message = "too many attempts"
		body.RetryAfter = rateErr.RetryAfter
	case errors.Is(err, model.ErrInvalidCredentials):
		status = http.StatusUnauthorized
		body.Code = apierror.CodeUnauthorized
		body.Message = "invalid credentials"
	case errors.Is(err, model.ErrTokenRevoked):
		status = http.StatusUnauthorized
		body.Code = apierror.CodeTokenRevoked
		body.Message = "token has been revoked"
	case errors.Is(err, model.ErrTokenExpired):
		status = http.StatusUnauthorized
		body.Code = apierror.CodeTokenExpired
		body.Message = "token has expired"
	case errors.Is(err, model.ErrTokenInvalid), errors.Is(err, model.ErrRefreshNotFound):
		status = http.StatusUnauthorized
		body.Code = apierror.CodeTokenInvalid
		body.Message = "token is invalid"
	case errors.Is(err, model.ErrAccountInactive):
		status = http.StatusForbidden
		body.Code = apierror.CodeAccountInactive
		body.Message = "account is inactive"
	case errors.Is(err, model.ErrAuthUnavailable):
		status = http.StatusServiceUnavailable
		body.Code = apierror.CodeUnavailable
		body.Message = "authentication temporarily unavailable"
		slog.Error("auth backend failure", "error", err)
	case errors.Is(err, model.ErrUserNotFound):
		status = http.StatusNotFound
		body.Code = apierror.CodeNotFound
		body.Message = "user not found"
	case errors.Is(err, model.ErrUserAlreadyExists):
		status = http.StatusConflict
		body.Code = apierror.CodeAlreadyExists
		body.Message = "user already exists"
	case errors.Is(err, model.ErrUnauthorized):
		status = http.StatusUnauthorized
		body.Code = apierror.CodeUnauthorized
		body.Message = "authentication required"
	case errors.Is(err, model.ErrForbidden):
		status = http.StatusForbidden
		body.Code = apierror.CodeForbidden
		body.Message = "access denied"
	case errors.Is(err, model.ErrInvalidInput):
		status = http.StatusBadRequest
		body.Code = apierror.CodeBadRequest
		body.Message = "invalid input"
	default:
		slog.Error("unhandled error in writeError", "error", err)
	}

	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success: false,
		Error:   body,
	})
}
