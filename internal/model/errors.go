package model

import (
	"errors"
	"fmt"
)

var (
	// User related errors
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")

	// Token related errors
	ErrTokenExpired    = errors.New("token expired")
	ErrTokenInvalid    = errors.New("token invalid")
	ErrTokenRevoked    = errors.New("token revoked")
	ErrAccountInactive = errors.New("account inactive")
	ErrRefreshNotFound = errors.New("refresh token not found")

	// ErrRotationReuse signals a replayed refresh token. Callers see it as ErrTokenInvalid.
	ErrRotationReuse  = fmt.Errorf("%w: refresh token reuse detected", ErrTokenInvalid)
	ErrRefreshExpired = fmt.Errorf("%w: refresh token expired", ErrTokenInvalid)

	// ErrAuthUnavailable is returned when a store needed for an authentication decision fails.
	ErrAuthUnavailable = errors.New("authentication backend unavailable")

	// Permission/Access related errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Generic errors
	ErrInvalidInput = errors.New("invalid input")
)

type RateLimitError struct {
	Limiter    string
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s, retry after %ds", e.Limiter, e.RetryAfter)
}
