package model

import "time"

const (
	RoleAdmin  = "admin"
	RoleGrower = "grower"
	RoleViewer = "viewer"
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Principal is the identity carried by an access token.
type Principal struct {
	SubjectID string `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
}

func (u User) Principal() Principal {
	return Principal{SubjectID: u.ID, Email: u.Email, Role: u.Role}
}

type SessionSummary struct {
	ActiveRefreshTokens int `json:"active_refresh_tokens"`
}
