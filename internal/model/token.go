package model

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ClaimsVersion is bumped whenever the access or refresh claim layout changes.
const ClaimsVersion = 1

const (
	TokenTypeBearer = "Bearer"

	ReasonLogout         = "logout"
	ReasonPasswordChange = "password_change"
)

// Claims is the closed access-token payload.
type Claims struct {
	Email   string `json:"email"`
	Role    string `json:"role"`
	Version int    `json:"ver"`
	jwt.RegisteredClaims
}

func (c *Claims) Principal() Principal {
	return Principal{SubjectID: c.Subject, Email: c.Email, Role: c.Role}
}

// UnmarshalJSON rejects payload fields the claim set does not declare.
func (c *Claims) UnmarshalJSON(data []byte) error {
	type plain Claims
	var decoded plain
	if err := decodeStrict(data, &decoded); err != nil {
		return err
	}
	*c = Claims(decoded)
	return nil
}

// RefreshClaims wraps the opaque refresh credential; the persisted hash row is authoritative.
type RefreshClaims struct {
	RotationID string `json:"rid"`
	Version    int    `json:"ver"`
	jwt.RegisteredClaims
}

func (c *RefreshClaims) UnmarshalJSON(data []byte) error {
	type plain RefreshClaims
	var decoded plain
	if err := decodeStrict(data, &decoded); err != nil {
		return err
	}
	*c = RefreshClaims(decoded)
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Provenance records where a refresh token was issued from.
type Provenance struct {
	Address   string
	UserAgent string
}

type RefreshToken struct {
	TokenHash     string
	OwnerID       string
	ExpiresAt     time.Time
	IsValid       bool
	CreatedAt     time.Time
	CreatedFromIP string
	CreatedFromUA string
	InvalidatedAt *time.Time
}

type BlacklistEntry struct {
	TokenHash string
	OwnerID   string
	ExpiresAt time.Time
	Reason    string
	TokenID   string
}

// ClaimOutcome is the result of the atomic claim step of a rotation.
type ClaimOutcome int

const (
	NotClaimed ClaimOutcome = iota
	Claimed
)

func (o ClaimOutcome) String() string {
	if o == Claimed {
		return "claimed"
	}
	return "not_claimed"
}

type ClaimResult struct {
	Outcome   ClaimOutcome
	ExpiresAt time.Time
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	TokenPair
	User Principal `json:"user"`
}
