package storage

import (
	"context"
)

//go:generate moq -out auth_mock.go . AuthStorage

// AuthStorage stores the device session. It works with raw data: when the
// session is sealed with a PIN the token arrives here already encrypted.
type AuthStorage interface {
	// SaveAuth replaces the stored session.
	SaveAuth(ctx context.Context, auth *AuthData) error

	// GetAuth returns ErrAuthNotFound if the device is not logged in.
	GetAuth(ctx context.Context) (*AuthData, error)

	// DeleteAuth removes the session (logout).
	DeleteAuth(ctx context.Context) error

	// IsAuthenticated reports whether a non-expired session exists.
	IsAuthenticated(ctx context.Context) (bool, error)
}

// AuthData is the device session. AccessToken is plaintext in memory and
// base64 ciphertext in storage when Sealed is set.
type AuthData struct {
	ServerURL   string `json:"server_url"`
	ActorID     string `json:"actor_id"`
	DeviceID    string `json:"device_id"`
	Role        string `json:"role,omitempty"`
	AccessToken string `json:"access_token"`
	PinSalt     string `json:"pin_salt,omitempty"`
	ExpiresAt   int64  `json:"expires_at"` // unix seconds, 0 if the token never expires
	Sealed      bool   `json:"sealed,omitempty"`
}

// Expired reports whether the token is past its expiry at unix time now.
func (a *AuthData) Expired(now int64) bool {
	return a.ExpiresAt > 0 && now >= a.ExpiresAt
}
