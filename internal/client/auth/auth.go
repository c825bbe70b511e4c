package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iudanet/fieldsync/internal/client/api"
	"github.com/iudanet/fieldsync/internal/client/storage"
)

// ErrInvalidToken is returned when the server rejects the token at login.
var ErrInvalidToken = errors.New("token rejected by server")

// Claims mirrors the claims the server puts in device tokens.
type Claims struct {
	ActorID  string `json:"actor_id"`
	DeviceID string `json:"device_id"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ParseClaims reads the claims of a device token without verifying the
// signature. The device cannot verify it; the server does on every call.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("malformed token: %w", err)
	}
	if claims.ActorID == "" || claims.DeviceID == "" {
		return nil, fmt.Errorf("token has no actor_id or device_id claim")
	}
	return claims, nil
}

// Service handles device login and logout.
type Service struct {
	apiClient api.ClientAPI
	store     *Store
}

// NewService creates a login service.
func NewService(apiClient api.ClientAPI, store *Store) *Service {
	return &Service{apiClient: apiClient, store: store}
}

// LoginResult describes the stored session.
type LoginResult struct {
	ActorID   string
	DeviceID  string
	Role      string
	ExpiresAt int64
	Sealed    bool
}

// Login checks the token against the server and stores it, sealed with pin
// when one is given.
func (s *Service) Login(ctx context.Context, serverURL, token, pin string) (*LoginResult, error) {
	claims, err := ParseClaims(token)
	if err != nil {
		return nil, err
	}

	// any authenticated endpoint works as a probe; conflicts is the cheapest
	if _, err := s.apiClient.Conflicts(ctx, token, 1); err != nil {
		var se *api.StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidToken, se.Message)
		}
		return nil, fmt.Errorf("login failed: %w", err)
	}

	data := &storage.AuthData{
		ServerURL:   serverURL,
		ActorID:     claims.ActorID,
		DeviceID:    claims.DeviceID,
		Role:        claims.Role,
		AccessToken: token,
	}
	if claims.ExpiresAt != nil {
		data.ExpiresAt = claims.ExpiresAt.Unix()
	}

	if err := s.store.SaveAuth(ctx, data, pin); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return &LoginResult{
		ActorID:   data.ActorID,
		DeviceID:  data.DeviceID,
		Role:      data.Role,
		ExpiresAt: data.ExpiresAt,
		Sealed:    pin != "",
	}, nil
}

// Logout removes the local session. The outbox is kept so nothing recorded
// offline is lost.
func (s *Service) Logout(ctx context.Context) error {
	if err := s.store.DeleteAuth(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
