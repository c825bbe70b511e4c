package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/crypto"
)

var (
	// ErrPINRequired is returned when the stored token is sealed and no PIN was given.
	ErrPINRequired = errors.New("device session is locked, PIN required")
	// ErrInvalidPIN is returned when the PIN does not open the stored token.
	ErrInvalidPIN = errors.New("invalid PIN")
	// ErrSessionExpired is returned when the stored token has expired.
	ErrSessionExpired = errors.New("device session expired, log in again")
)

// Store is the encryption layer between the session logic and raw storage.
// With a PIN the token is sealed with a key derived from the PIN and the
// device id; without one it is stored as-is.
type Store struct {
	storage storage.AuthStorage
	now     func() time.Time
}

// NewStore creates a Store over raw auth storage.
func NewStore(s storage.AuthStorage) *Store {
	return &Store{storage: s, now: time.Now}
}

// SaveAuth seals the token when pin is set and saves the session.
func (s *Store) SaveAuth(ctx context.Context, auth *storage.AuthData, pin string) error {
	if auth == nil {
		return fmt.Errorf("auth data is nil")
	}

	authCopy := *auth
	authCopy.Sealed = false
	authCopy.PinSalt = ""

	if pin != "" {
		salt, err := crypto.GenerateSaltBase64()
		if err != nil {
			return err
		}
		key, err := crypto.DeriveDeviceKeyFromBase64Salt(pin, auth.DeviceID, salt)
		if err != nil {
			return fmt.Errorf("failed to derive device key: %w", err)
		}
		sealed, err := crypto.EncryptToBase64([]byte(auth.AccessToken), key)
		if err != nil {
			return fmt.Errorf("failed to encrypt access token: %w", err)
		}
		authCopy.AccessToken = sealed
		authCopy.PinSalt = salt
		authCopy.Sealed = true
	}

	return s.storage.SaveAuth(ctx, &authCopy)
}

// GetAuth loads the session and opens the token. Expired sessions return
// ErrSessionExpired.
func (s *Store) GetAuth(ctx context.Context, pin string) (*storage.AuthData, error) {
	stored, err := s.storage.GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	if stored.Expired(s.now().Unix()) {
		return nil, ErrSessionExpired
	}

	auth := *stored
	if !stored.Sealed {
		return &auth, nil
	}
	if pin == "" {
		return nil, ErrPINRequired
	}

	key, err := crypto.DeriveDeviceKeyFromBase64Salt(pin, stored.DeviceID, stored.PinSalt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive device key: %w", err)
	}
	token, err := crypto.DecryptFromBase64(stored.AccessToken, key)
	if err != nil {
		if errors.Is(err, crypto.ErrDecrypt) {
			return nil, ErrInvalidPIN
		}
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}

	auth.AccessToken = string(token)
	return &auth, nil
}

// GetStoredAuth returns the session without opening the token, for
// status output that needs no PIN.
func (s *Store) GetStoredAuth(ctx context.Context) (*storage.AuthData, error) {
	stored, err := s.storage.GetAuth(ctx)
	if err != nil {
		return nil, err
	}
	auth := *stored
	return &auth, nil
}

// DeleteAuth removes the session.
func (s *Store) DeleteAuth(ctx context.Context) error {
	return s.storage.DeleteAuth(ctx)
}

// IsAuthenticated reports whether a non-expired session exists.
func (s *Store) IsAuthenticated(ctx context.Context) (bool, error) {
	return s.storage.IsAuthenticated(ctx)
}
