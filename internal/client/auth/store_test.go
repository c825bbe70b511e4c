package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/client/storage"
)

// mockAuthStorage implements storage.AuthStorage in memory.
type mockAuthStorage struct {
	data    *storage.AuthData
	saveErr error
}

func (m *mockAuthStorage) SaveAuth(ctx context.Context, auth *storage.AuthData) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *auth
	m.data = &cp
	return nil
}

func (m *mockAuthStorage) GetAuth(ctx context.Context) (*storage.AuthData, error) {
	if m.data == nil {
		return nil, storage.ErrAuthNotFound
	}
	cp := *m.data
	return &cp, nil
}

func (m *mockAuthStorage) DeleteAuth(ctx context.Context) error {
	if m.data == nil {
		return storage.ErrAuthNotFound
	}
	m.data = nil
	return nil
}

func (m *mockAuthStorage) IsAuthenticated(ctx context.Context) (bool, error) {
	return m.data != nil && !m.data.Expired(time.Now().Unix()), nil
}

func session() *storage.AuthData {
	return &storage.AuthData{
		ServerURL:   "http://localhost:8080",
		ActorID:     "emp-17",
		DeviceID:    "tablet-3",
		Role:        "driver",
		AccessToken: "plain-token",
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	}
}

func TestStore_Plain(t *testing.T) {
	ctx := context.Background()
	raw := &mockAuthStorage{}
	store := NewStore(raw)

	require.NoError(t, store.SaveAuth(ctx, session(), ""))
	assert.False(t, raw.data.Sealed)
	assert.Equal(t, "plain-token", raw.data.AccessToken)

	got, err := store.GetAuth(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "plain-token", got.AccessToken)

	// a PIN is ignored for unsealed sessions
	got, err = store.GetAuth(ctx, "1234")
	require.NoError(t, err)
	assert.Equal(t, "plain-token", got.AccessToken)
}

func TestStore_Sealed(t *testing.T) {
	ctx := context.Background()
	raw := &mockAuthStorage{}
	store := NewStore(raw)

	in := session()
	require.NoError(t, store.SaveAuth(ctx, in, "4711"))
	assert.Equal(t, "plain-token", in.AccessToken, "input must not be modified")

	assert.True(t, raw.data.Sealed)
	assert.NotEmpty(t, raw.data.PinSalt)
	assert.NotEqual(t, "plain-token", raw.data.AccessToken)

	got, err := store.GetAuth(ctx, "4711")
	require.NoError(t, err)
	assert.Equal(t, "plain-token", got.AccessToken)
	assert.Equal(t, "emp-17", got.ActorID)

	_, err = store.GetAuth(ctx, "")
	assert.ErrorIs(t, err, ErrPINRequired)

	_, err = store.GetAuth(ctx, "0000")
	assert.ErrorIs(t, err, ErrInvalidPIN)

	stored, err := store.GetStoredAuth(ctx)
	require.NoError(t, err)
	assert.Equal(t, raw.data.AccessToken, stored.AccessToken)
}

func TestStore_Reseal(t *testing.T) {
	ctx := context.Background()
	raw := &mockAuthStorage{}
	store := NewStore(raw)

	require.NoError(t, store.SaveAuth(ctx, session(), "4711"))
	opened, err := store.GetAuth(ctx, "4711")
	require.NoError(t, err)

	// saving an opened session without a PIN stores it unsealed
	require.NoError(t, store.SaveAuth(ctx, opened, ""))
	assert.False(t, raw.data.Sealed)
	assert.Empty(t, raw.data.PinSalt)
	assert.Equal(t, "plain-token", raw.data.AccessToken)
}

func TestStore_Expired(t *testing.T) {
	ctx := context.Background()
	store := NewStore(&mockAuthStorage{})

	s := session()
	s.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	require.NoError(t, store.SaveAuth(ctx, s, ""))

	_, err := store.GetAuth(ctx, "")
	assert.ErrorIs(t, err, ErrSessionExpired)

	ok, err := store.IsAuthenticated(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Errors(t *testing.T) {
	ctx := context.Background()

	store := NewStore(&mockAuthStorage{})
	assert.Error(t, store.SaveAuth(ctx, nil, ""))

	_, err := store.GetAuth(ctx, "")
	assert.ErrorIs(t, err, storage.ErrAuthNotFound)
	assert.ErrorIs(t, store.DeleteAuth(ctx), storage.ErrAuthNotFound)

	boom := errors.New("disk full")
	store = NewStore(&mockAuthStorage{saveErr: boom})
	assert.ErrorIs(t, store.SaveAuth(ctx, session(), "4711"), boom)

	// sealing needs the device id as key input
	noDevice := session()
	noDevice.DeviceID = ""
	assert.ErrorContains(t, NewStore(&mockAuthStorage{}).SaveAuth(ctx, noDevice, "4711"), "device id")
}
