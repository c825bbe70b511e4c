package sqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server/storage"
)

func TestIdempotencyStorage_NotFound(t *testing.T) {
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	_, err := s.GetIdempotencyRecord(context.Background(), "dev-1", "op-1")
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)
}

func TestConflictStorage_SaveAndList(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	base := time.UnixMilli(10_000).UTC()
	for i, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, s.SaveConflict(ctx, &models.ConflictRecord{
			ID:              id,
			DeviceID:        "dev-1",
			OperationID:     "op-" + id,
			EntityType:      "deliveries",
			EntityID:        "d1",
			Policy:          models.PolicyServerWins,
			ResolvedAs:      models.ResolvedRejected,
			ServerValue:     json.RawMessage(`{"status":"delivered"}`),
			ServerUpdatedAt: 900,
			BaseTimestamp:   800,
			CreatedAt:       base.Add(time.Duration(i) * time.Second),
		}))
	}

	conflicts, err := s.ListConflicts(ctx, "dev-1", 2)
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
	assert.Equal(t, "c3", conflicts[0].ID)
	assert.Equal(t, "c2", conflicts[1].ID)
	assert.Nil(t, conflicts[0].ClientValue)
	assert.Equal(t, int64(900), conflicts[0].ServerUpdatedAt)

	conflicts, err = s.ListConflicts(ctx, "dev-2", 0)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestConflictStorage_RejectsUnknownResolution(t *testing.T) {
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	err := s.SaveConflict(context.Background(), &models.ConflictRecord{
		ID:         "c1",
		DeviceID:   "dev-1",
		Policy:     models.PolicyServerWins,
		ResolvedAs: "pending",
		CreatedAt:  time.Now(),
	})
	assert.Error(t, err)
}

func TestMappingStorage(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	_, err := s.GetMapping(ctx, "dev-1", "deliveries", "tmp-1")
	assert.ErrorIs(t, err, storage.ErrMappingNotFound)

	mapping := &models.LocalIDMapping{
		DeviceID:   "dev-1",
		EntityType: "deliveries",
		LocalID:    "tmp-1",
		ServerID:   "srv-1",
		CreatedAt:  time.Now(),
	}
	require.NoError(t, s.CommitWrite(ctx, &models.EntityWrite{
		Entity:  newTestEntity("deliveries", "srv-1", 100, 1, `{}`),
		Mapping: mapping,
	}))

	m, err := s.GetMapping(ctx, "dev-1", "deliveries", "tmp-1")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", m.ServerID)

	// mappings are per device
	_, err = s.GetMapping(ctx, "dev-2", "deliveries", "tmp-1")
	assert.ErrorIs(t, err, storage.ErrMappingNotFound)

	// a second create for the same local id is rejected with the entity rolled back
	err = s.CommitWrite(ctx, &models.EntityWrite{
		Entity:  newTestEntity("deliveries", "srv-2", 200, 1, `{}`),
		Mapping: &models.LocalIDMapping{DeviceID: "dev-1", EntityType: "deliveries", LocalID: "tmp-1", ServerID: "srv-2", CreatedAt: time.Now()},
	})
	assert.ErrorIs(t, err, storage.ErrMappingExists)

	_, err = s.GetEntity(ctx, "deliveries", "srv-2")
	assert.ErrorIs(t, err, storage.ErrEntityNotFound)
}

func TestDeviceStorage_Upsert(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	_, err := s.GetDevice(ctx, "dev-1")
	assert.ErrorIs(t, err, storage.ErrDeviceNotFound)

	first := time.UnixMilli(1_000).UTC()
	require.NoError(t, s.UpsertDevice(ctx, &models.Device{
		ID: "dev-1", ActorID: "driver-7", Role: "driver", Platform: "android", AppVersion: "2.1.0", LastSeenAt: first,
	}))

	// a later sync without device info keeps the known platform
	second := time.UnixMilli(2_000).UTC()
	require.NoError(t, s.UpsertDevice(ctx, &models.Device{
		ID: "dev-1", ActorID: "driver-7", Role: "driver", LastSeenAt: second,
	}))

	d, err := s.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "android", d.Platform)
	assert.Equal(t, "2.1.0", d.AppVersion)
	assert.True(t, second.Equal(d.LastSeenAt))
}
