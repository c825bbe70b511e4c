package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/pkg/api"
)

func TestBatchCoordinator_PullTypesIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	te := setupTestEngine(t, Options{})

	te.seed(t, "orders", `{"status":"pending"}`)
	te.seed(t, "customers", `{"name":"Acme"}`)

	res := te.coordinator.PullTypes(ctx, PullTypesRequest{
		Since: map[string]int64{"orders": 0, "customers": 0, "widgets": 0, "shipments": 0},
	})

	require.Len(t, res, 4)
	assert.ErrorIs(t, res["widgets"].Err, ErrUnknownEntityType)

	for _, entityType := range []string{"orders", "customers", "shipments"} {
		require.NoError(t, res[entityType].Err, entityType)
		assert.False(t, res[entityType].Truncated)
		assert.Positive(t, res[entityType].Through)
	}
	assert.Len(t, res["orders"].Items, 1)
	assert.Len(t, res["customers"].Items, 1)
	assert.Empty(t, res["shipments"].Items)
}

func TestBatchCoordinator_TruncationKeepsTimestampRuns(t *testing.T) {
	ctx := context.Background()
	te := setupTestEngine(t, Options{})

	// written outside the clock so several entities share one timestamp
	x := time.Now().Add(-time.Minute).UnixMilli()
	stamps := []int64{x, x, x, x, x, x + 1, x + 1}
	for i, ts := range stamps {
		id := fmt.Sprintf("c%d", i+1)
		require.NoError(t, te.db.CommitWrite(ctx, &models.EntityWrite{Entity: &models.Entity{
			Type:      "customers",
			ID:        id,
			Data:      json.RawMessage(`{}`),
			Version:   models.EntityVersion{EntityID: id, UpdatedAt: ts, Revision: 1},
			CreatedAt: time.UnixMilli(ts).UTC(),
		}}))
	}

	first := te.coordinator.PullTypes(ctx, PullTypesRequest{
		Since:    map[string]int64{"customers": 0},
		MaxItems: 3,
	})["customers"]
	require.NoError(t, first.Err)
	assert.True(t, first.Truncated)
	assert.Equal(t, x, first.Through)
	assert.Len(t, first.Items, 5, "the run at x is never split")

	second := te.coordinator.PullTypes(ctx, PullTypesRequest{
		Since:    map[string]int64{"customers": first.Through},
		MaxItems: 3,
	})["customers"]
	require.NoError(t, second.Err)
	assert.False(t, second.Truncated)
	require.Len(t, second.Items, 2)
	assert.Equal(t, "c6", second.Items[0].ID)
	assert.Equal(t, "c7", second.Items[1].ID)
	assert.Greater(t, second.Through, x+1)
}

func TestBatchCoordinator_TruncationAcrossPages(t *testing.T) {
	ctx := context.Background()
	te := setupTestEngine(t, Options{MaxPullLimit: 4, DefaultPullLimit: 4})
	te.uploadShipments(t, 11)

	res := te.coordinator.PullTypes(ctx, PullTypesRequest{
		Since:    map[string]int64{"shipments": 0},
		MaxItems: 9,
	})["shipments"]
	require.NoError(t, res.Err)
	assert.True(t, res.Truncated)
	require.Len(t, res.Items, 9)
	assert.Equal(t, res.Items[8].Version.UpdatedAt, res.Through)

	rest := te.coordinator.PullTypes(ctx, PullTypesRequest{
		Since:    map[string]int64{"shipments": res.Through},
		MaxItems: 9,
	})["shipments"]
	require.NoError(t, rest.Err)
	assert.False(t, rest.Truncated)
	assert.Len(t, rest.Items, 2)
}

func TestBatchCoordinator_PushByType(t *testing.T) {
	ctx := context.Background()
	te := setupTestEngine(t, Options{})

	out := te.coordinator.PushByType(ctx, "device-1", models.PolicyServerWins, map[string][]api.OfflineOperation{
		"orders": {
			offlineOp("op-o1", "", http.MethodPost, `{"status":"pending"}`, 1),
			offlineOp("op-o2", "", http.MethodPost, `{"status":"nope"}`, 2),
		},
		"shipments": {
			offlineOp("op-s1", "", http.MethodPost, `{"seal":"S1"}`, 1),
		},
	})

	require.Len(t, out["orders"], 2)
	require.Len(t, out["shipments"], 1)
	assert.True(t, out["orders"][0].Success)
	assert.Equal(t, "orders", out["orders"][0].Data.Type)
	assert.False(t, out["orders"][1].Success)
	assert.True(t, out["shipments"][0].Success)
	assert.Equal(t, "shipments", out["shipments"][0].Data.Type)
}

func TestBatchCoordinator_Upload(t *testing.T) {
	ctx := context.Background()
	te := setupTestEngine(t, Options{})

	items := map[string][]json.RawMessage{
		"customers": {
			json.RawMessage(`{"localId":"C-1","name":"Acme"}`),
			json.RawMessage(`{"name":"no local id"}`),
			json.RawMessage(`{"localId":"C-2","name":"Globex"}`),
		},
		"widgets": {
			json.RawMessage(`{"localId":"W-1"}`),
		},
	}

	first, err := te.Upload(ctx, "device-1", items)
	require.NoError(t, err)

	customers := first["customers"]
	require.Len(t, customers, 3)
	assert.True(t, customers[0].Success)
	assert.Equal(t, "C-1", customers[0].LocalID)
	assert.NotEmpty(t, customers[0].ID)
	assert.False(t, customers[1].Success)
	assert.Equal(t, CodeInvalidOperation, customers[1].Error.Code)
	assert.True(t, customers[2].Success)
	assert.NotEqual(t, customers[0].ID, customers[2].ID)

	require.Len(t, first["widgets"], 1)
	assert.False(t, first["widgets"][0].Success)
	assert.Equal(t, CodeUnknownEntityType, first["widgets"][0].Error.Code)

	// uploading again after a lost response maps to the same server ids
	second, err := te.Upload(ctx, "device-1", items)
	require.NoError(t, err)
	assert.Equal(t, customers[0].ID, second["customers"][0].ID)
	assert.Equal(t, customers[2].ID, second["customers"][2].ID)

	e := te.entity(t, "customers", customers[0].ID)
	assert.Equal(t, int64(1), e.Version.Revision)
}

func TestBatchCoordinator_UploadTooLarge(t *testing.T) {
	te := setupTestEngine(t, Options{MaxBatchOperations: 2})

	_, err := te.Upload(context.Background(), "device-1", map[string][]json.RawMessage{
		"customers": {json.RawMessage(`{"localId":"1"}`), json.RawMessage(`{"localId":"2"}`)},
		"shipments": {json.RawMessage(`{"localId":"3"}`)},
	})
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestUploadOperationID(t *testing.T) {
	a := UploadOperationID("customers", "C-1")
	assert.Equal(t, a, UploadOperationID("customers", "C-1"))
	assert.NotEqual(t, a, UploadOperationID("customers", "C-2"))
	assert.NotEqual(t, a, UploadOperationID("shipments", "C-1"))
	assert.Regexp(t, `^upload-[0-9a-f-]{36}$`, a)
}
