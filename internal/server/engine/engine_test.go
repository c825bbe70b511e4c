package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server/storage/sqlite"
	"github.com/iudanet/fieldsync/pkg/api"
)

var testTypes = []EntityType{
	{
		Name:         "orders",
		Statuses:     []string{"pending", "assigned", "in_progress", "delivered", "cancelled"},
		AppendFields: []string{"notes", "photos"},
	},
	{Name: "shipments"},
	{Name: "customers"},
}

var testRoles = map[string]Role{
	"driver":     {EntityTypes: []string{"orders", "shipments"}},
	"dispatcher": {EntityTypes: []string{"orders", "shipments", "customers"}},
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEngine struct {
	*SessionManager
	db *sqlite.Storage
}

func setupTestEngine(t *testing.T, opts Options) *testEngine {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sm, err := New(ctx, Config{
		Logger:  testLogger(),
		Store:   db,
		Roles:   testRoles,
		Types:   testTypes,
		Options: opts,
	})
	require.NoError(t, err)

	return &testEngine{SessionManager: sm, db: db}
}

func (te *testEngine) push(t *testing.T, deviceID string, policy models.ConflictPolicy, base int64, ops ...api.OfflineOperation) []api.OperationResult {
	t.Helper()
	results := te.coordinator.PushFlat(context.Background(), Batch{
		DeviceID:      deviceID,
		DefaultType:   "orders",
		Policy:        policy,
		Operations:    ops,
		BaseTimestamp: base,
	})
	require.Len(t, results, len(ops))
	return results
}

// seed creates an entity and returns its wire form.
func (te *testEngine) seed(t *testing.T, entityType, data string) *api.EntityRecord {
	t.Helper()
	res := te.push(t, "seed-device", models.PolicyServerWins, 0, api.OfflineOperation{
		ID:       "seed-" + uuid.NewString(),
		Endpoint: entityType,
		Method:   http.MethodPost,
		Data:     json.RawMessage(data),
	})
	require.True(t, res[0].Success, "seed failed: %+v", res[0].Error)
	return res[0].Data
}

func (te *testEngine) entity(t *testing.T, entityType, id string) *models.Entity {
	t.Helper()
	e, err := te.db.GetEntity(context.Background(), entityType, id)
	require.NoError(t, err)
	return e
}

func offlineOp(id, endpoint, method, data string, ts int64) api.OfflineOperation {
	return api.OfflineOperation{
		ID:        id,
		Endpoint:  endpoint,
		Method:    method,
		Data:      json.RawMessage(data),
		Timestamp: api.Timestamp(ts),
	}
}

func decodeDoc(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}
