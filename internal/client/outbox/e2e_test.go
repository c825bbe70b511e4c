package outbox

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/client/api"
	"github.com/iudanet/fieldsync/internal/client/storage"
	"github.com/iudanet/fieldsync/internal/server"
	"github.com/iudanet/fieldsync/internal/server/engine"
	"github.com/iudanet/fieldsync/internal/server/handlers"
	"github.com/iudanet/fieldsync/internal/server/storage/sqlite"
)

var e2eJWT = handlers.JWTConfig{
	Secret:         []byte("outbox-e2e-secret-0123456789"),
	Issuer:         "fieldsync",
	AccessTokenTTL: time.Hour,
}

func startServer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sm, err := engine.New(ctx, engine.Config{
		Logger: logger,
		Store:  db,
		Roles:  map[string]engine.Role{"driver": {EntityTypes: []string{"orders"}, DefaultType: "orders"}},
		Types:  []engine.EntityType{{Name: "orders"}},
	})
	require.NoError(t, err)

	srv := server.New(server.Config{Logger: logger, Engine: sm, JWT: e2eJWT})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func device(t *testing.T, baseURL, deviceID string) (*Service, Session, Store) {
	t.Helper()
	token, _, err := handlers.GenerateAccessToken(e2eJWT, "emp-"+deviceID, deviceID, "driver")
	require.NoError(t, err)

	svc, store := newTestService(t, nil)
	svc.apiClient = api.NewClient(baseURL)
	return svc, Session{AccessToken: token, DeviceID: deviceID, Role: "driver"}, store
}

func TestEndToEnd_ConflictRoundTrip(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t)

	a, sessA, storeA := device(t, baseURL, "tablet-a")
	b, sessB, storeB := device(t, baseURL, "tablet-b")

	// device A creates an order offline
	created, err := a.Enqueue(ctx, Mutation{EntityType: "orders", Data: json.RawMessage(`{"ref":"A-1","status":"new"}`)})
	require.NoError(t, err)

	res, err := a.Sync(ctx, sessA)
	require.NoError(t, err)
	require.Equal(t, 1, res.Applied, "%+v", res)

	orderID, err := storeA.ResolveLocalID(ctx, created.Operation.LocalID)
	require.NoError(t, err)

	// device B pulls it and changes it
	res, err = b.Sync(ctx, sessB)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)

	_, err = storeB.GetEntity(ctx, "orders", orderID)
	require.NoError(t, err)

	_, err = b.Enqueue(ctx, Mutation{EntityType: "orders", EntityID: orderID, Data: json.RawMessage(`{"status":"picked"}`)})
	require.NoError(t, err)
	res, err = b.Sync(ctx, sessB)
	require.NoError(t, err)
	require.Equal(t, 1, res.Applied, "%+v", res)

	// device A edits its stale copy and loses
	stale, err := a.Enqueue(ctx, Mutation{EntityType: "orders", EntityID: orderID, Data: json.RawMessage(`{"status":"cancelled"}`)})
	require.NoError(t, err)
	res, err = a.Sync(ctx, sessA)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts, "%+v", res)

	got, err := storeA.Get(ctx, stale.Operation.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StateConflict, got.State)
	require.NotNil(t, got.ServerValue)
	assert.JSONEq(t, `"picked"`, string(field(t, got.ServerValue.Data, "status")))

	// keeping the local change resubmits it as client-wins
	require.NoError(t, a.Resolve(ctx, stale.Operation.ID, KeepClient))
	res, err = a.Sync(ctx, sessA)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied, "%+v", res)

	counts, err := a.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[storage.StatePending]+counts[storage.StateConflict]+counts[storage.StateFailed])

	conflicts, err := api.NewClient(baseURL).Conflicts(ctx, sessA.AccessToken, 10)
	require.NoError(t, err)
	require.Len(t, conflicts, 2)
	resolutions := []string{conflicts[0].ResolvedAs, conflicts[1].ResolvedAs}
	assert.ElementsMatch(t, []string{"rejected", "overridden"}, resolutions)

	// device B converges on A's value
	pulled, err := b.Pull(ctx, sessB, "orders", "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, pulled.Pulled)

	final, err := storeB.GetEntity(ctx, "orders", orderID)
	require.NoError(t, err)
	assert.JSONEq(t, `"cancelled"`, string(field(t, final.Data, "status")))
}

func TestEndToEnd_UncachedBaseSurvivesRounds(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t)

	a, sessA, storeA := device(t, baseURL, "tablet-a")
	c, sessC, storeC := device(t, baseURL, "tablet-c")
	c.batchSize = 1

	created, err := a.Enqueue(ctx, Mutation{EntityType: "orders", Data: json.RawMessage(`{"ref":"A-2","driver":"a1"}`)})
	require.NoError(t, err)
	_, err = a.Sync(ctx, sessA)
	require.NoError(t, err)
	orderID, err := storeA.ResolveLocalID(ctx, created.Operation.LocalID)
	require.NoError(t, err)

	// C has never synced and only knows the order id
	_, err = c.Enqueue(ctx, Mutation{EntityType: "orders", Data: json.RawMessage(`{"ref":"C-1"}`)})
	require.NoError(t, err)
	stale, err := c.Enqueue(ctx, Mutation{EntityType: "orders", EntityID: orderID, Method: "PATCH", Data: json.RawMessage(`{"driver":"c1"}`)})
	require.NoError(t, err)
	require.NotNil(t, stale.Operation.BaseTimestamp)
	assert.Zero(t, *stale.Operation.BaseTimestamp)

	_, err = a.Enqueue(ctx, Mutation{EntityType: "orders", EntityID: orderID, Method: "PATCH", Data: json.RawMessage(`{"driver":"a2"}`)})
	require.NoError(t, err)
	res, err := a.Sync(ctx, sessA)
	require.NoError(t, err)
	require.Equal(t, 1, res.Applied, "%+v", res)

	// the create's round moves C's last sync past A's write
	res, err = c.Sync(ctx, sessC)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied, "%+v", res)
	assert.Equal(t, 1, res.Conflicts, "%+v", res)

	got, err := storeC.Get(ctx, stale.Operation.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateConflict, got.State)

	final, err := storeC.GetEntity(ctx, "orders", orderID)
	require.NoError(t, err)
	assert.JSONEq(t, `"a2"`, string(field(t, final.Data, "driver")))
}

func TestEndToEnd_Upload(t *testing.T) {
	ctx := context.Background()
	baseURL := startServer(t)
	a, sessA, storeA := device(t, baseURL, "tablet-a")

	_, err := a.Enqueue(ctx, Mutation{EntityType: "orders", LocalID: "l-1", Data: json.RawMessage(`{"ref":"U-1"}`)})
	require.NoError(t, err)

	res, err := a.Upload(ctx, sessA)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)

	id, err := storeA.ResolveLocalID(ctx, "l-1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	pulled, err := a.BatchPull(ctx, sessA, []string{"orders"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, pulled.Pulled)

	_, err = storeA.GetEntity(ctx, "orders", id)
	assert.NoError(t, err)
}

func field(t *testing.T, data json.RawMessage, name string) json.RawMessage {
	t.Helper()
	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &obj))
	return obj[name]
}
