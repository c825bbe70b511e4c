package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/fieldsync/internal/models"
)

func TestTimestampResolver_Resolve(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := &TimestampResolver{
		now:   func() time.Time { return fixed },
		newID: func() string { return "conflict-1" },
	}

	current := &models.Entity{
		Type:    "orders",
		ID:      "o1",
		Data:    json.RawMessage(`{"status":"assigned"}`),
		Version: models.EntityVersion{EntityID: "o1", UpdatedAt: 2000, Revision: 4},
	}

	tests := []struct {
		name         string
		current      *models.Entity
		intent       models.Intent
		base         int64
		policy       models.ConflictPolicy
		wantAccept   bool
		wantConflict string
	}{
		{name: "new entity", current: nil, intent: models.IntentCreate, base: 0, policy: models.PolicyServerWins, wantAccept: true},
		{name: "base equals updatedAt", current: current, intent: models.IntentUpdate, base: 2000, policy: models.PolicyServerWins, wantAccept: true},
		{name: "base after updatedAt", current: current, intent: models.IntentStatusChange, base: 3000, policy: models.PolicyServerWins, wantAccept: true},
		{name: "stale under server wins", current: current, intent: models.IntentUpdate, base: 1999, policy: models.PolicyServerWins, wantConflict: models.ResolvedRejected},
		{name: "stale under unset policy", current: current, intent: models.IntentUpdate, base: 1000, policy: "", wantConflict: models.ResolvedRejected},
		{name: "stale under client wins", current: current, intent: models.IntentStatusChange, base: 1000, policy: models.PolicyClientWins, wantAccept: true, wantConflict: models.ResolvedOverridden},
		{name: "stale append", current: current, intent: models.IntentAppend, base: 0, policy: models.PolicyServerWins, wantAccept: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := &models.OfflineOperation{
				ID:            "op-1",
				DeviceID:      "device-1",
				EntityType:    "orders",
				EntityID:      "o1",
				Intent:        tt.intent,
				Payload:       json.RawMessage(`{"status":"delivered"}`),
				BaseTimestamp: tt.base,
			}

			res := r.Resolve(op, tt.current, tt.policy)
			assert.Equal(t, tt.wantAccept, res.Accept)

			if tt.wantConflict == "" {
				assert.Nil(t, res.Conflict)
				return
			}

			require.NotNil(t, res.Conflict)
			c := res.Conflict
			assert.Equal(t, tt.wantConflict, c.ResolvedAs)
			assert.Equal(t, "conflict-1", c.ID)
			assert.Equal(t, "device-1", c.DeviceID)
			assert.Equal(t, "op-1", c.OperationID)
			assert.Equal(t, "orders", c.EntityType)
			assert.Equal(t, "o1", c.EntityID)
			assert.Equal(t, int64(2000), c.ServerUpdatedAt)
			assert.Equal(t, tt.base, c.BaseTimestamp)
			assert.Equal(t, fixed, c.CreatedAt)
			assert.JSONEq(t, `{"status":"assigned"}`, string(c.ServerValue))
			assert.JSONEq(t, `{"status":"delivered"}`, string(c.ClientValue))
			if tt.wantAccept {
				assert.Equal(t, models.PolicyClientWins, c.Policy)
			} else {
				assert.Equal(t, models.PolicyServerWins, c.Policy)
			}
		})
	}
}
