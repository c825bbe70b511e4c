package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iudanet/fieldsync/pkg/api"
)

func TestEntity_Record(t *testing.T) {
	e := &Entity{
		Type:     "deliveries",
		ID:       "d1",
		BranchID: "b1",
		Data:     json.RawMessage(`{"status":"open"}`),
		Version:  EntityVersion{EntityID: "d1", UpdatedAt: 100, Revision: 3},
	}

	r := e.Record()
	assert.Equal(t, "d1", r.ID)
	assert.Equal(t, "deliveries", r.Type)
	assert.Equal(t, "b1", r.BranchID)
	assert.Equal(t, api.Timestamp(100), r.UpdatedAt)
	assert.Equal(t, int64(3), r.Revision)
	assert.JSONEq(t, `{"status":"open"}`, string(r.Data))

	var nilEntity *Entity
	assert.Nil(t, nilEntity.Record())
}

func TestEntity_Clone(t *testing.T) {
	e := &Entity{ID: "d1", Data: json.RawMessage(`{"a":1}`)}
	c := e.Clone()
	c.Data[2] = 'b'
	c.ID = "d2"

	assert.Equal(t, "d1", e.ID)
	assert.JSONEq(t, `{"a":1}`, string(e.Data))
}

func TestOfflineOperation_Target(t *testing.T) {
	tests := []struct {
		name string
		op   OfflineOperation
		want string
	}{
		{name: "server id", op: OfflineOperation{EntityType: "deliveries", EntityID: "d1", LocalID: "l1"}, want: "deliveries/d1"},
		{name: "local id", op: OfflineOperation{EntityType: "deliveries", LocalID: "l1"}, want: "deliveries/local:l1"},
		{name: "anonymous create", op: OfflineOperation{EntityType: "deliveries", ID: "op1"}, want: "deliveries/op:op1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.op.Target())
		})
	}
}

func TestIntent_Valid(t *testing.T) {
	assert.True(t, IntentCreate.Valid())
	assert.True(t, IntentAppend.Valid())
	assert.False(t, Intent("delete").Valid())
}
