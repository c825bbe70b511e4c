package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Timestamp
		wantErr bool
	}{
		{name: "epoch millis", input: `1700000000000`, want: 1700000000000},
		{name: "numeric string", input: `"1700000000000"`, want: 1700000000000},
		{name: "iso8601 utc", input: `"2023-11-14T22:13:20Z"`, want: 1700000000000},
		{name: "iso8601 with millis", input: `"2023-11-14T22:13:20.123Z"`, want: 1700000000123},
		{name: "iso8601 with offset", input: `"2023-11-15T00:13:20+02:00"`, want: 1700000000000},
		{name: "float", input: `1700000000000.0`, want: 1700000000000},
		{name: "null", input: `null`, want: 0},
		{name: "empty string", input: `""`, want: 0},
		{name: "garbage", input: `"yesterday"`, wantErr: true},
		{name: "bool", input: `true`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			err := json.Unmarshal([]byte(tt.input), &ts)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ts)
		})
	}
}

func TestTimestamp_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		At Timestamp `json:"at"`
	}{At: 1700000000123})
	require.NoError(t, err)
	assert.JSONEq(t, `{"at":1700000000123}`, string(b))
}

func TestTimestamp_Time(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, int(5*time.Millisecond), time.UTC)
	ts := TimestampFromTime(now)
	assert.True(t, now.Equal(ts.Time()))
	assert.Equal(t, now.UnixMilli(), ts.Millis())
}
