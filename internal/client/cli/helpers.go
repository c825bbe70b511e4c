package cli

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/iudanet/fieldsync/internal/client/storage"
	pkgapi "github.com/iudanet/fieldsync/pkg/api"
)

func formatTimestamp(ts pkgapi.Timestamp) string {
	if ts == 0 {
		return "never"
	}
	return ts.Time().Format(time.RFC3339)
}

// compactJSON renders data on one line, falling back to the raw text.
func compactJSON(data json.RawMessage) string {
	if len(data) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return string(data)
	}
	return buf.String()
}

func queuedTotal(counts map[storage.OperationState]int) int {
	return counts[storage.StatePending] + counts[storage.StateConflict] + counts[storage.StateFailed]
}
