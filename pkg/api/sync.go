package api

import (
	"encoding/json"
	"fmt"
)

// Reserved keys in the stream and batch response objects. Entity types may not use them.
const (
	KeyOperationResults = "operationResults"
	KeySyncTimestamp    = "syncTimestamp"
	KeyHasMore          = "hasMore"
	KeyErrors           = "errors"
)

// EntityRecord is the wire form of a server entity.
type EntityRecord struct {
	Data      json.RawMessage `json:"data"`
	ID        string          `json:"id"`
	Type      string          `json:"entityType"`
	BranchID  string          `json:"branchId,omitempty"`
	UpdatedAt Timestamp       `json:"updatedAt"`
	Revision  int64           `json:"revision"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// OfflineOperation is one mutation buffered on a device while disconnected.
type OfflineOperation struct {
	BaseTimestamp *Timestamp      `json:"baseTimestamp,omitempty"`
	ID            string          `json:"id"`
	Endpoint      string          `json:"endpoint"`
	Method        string          `json:"method"`
	EntityType    string          `json:"entityType,omitempty"`
	EntityID      string          `json:"entityId,omitempty"`
	LocalID       string          `json:"localId,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     Timestamp       `json:"timestamp"`
}

// DeviceInfo describes the submitting device.
type DeviceInfo struct {
	DeviceID   string `json:"deviceId,omitempty"`
	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
	Model      string `json:"model,omitempty"`
}

// StreamSyncRequest is the body of POST /sync/{role}.
type StreamSyncRequest struct {
	DeviceInfo        *DeviceInfo        `json:"deviceInfo,omitempty"`
	OfflineOperations []OfflineOperation `json:"offlineOperations"`
	EntityTypes       []string           `json:"entityTypes,omitempty"` // narrows the role's types
	LastSyncTimestamp Timestamp          `json:"lastSyncTimestamp"`
	ResumeSync        bool               `json:"resumeSync,omitempty"`
}

// OperationError describes why an operation was not applied.
type OperationError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ConflictInfo carries the authoritative server state for a rejected operation.
type ConflictInfo struct {
	ServerValue     *EntityRecord `json:"serverValue"`
	ConflictID      string        `json:"conflictId,omitempty"`
	ServerUpdatedAt Timestamp     `json:"serverUpdatedAt"`
	BaseTimestamp   Timestamp     `json:"baseTimestamp"`
}

// OperationResult is the per-operation outcome, returned in submission order.
type OperationResult struct {
	Data       *EntityRecord   `json:"data,omitempty"`
	Error      *OperationError `json:"error,omitempty"`
	Conflict   *ConflictInfo   `json:"conflict,omitempty"`
	ID         string          `json:"id"`
	LocalID    string          `json:"localId,omitempty"`
	Success    bool            `json:"success"`
	Idempotent bool            `json:"idempotent,omitempty"`
}

// StreamSyncData is the data object of a stream sync response. Entity lists are
// emitted as top-level keys named after their entity type.
type StreamSyncData struct {
	Entities         map[string][]EntityRecord
	OperationResults []OperationResult
	SyncTimestamp    Timestamp
	HasMore          bool
}

// MarshalJSON implements json.Marshaler.
func (d StreamSyncData) MarshalJSON() ([]byte, error) {
	results := d.OperationResults
	if results == nil {
		results = []OperationResult{}
	}
	return marshalEntityMap(d.Entities, map[string]any{
		KeyOperationResults: results,
		KeySyncTimestamp:    d.SyncTimestamp,
		KeyHasMore:          d.HasMore,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *StreamSyncData) UnmarshalJSON(b []byte) error {
	raw, entities, err := unmarshalEntityMap(b)
	if err != nil {
		return err
	}
	*d = StreamSyncData{Entities: entities}
	if v, ok := raw[KeyOperationResults]; ok {
		if err := json.Unmarshal(v, &d.OperationResults); err != nil {
			return fmt.Errorf("operationResults: %w", err)
		}
	}
	if v, ok := raw[KeySyncTimestamp]; ok {
		if err := json.Unmarshal(v, &d.SyncTimestamp); err != nil {
			return fmt.Errorf("syncTimestamp: %w", err)
		}
	}
	if v, ok := raw[KeyHasMore]; ok {
		if err := json.Unmarshal(v, &d.HasMore); err != nil {
			return fmt.Errorf("hasMore: %w", err)
		}
	}
	return nil
}

// Pagination describes one page of a delta pull.
type Pagination struct {
	NextCursor  string `json:"nextCursor,omitempty"`
	TotalItems  int    `json:"totalItems"`
	TotalPages  int    `json:"totalPages"`
	CurrentPage int    `json:"currentPage"`
	Limit       int    `json:"limit"`
	HasMore     bool   `json:"hasMore"`
}

// DeltaResponse is the data object of GET /sync/{entityType}.
type DeltaResponse struct {
	Items         []EntityRecord `json:"items"`
	Pagination    Pagination     `json:"pagination"`
	SyncTimestamp Timestamp      `json:"syncTimestamp"`
}

// UpdateEntityRequest is the body of PUT /sync/{entityType}/{id}.
type UpdateEntityRequest struct {
	Data          json.RawMessage `json:"data"`
	OperationID   string          `json:"operationId,omitempty"`
	BaseTimestamp Timestamp       `json:"baseTimestamp"`
}

// ConflictData is the data object of a 409 reply.
type ConflictData struct {
	ServerVersion *EntityRecord `json:"serverVersion"`
}

// BatchPullRequest is the body of POST /sync/batch.
type BatchPullRequest struct {
	BranchID     string    `json:"branchId,omitempty"`
	Entities     []string  `json:"entities"`
	LastSyncTime Timestamp `json:"lastSyncTime"`
}

// BatchPullData is the data object of POST /sync/batch.
type BatchPullData struct {
	Entities      map[string][]EntityRecord
	Errors        map[string]OperationError
	SyncTimestamp Timestamp
	HasMore       bool
}

// MarshalJSON implements json.Marshaler.
func (d BatchPullData) MarshalJSON() ([]byte, error) {
	extra := map[string]any{
		KeySyncTimestamp: d.SyncTimestamp,
		KeyHasMore:       d.HasMore,
	}
	if len(d.Errors) > 0 {
		extra[KeyErrors] = d.Errors
	}
	return marshalEntityMap(d.Entities, extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *BatchPullData) UnmarshalJSON(b []byte) error {
	raw, entities, err := unmarshalEntityMap(b)
	if err != nil {
		return err
	}
	*d = BatchPullData{Entities: entities}
	if v, ok := raw[KeySyncTimestamp]; ok {
		if err := json.Unmarshal(v, &d.SyncTimestamp); err != nil {
			return fmt.Errorf("syncTimestamp: %w", err)
		}
	}
	if v, ok := raw[KeyHasMore]; ok {
		if err := json.Unmarshal(v, &d.HasMore); err != nil {
			return fmt.Errorf("hasMore: %w", err)
		}
	}
	if v, ok := raw[KeyErrors]; ok {
		if err := json.Unmarshal(v, &d.Errors); err != nil {
			return fmt.Errorf("errors: %w", err)
		}
	}
	return nil
}

// BatchUploadRequest is the body of POST /sync/batch-upload. Each item is an
// entity object carrying a client-assigned "localId".
type BatchUploadRequest struct {
	Entities map[string][]json.RawMessage `json:"entities"`
}

// UploadResult maps one uploaded localId to its server id.
type UploadResult struct {
	Error   *OperationError `json:"error,omitempty"`
	LocalID string          `json:"localId"`
	ID      string          `json:"id,omitempty"`
	Success bool            `json:"success"`
}

// BatchUploadData is the data object of POST /sync/batch-upload.
type BatchUploadData struct {
	Results map[string][]UploadResult `json:"results"`
}

// ConflictRecord is the audit form of a detected conflict.
type ConflictRecord struct {
	ServerValue     json.RawMessage `json:"serverValue,omitempty"`
	ClientValue     json.RawMessage `json:"clientValue,omitempty"`
	ID              string          `json:"id"`
	OperationID     string          `json:"operationId"`
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId"`
	Policy          string          `json:"policy"`
	ResolvedAs      string          `json:"resolvedAs"`
	ServerUpdatedAt Timestamp       `json:"serverUpdatedAt"`
	BaseTimestamp   Timestamp       `json:"baseTimestamp"`
	CreatedAt       Timestamp       `json:"createdAt"`
}

// ConflictsResponse is the data object of GET /sync/conflicts.
type ConflictsResponse struct {
	Conflicts []ConflictRecord `json:"conflicts"`
}

func marshalEntityMap(entities map[string][]EntityRecord, extra map[string]any) ([]byte, error) {
	out := make(map[string]any, len(entities)+len(extra))
	for entityType, items := range entities {
		if items == nil {
			items = []EntityRecord{}
		}
		out[entityType] = items
	}
	for k, v := range extra {
		out[k] = v
	}
	return json.Marshal(out)
}

func unmarshalEntityMap(b []byte) (map[string]json.RawMessage, map[string][]EntityRecord, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, nil, err
	}
	entities := make(map[string][]EntityRecord)
	for k, v := range raw {
		switch k {
		case KeyOperationResults, KeySyncTimestamp, KeyHasMore, KeyErrors:
			continue
		}
		var items []EntityRecord
		if err := json.Unmarshal(v, &items); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", k, err)
		}
		entities[k] = items
	}
	return raw, entities, nil
}
