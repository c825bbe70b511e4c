package models

import (
	"encoding/json"
	"time"
)

// SyncCheckpoint is the last timestamp a device has fully observed for one
// entity type. It never decreases.
type SyncCheckpoint struct {
	UpdatedAt     time.Time `json:"updated_at"`
	DeviceID      string    `json:"device_id"`
	EntityType    string    `json:"entity_type"`
	SyncTimestamp int64     `json:"sync_timestamp"` // epoch ms
}

// ConflictPolicy selects how a stale write is resolved.
type ConflictPolicy string

const (
	PolicyServerWins ConflictPolicy = "server_wins"
	PolicyClientWins ConflictPolicy = "client_wins"
)

// Conflict resolutions. Every conflict record carries exactly one.
const (
	ResolvedRejected   = "rejected"
	ResolvedOverridden = "overridden"
)

// ConflictRecord is an immutable audit entry for a detected conflict.
type ConflictRecord struct {
	CreatedAt       time.Time       `json:"created_at"`
	ID              string          `json:"id"`
	DeviceID        string          `json:"device_id"`
	OperationID     string          `json:"operation_id"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id"`
	Policy          ConflictPolicy  `json:"policy"`
	ResolvedAs      string          `json:"resolved_as"`
	ServerValue     json.RawMessage `json:"server_value"`
	ClientValue     json.RawMessage `json:"client_value"`
	ServerUpdatedAt int64           `json:"server_updated_at"`
	BaseTimestamp   int64           `json:"base_timestamp"`
}

// LocalIDMapping binds a client-generated id to the server id assigned on create.
type LocalIDMapping struct {
	CreatedAt  time.Time `json:"created_at"`
	DeviceID   string    `json:"device_id"`
	LocalID    string    `json:"local_id"`
	EntityType string    `json:"entity_type"`
	ServerID   string    `json:"server_id"`
}

// SyncSession is the per-request context of one sync exchange.
type SyncSession struct {
	DeviceID       string
	ActorID        string
	Role           string
	EntityTypes    []string
	StartTimestamp int64
	ResumeSync     bool
}

// Device is the last known description of a field device.
type Device struct {
	LastSeenAt time.Time `json:"last_seen_at"`
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	Role       string    `json:"role"`
	Platform   string    `json:"platform"`
	AppVersion string    `json:"app_version"`
	Model      string    `json:"model"`
}
