package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/fieldsync/internal/clock"
	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server/storage"
	"github.com/iudanet/fieldsync/pkg/api"
)

// Role maps a device role to the entity types it synchronizes.
type Role struct {
	EntityTypes []string
	// DefaultType resolves endpoints that do not name an entity type.
	// Defaults to the first entry of EntityTypes.
	DefaultType string
}

// Authorizer validates the actor and device of a sync session.
type Authorizer interface {
	Authorize(ctx context.Context, session *models.SyncSession) error
}

// DeviceAuthorizer requires an actor and a device and rejects devices
// previously seen under a different actor.
type DeviceAuthorizer struct {
	devices storage.DeviceStorage
}

// NewDeviceAuthorizer creates a DeviceAuthorizer.
func NewDeviceAuthorizer(devices storage.DeviceStorage) *DeviceAuthorizer {
	return &DeviceAuthorizer{devices: devices}
}

// Authorize implements Authorizer.
func (a *DeviceAuthorizer) Authorize(ctx context.Context, session *models.SyncSession) error {
	if session.DeviceID == "" || session.ActorID == "" {
		return errors.New("actor and device are required")
	}

	d, err := a.devices.GetDevice(ctx, session.DeviceID)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceNotFound) {
			return nil
		}
		return fmt.Errorf("failed to look up device: %w", err)
	}
	if d.ActorID != "" && d.ActorID != session.ActorID {
		return fmt.Errorf("device %s is bound to another actor", session.DeviceID)
	}
	return nil
}

// SyncRequest is one stream sync exchange.
type SyncRequest struct {
	DeviceInfo        *api.DeviceInfo
	DeviceID          string
	ActorID           string
	Role              string
	EntityTypes       []string // optional subset of the role's types
	Operations        []api.OfflineOperation
	LastSyncTimestamp int64
	ResumeSync        bool
	ClientWins        bool
}

// SyncResult is the aggregated outcome of a stream sync.
type SyncResult struct {
	Entities         map[string][]*models.Entity
	OperationResults []api.OperationResult
	SyncTimestamp    int64
	HasMore          bool
}

// BatchPullRequest pulls several entity types at once.
type BatchPullRequest struct {
	DeviceID    string
	BranchID    string
	EntityTypes []string
	Since       int64
}

// BatchPullResult is the outcome of a batch pull.
type BatchPullResult struct {
	Entities      map[string][]*models.Entity
	Errors        map[string]*OperationError
	SyncTimestamp int64
	HasMore       bool
}

// UpdateRequest is a direct single-entity update.
type UpdateRequest struct {
	Data          json.RawMessage
	DeviceID      string
	EntityType    string
	EntityID      string
	OperationID   string // optional; enables safe retries
	BaseTimestamp int64
	ClientWins    bool
}

// SessionManager is the entry point of every sync exchange.
type SessionManager struct {
	store       storage.Store
	coordinator *BatchCoordinator
	puller      *DeltaPuller
	registry    *Registry
	authorizer  Authorizer
	clock       *clock.Clock
	roles       map[string]Role
	logger      *slog.Logger
	now         func() time.Time
	opts        Options
}

// Config wires a SessionManager.
type Config struct {
	Logger     *slog.Logger
	Store      storage.Store
	Clock      *clock.Clock
	Authorizer Authorizer // defaults to DeviceAuthorizer
	Roles      map[string]Role
	Types      []EntityType
	Options    Options
}

// New builds the full engine: registry, resolver, processor, puller,
// coordinator and session manager. The clock is advanced past the newest
// write already in storage.
func New(ctx context.Context, cfg Config) (*SessionManager, error) {
	registry, err := NewRegistry(cfg.Types)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	latest, err := cfg.Store.MaxUpdatedAt(ctx)
	if err != nil {
		return nil, err
	}
	clk.Observe(latest)

	authorizer := cfg.Authorizer
	if authorizer == nil {
		authorizer = NewDeviceAuthorizer(cfg.Store)
	}

	opts := cfg.Options.withDefaults()
	processor := NewQueueProcessor(logger, cfg.Store, registry, NewTimestampResolver(), clk, opts)
	puller := NewDeltaPuller(logger, cfg.Store, registry, clk, opts)
	coordinator := NewBatchCoordinator(logger, puller, processor, opts)

	return NewSessionManager(logger, cfg.Store, coordinator, puller, registry, authorizer, clk, cfg.Roles, opts)
}

// NewSessionManager creates a session manager from its parts.
func NewSessionManager(
	logger *slog.Logger,
	store storage.Store,
	coordinator *BatchCoordinator,
	puller *DeltaPuller,
	registry *Registry,
	authorizer Authorizer,
	clk *clock.Clock,
	roles map[string]Role,
	opts Options,
) (*SessionManager, error) {
	normalized := make(map[string]Role, len(roles))
	for name, role := range roles {
		if len(role.EntityTypes) == 0 {
			return nil, fmt.Errorf("role %q has no entity types", name)
		}
		for _, t := range role.EntityTypes {
			if !registry.Has(t) {
				return nil, fmt.Errorf("role %q: %w: %q", name, ErrUnknownEntityType, t)
			}
		}
		if role.DefaultType == "" {
			role.DefaultType = role.EntityTypes[0]
		}
		if !slices.Contains(role.EntityTypes, role.DefaultType) {
			return nil, fmt.Errorf("role %q: default type %q is not one of its entity types", name, role.DefaultType)
		}
		normalized[name] = role
	}

	return &SessionManager{
		store:       store,
		coordinator: coordinator,
		puller:      puller,
		registry:    registry,
		authorizer:  authorizer,
		clock:       clk,
		roles:       normalized,
		logger:      logger,
		now:         time.Now,
		opts:        opts.withDefaults(),
	}, nil
}

// Registry returns the entity type registry.
func (s *SessionManager) Registry() *Registry {
	return s.registry
}

// Roles returns the configured role names, sorted.
func (s *SessionManager) Roles() []string {
	names := make([]string, 0, len(s.roles))
	for name := range s.roles {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Sync pushes the device's offline operations, then returns everything that
// changed for the role's entity types since the device's last sync.
//
// The high-water mark is taken before anything is written, so entities the
// session itself writes are delivered by the next sync, and the returned
// syncTimestamp never passes a write that was still uncommitted.
func (s *SessionManager) Sync(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	role, ok := s.roles[req.Role]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, req.Role)
	}

	session := &models.SyncSession{
		DeviceID:    req.DeviceID,
		ActorID:     req.ActorID,
		Role:        req.Role,
		EntityTypes: selectTypes(role.EntityTypes, req.EntityTypes),
		ResumeSync:  req.ResumeSync,
	}
	if err := s.authorizer.Authorize(ctx, session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if len(req.Operations) > s.opts.MaxBatchOperations {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(req.Operations), s.opts.MaxBatchOperations)
	}

	s.touchDevice(ctx, session, req.DeviceInfo)

	mark := s.clock.HighWater()
	session.StartTimestamp = mark
	started := s.now()

	policy := models.PolicyServerWins
	if req.ClientWins {
		policy = models.PolicyClientWins
	}

	results := s.coordinator.PushFlat(ctx, Batch{
		DeviceID:      req.DeviceID,
		DefaultType:   role.DefaultType,
		Policy:        policy,
		Operations:    req.Operations,
		BaseTimestamp: req.LastSyncTimestamp,
	})

	since := make(map[string]int64, len(session.EntityTypes))
	for _, t := range session.EntityTypes {
		since[t] = req.LastSyncTimestamp
		if req.ResumeSync && req.LastSyncTimestamp == 0 {
			since[t] = s.storedCheckpoint(ctx, req.DeviceID, t)
		}
	}

	pulled := s.coordinator.PullTypes(ctx, PullTypesRequest{
		Since:    since,
		Until:    mark,
		MaxItems: s.opts.MaxStreamItems,
	})

	out := &SyncResult{
		Entities:         make(map[string][]*models.Entity, len(pulled)),
		OperationResults: results,
	}
	syncTS, hasMore := s.advance(ctx, req.DeviceID, mark, since, pulled, out.Entities, true, nil)
	out.SyncTimestamp = max(syncTS, req.LastSyncTimestamp)
	out.HasMore = hasMore

	s.logger.InfoContext(ctx, "sync session completed",
		slog.String("device_id", session.DeviceID),
		slog.String("actor_id", session.ActorID),
		slog.String("role", session.Role),
		slog.Int("operations", len(req.Operations)),
		slog.Int("failed_operations", countFailed(results)),
		slog.Int("pulled", countItems(out.Entities)),
		slog.Int64("sync_timestamp", out.SyncTimestamp),
		slog.Bool("has_more", out.HasMore),
		slog.Duration("duration", s.now().Sub(started)),
	)

	return out, nil
}

// BatchPull returns the changes of several entity types since one timestamp.
// Unknown types fail individually. Checkpoints are only advanced for
// unfiltered pulls.
func (s *SessionManager) BatchPull(ctx context.Context, req BatchPullRequest) (*BatchPullResult, error) {
	if len(req.EntityTypes) == 0 {
		return nil, fmt.Errorf("%w: no entity types requested", ErrInvalidRequest)
	}

	out := &BatchPullResult{
		Entities: make(map[string][]*models.Entity, len(req.EntityTypes)),
		Errors:   make(map[string]*OperationError),
	}

	since := make(map[string]int64, len(req.EntityTypes))
	for _, t := range req.EntityTypes {
		if !s.registry.Has(t) {
			out.Errors[t] = validationError(CodeUnknownEntityType, "unknown entity type %q", t)
			continue
		}
		since[t] = req.Since
	}

	mark := s.clock.HighWater()
	pulled := s.coordinator.PullTypes(ctx, PullTypesRequest{
		Since:    since,
		BranchID: req.BranchID,
		Until:    mark,
		MaxItems: s.opts.MaxStreamItems,
	})

	saveCheckpoints := req.BranchID == "" && req.DeviceID != ""
	syncTS, hasMore := s.advance(ctx, req.DeviceID, mark, since, pulled, out.Entities, saveCheckpoints, out.Errors)
	out.SyncTimestamp = max(syncTS, req.Since)
	out.HasMore = hasMore

	return out, nil
}

// Pull returns one page of a delta pull.
func (s *SessionManager) Pull(ctx context.Context, req PullRequest) (*PullResult, error) {
	return s.puller.Pull(ctx, req)
}

// Upload creates entities from a batch upload keyed by local ids.
func (s *SessionManager) Upload(ctx context.Context, deviceID string, items map[string][]json.RawMessage) (map[string][]api.UploadResult, error) {
	total := 0
	for _, list := range items {
		total += len(list)
	}
	if total > s.opts.MaxBatchOperations {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, total, s.opts.MaxBatchOperations)
	}
	return s.coordinator.Upload(ctx, deviceID, items), nil
}

// Update applies one direct update through the same pipeline as offline
// operations.
func (s *SessionManager) Update(ctx context.Context, req UpdateRequest) (api.OperationResult, error) {
	if !s.registry.Has(req.EntityType) {
		return api.OperationResult{}, fmt.Errorf("%w: %q", ErrUnknownEntityType, req.EntityType)
	}

	opID := req.OperationID
	if opID == "" {
		opID = "put-" + uuid.NewString()
	}
	base := api.Timestamp(req.BaseTimestamp)

	policy := models.PolicyServerWins
	if req.ClientWins {
		policy = models.PolicyClientWins
	}

	results := s.coordinator.PushFlat(ctx, Batch{
		DeviceID:    req.DeviceID,
		DefaultType: req.EntityType,
		Policy:      policy,
		Operations: []api.OfflineOperation{{
			ID:            opID,
			Endpoint:      req.EntityType + "/" + req.EntityID,
			Method:        http.MethodPut,
			EntityType:    req.EntityType,
			Data:          req.Data,
			Timestamp:     api.TimestampFromTime(s.now()),
			BaseTimestamp: &base,
		}},
	})
	return results[0], nil
}

// Conflicts returns the device's most recent conflict records.
func (s *SessionManager) Conflicts(ctx context.Context, deviceID string, limit int) ([]*models.ConflictRecord, error) {
	if limit <= 0 || limit > s.opts.MaxConflicts {
		limit = s.opts.MaxConflicts
	}
	return s.store.ListConflicts(ctx, deviceID, limit)
}

// Ping checks storage health.
func (s *SessionManager) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// advance collects pulled entities, writes checkpoints and computes the
// timestamp the client may resume from: the session mark, lowered to the
// delivered bound of any truncated or failed type.
func (s *SessionManager) advance(
	ctx context.Context,
	deviceID string,
	mark int64,
	since map[string]int64,
	pulled map[string]*TypeResult,
	entities map[string][]*models.Entity,
	saveCheckpoints bool,
	errs map[string]*OperationError,
) (int64, bool) {
	syncTS := mark
	hasMore := false

	for entityType, from := range since {
		res, ok := pulled[entityType]
		if !ok || res.Err != nil {
			hasMore = true
			syncTS = min(syncTS, from)
			if errs != nil {
				var cause error = errors.New("pull did not run")
				if ok {
					cause = res.Err
				}
				errs[entityType] = classifyError(ctx, cause)
			}
			continue
		}

		entities[entityType] = res.Items
		if res.Truncated {
			hasMore = true
			syncTS = min(syncTS, res.Through)
		}

		if !saveCheckpoints {
			continue
		}
		err := s.store.SaveCheckpoint(ctx, &models.SyncCheckpoint{
			DeviceID:      deviceID,
			EntityType:    entityType,
			SyncTimestamp: res.Through,
			UpdatedAt:     s.now().UTC(),
		})
		if err != nil {
			s.logger.WarnContext(ctx, "failed to save checkpoint",
				slog.String("device_id", deviceID),
				slog.String("entity_type", entityType),
				slog.Any("error", err),
			)
		}
	}

	return syncTS, hasMore
}

func (s *SessionManager) storedCheckpoint(ctx context.Context, deviceID, entityType string) int64 {
	cp, err := s.store.GetCheckpoint(ctx, deviceID, entityType)
	if err != nil {
		if !errors.Is(err, storage.ErrCheckpointNotFound) {
			s.logger.WarnContext(ctx, "failed to read checkpoint, pulling from scratch",
				slog.String("device_id", deviceID),
				slog.String("entity_type", entityType),
				slog.Any("error", err),
			)
		}
		return 0
	}
	return cp.SyncTimestamp
}

func (s *SessionManager) touchDevice(ctx context.Context, session *models.SyncSession, info *api.DeviceInfo) {
	d := &models.Device{
		ID:         session.DeviceID,
		ActorID:    session.ActorID,
		Role:       session.Role,
		LastSeenAt: s.now().UTC(),
	}
	if info != nil {
		d.Platform = info.Platform
		d.AppVersion = info.AppVersion
		d.Model = info.Model
	}
	if err := s.store.UpsertDevice(ctx, d); err != nil {
		s.logger.WarnContext(ctx, "failed to record device", slog.String("device_id", d.ID), slog.Any("error", err))
	}
}

// selectTypes narrows the role's types to the requested ones, keeping role order.
func selectTypes(roleTypes, requested []string) []string {
	if len(requested) == 0 {
		return roleTypes
	}
	out := make([]string, 0, len(requested))
	for _, t := range roleTypes {
		if slices.Contains(requested, t) {
			out = append(out, t)
		}
	}
	return out
}

func countFailed(results []api.OperationResult) int {
	n := 0
	for _, r := range results {
		if !r.Success {
			n++
		}
	}
	return n
}

func countItems(entities map[string][]*models.Entity) int {
	n := 0
	for _, items := range entities {
		n += len(items)
	}
	return n
}
