package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/fieldsync/internal/clock"
	"github.com/iudanet/fieldsync/internal/crypto"
	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server/storage"
	"github.com/iudanet/fieldsync/pkg/api"
)

// Batch is a set of offline operations submitted by one device.
type Batch struct {
	DeviceID    string
	DefaultType string // entity type for endpoints that do not name one
	Policy      models.ConflictPolicy
	Operations  []api.OfflineOperation
	// BaseTimestamp is used for operations that do not carry their own.
	BaseTimestamp int64
}

// QueueProcessor applies batches of offline operations.
//
// Operations on the same entity run sequentially in client timestamp order;
// operations on different entities run concurrently. Each operation is
// isolated: its own timeout and its own result, and a failure never aborts
// the rest of the batch.
type QueueProcessor struct {
	store    storage.Store
	registry *Registry
	resolver ConflictResolver
	clock    *clock.Clock
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	opts     Options
}

// NewQueueProcessor creates a processor.
func NewQueueProcessor(logger *slog.Logger, store storage.Store, registry *Registry, resolver ConflictResolver, clk *clock.Clock, opts Options) *QueueProcessor {
	return &QueueProcessor{
		store:    store,
		registry: registry,
		resolver: resolver,
		clock:    clk,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
		opts:     opts.withDefaults(),
	}
}

// Process applies every operation of b and returns one result per submitted
// operation, in submission order.
func (p *QueueProcessor) Process(ctx context.Context, b Batch) []api.OperationResult {
	results := make([]api.OperationResult, len(b.Operations))
	if len(b.Operations) == 0 {
		return results
	}

	policy := b.Policy
	if policy == "" {
		policy = models.PolicyServerWins
	}

	st := newBatchState()
	groups := make(map[string][]*models.OfflineOperation)
	var order []string
	groupOfID := make(map[string]string)

	decoded := make([]*models.OfflineOperation, 0, len(b.Operations))
	// operations naming both ids tie the local key to the server entity
	aliases := make(map[string]string)
	for i, src := range b.Operations {
		op, err := decodeOperation(p.registry, src, b.DeviceID, b.DefaultType, i, b.BaseTimestamp)
		if err != nil {
			results[i] = failureResult(src.ID, src.LocalID, classifyError(ctx, err))
			continue
		}
		if op.EntityID != "" && op.LocalID != "" {
			aliases[op.LocalTarget()] = op.Target()
		}
		decoded = append(decoded, op)
	}

	for _, op := range decoded {
		key := op.Target()
		if alias, ok := aliases[key]; ok {
			key = alias
		}
		// a repeated operation id joins its first occurrence so it observes
		// the idempotency record written there
		if first, ok := groupOfID[op.ID]; ok {
			key = first
		} else {
			groupOfID[op.ID] = key
		}

		if op.Intent == models.IntentCreate && op.LocalID != "" {
			st.expectCreate(op.EntityType, op.LocalID)
		}

		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], op)
	}

	g := new(errgroup.Group)
	g.SetLimit(p.opts.Workers)
	for _, key := range order {
		ops := groups[key]
		sort.SliceStable(ops, func(i, j int) bool {
			if ops[i].ClientTimestamp != ops[j].ClientTimestamp {
				return ops[i].ClientTimestamp < ops[j].ClientTimestamp
			}
			return ops[i].Index < ops[j].Index
		})

		g.Go(func() error {
			for _, op := range ops {
				results[op.Index] = p.apply(ctx, policy, op, st)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (p *QueueProcessor) apply(parent context.Context, policy models.ConflictPolicy, op *models.OfflineOperation, st *batchState) api.OperationResult {
	ctx, cancel := context.WithTimeout(parent, p.opts.OperationTimeout)
	defer cancel()

	logger := p.logger.With(
		slog.String("device_id", op.DeviceID),
		slog.String("operation_id", op.ID),
		slog.String("entity_type", op.EntityType),
		slog.String("intent", string(op.Intent)),
	)

	res, err := p.applyOnce(ctx, logger, policy, op, st)
	if err != nil {
		opErr := classifyError(ctx, err)
		st.finishCreate(op, opErr)
		if opErr.Kind == KindTransient {
			logger.WarnContext(ctx, "operation failed", slog.String("code", opErr.Code), slog.Any("error", err))
		} else {
			logger.DebugContext(ctx, "operation rejected", slog.String("code", opErr.Code), slog.String("reason", opErr.Message))
		}
		return failureResult(op.ID, op.LocalID, opErr)
	}

	st.finishCreate(op, nil)
	return res
}

func (p *QueueProcessor) applyOnce(ctx context.Context, logger *slog.Logger, policy models.ConflictPolicy, op *models.OfflineOperation, st *batchState) (api.OperationResult, error) {
	fingerprint, err := crypto.FingerprintOperation(op.EntityType, string(op.Intent), op.Target(), op.Payload)
	if err != nil {
		return api.OperationResult{}, err
	}

	rec, err := p.store.GetIdempotencyRecord(ctx, op.DeviceID, op.ID)
	switch {
	case err == nil:
		return p.replay(ctx, logger, rec, fingerprint)
	case !errors.Is(err, storage.ErrRecordNotFound):
		return api.OperationResult{}, err
	}

	entityType, handler, err := p.registry.Lookup(op.EntityType, op.Intent)
	if err != nil {
		return api.OperationResult{}, err
	}

	entityID, existing, err := p.resolveTarget(ctx, op, st)
	if err != nil {
		return api.OperationResult{}, err
	}
	if existing != nil {
		// create replayed under a new operation id; the local id already maps
		logger.DebugContext(ctx, "local id already created", slog.String("local_id", op.LocalID), slog.String("entity_id", existing.ID))
		return api.OperationResult{ID: op.ID, LocalID: op.LocalID, Success: true, Data: existing.Record(), Idempotent: true}, nil
	}

	key := op.EntityType + "/" + entityID

	for attempt := 1; attempt <= p.opts.MaxWriteAttempts; attempt++ {
		current, err := p.store.GetEntity(ctx, op.EntityType, entityID)
		switch {
		case errors.Is(err, storage.ErrEntityNotFound):
			current = nil
		case err != nil:
			return api.OperationResult{}, err
		}

		effective := *op
		effective.EntityID = entityID
		effective.BaseTimestamp = st.rebase(key, op.BaseTimestamp)

		if current == nil && op.Intent != models.IntentCreate {
			return api.OperationResult{}, notFoundError(CodeEntityNotFound, false, "%s/%s does not exist", op.EntityType, entityID)
		}

		resolution := p.resolver.Resolve(&effective, current, policy)
		if !resolution.Accept {
			if err := p.store.SaveConflict(ctx, resolution.Conflict); err != nil {
				logger.WarnContext(ctx, "failed to record conflict", slog.Any("error", err))
			}
			logger.InfoContext(ctx, "operation conflicts with newer server state",
				slog.String("entity_id", entityID),
				slog.Int64("base_timestamp", effective.BaseTimestamp),
				slog.Int64("server_updated_at", current.Version.UpdatedAt),
			)
			return conflictResult(op, current, resolution.Conflict), nil
		}

		data, err := handler(Mutation{Current: current, Op: &effective, Type: entityType, EntityID: entityID})
		if err != nil {
			return api.OperationResult{}, err
		}

		res, err := p.commit(ctx, op, entityID, current, data, resolution.Conflict, fingerprint, key, st)
		switch {
		case err == nil:
			if resolution.Conflict != nil {
				logger.InfoContext(ctx, "stale operation applied by client-wins override", slog.String("entity_id", entityID))
			}
			return res, nil
		case errors.Is(err, storage.ErrStaleWrite), errors.Is(err, storage.ErrEntityExists):
			logger.DebugContext(ctx, "concurrent write, re-evaluating", slog.Int("attempt", attempt))
			continue
		case errors.Is(err, storage.ErrDuplicateOperation):
			rec, err := p.store.GetIdempotencyRecord(ctx, op.DeviceID, op.ID)
			if err != nil {
				return api.OperationResult{}, err
			}
			return p.replay(ctx, logger, rec, fingerprint)
		case errors.Is(err, storage.ErrMappingExists):
			_, existing, err := p.resolveTarget(ctx, op, st)
			if err != nil {
				return api.OperationResult{}, err
			}
			if existing == nil {
				return api.OperationResult{}, transientError(CodeConcurrentWrite, fmt.Errorf("local id %q is being created concurrently", op.LocalID))
			}
			return api.OperationResult{ID: op.ID, LocalID: op.LocalID, Success: true, Data: existing.Record(), Idempotent: true}, nil
		default:
			return api.OperationResult{}, err
		}
	}

	return api.OperationResult{}, transientError(CodeConcurrentWrite,
		fmt.Errorf("%s/%s kept changing after %d attempts", op.EntityType, entityID, p.opts.MaxWriteAttempts))
}

func (p *QueueProcessor) commit(
	ctx context.Context,
	op *models.OfflineOperation,
	entityID string,
	current *models.Entity,
	data json.RawMessage,
	conflict *models.ConflictRecord,
	fingerprint string,
	key string,
	st *batchState,
) (api.OperationResult, error) {
	now := p.now().UTC()

	var floor int64
	entity := &models.Entity{
		Type:      op.EntityType,
		ID:        entityID,
		Data:      data,
		BranchID:  branchOf(data),
		CreatedAt: now,
		Version:   models.EntityVersion{EntityID: entityID, Revision: 1},
	}
	if current != nil {
		floor = current.Version.UpdatedAt
		entity.CreatedAt = current.CreatedAt
		entity.Version.Revision = current.Version.Revision + 1
		if entity.BranchID == "" {
			entity.BranchID = current.BranchID
		}
	}

	ts, release := p.clock.Reserve(floor)
	defer release()
	entity.Version.UpdatedAt = ts

	result := api.OperationResult{
		ID:      op.ID,
		LocalID: op.LocalID,
		Success: true,
		Data:    entity.Record(),
	}
	snapshot, err := json.Marshal(result)
	if err != nil {
		return api.OperationResult{}, fmt.Errorf("failed to encode result: %w", err)
	}

	w := &models.EntityWrite{
		Entity: entity,
		Idempotency: &models.IdempotencyRecord{
			DeviceID:    op.DeviceID,
			OperationID: op.ID,
			EntityType:  op.EntityType,
			EntityID:    entityID,
			Fingerprint: fingerprint,
			Result:      snapshot,
			CreatedAt:   now,
		},
		Conflict: conflict,
	}
	if current != nil {
		expected := current.Version
		w.Expected = &expected
	}
	if op.Intent == models.IntentCreate && op.LocalID != "" && current == nil {
		w.Mapping = &models.LocalIDMapping{
			DeviceID:   op.DeviceID,
			EntityType: op.EntityType,
			LocalID:    op.LocalID,
			ServerID:   entityID,
			CreatedAt:  now,
		}
	}

	if err := p.store.CommitWrite(ctx, w); err != nil {
		return api.OperationResult{}, err
	}

	st.recordWrite(key, floor, ts)
	return result, nil
}

// resolveTarget returns the server id an operation addresses. For creates
// whose local id was already created it returns the existing entity instead.
func (p *QueueProcessor) resolveTarget(ctx context.Context, op *models.OfflineOperation, st *batchState) (string, *models.Entity, error) {
	if op.Intent == models.IntentCreate {
		if op.LocalID != "" {
			m, err := p.store.GetMapping(ctx, op.DeviceID, op.EntityType, op.LocalID)
			switch {
			case err == nil:
				existing, err := p.store.GetEntity(ctx, op.EntityType, m.ServerID)
				if err != nil {
					return "", nil, err
				}
				return m.ServerID, existing, nil
			case !errors.Is(err, storage.ErrMappingNotFound):
				return "", nil, err
			}
		}
		if op.EntityID != "" {
			return op.EntityID, nil, nil
		}
		return p.newID(), nil, nil
	}

	if op.EntityID != "" {
		return op.EntityID, nil, nil
	}

	m, err := p.store.GetMapping(ctx, op.DeviceID, op.EntityType, op.LocalID)
	if err != nil {
		if errors.Is(err, storage.ErrMappingNotFound) {
			return "", nil, notFoundError(CodeLocalIDUnresolved, st.createRetryable(op.EntityType, op.LocalID),
				"local id %q of %s has no server id", op.LocalID, op.EntityType)
		}
		return "", nil, err
	}
	return m.ServerID, nil, nil
}

func (p *QueueProcessor) replay(ctx context.Context, logger *slog.Logger, rec *models.IdempotencyRecord, fingerprint string) (api.OperationResult, error) {
	var res api.OperationResult
	if err := json.Unmarshal(rec.Result, &res); err != nil {
		return api.OperationResult{}, fmt.Errorf("corrupt idempotency record: %w", err)
	}
	res.Idempotent = true

	if rec.Fingerprint != "" && rec.Fingerprint != fingerprint {
		logger.WarnContext(ctx, "operation id reused with a different payload, replaying original outcome")
	} else {
		logger.DebugContext(ctx, "operation replayed")
	}
	return res, nil
}

func failureResult(id, localID string, e *OperationError) api.OperationResult {
	return api.OperationResult{
		ID:      id,
		LocalID: localID,
		Success: false,
		Error:   e.API(),
	}
}

func conflictResult(op *models.OfflineOperation, current *models.Entity, rec *models.ConflictRecord) api.OperationResult {
	res := failureResult(op.ID, op.LocalID, conflictError(current.Type, current.ID))
	res.Conflict = &api.ConflictInfo{
		ServerValue:     current.Record(),
		ConflictID:      rec.ID,
		ServerUpdatedAt: api.Timestamp(current.Version.UpdatedAt),
		BaseTimestamp:   api.Timestamp(rec.BaseTimestamp),
	}
	return res
}

type createState int

const (
	createPending createState = iota
	createDone
	createFailedRetryable
	createFailedTerminal
)

type ownWrite struct {
	before int64
	after  int64
}

// batchState is shared by all groups of one batch.
type batchState struct {
	creates map[string]createState
	writes  map[string]ownWrite
	mu      sync.Mutex
}

func newBatchState() *batchState {
	return &batchState{
		creates: make(map[string]createState),
		writes:  make(map[string]ownWrite),
	}
}

func (s *batchState) expectCreate(entityType, localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates[entityType+"/"+localID] = createPending
}

func (s *batchState) finishCreate(op *models.OfflineOperation, err *OperationError) {
	if op.Intent != models.IntentCreate || op.LocalID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := op.EntityType + "/" + op.LocalID
	switch {
	case err == nil:
		s.creates[key] = createDone
	case err.Retryable:
		s.creates[key] = createFailedRetryable
	default:
		s.creates[key] = createFailedTerminal
	}
}

// createRetryable reports whether a reference to localID may resolve on a
// resubmission: its create is part of this batch and has not failed terminally.
func (s *batchState) createRetryable(entityType, localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.creates[entityType+"/"+localID]
	if !ok {
		return false
	}
	return state != createFailedTerminal
}

// rebase lets a later operation of the batch build on a version the same
// batch wrote: if it was based on a state at or after the one the batch
// started from, its base moves to the batch's latest write.
func (s *batchState) rebase(key string, base int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.writes[key]
	if !ok || base < w.before || base >= w.after {
		return base
	}
	return w.after
}

func (s *batchState) recordWrite(key string, before, after int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.writes[key]; ok && w.after == before {
		before = w.before
	}
	s.writes[key] = ownWrite{before: before, after: after}
}
