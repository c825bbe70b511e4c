// Package outbox keeps the operations a device records offline and pushes
// them to the server when a connection is available.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/iudanet/fieldsync/internal/client/api"
	"github.com/iudanet/fieldsync/internal/client/storage"
	pkgapi "github.com/iudanet/fieldsync/pkg/api"
)

const (
	// codeConflict is the per-operation error code of a rejected stale write.
	codeConflict = "CONFLICT"

	defaultBatchSize   = 100
	defaultMaxRetries  = 4
	defaultBackoffBase = 500 * time.Millisecond
	maxPullRounds      = 1000
)

var (
	// ErrNoRole is returned when neither the session nor the caller names a role.
	ErrNoRole = errors.New("role is required for sync")
	// ErrNotResolvable is returned by Resolve for entries that are pending.
	ErrNotResolvable = errors.New("operation has nothing to resolve")
)

// Store is the device storage the outbox works on.
type Store interface {
	storage.OutboxStorage
	storage.MetadataStorage
	storage.LocalIDStorage
	storage.EntityStorage
}

// Session identifies who syncs. It is the opened storage.AuthData.
type Session struct {
	AccessToken string
	DeviceID    string
	Role        string
}

// Service is the device outbox.
type Service struct {
	apiClient  api.ClientAPI
	store      Store
	logger     *slog.Logger
	now        func() time.Time
	newBackoff func() retry.Backoff
	appVersion string
	batchSize  int
	maxPages   int
}

// Option configures a Service.
type Option func(*Service)

// WithRetry sets the backoff used for requests that fail with a network
// error, 5xx or 429: exponential from base with 10% jitter, at most
// maxRetries retries.
func WithRetry(maxRetries uint64, base time.Duration) Option {
	return func(s *Service) {
		s.newBackoff = func() retry.Backoff {
			b := retry.NewExponential(base)
			b = retry.WithJitterPercent(10, b)
			return retry.WithMaxRetries(maxRetries, b)
		}
	}
}

// WithBatchSize caps the operations sent in one request.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithMaxPages caps the pages one Pull fetches.
func WithMaxPages(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPages = n
		}
	}
}

// WithAppVersion sets the version reported in deviceInfo.
func WithAppVersion(v string) Option {
	return func(s *Service) { s.appVersion = v }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an outbox service.
func NewService(apiClient api.ClientAPI, store Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		apiClient: apiClient,
		store:     store,
		logger:    logger,
		now:       time.Now,
		batchSize: defaultBatchSize,
		maxPages:  maxPullRounds,
	}
	WithRetry(defaultMaxRetries, defaultBackoffBase)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// baseOf returns the version of an entity the device has seen: the cached
// copy, or else the last sync as of now. The value is stored with the
// operation so later syncs cannot move it forward.
func (s *Service) baseOf(ctx context.Context, entityType, entityID string) (pkgapi.Timestamp, error) {
	cached, err := s.store.GetEntity(ctx, entityType, entityID)
	switch {
	case err == nil:
		return cached.UpdatedAt, nil
	case !errors.Is(err, storage.ErrEntityNotFound):
		return 0, fmt.Errorf("failed to read cached entity: %w", err)
	}

	last, err := s.store.GetLastSyncTimestamp(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read last sync: %w", err)
	}
	return pkgapi.Timestamp(last), nil
}

// Mutation is a change recorded on the device.
type Mutation struct {
	BaseTimestamp *pkgapi.Timestamp
	Data          json.RawMessage
	EntityType    string
	EntityID      string
	LocalID       string
	Action        string // "status" or the name of a list field to append to
	Method        string
}

// IsCreate reports whether m creates a new entity.
func (m Mutation) IsCreate() bool {
	return m.EntityID == "" && m.Action == "" && (m.Method == "" || strings.EqualFold(m.Method, http.MethodPost))
}

// Enqueue records m in the outbox. Creates get a local id when none is
// given, updates of an entity created offline use its server id once known,
// and the base timestamp defaults to the cached copy's updatedAt.
func (s *Service) Enqueue(ctx context.Context, m Mutation) (*storage.PendingOperation, error) {
	if m.EntityType == "" {
		return nil, fmt.Errorf("entity type is required")
	}
	method := strings.ToUpper(m.Method)
	switch method {
	case "":
		method = http.MethodPost
		if m.EntityID != "" && m.Action == "" {
			method = http.MethodPut
		}
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, fmt.Errorf("method %s cannot be recorded offline", method)
	}
	if len(m.Data) > 0 && !json.Valid(m.Data) {
		return nil, fmt.Errorf("data is not valid JSON")
	}

	create := m.IsCreate()
	if create && m.LocalID == "" {
		m.LocalID = "local-" + uuid.NewString()
	}
	if !create && m.EntityID == "" {
		if m.LocalID == "" {
			return nil, fmt.Errorf("entity id or local id is required")
		}
		serverID, err := s.store.ResolveLocalID(ctx, m.LocalID)
		switch {
		case err == nil:
			m.EntityID = serverID
		case errors.Is(err, storage.ErrMappingNotFound):
			// the server resolves it once the create is applied
		default:
			return nil, fmt.Errorf("failed to resolve local id: %w", err)
		}
	}

	if m.BaseTimestamp == nil && m.EntityID != "" {
		base, err := s.baseOf(ctx, m.EntityType, m.EntityID)
		if err != nil {
			return nil, err
		}
		m.BaseTimestamp = &base
	}

	endpoint := m.EntityType
	if m.EntityID != "" {
		endpoint += "/" + m.EntityID
	}
	if m.Action != "" {
		endpoint += "/" + m.Action
	}

	now := s.now()
	op := &storage.PendingOperation{
		EnqueuedAt: now.UTC(),
		State:      storage.StatePending,
		Operation: pkgapi.OfflineOperation{
			ID:            uuid.NewString(),
			Endpoint:      endpoint,
			Method:        method,
			EntityType:    m.EntityType,
			EntityID:      m.EntityID,
			LocalID:       m.LocalID,
			Data:          m.Data,
			Timestamp:     pkgapi.TimestampFromTime(now),
			BaseTimestamp: m.BaseTimestamp,
		},
	}
	if create && len(m.Data) == 0 {
		op.Operation.Data = json.RawMessage(`{}`)
	}

	if _, err := s.store.Enqueue(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to enqueue operation: %w", err)
	}

	s.logger.DebugContext(ctx, "operation enqueued",
		slog.String("operation_id", op.Operation.ID),
		slog.String("endpoint", endpoint),
		slog.String("method", method),
	)
	return op, nil
}

// SyncResult summarizes one Sync call.
type SyncResult struct {
	Pushed        int
	Applied       int
	Conflicts     int
	Failed        int
	Retrying      int
	Pulled        int
	Rounds        int
	SyncTimestamp pkgapi.Timestamp
	Incomplete    bool // the server kept reporting hasMore without progress
}

// round is one stream sync request.
type round struct {
	ops        []*storage.PendingOperation
	clientWins bool
}

// Sync pushes every pending operation and pulls what changed on the server.
// Operations marked client-wins go in requests of their own since the
// policy applies per request. Sync continues while the server reports
// hasMore.
func (s *Service) Sync(ctx context.Context, sess Session) (*SyncResult, error) {
	if sess.Role == "" {
		return nil, ErrNoRole
	}

	lastSync, err := s.store.GetLastSyncTimestamp(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to get last sync timestamp, using 0", slog.Any("error", err))
		lastSync = 0
	}

	pending, err := s.store.List(ctx, storage.StatePending)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}

	s.logger.InfoContext(ctx, "starting sync",
		slog.String("device_id", sess.DeviceID),
		slog.String("role", sess.Role),
		slog.Int("pending", len(pending)),
		slog.Int64("last_sync", lastSync),
	)

	rounds := s.plan(pending)
	result := &SyncResult{SyncTimestamp: pkgapi.Timestamp(lastSync)}

	for i := 0; i < maxPullRounds; i++ {
		var r round
		if i < len(rounds) {
			r = rounds[i]
		}

		data, err := s.send(ctx, sess, r, result.SyncTimestamp)
		if err != nil {
			s.markAttempt(ctx, r.ops, err)
			result.Retrying += len(r.ops)
			return result, err
		}
		result.Rounds++
		result.Pushed += len(r.ops)

		if err := s.reconcile(ctx, r.ops, data.OperationResults, result); err != nil {
			return result, err
		}

		pulled, err := s.save(ctx, data.Entities, data.SyncTimestamp)
		if err != nil {
			return result, err
		}
		result.Pulled += pulled

		progressed := data.SyncTimestamp > result.SyncTimestamp
		if progressed {
			result.SyncTimestamp = data.SyncTimestamp
		}
		if err := s.store.SaveLastSyncTimestamp(ctx, result.SyncTimestamp.Millis()); err != nil {
			return result, fmt.Errorf("failed to save last sync timestamp: %w", err)
		}

		if i+1 < len(rounds) {
			continue
		}
		if !data.HasMore {
			break
		}
		if !progressed && len(r.ops) == 0 {
			result.Incomplete = true
			break
		}
	}

	s.logger.InfoContext(ctx, "sync completed",
		slog.Int("pushed", result.Pushed),
		slog.Int("applied", result.Applied),
		slog.Int("conflicts", result.Conflicts),
		slog.Int("failed", result.Failed),
		slog.Int("retrying", result.Retrying),
		slog.Int("pulled", result.Pulled),
		slog.Int64("sync_timestamp", result.SyncTimestamp.Millis()),
	)
	return result, nil
}

func (s *Service) plan(pending []*storage.PendingOperation) []round {
	var normal, wins []*storage.PendingOperation
	for _, op := range pending {
		if op.ClientWins {
			wins = append(wins, op)
		} else {
			normal = append(normal, op)
		}
	}

	var rounds []round
	for _, group := range []struct {
		ops        []*storage.PendingOperation
		clientWins bool
	}{{normal, false}, {wins, true}} {
		for start := 0; start < len(group.ops); start += s.batchSize {
			end := min(start+s.batchSize, len(group.ops))
			rounds = append(rounds, round{ops: group.ops[start:end], clientWins: group.clientWins})
		}
	}
	return rounds
}

func (s *Service) send(ctx context.Context, sess Session, r round, since pkgapi.Timestamp) (*pkgapi.StreamSyncData, error) {
	req := pkgapi.StreamSyncRequest{
		LastSyncTimestamp: since,
		OfflineOperations: make([]pkgapi.OfflineOperation, 0, len(r.ops)),
		DeviceInfo: &pkgapi.DeviceInfo{
			DeviceID:   sess.DeviceID,
			Platform:   runtime.GOOS,
			AppVersion: s.appVersion,
		},
	}
	for _, op := range r.ops {
		req.OfflineOperations = append(req.OfflineOperations, op.Operation)
	}

	var data *pkgapi.StreamSyncData
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		data, err = s.apiClient.Sync(ctx, sess.AccessToken, sess.Role, r.clientWins, req)
		return err
	})
	return data, err
}

// withRetry repeats fn while it fails with a temporary error.
func (s *Service) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, s.newBackoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && api.IsTemporary(err) {
			s.logger.WarnContext(ctx, "request failed, retrying",
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			return retry.RetryableError(err)
		}
		return err
	})
}

// reconcile applies per-operation results to the outbox.
func (s *Service) reconcile(ctx context.Context, ops []*storage.PendingOperation, results []pkgapi.OperationResult, out *SyncResult) error {
	byID := make(map[string]pkgapi.OperationResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	for _, op := range ops {
		res, ok := byID[op.Operation.ID]
		if !ok {
			// a result the server did not return is retried next time
			op.Attempts++
			op.LastError = &pkgapi.OperationError{Code: "NO_RESULT", Message: "server returned no result", Retryable: true}
			out.Retrying++
			if err := s.store.Update(ctx, op); err != nil {
				return fmt.Errorf("failed to update outbox: %w", err)
			}
			continue
		}

		var err error
		switch {
		case res.Success:
			out.Applied++
			err = s.applied(ctx, op, res)
		case res.Conflict != nil || (res.Error != nil && res.Error.Code == codeConflict):
			out.Conflicts++
			op.State = storage.StateConflict
			op.LastError = res.Error
			if res.Conflict != nil {
				op.ServerValue = res.Conflict.ServerValue
				if op.ServerValue != nil {
					_, err = s.store.SaveEntities(ctx, []pkgapi.EntityRecord{*op.ServerValue})
				}
			}
			if err == nil {
				err = s.store.Update(ctx, op)
			}
		case res.Error != nil && res.Error.Retryable:
			out.Retrying++
			op.Attempts++
			op.LastError = res.Error
			err = s.store.Update(ctx, op)
		default:
			out.Failed++
			op.State = storage.StateFailed
			op.LastError = res.Error
			err = s.store.Update(ctx, op)
		}
		if err != nil {
			return fmt.Errorf("failed to reconcile operation %s: %w", op.Operation.ID, err)
		}

		if !res.Success {
			s.logger.WarnContext(ctx, "operation not applied",
				slog.String("operation_id", op.Operation.ID),
				slog.String("state", string(op.State)),
				slog.Any("error", res.Error),
			)
		}
	}
	return nil
}

func (s *Service) applied(ctx context.Context, op *storage.PendingOperation, res pkgapi.OperationResult) error {
	if res.Data != nil {
		if op.Operation.LocalID != "" {
			if err := s.store.SaveMapping(ctx, op.Operation.LocalID, res.Data.ID); err != nil {
				return err
			}
		}
		if _, err := s.store.SaveEntities(ctx, []pkgapi.EntityRecord{*res.Data}); err != nil {
			return err
		}
	}
	return s.store.Delete(ctx, op.Operation.ID)
}

// markAttempt records a request-level failure on every operation it carried.
func (s *Service) markAttempt(ctx context.Context, ops []*storage.PendingOperation, cause error) {
	opErr := &pkgapi.OperationError{Code: "REQUEST_FAILED", Message: cause.Error(), Retryable: api.IsTemporary(cause)}
	var se *api.StatusError
	if errors.As(cause, &se) {
		opErr.Code = se.Code
	}
	for _, op := range ops {
		op.Attempts++
		op.LastError = opErr
		if err := s.store.Update(ctx, op); err != nil {
			s.logger.ErrorContext(ctx, "failed to record attempt",
				slog.String("operation_id", op.Operation.ID),
				slog.Any("error", err),
			)
		}
	}
}

// save caches pulled entities and moves each delivered type's checkpoint.
func (s *Service) save(ctx context.Context, entities map[string][]pkgapi.EntityRecord, through pkgapi.Timestamp) (int, error) {
	total := 0
	for entityType, items := range entities {
		n, err := s.store.SaveEntities(ctx, items)
		if err != nil {
			return total, fmt.Errorf("failed to save %s: %w", entityType, err)
		}
		total += n
		if err := s.store.SaveCheckpoint(ctx, entityType, through.Millis()); err != nil {
			return total, fmt.Errorf("failed to save checkpoint: %w", err)
		}
	}
	return total, nil
}

// PullResult summarizes a delta pull of one entity type.
type PullResult struct {
	EntityType    string
	Pages         int
	Pulled        int
	SyncTimestamp pkgapi.Timestamp
	// Incomplete is set when the page cap was reached before the last page.
	Incomplete bool
}

// Pull pages through GET /sync/{entityType} from the type's checkpoint.
// The first page's syncTimestamp pins the upper bound of later pages so the
// result is one consistent snapshot.
func (s *Service) Pull(ctx context.Context, sess Session, entityType, branchID string, limit int) (*PullResult, error) {
	checkpoints, err := s.store.GetCheckpoints(ctx)
	if err != nil {
		return nil, err
	}

	q := api.PullQuery{
		EntityType:   entityType,
		BranchID:     branchID,
		LastSyncTime: pkgapi.Timestamp(checkpoints[entityType]),
		Limit:        limit,
	}
	out := &PullResult{EntityType: entityType, SyncTimestamp: q.LastSyncTime}

	var (
		complete bool
		last     pkgapi.Timestamp
	)
	for out.Pages < s.maxPages {
		var page *pkgapi.DeltaResponse
		err := s.withRetry(ctx, func(ctx context.Context) error {
			var err error
			page, err = s.apiClient.Pull(ctx, sess.AccessToken, q)
			return err
		})
		if err != nil {
			return out, err
		}
		out.Pages++

		n, err := s.store.SaveEntities(ctx, page.Items)
		if err != nil {
			return out, fmt.Errorf("failed to save %s: %w", entityType, err)
		}
		out.Pulled += n

		if q.Until == 0 {
			q.Until = page.SyncTimestamp
		}
		if k := len(page.Items); k > 0 {
			last = page.Items[k-1].UpdatedAt
		}
		if !page.Pagination.HasMore {
			complete = true
			break
		}
		if page.Pagination.NextCursor == "" {
			break
		}
		q.Cursor = page.Pagination.NextCursor
	}

	out.SyncTimestamp = max(q.Until, q.LastSyncTime)
	if !complete {
		// rows sharing the last delivered timestamp may still be unread
		out.Incomplete = true
		out.SyncTimestamp = max(last-1, q.LastSyncTime)
	}
	// branch-filtered pulls do not cover the whole type
	if branchID == "" {
		if err := s.store.SaveCheckpoint(ctx, entityType, out.SyncTimestamp.Millis()); err != nil {
			return out, fmt.Errorf("failed to save checkpoint: %w", err)
		}
	}

	s.logger.InfoContext(ctx, "pull completed",
		slog.String("entity_type", entityType),
		slog.Int("pages", out.Pages),
		slog.Int("pulled", out.Pulled),
		slog.Bool("incomplete", out.Incomplete),
	)
	return out, nil
}

// BatchPullResult summarizes a batch pull.
type BatchPullResult struct {
	Errors        map[string]pkgapi.OperationError
	Pulled        int
	SyncTimestamp pkgapi.Timestamp
	HasMore       bool
}

// BatchPull fetches several entity types in one request, starting from the
// oldest checkpoint among them.
func (s *Service) BatchPull(ctx context.Context, sess Session, entityTypes []string, branchID string) (*BatchPullResult, error) {
	if len(entityTypes) == 0 {
		return nil, fmt.Errorf("at least one entity type is required")
	}
	checkpoints, err := s.store.GetCheckpoints(ctx)
	if err != nil {
		return nil, err
	}

	since := checkpoints[entityTypes[0]]
	for _, t := range entityTypes[1:] {
		since = min(since, checkpoints[t])
	}

	var data *pkgapi.BatchPullData
	err = s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		data, err = s.apiClient.BatchPull(ctx, sess.AccessToken, pkgapi.BatchPullRequest{
			BranchID:     branchID,
			Entities:     entityTypes,
			LastSyncTime: pkgapi.Timestamp(since),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &BatchPullResult{Errors: data.Errors, SyncTimestamp: data.SyncTimestamp, HasMore: data.HasMore}
	if branchID != "" {
		for _, items := range data.Entities {
			n, err := s.store.SaveEntities(ctx, items)
			if err != nil {
				return out, err
			}
			out.Pulled += n
		}
		return out, nil
	}

	out.Pulled, err = s.save(ctx, data.Entities, data.SyncTimestamp)
	return out, err
}

// UploadResult summarizes an Upload call.
type UploadResult struct {
	Uploaded int
	Failed   int
}

// Upload sends pending creates through POST /sync/batch-upload. The server
// derives the operation id from the local id, so a repeated upload is a
// replay. Creates that fail stay in the outbox for the next Sync.
func (s *Service) Upload(ctx context.Context, sess Session) (*UploadResult, error) {
	pending, err := s.store.List(ctx, storage.StatePending)
	if err != nil {
		return nil, err
	}

	byLocal := make(map[string]*storage.PendingOperation)
	req := pkgapi.BatchUploadRequest{Entities: make(map[string][]json.RawMessage)}
	for _, op := range pending {
		o := op.Operation
		if o.Method != http.MethodPost || o.EntityID != "" || o.LocalID == "" || o.Endpoint != o.EntityType {
			continue
		}
		item, err := withLocalID(o.Data, o.LocalID)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping create with non-object data", slog.String("operation_id", o.ID))
			continue
		}
		req.Entities[o.EntityType] = append(req.Entities[o.EntityType], item)
		byLocal[o.EntityType+"/"+o.LocalID] = op
	}

	out := &UploadResult{}
	if len(byLocal) == 0 {
		return out, nil
	}

	var data *pkgapi.BatchUploadData
	err = s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		data, err = s.apiClient.BatchUpload(ctx, sess.AccessToken, req)
		return err
	})
	if err != nil {
		return out, err
	}

	for entityType, results := range data.Results {
		for _, r := range results {
			op, ok := byLocal[entityType+"/"+r.LocalID]
			if !ok {
				continue
			}
			if !r.Success {
				out.Failed++
				op.Attempts++
				op.LastError = r.Error
				if err := s.store.Update(ctx, op); err != nil {
					return out, err
				}
				continue
			}
			out.Uploaded++
			if err := s.store.SaveMapping(ctx, r.LocalID, r.ID); err != nil {
				return out, err
			}
			if err := s.store.Delete(ctx, op.Operation.ID); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

func withLocalID(data json.RawMessage, localID string) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
	}
	id, err := json.Marshal(localID)
	if err != nil {
		return nil, err
	}
	obj["localId"] = id
	return json.Marshal(obj)
}

// Keep selects the side that survives a conflict.
type Keep string

const (
	// KeepServer drops the local change.
	KeepServer Keep = "server"
	// KeepClient resubmits the local change with the client-wins policy.
	KeepClient Keep = "client"
)

// Resolve settles an entry in the conflict or failed state. KeepClient
// requeues it; a conflicted entry is requeued as client-wins.
func (s *Service) Resolve(ctx context.Context, operationID string, keep Keep) error {
	op, err := s.store.Get(ctx, operationID)
	if err != nil {
		return err
	}
	if op.State == storage.StatePending {
		return ErrNotResolvable
	}

	switch keep {
	case KeepServer:
		return s.store.Delete(ctx, operationID)
	case KeepClient:
		if op.State == storage.StateConflict {
			op.ClientWins = true
		}
		op.State = storage.StatePending
		op.LastError = nil
		op.ServerValue = nil
		return s.store.Update(ctx, op)
	default:
		return fmt.Errorf("unknown resolution %q", keep)
	}
}

// Counts returns the number of outbox entries per state.
func (s *Service) Counts(ctx context.Context) (map[storage.OperationState]int, error) {
	ops, err := s.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	out := map[storage.OperationState]int{
		storage.StatePending:  0,
		storage.StateFailed:   0,
		storage.StateConflict: 0,
	}
	for _, op := range ops {
		out[op.State]++
	}
	return out, nil
}

// List returns outbox entries in state, or all when state is empty.
func (s *Service) List(ctx context.Context, state storage.OperationState) ([]*storage.PendingOperation, error) {
	return s.store.List(ctx, state)
}
