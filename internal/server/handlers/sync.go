package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server/engine"
	"github.com/iudanet/fieldsync/internal/validation"
	"github.com/iudanet/fieldsync/pkg/api"
)

// maxBodyBytes bounds sync request bodies.
const maxBodyBytes = 16 << 20

// SyncEngine is the part of the sync engine the HTTP layer uses.
type SyncEngine interface {
	Sync(ctx context.Context, req engine.SyncRequest) (*engine.SyncResult, error)
	Pull(ctx context.Context, req engine.PullRequest) (*engine.PullResult, error)
	Update(ctx context.Context, req engine.UpdateRequest) (api.OperationResult, error)
	BatchPull(ctx context.Context, req engine.BatchPullRequest) (*engine.BatchPullResult, error)
	Upload(ctx context.Context, deviceID string, items map[string][]json.RawMessage) (map[string][]api.UploadResult, error)
	Conflicts(ctx context.Context, deviceID string, limit int) ([]*models.ConflictRecord, error)
}

// SyncHandler serves the /sync endpoints.
type SyncHandler struct {
	logger *slog.Logger
	engine SyncEngine
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(logger *slog.Logger, engine SyncEngine) *SyncHandler {
	return &SyncHandler{
		logger: logger,
		engine: engine,
	}
}

// StreamSync handles POST /sync/{role}: pushes the device's offline
// operations and returns the changes of the role's entity types.
// Per-operation failures are reported in operationResults with status 200.
func (h *SyncHandler) StreamSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	actorID, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	role := r.PathValue("role")
	if granted := GetRole(ctx); granted != "" && granted != role {
		h.sendError(w, "token is not valid for role "+role, http.StatusForbidden)
		return
	}

	clientWins, ok := h.boolParam(w, r, "clientWins")
	if !ok {
		return
	}

	var req api.StreamSyncRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.engine.Sync(ctx, engine.SyncRequest{
		DeviceInfo:        req.DeviceInfo,
		DeviceID:          deviceID,
		ActorID:           actorID,
		Role:              role,
		EntityTypes:       req.EntityTypes,
		Operations:        req.OfflineOperations,
		LastSyncTimestamp: req.LastSyncTimestamp.Millis(),
		ResumeSync:        req.ResumeSync,
		ClientWins:        clientWins,
	})
	if err != nil {
		h.sendEngineError(ctx, w, err)
		return
	}

	h.sendJSON(w, api.Response[api.StreamSyncData]{
		Success: true,
		Data: api.StreamSyncData{
			Entities:         toRecordMap(res.Entities),
			OperationResults: res.OperationResults,
			SyncTimestamp:    api.Timestamp(res.SyncTimestamp),
			HasMore:          res.HasMore,
		},
	}, http.StatusOK)
}

// DeltaPull handles GET /sync/{entityType}?lastSyncTime&page&limit&cursor&until&branchId.
func (h *SyncHandler) DeltaPull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, ok := h.identity(w, r); !ok {
		return
	}

	q := r.URL.Query()
	req := engine.PullRequest{
		EntityType: r.PathValue("entityType"),
		BranchID:   q.Get("branchId"),
		Cursor:     q.Get("cursor"),
	}

	var ok bool
	if req.Since, ok = h.timestampParam(w, r, "lastSyncTime"); !ok {
		return
	}
	if req.Until, ok = h.timestampParam(w, r, "until"); !ok {
		return
	}
	if req.Page, ok = h.intParam(w, r, "page"); !ok {
		return
	}
	if req.Limit, ok = h.intParam(w, r, "limit"); !ok {
		return
	}

	res, err := h.engine.Pull(ctx, req)
	if err != nil {
		h.sendEngineError(ctx, w, err)
		return
	}

	h.sendJSON(w, api.Response[api.DeltaResponse]{
		Success: true,
		Data: api.DeltaResponse{
			Items:         toRecords(res.Items),
			Pagination:    res.Pagination,
			SyncTimestamp: api.Timestamp(res.HighWater),
		},
	}, http.StatusOK)
}

// UpdateEntity handles PUT /sync/{entityType}/{id}. Unlike the batch
// endpoints it reports conflicts as 409 with the server version.
func (h *SyncHandler) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	_, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	clientWins, ok := h.boolParam(w, r, "clientWins")
	if !ok {
		return
	}

	var req api.UpdateEntityRequest
	if !h.decode(w, r, &req) {
		return
	}

	entityID := r.PathValue("id")
	if err := validation.ValidateID("entity id", entityID); err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.engine.Update(ctx, engine.UpdateRequest{
		Data:          req.Data,
		DeviceID:      deviceID,
		EntityType:    r.PathValue("entityType"),
		EntityID:      entityID,
		OperationID:   req.OperationID,
		BaseTimestamp: req.BaseTimestamp.Millis(),
		ClientWins:    clientWins,
	})
	if err != nil {
		h.sendEngineError(ctx, w, err)
		return
	}

	switch {
	case res.Success:
		h.sendJSON(w, api.Response[*api.EntityRecord]{Success: true, Data: res.Data}, http.StatusOK)
	case res.Conflict != nil:
		h.sendJSON(w, api.ErrorResponse{
			Error:   engine.CodeConflict,
			Message: "entity was modified on the server",
			Data:    api.ConflictData{ServerVersion: res.Conflict.ServerValue},
		}, http.StatusConflict)
	case res.Error == nil:
		h.sendError(w, "internal server error", http.StatusInternalServerError)
	default:
		h.sendJSON(w, api.ErrorResponse{
			Error:   res.Error.Code,
			Message: res.Error.Message,
		}, operationStatus(res.Error))
	}
}

// BatchPull handles POST /sync/batch.
func (h *SyncHandler) BatchPull(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	_, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req api.BatchPullRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.engine.BatchPull(ctx, engine.BatchPullRequest{
		DeviceID:    deviceID,
		BranchID:    req.BranchID,
		EntityTypes: req.Entities,
		Since:       req.LastSyncTime.Millis(),
	})
	if err != nil {
		h.sendEngineError(ctx, w, err)
		return
	}

	data := api.BatchPullData{
		Entities:      toRecordMap(res.Entities),
		SyncTimestamp: api.Timestamp(res.SyncTimestamp),
		HasMore:       res.HasMore,
	}
	if len(res.Errors) > 0 {
		data.Errors = make(map[string]api.OperationError, len(res.Errors))
		for entityType, e := range res.Errors {
			data.Errors[entityType] = *e.API()
		}
	}

	h.sendJSON(w, api.Response[api.BatchPullData]{Success: true, Data: data}, http.StatusOK)
}

// BatchUpload handles POST /sync/batch-upload.
func (h *SyncHandler) BatchUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	_, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req api.BatchUploadRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Entities) == 0 {
		h.sendError(w, "entities is required", http.StatusBadRequest)
		return
	}

	results, err := h.engine.Upload(ctx, deviceID, req.Entities)
	if err != nil {
		h.sendEngineError(ctx, w, err)
		return
	}

	h.sendJSON(w, api.Response[api.BatchUploadData]{
		Success: true,
		Data:    api.BatchUploadData{Results: results},
	}, http.StatusOK)
}

// Conflicts handles GET /sync/conflicts?limit: the device's recent conflicts.
func (h *SyncHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	_, deviceID, ok := h.identity(w, r)
	if !ok {
		return
	}

	limit, ok := h.intParam(w, r, "limit")
	if !ok {
		return
	}

	records, err := h.engine.Conflicts(ctx, deviceID, limit)
	if err != nil {
		h.sendEngineError(ctx, w, err)
		return
	}

	out := make([]api.ConflictRecord, 0, len(records))
	for _, c := range records {
		out = append(out, api.ConflictRecord{
			ServerValue:     c.ServerValue,
			ClientValue:     c.ClientValue,
			ID:              c.ID,
			OperationID:     c.OperationID,
			EntityType:      c.EntityType,
			EntityID:        c.EntityID,
			Policy:          string(c.Policy),
			ResolvedAs:      c.ResolvedAs,
			ServerUpdatedAt: api.Timestamp(c.ServerUpdatedAt),
			BaseTimestamp:   api.Timestamp(c.BaseTimestamp),
			CreatedAt:       api.TimestampFromTime(c.CreatedAt),
		})
	}

	h.sendJSON(w, api.Response[api.ConflictsResponse]{
		Success: true,
		Data:    api.ConflictsResponse{Conflicts: out},
	}, http.StatusOK)
}

// identity returns the authenticated actor and device set by the auth middleware.
func (h *SyncHandler) identity(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	actorID, ok := GetActorID(r.Context())
	if !ok {
		h.logger.ErrorContext(r.Context(), "actor not found in context")
		h.sendError(w, "unauthorized", http.StatusUnauthorized)
		return "", "", false
	}
	deviceID, ok := GetDeviceID(r.Context())
	if !ok {
		h.sendError(w, "unauthorized", http.StatusUnauthorized)
		return "", "", false
	}
	if err := validation.ValidateID("device id", deviceID); err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest)
		return "", "", false
	}
	return actorID, deviceID, true
}

func (h *SyncHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.sendError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		h.logger.WarnContext(r.Context(), "failed to decode request", slog.String("path", r.URL.Path), slog.Any("error", err))
		h.sendError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *SyncHandler) boolParam(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return false, true
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		h.sendError(w, "invalid "+name+" parameter", http.StatusBadRequest)
		return false, false
	}
	return v, true
}

func (h *SyncHandler) intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, true
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		h.sendError(w, "invalid "+name+" parameter", http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

func (h *SyncHandler) timestampParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, true
	}
	ts, err := api.ParseTimestamp(s)
	if err != nil {
		h.sendError(w, "invalid "+name+" parameter", http.StatusBadRequest)
		return 0, false
	}
	return ts.Millis(), true
}

// sendEngineError maps request-level engine errors to HTTP statuses.
func (h *SyncHandler) sendEngineError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnauthorized):
		h.logger.WarnContext(ctx, "sync refused", slog.Any("error", err))
		h.sendError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, engine.ErrUnknownRole), errors.Is(err, engine.ErrUnknownEntityType):
		h.sendError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrBatchTooLarge):
		h.sendError(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, engine.ErrInvalidCursor), errors.Is(err, engine.ErrInvalidRequest):
		h.sendError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.WarnContext(ctx, "request cancelled", slog.Any("error", err))
		h.sendError(w, "request cancelled", http.StatusServiceUnavailable)
	default:
		h.logger.ErrorContext(ctx, "sync request failed", slog.Any("error", err))
		h.sendError(w, "internal server error", http.StatusInternalServerError)
	}
}

func operationStatus(e *api.OperationError) int {
	switch e.Code {
	case engine.CodeEntityNotFound, engine.CodeLocalIDUnresolved, engine.CodeUnknownEntityType:
		return http.StatusNotFound
	case engine.CodeTimeout, engine.CodeConcurrentWrite, engine.CodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func toRecords(entities []*models.Entity) []api.EntityRecord {
	out := make([]api.EntityRecord, 0, len(entities))
	for _, e := range entities {
		out = append(out, *e.Record())
	}
	return out
}

func toRecordMap(entities map[string][]*models.Entity) map[string][]api.EntityRecord {
	out := make(map[string][]api.EntityRecord, len(entities))
	for entityType, items := range entities {
		out[entityType] = toRecords(items)
	}
	return out
}

// sendJSON writes data as a JSON response
func (h *SyncHandler) sendJSON(w http.ResponseWriter, data any, statusCode int) {
	sendJSON(h.logger, w, data, statusCode)
}

// sendError writes an api.ErrorResponse
func (h *SyncHandler) sendError(w http.ResponseWriter, message string, statusCode int) {
	sendError(h.logger, w, message, statusCode)
}

func sendJSON(logger *slog.Logger, w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", slog.Any("error", err))
	}
}

func sendError(logger *slog.Logger, w http.ResponseWriter, message string, statusCode int) {
	sendJSON(logger, w, api.ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	}, statusCode)
}
