package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/pkg/api"
)

// uploadNamespace derives stable operation ids for batch-upload items so a
// re-uploaded item replays instead of creating a duplicate.
var uploadNamespace = uuid.MustParse("6f1b7c52-3d4e-4b8a-9c1f-2e5d7a9b0c31")

// PullTypesRequest asks for the changes of several entity types.
type PullTypesRequest struct {
	// Since holds the exclusive lower bound per entity type.
	Since    map[string]int64
	BranchID string
	// Until is the inclusive upper bound shared by all types.
	Until int64
	// MaxItems caps the entities returned per type. It is exceeded only to
	// finish a run of entities sharing one timestamp.
	MaxItems int
}

// TypeResult is the outcome of pulling one entity type.
type TypeResult struct {
	Err   error
	Items []*models.Entity
	// Through is the timestamp this type has been fully delivered up to.
	Through   int64
	Truncated bool
}

// BatchCoordinator fans work out across entity types. A failing type never
// affects the others.
type BatchCoordinator struct {
	puller    *DeltaPuller
	processor *QueueProcessor
	logger    *slog.Logger
	opts      Options
}

// NewBatchCoordinator creates a coordinator.
func NewBatchCoordinator(logger *slog.Logger, puller *DeltaPuller, processor *QueueProcessor, opts Options) *BatchCoordinator {
	return &BatchCoordinator{
		puller:    puller,
		processor: processor,
		logger:    logger,
		opts:      opts.withDefaults(),
	}
}

// PullTypes pulls every requested type concurrently.
func (c *BatchCoordinator) PullTypes(ctx context.Context, req PullTypesRequest) map[string]*TypeResult {
	until := req.Until
	if until <= 0 {
		until = c.puller.clock.HighWater()
	}
	maxItems := req.MaxItems
	if maxItems <= 0 {
		maxItems = c.opts.MaxStreamItems
	}

	var mu sync.Mutex
	out := make(map[string]*TypeResult, len(req.Since))

	g := new(errgroup.Group)
	g.SetLimit(c.opts.Workers)
	for entityType, since := range req.Since {
		g.Go(func() error {
			res := c.pullType(ctx, entityType, req.BranchID, since, until, maxItems)
			if res.Err != nil {
				c.logger.ErrorContext(ctx, "pull failed", slog.String("entity_type", entityType), slog.Any("error", res.Err))
			}
			mu.Lock()
			out[entityType] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (c *BatchCoordinator) pullType(ctx context.Context, entityType, branchID string, since, until int64, maxItems int) *TypeResult {
	res := &TypeResult{Items: []*models.Entity{}}
	cursor := ""

	for {
		limit := min(maxItems-len(res.Items), c.opts.MaxPullLimit)
		page, err := c.puller.Pull(ctx, PullRequest{
			EntityType: entityType,
			BranchID:   branchID,
			Cursor:     cursor,
			Since:      since,
			Until:      until,
			Limit:      limit,
		})
		if err != nil {
			res.Err = err
			return res
		}

		res.Items = append(res.Items, page.Items...)
		if !page.Pagination.HasMore {
			res.Through = page.HighWater
			return res
		}
		cursor = page.Pagination.NextCursor

		if len(res.Items) >= maxItems {
			return c.finishTruncated(ctx, res, entityType, branchID, since, until, cursor)
		}
	}
}

// finishTruncated extends a capped result with the remaining entities that
// share the last delivered timestamp, so a checkpoint at that timestamp
// cannot skip any of them.
func (c *BatchCoordinator) finishTruncated(ctx context.Context, res *TypeResult, entityType, branchID string, since, until int64, cursor string) *TypeResult {
	last := res.Items[len(res.Items)-1].Version.UpdatedAt

	for {
		page, err := c.puller.Pull(ctx, PullRequest{
			EntityType: entityType,
			BranchID:   branchID,
			Cursor:     cursor,
			Since:      since,
			Until:      until,
			Limit:      c.opts.MaxPullLimit,
		})
		if err != nil {
			res.Err = err
			return res
		}

		for _, e := range page.Items {
			if e.Version.UpdatedAt != last {
				res.Truncated = true
				res.Through = last
				return res
			}
			res.Items = append(res.Items, e)
		}

		if !page.Pagination.HasMore {
			res.Through = page.HighWater
			return res
		}
		cursor = page.Pagination.NextCursor
	}
}

// PushFlat applies a single-stream batch.
func (c *BatchCoordinator) PushFlat(ctx context.Context, b Batch) []api.OperationResult {
	return c.processor.Process(ctx, b)
}

// PushByType applies operations grouped by entity type, each type as an
// independent batch.
func (c *BatchCoordinator) PushByType(ctx context.Context, deviceID string, policy models.ConflictPolicy, opsByType map[string][]api.OfflineOperation) map[string][]api.OperationResult {
	var mu sync.Mutex
	out := make(map[string][]api.OperationResult, len(opsByType))

	g := new(errgroup.Group)
	g.SetLimit(c.opts.Workers)
	for entityType, ops := range opsByType {
		g.Go(func() error {
			results := c.processor.Process(ctx, Batch{
				DeviceID:    deviceID,
				DefaultType: entityType,
				Policy:      policy,
				Operations:  ops,
			})
			mu.Lock()
			out[entityType] = results
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// Upload creates entities keyed by client local ids. Uploading the same
// local id again returns the id assigned the first time.
func (c *BatchCoordinator) Upload(ctx context.Context, deviceID string, items map[string][]json.RawMessage) map[string][]api.UploadResult {
	out := make(map[string][]api.UploadResult, len(items))
	opsByType := make(map[string][]api.OfflineOperation, len(items))
	// positions of each submitted operation inside out[entityType]
	positions := make(map[string][]int, len(items))

	for entityType, list := range items {
		results := make([]api.UploadResult, len(list))
		for i, item := range list {
			localID := payloadString(item, "localId")
			results[i].LocalID = localID
			if localID == "" {
				results[i].Error = validationError(CodeInvalidOperation, "localId is required").API()
				continue
			}
			opsByType[entityType] = append(opsByType[entityType], api.OfflineOperation{
				ID:         UploadOperationID(entityType, localID),
				Endpoint:   entityType,
				Method:     http.MethodPost,
				EntityType: entityType,
				LocalID:    localID,
				Data:       item,
			})
			positions[entityType] = append(positions[entityType], i)
		}
		out[entityType] = results
	}

	pushed := c.PushByType(ctx, deviceID, models.PolicyServerWins, opsByType)
	for entityType, results := range pushed {
		for j, r := range results {
			dst := &out[entityType][positions[entityType][j]]
			dst.Success = r.Success
			dst.Error = r.Error
			if r.Data != nil {
				dst.ID = r.Data.ID
			}
		}
	}

	return out
}

// UploadOperationID is the deterministic operation id of a batch-upload item.
func UploadOperationID(entityType, localID string) string {
	return "upload-" + uuid.NewSHA1(uploadNamespace, []byte(entityType+"/"+localID)).String()
}
