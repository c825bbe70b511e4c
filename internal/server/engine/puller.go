package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/iudanet/fieldsync/internal/clock"
	"github.com/iudanet/fieldsync/internal/models"
	"github.com/iudanet/fieldsync/internal/server/storage"
	"github.com/iudanet/fieldsync/pkg/api"
)

// PullRequest asks for one page of changes of a single entity type.
type PullRequest struct {
	EntityType string
	BranchID   string
	// Cursor continues after the last item of the previous page. Pages after
	// the first require it: an offset would shift when an already delivered
	// row is rewritten. Page only labels the result.
	Cursor string
	// Since is exclusive.
	Since int64
	// Until pins the upper bound across pages. Zero means the current high-water mark.
	Until int64
	Page  int
	Limit int
}

// PullResult is one page of changes.
type PullResult struct {
	Items      []*models.Entity
	Pagination api.Pagination
	// HighWater is the inclusive upper bound used for this page.
	HighWater int64
}

// DeltaPuller reads changed entities out of the ledger.
type DeltaPuller struct {
	store    storage.EntityStorage
	registry *Registry
	clock    *clock.Clock
	logger   *slog.Logger
	opts     Options
}

// NewDeltaPuller creates a puller.
func NewDeltaPuller(logger *slog.Logger, store storage.EntityStorage, registry *Registry, clk *clock.Clock, opts Options) *DeltaPuller {
	return &DeltaPuller{
		store:    store,
		registry: registry,
		clock:    clk,
		logger:   logger,
		opts:     opts.withDefaults(),
	}
}

// Pull returns entities with Since < updatedAt <= HighWater ordered by
// (updatedAt, entityId). The high-water mark is taken before querying so a
// write committing during the pull is either fully visible or deferred to the
// next sync.
func (p *DeltaPuller) Pull(ctx context.Context, req PullRequest) (*PullResult, error) {
	if !p.registry.Has(req.EntityType) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, req.EntityType)
	}

	mark := p.clock.HighWater()
	if req.Until > 0 && req.Until < mark {
		mark = req.Until
	}

	limit := req.Limit
	if limit <= 0 {
		limit = p.opts.DefaultPullLimit
	}
	if limit > p.opts.MaxPullLimit {
		limit = p.opts.MaxPullLimit
	}
	page := req.Page
	if page <= 0 {
		page = 1
	}

	result := &PullResult{
		Items:     []*models.Entity{},
		HighWater: max(mark, req.Since),
		Pagination: api.Pagination{
			CurrentPage: page,
			Limit:       limit,
		},
	}
	if req.Since >= mark {
		return result, nil
	}

	q := storage.ChangeQuery{
		EntityType: req.EntityType,
		BranchID:   req.BranchID,
		Since:      req.Since,
		Until:      mark,
		Limit:      limit + 1,
	}
	switch {
	case req.Cursor != "":
		ts, id, err := ParseCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		q.AfterUpdatedAt, q.AfterID = ts, id
	case page > 1:
		return nil, fmt.Errorf("%w: page %d needs the nextCursor of page %d", ErrInvalidRequest, page, page-1)
	}

	total, err := p.store.CountChangedEntities(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to count changes: %w", err)
	}

	items, err := p.store.ListChangedEntities(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	if items != nil {
		result.Items = items
	}

	result.Pagination.TotalItems = total
	result.Pagination.TotalPages = (total + limit - 1) / limit
	result.Pagination.HasMore = hasMore
	if hasMore {
		last := items[len(items)-1]
		result.Pagination.NextCursor = FormatCursor(last.Version.UpdatedAt, last.ID)
	}

	p.logger.DebugContext(ctx, "delta pulled",
		slog.String("entity_type", req.EntityType),
		slog.Int64("since", req.Since),
		slog.Int64("until", mark),
		slog.Int("items", len(result.Items)),
		slog.Bool("has_more", hasMore),
	)

	return result, nil
}

// FormatCursor encodes a keyset position.
func FormatCursor(updatedAt int64, entityID string) string {
	return strconv.FormatInt(updatedAt, 10) + ":" + entityID
}

// ParseCursor decodes a cursor produced by FormatCursor.
func ParseCursor(cursor string) (int64, string, error) {
	tsPart, id, ok := strings.Cut(cursor, ":")
	if !ok || id == "" {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	return ts, id, nil
}
