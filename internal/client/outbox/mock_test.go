package outbox

import (
	"context"
	"sync"

	"github.com/iudanet/fieldsync/internal/client/api"
	pkgapi "github.com/iudanet/fieldsync/pkg/api"
)

// clientAPIMock is a moq-style fake of api.ClientAPI.
type clientAPIMock struct {
	SyncFunc        func(ctx context.Context, accessToken, role string, clientWins bool, req pkgapi.StreamSyncRequest) (*pkgapi.StreamSyncData, error)
	PullFunc        func(ctx context.Context, accessToken string, q api.PullQuery) (*pkgapi.DeltaResponse, error)
	BatchPullFunc   func(ctx context.Context, accessToken string, req pkgapi.BatchPullRequest) (*pkgapi.BatchPullData, error)
	BatchUploadFunc func(ctx context.Context, accessToken string, req pkgapi.BatchUploadRequest) (*pkgapi.BatchUploadData, error)

	mu    sync.Mutex
	calls struct {
		Sync []syncCall
		Pull []api.PullQuery
	}
}

type syncCall struct {
	Role       string
	Req        pkgapi.StreamSyncRequest
	ClientWins bool
}

var _ api.ClientAPI = (*clientAPIMock)(nil)

func (m *clientAPIMock) Sync(ctx context.Context, accessToken, role string, clientWins bool, req pkgapi.StreamSyncRequest) (*pkgapi.StreamSyncData, error) {
	if m.SyncFunc == nil {
		panic("clientAPIMock.SyncFunc: method is nil but ClientAPI.Sync was just called")
	}
	m.mu.Lock()
	m.calls.Sync = append(m.calls.Sync, syncCall{Role: role, Req: req, ClientWins: clientWins})
	m.mu.Unlock()
	return m.SyncFunc(ctx, accessToken, role, clientWins, req)
}

func (m *clientAPIMock) SyncCalls() []syncCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]syncCall(nil), m.calls.Sync...)
}

func (m *clientAPIMock) Pull(ctx context.Context, accessToken string, q api.PullQuery) (*pkgapi.DeltaResponse, error) {
	if m.PullFunc == nil {
		panic("clientAPIMock.PullFunc: method is nil but ClientAPI.Pull was just called")
	}
	m.mu.Lock()
	m.calls.Pull = append(m.calls.Pull, q)
	m.mu.Unlock()
	return m.PullFunc(ctx, accessToken, q)
}

func (m *clientAPIMock) PullCalls() []api.PullQuery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]api.PullQuery(nil), m.calls.Pull...)
}

func (m *clientAPIMock) Update(ctx context.Context, accessToken, entityType, id string, clientWins bool, req pkgapi.UpdateEntityRequest) (*pkgapi.EntityRecord, error) {
	panic("clientAPIMock.Update: not used by the outbox")
}

func (m *clientAPIMock) BatchPull(ctx context.Context, accessToken string, req pkgapi.BatchPullRequest) (*pkgapi.BatchPullData, error) {
	if m.BatchPullFunc == nil {
		panic("clientAPIMock.BatchPullFunc: method is nil but ClientAPI.BatchPull was just called")
	}
	return m.BatchPullFunc(ctx, accessToken, req)
}

func (m *clientAPIMock) BatchUpload(ctx context.Context, accessToken string, req pkgapi.BatchUploadRequest) (*pkgapi.BatchUploadData, error) {
	if m.BatchUploadFunc == nil {
		panic("clientAPIMock.BatchUploadFunc: method is nil but ClientAPI.BatchUpload was just called")
	}
	return m.BatchUploadFunc(ctx, accessToken, req)
}

func (m *clientAPIMock) Conflicts(ctx context.Context, accessToken string, limit int) ([]pkgapi.ConflictRecord, error) {
	panic("clientAPIMock.Conflicts: not used by the outbox")
}

func (m *clientAPIMock) Health(ctx context.Context) (*pkgapi.HealthResponse, error) {
	panic("clientAPIMock.Health: not used by the outbox")
}
