package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/iudanet/fieldsync/pkg/api"
)

//go:generate moq -out client_mock.go . ClientAPI

// ClientAPI is the set of sync endpoints the device uses.
type ClientAPI interface {
	Sync(ctx context.Context, accessToken, role string, clientWins bool, req api.StreamSyncRequest) (*api.StreamSyncData, error)
	Pull(ctx context.Context, accessToken string, q PullQuery) (*api.DeltaResponse, error)
	Update(ctx context.Context, accessToken, entityType, id string, clientWins bool, req api.UpdateEntityRequest) (*api.EntityRecord, error)
	BatchPull(ctx context.Context, accessToken string, req api.BatchPullRequest) (*api.BatchPullData, error)
	BatchUpload(ctx context.Context, accessToken string, req api.BatchUploadRequest) (*api.BatchUploadData, error)
	Conflicts(ctx context.Context, accessToken string, limit int) ([]api.ConflictRecord, error)
	Health(ctx context.Context) (*api.HealthResponse, error)
}

// StatusError is returned for any non-2xx reply.
type StatusError struct {
	Data       json.RawMessage // extra payload, e.g. {"serverVersion": ...} on 409
	Code       string
	Message    string
	StatusCode int
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server error (%d): %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Code)
}

// Temporary reports whether repeating the request later may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout
}

// ServerVersion decodes the server version carried by a 409 reply.
func (e *StatusError) ServerVersion() *api.EntityRecord {
	if e.StatusCode != http.StatusConflict || len(e.Data) == 0 {
		return nil
	}
	var data api.ConflictData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil
	}
	return data.ServerVersion
}

// IsTemporary reports whether err is a transport failure or a retryable
// server reply. Context cancellation is never temporary.
func IsTemporary(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var te *transportError
	return errors.As(err, &te)
}

type transportError struct{ err error }

func (e *transportError) Error() string { return "request failed: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// PullQuery selects one page of GET /sync/{entityType}.
type PullQuery struct {
	EntityType   string
	BranchID     string
	Cursor       string
	LastSyncTime api.Timestamp
	Until        api.Timestamp
	Limit        int
}

// Client talks to the fieldsync server.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates an API client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// keep the bearer token across redirects
				if len(via) > 0 && via[0].Header.Get("Authorization") != "" {
					req.Header.Set("Authorization", via[0].Header.Get("Authorization"))
				}
				return nil
			},
		},
	}
}

// Sync posts the outbox to POST /sync/{role}.
func (c *Client) Sync(ctx context.Context, accessToken, role string, clientWins bool, req api.StreamSyncRequest) (*api.StreamSyncData, error) {
	path := "/sync/" + url.PathEscape(role)
	if clientWins {
		path += "?clientWins=true"
	}
	var resp api.Response[api.StreamSyncData]
	if err := c.doRequest(ctx, http.MethodPost, path, accessToken, req, &resp); err != nil {
		return nil, fmt.Errorf("sync request failed: %w", err)
	}
	return &resp.Data, nil
}

// Pull fetches one delta page.
func (c *Client) Pull(ctx context.Context, accessToken string, q PullQuery) (*api.DeltaResponse, error) {
	v := url.Values{}
	v.Set("lastSyncTime", strconv.FormatInt(q.LastSyncTime.Millis(), 10))
	if q.Until > 0 {
		v.Set("until", strconv.FormatInt(q.Until.Millis(), 10))
	}
	if q.Cursor != "" {
		v.Set("cursor", q.Cursor)
	}
	if q.BranchID != "" {
		v.Set("branchId", q.BranchID)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}

	path := "/sync/" + url.PathEscape(q.EntityType) + "?" + v.Encode()
	var resp api.Response[api.DeltaResponse]
	if err := c.doRequest(ctx, http.MethodGet, path, accessToken, nil, &resp); err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	return &resp.Data, nil
}

// Update sends PUT /sync/{entityType}/{id}. A conflict comes back as a
// *StatusError with StatusCode 409.
func (c *Client) Update(ctx context.Context, accessToken, entityType, id string, clientWins bool, req api.UpdateEntityRequest) (*api.EntityRecord, error) {
	path := "/sync/" + url.PathEscape(entityType) + "/" + url.PathEscape(id)
	if clientWins {
		path += "?clientWins=true"
	}
	var resp api.Response[api.EntityRecord]
	if err := c.doRequest(ctx, http.MethodPut, path, accessToken, req, &resp); err != nil {
		return nil, fmt.Errorf("update request failed: %w", err)
	}
	return &resp.Data, nil
}

// BatchPull sends POST /sync/batch.
func (c *Client) BatchPull(ctx context.Context, accessToken string, req api.BatchPullRequest) (*api.BatchPullData, error) {
	var resp api.Response[api.BatchPullData]
	if err := c.doRequest(ctx, http.MethodPost, "/sync/batch", accessToken, req, &resp); err != nil {
		return nil, fmt.Errorf("batch pull request failed: %w", err)
	}
	return &resp.Data, nil
}

// BatchUpload sends POST /sync/batch-upload.
func (c *Client) BatchUpload(ctx context.Context, accessToken string, req api.BatchUploadRequest) (*api.BatchUploadData, error) {
	var resp api.Response[api.BatchUploadData]
	if err := c.doRequest(ctx, http.MethodPost, "/sync/batch-upload", accessToken, req, &resp); err != nil {
		return nil, fmt.Errorf("batch upload request failed: %w", err)
	}
	return &resp.Data, nil
}

// Conflicts lists the device's recent conflicts.
func (c *Client) Conflicts(ctx context.Context, accessToken string, limit int) ([]api.ConflictRecord, error) {
	path := "/sync/conflicts"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp api.Response[api.ConflictsResponse]
	if err := c.doRequest(ctx, http.MethodGet, path, accessToken, nil, &resp); err != nil {
		return nil, fmt.Errorf("conflicts request failed: %w", err)
	}
	return resp.Data.Conflicts, nil
}

// Health checks server availability.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", "", nil, &resp); err != nil {
		return nil, fmt.Errorf("health request failed: %w", err)
	}
	return &resp, nil
}

func (c *Client) doRequest(ctx context.Context, method, path, accessToken string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &transportError{err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &transportError{err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		var errResp struct {
			Data    json.RawMessage `json:"data"`
			Error   string          `json:"error"`
			Message string          `json:"message"`
		}
		if err := json.Unmarshal(respBody, &errResp); err == nil {
			if errResp.Error != "" {
				se.Code = errResp.Error
			}
			se.Message = errResp.Message
			se.Data = errResp.Data
		} else {
			se.Message = strings.TrimSpace(string(respBody))
		}
		return se
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
