// Package backend is the HTTP transport to the document-analysis service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jxucoder/intake/model"
)

// Endpoint paths, relative to the service base URL.
const (
	AnalyzePath = "/api/csuite/analyze/"
	CleanupPath = "/api/v1/rfp/cleanup-session/"
	FoldersPath = "/api/csuite/folders/"
)

// EventStreamType is the content type of a streamed analysis response.
const EventStreamType = "text/event-stream"

// Backend is the set of outbound calls the job client makes.
type Backend interface {
	// Analyze submits req and returns the open response. The caller closes Body.
	Analyze(ctx context.Context, req model.AnalysisRequest) (*Response, error)
	// EndSession asks the service to release the session's resources.
	EndSession(ctx context.Context, sessionID string) error
	// ListFolders returns the document folders available for analysis.
	ListFolders(ctx context.Context) ([]model.Folder, error)
}

// Response is an open analysis response.
type Response struct {
	ContentType string
	Body        io.ReadCloser
}

// Streaming reports whether the response is an event stream rather than a
// single JSON document.
func (r *Response) Streaming() bool {
	mt, _, err := mime.ParseMediaType(r.ContentType)
	if err != nil {
		return false
	}
	return mt == EventStreamType
}

// StatusError is returned for non-success HTTP responses.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server error (%d)", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: server error (%d): %s", e.Op, e.StatusCode, e.Body)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client. It must not set a total
// request timeout, which would cut long analysis streams short.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l.Named("backend") }
}

// Client implements Backend over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// New creates a Client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze posts req and returns the response once headers have arrived.
func (c *Client) Analyze(ctx context.Context, req model.AnalysisRequest) (*Response, error) {
	resp, err := c.post(ctx, AnalyzePath, req, EventStreamType)
	if err != nil {
		return nil, fmt.Errorf("submitting analysis: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError("submitting analysis", resp)
	}
	return &Response{
		ContentType: resp.Header.Get("Content-Type"),
		Body:        resp.Body,
	}, nil
}

// EndSession posts the cleanup request. The response body is ignored.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	resp, err := c.post(ctx, CleanupPath, map[string]string{"session_id": sessionID}, "application/json")
	if err != nil {
		return fmt.Errorf("cleaning up session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError("cleaning up session", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ListFolders fetches the folder list.
func (c *Client) ListFolders(ctx context.Context) ([]model.Folder, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+FoldersPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("listing folders", resp)
	}

	var result struct {
		Folders []model.Folder `json:"folders"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("parsing folders: %w", err)
	}
	return result.Folders, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, accept string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	reqID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	req.Header.Set("X-Request-Id", reqID)

	c.logger.Debug("request", zap.String("path", path), zap.String("request_id", reqID))
	return c.http.Do(req)
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       model.Truncate(strings.TrimSpace(string(raw)), 500),
	}
}
