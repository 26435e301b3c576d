// Package client provides a Go HTTP client for the task scheduler REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/mod/semver"

	"github.com/untoldecay/dts/internal/types"
)

const healthyWaitMaxElapsed = 30 * time.Second

// Client is an HTTP client for a single scheduler instance.
type Client struct {
	baseURL    string
	version    string
	logger     *slog.Logger
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the default HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLogger sets the logger used for version-skew warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithVersion sets the client's own version, compared against the server's
// on WaitHealthy.
func WithVersion(v string) Option {
	return func(c *Client) { c.version = v }
}

// New creates a client for the scheduler at baseURL
// (e.g. "http://127.0.0.1:8000").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  slog.Default(),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// APIError is a structured error response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("dts: %s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("dts: HTTP %d: %s", e.StatusCode, e.Message)
}

// IsConflict returns true for duplicate ids and illegal transitions.
func (e *APIError) IsConflict() bool { return e.Code == string(types.CodeConflict) }

// IsNotFound returns true when the referenced task does not exist.
func (e *APIError) IsNotFound() bool { return e.Code == string(types.CodeNotFound) }

// IsValidation returns true for schema and semantic input violations.
func (e *APIError) IsValidation() bool { return e.Code == string(types.CodeValidation) }

// HealthResponse is the /healthz body.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
}

// BatchResponse is the /tasks/batch success body.
type BatchResponse struct {
	Created []string `json:"created"`
	Count   int      `json:"count"`
}

// TaskList is the /tasks success body.
type TaskList struct {
	Tasks []*types.Task `json:"tasks"`
	Total int           `json:"total"`
}

// Health returns the server health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getJSON(ctx, "/healthz", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitTask submits a single task and returns its id.
func (c *Client) SubmitTask(ctx context.Context, task types.TaskCreate) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, "/tasks", task, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// SubmitBatch submits a batch of tasks atomically.
func (c *Client) SubmitBatch(ctx context.Context, tasks []types.TaskCreate) (*BatchResponse, error) {
	body := struct {
		Tasks []types.TaskCreate `json:"tasks"`
	}{Tasks: tasks}
	var resp BatchResponse
	if err := c.postJSON(ctx, "/tasks/batch", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTask fetches a single task by id.
func (c *Client) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var task types.Task
	if err := c.getJSON(ctx, "/tasks/"+id, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks fetches a page of tasks. Zero limit leaves paging to the
// server's defaults.
func (c *Client) ListTasks(ctx context.Context, limit, offset int) (*TaskList, error) {
	path := "/tasks"
	if limit > 0 || offset > 0 {
		path = fmt.Sprintf("/tasks?limit=%d&offset=%d", limit, offset)
	}
	var resp TaskList
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitHealthy polls /healthz with exponential backoff until the server
// reports healthy or the backoff budget is spent. On success it compares
// the server version against the client's and warns on major-version skew.
func (c *Client) WaitHealthy(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = healthyWaitMaxElapsed

	var health *HealthResponse
	err := backoff.Retry(func() error {
		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		if !h.OK {
			return fmt.Errorf("server reports not ok")
		}
		health = h
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("server at %s not healthy: %w", c.baseURL, err)
	}

	c.warnOnVersionSkew(health.Version)
	return nil
}

// warnOnVersionSkew logs when client and server disagree on major version.
// Unparseable versions (dev builds) are ignored.
func (c *Client) warnOnVersionSkew(serverVersion string) {
	cv := canonicalVersion(c.version)
	sv := canonicalVersion(serverVersion)
	if cv == "" || sv == "" {
		return
	}
	if semver.Major(cv) != semver.Major(sv) {
		c.logger.Warn("client/server major version skew",
			"client_version", c.version,
			"server_version", serverVersion)
	}
}

func canonicalVersion(v string) string {
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dts: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.parseError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("dts: GET %s: decode: %w", path, err)
		}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("dts: marshal: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dts: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.parseError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("dts: POST %s: decode: %w", path, err)
		}
	}
	return nil
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	aerr := &APIError{StatusCode: resp.StatusCode}

	var errResp struct {
		Error   string         `json:"error"`
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Code != "" {
		aerr.Code = errResp.Code
		aerr.Message = errResp.Error
		aerr.Details = errResp.Details
	} else {
		aerr.Message = strings.TrimSpace(string(body))
	}
	return aerr
}
