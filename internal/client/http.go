package client

import (
	"bufio"
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

	"github.com/alfredjeanlab/runstream/internal/model"
)

// ErrStreamEnded is returned by StreamRun when the server closes the stream
// before the final [DONE] frame.
var ErrStreamEnded = errors.New("stream ended before completion")

// HTTPClient implements RunClient using the runstream HTTP/JSON REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	clientID   string
	httpClient *http.Client
}

var _ RunClient = (*HTTPClient)(nil)

// NewHTTPClient creates a new HTTP client targeting the given base URL
// (e.g. "http://localhost:8080"). When token is non-empty, an Authorization
// header is set on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// WithClientID sets the X-Client-ID header used for admission.
func (c *HTTPClient) WithClientID(id string) *HTTPClient {
	c.clientID = id
	return c
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

func runPath(kind, runID string) string {
	return "/v1/runs/" + url.PathEscape(kind) + "/" + url.PathEscape(runID)
}

// --- Runs ---

func (c *HTTPClient) CreateRun(ctx context.Context, req *CreateRunRequest) (*model.RunMeta, error) {
	var meta model.RunMeta
	if err := c.doJSON(ctx, http.MethodPost, "/v1/runs", req, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *HTTPClient) GetRun(ctx context.Context, kind, runID string) (*model.RunMeta, error) {
	var meta model.RunMeta
	if err := c.doJSON(ctx, http.MethodGet, runPath(kind, runID), nil, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (c *HTTPClient) GetEvents(ctx context.Context, kind, runID string, afterSeq int64, limit int) ([]model.RunEventRecord, error) {
	q := url.Values{}
	if afterSeq > 0 {
		q.Set("afterSeq", strconv.FormatInt(afterSeq, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := runPath(kind, runID) + "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Events []model.RunEventRecord `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *HTTPClient) GetSnapshot(ctx context.Context, kind, runID string) (*model.RunSnapshot, error) {
	var snap model.RunSnapshot
	if err := c.doJSON(ctx, http.MethodGet, runPath(kind, runID)+"/snapshot", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *HTTPClient) CancelRun(ctx context.Context, kind, runID string) error {
	return c.doJSON(ctx, http.MethodPost, runPath(kind, runID)+"/cancel", nil, nil)
}

// StreamRun follows a run's SSE stream from afterSeq and calls fn for every
// event. It returns nil after the server's final [DONE] frame, or the first
// error returned by fn.
func (c *HTTPClient) StreamRun(ctx context.Context, kind, runID string, afterSeq int64, fn func(model.RunEventRecord) error) error {
	path := runPath(kind, runID) + "/stream"
	if afterSeq > 0 {
		path += "?afterSeq=" + strconv.FormatInt(afterSeq, 10)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				return nil
			}
			var ev model.RunEventRecord
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return fmt.Errorf("decoding event: %w", err)
			}
			data = ""
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return ErrStreamEnded
}

// --- Sequences ---

func (c *HTTPClient) NextSeq(ctx context.Context, streamID string) (int64, error) {
	var resp struct {
		Seq int64 `json:"seq"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/streams/"+url.PathEscape(streamID)+"/next", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Seq, nil
}

func (c *HTTPClient) AllocatePair(ctx context.Context, streamID string) (int64, int64, error) {
	var resp struct {
		First  int64 `json:"first"`
		Second int64 `json:"second"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/streams/"+url.PathEscape(streamID)+"/pair", nil, &resp); err != nil {
		return 0, 0, err
	}
	return resp.First, resp.Second, nil
}

// --- Rate limit administration ---

const adminPath = "/v1/admin/ratelimit"

func (c *HTTPClient) GetGlobalLimit(ctx context.Context) (*model.RateLimitConfig, error) {
	var cfg model.RateLimitConfig
	if err := c.doJSON(ctx, http.MethodGet, adminPath+"/global", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *HTTPClient) SetGlobalLimit(ctx context.Context, cfg model.RateLimitConfig) error {
	return c.doJSON(ctx, http.MethodPut, adminPath+"/global", cfg, nil)
}

func (c *HTTPClient) ListClientLimits(ctx context.Context) (map[string]model.RateLimitConfig, error) {
	var resp struct {
		Clients map[string]model.RateLimitConfig `json:"clients"`
	}
	if err := c.doJSON(ctx, http.MethodGet, adminPath+"/clients", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Clients, nil
}

func (c *HTTPClient) GetClientLimit(ctx context.Context, clientID string) (*model.RateLimitConfig, error) {
	var cfg model.RateLimitConfig
	if err := c.doJSON(ctx, http.MethodGet, adminPath+"/clients/"+url.PathEscape(clientID), nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *HTTPClient) SetClientLimit(ctx context.Context, clientID string, cfg model.RateLimitConfig) error {
	return c.doJSON(ctx, http.MethodPut, adminPath+"/clients/"+url.PathEscape(clientID), cfg, nil)
}

func (c *HTTPClient) DeleteClientLimit(ctx context.Context, clientID string) error {
	return c.doJSON(ctx, http.MethodDelete, adminPath+"/clients/"+url.PathEscape(clientID), nil, nil)
}

func (c *HTTPClient) ListExemptions(ctx context.Context) ([]string, error) {
	var resp struct {
		Exemptions []string `json:"exemptions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, adminPath+"/exemptions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Exemptions, nil
}

func (c *HTTPClient) AddExemption(ctx context.Context, clientID string) error {
	return c.doJSON(ctx, http.MethodPut, adminPath+"/exemptions/"+url.PathEscape(clientID), nil, nil)
}

func (c *HTTPClient) RemoveExemption(ctx context.Context, clientID string) error {
	return c.doJSON(ctx, http.MethodDelete, adminPath+"/exemptions/"+url.PathEscape(clientID), nil, nil)
}

// --- Health ---

func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// --- helpers ---

// APIError represents an error response from the server. Reason is set on
// admission rejections ("rate" or "concurrent").
type APIError struct {
	StatusCode int
	Message    string
	Reason     string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("HTTP %d: %s (%s)", e.StatusCode, e.Message, e.Reason)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

func apiError(status int, body []byte) *APIError {
	var errResp struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: status, Message: errResp.Error, Reason: errResp.Reason}
	}
	return &APIError{StatusCode: status, Message: string(body)}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.clientID != "" {
		req.Header.Set("X-Client-ID", c.clientID)
	}
	return req, nil
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded (for DELETE/204 responses).
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	// 204 No Content: success with no body.
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return apiError(resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
