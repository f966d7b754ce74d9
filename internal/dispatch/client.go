package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tillworks/tillsync/internal/envelope"
	"github.com/tillworks/tillsync/internal/feed"
)

// HTTPError reports a non-2xx response from the backend.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Client talks to the backend sync API. GET requests retry transparently
// with bounded backoff; batch submission does not retry here because the
// dispatcher owns retry scheduling through the outbox.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

type batchRequest struct {
	Ops []batchOp `json:"ops"`
}

type batchOp struct {
	Envelope envelope.Envelope `json:"envelope"`
}

type batchResponse struct {
	Results []envelope.ApplyResult `json:"results"`
}

// ApplyBatch submits envelopes in outbox order and returns one result per
// envelope in the same order. A transport or whole-request failure returns an
// error with no results; the caller releases the batch.
func (c *Client) ApplyBatch(ctx context.Context, envs []envelope.Envelope) ([]envelope.ApplyResult, error) {
	req := batchRequest{Ops: make([]batchOp, len(envs))}
	for i, env := range envs {
		req.Ops[i] = batchOp{Envelope: env}
	}
	var resp batchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sync/batch", req, &resp, false); err != nil {
		return nil, err
	}
	if len(resp.Results) != len(envs) {
		return nil, fmt.Errorf("batch returned %d results for %d ops", len(resp.Results), len(envs))
	}
	return resp.Results, nil
}

// Apply submits one envelope. Used by flushes of a single urgent op; the
// dispatcher normally batches.
func (c *Client) Apply(ctx context.Context, env envelope.Envelope) (envelope.ApplyResult, error) {
	var result envelope.ApplyResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/sync/apply", env, &result, false)
	if err != nil {
		var httpErr *HTTPError
		// 400 responses still carry an ApplyResult body
		if isHTTPStatus(err, http.StatusBadRequest, &httpErr) && result.OpID != "" {
			return result, nil
		}
		return envelope.ApplyResult{}, err
	}
	return result, nil
}

// ChangesPage is one catch-up page of the change feed.
type ChangesPage struct {
	Changes   []feed.Change `json:"changes"`
	Watermark int64         `json:"watermark"`
	HasMore   bool          `json:"hasMore"`
}

// Changes fetches committed changes after the given watermark.
func (c *Client) Changes(ctx context.Context, since int64, limit int) (ChangesPage, error) {
	var page ChangesPage
	path := fmt.Sprintf("/v1/sync/changes?since=%d", since)
	if limit > 0 {
		path += fmt.Sprintf("&limit=%d", limit)
	}
	err := c.doJSON(ctx, http.MethodGet, path, nil, &page, true)
	return page, err
}

// Health probes the backend; used as the connectivity signal.
func (c *Client) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// FeedURL returns the websocket endpoint for the change feed.
func (c *Client) FeedURL(deviceID string, since int64) string {
	scheme := "ws"
	url := c.baseURL
	if strings.HasPrefix(url, "https://") {
		scheme = "wss"
		url = strings.TrimPrefix(url, "https://")
	} else {
		url = strings.TrimPrefix(url, "http://")
	}
	out := fmt.Sprintf("%s://%s/v1/sync/feed?device=%s&since=%d", scheme, url, deviceID, since)
	if c.token != "" {
		out += "&token=" + c.token
	}
	return out
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any, retry bool) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	attempts := 1
	if retry {
		attempts = c.maxRetries + 1
	}
	var lastErr error
	var retryAfter string
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := waitWithContext(ctx, c.retryDelay(attempt, retryAfter)); err != nil {
				return err
			}
			retryAfter = ""
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		payload, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
		httpErr := &HTTPError{StatusCode: resp.StatusCode}
		var envBody struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(payload, &envBody) == nil {
			httpErr.Code = envBody.Error.Code
			httpErr.Message = envBody.Error.Message
		}
		if httpErr.Message == "" {
			httpErr.Message = strings.TrimSpace(string(payload))
		}
		if out != nil && len(payload) > 0 {
			// surface error-payload bodies (single apply 400s) to
			// the caller alongside the error
			_ = json.Unmarshal(payload, out)
		}
		lastErr = httpErr
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		if !retry || !retryable {
			return httpErr
		}
		retryAfter = resp.Header.Get("Retry-After")
	}
	return lastErr
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if d := parseRetryAfter(retryAfterHeader); d > 0 {
		if d > c.maxDelay {
			return c.maxDelay
		}
		return d
	}
	delay := c.baseDelay << (attempt - 1)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isHTTPStatus(err error, status int, target **HTTPError) bool {
	httpErr, ok := err.(*HTTPError)
	if !ok || httpErr.StatusCode != status {
		return false
	}
	*target = httpErr
	return true
}
