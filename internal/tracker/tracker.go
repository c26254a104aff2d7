package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"warroom/internal/pool"
	"warroom/internal/ratelimit"
)

// Issue mirrors the external tracker's ticket shape at the interface
// boundary; the tracker backend itself is out of scope.
type Issue struct {
	ID     string   `json:"id"`
	Title  string   `json:"title"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
	State  string   `json:"state,omitempty"`
}

// Client is the consumed issue-tracking collaborator surface.
type Client interface {
	GetIssue(ctx context.Context, id string) (Issue, error)
	CreateIssue(ctx context.Context, title, body string, labels []string) (Issue, error)
	AddComment(ctx context.Context, id, text string) error
	AddLabels(ctx context.Context, id string, labels []string) error
}

// ExternalError wraps the collaborator's own failure, classified transient
// vs permanent for retry eligibility.
type ExternalError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *ExternalError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("tracker %s: %s: %v", e.Op, kind, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable: a transient external
// failure, pool exhaustion, or rate limiting.
func IsTransient(err error) bool {
	var ee *ExternalError
	if errors.As(err, &ee) {
		return ee.Transient
	}
	return errors.Is(err, pool.ErrPoolExhausted) || errors.Is(err, ratelimit.ErrRateLimited)
}

// HTTPClient talks to a remote tracker over a pooled, rate-limited
// transport.
type HTTPClient struct {
	BaseURL     string
	Destination string
	Pool        *pool.Pool
	Limiter     *ratelimit.Limiter
	FailFast    bool // refuse throttled calls with ErrRateLimited instead of queueing
}

type httpConn struct {
	client  *http.Client
	baseURL string
}

func (c *httpConn) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}

func (c *httpConn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// NewHTTPClient builds a client whose connections are owned by a bounded
// pool and whose calls are throttled per destination.
func NewHTTPClient(baseURL, destination string, p *pool.Pool, l *ratelimit.Limiter) *HTTPClient {
	return &HTTPClient{BaseURL: strings.TrimRight(baseURL, "/"), Destination: destination, Pool: p, Limiter: l}
}

// ConnFactory dials one pooled transport handle for baseURL.
func ConnFactory(baseURL string) pool.Factory {
	return func(ctx context.Context) (pool.Conn, error) {
		return &httpConn{
			client:  &http.Client{Timeout: 30 * time.Second},
			baseURL: strings.TrimRight(baseURL, "/"),
		}, nil
	}
}

func (h *HTTPClient) GetIssue(ctx context.Context, id string) (Issue, error) {
	var issue Issue
	err := h.do(ctx, "get_issue", http.MethodGet, "/issues/"+id, nil, &issue)
	return issue, err
}

func (h *HTTPClient) CreateIssue(ctx context.Context, title, body string, labels []string) (Issue, error) {
	var issue Issue
	payload := map[string]any{"title": title, "body": body, "labels": labels}
	err := h.do(ctx, "create_issue", http.MethodPost, "/issues", payload, &issue)
	return issue, err
}

func (h *HTTPClient) AddComment(ctx context.Context, id, text string) error {
	return h.do(ctx, "add_comment", http.MethodPost, "/issues/"+id+"/comments", map[string]any{"body": text}, nil)
}

func (h *HTTPClient) AddLabels(ctx context.Context, id string, labels []string) error {
	return h.do(ctx, "add_labels", http.MethodPost, "/issues/"+id+"/labels", map[string]any{"labels": labels}, nil)
}

func (h *HTTPClient) do(ctx context.Context, op, method, path string, payload, out any) error {
	if h.Limiter != nil {
		if h.FailFast {
			if !h.Limiter.Allow(h.Destination) {
				return fmt.Errorf("tracker %s: %w", op, ratelimit.ErrRateLimited)
			}
		} else if err := h.Limiter.Wait(ctx, h.Destination); err != nil {
			return err
		}
	}
	conn, err := h.Pool.Acquire(ctx)
	if err != nil {
		return err
	}
	hc, ok := conn.(*httpConn)
	if !ok {
		h.Pool.Release(conn)
		return fmt.Errorf("tracker %s: unexpected connection type %T", op, conn)
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			h.Pool.Release(conn)
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, hc.baseURL+path, body)
	if err != nil {
		h.Pool.Release(conn)
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.client.Do(req)
	if err != nil {
		h.Pool.Discard(conn)
		return &ExternalError{Op: op, Transient: isNetworkError(err), Err: err}
	}
	defer func() {
		resp.Body.Close()
		h.Pool.Release(conn)
	}()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return &ExternalError{Op: op, Transient: transientStatus(resp.StatusCode), Err: err}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &ExternalError{Op: op, Transient: false, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// transientStatus: server errors and throttling retry; client errors do not.
func transientStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func isNetworkError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}
