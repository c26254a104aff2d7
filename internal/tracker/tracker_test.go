package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"warroom/internal/pool"
	"warroom/internal/ratelimit"
)

func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := log.New(&strings.Builder{}, "", 0)
	p := pool.New(pool.Config{Size: 2, AcquireTimeout: time.Second}, ConnFactory(srv.URL), logger)
	t.Cleanup(p.Close)
	l := ratelimit.New(ratelimit.Config{Rate: 100, Burst: 100})
	return NewHTTPClient(srv.URL, "tracker", p, l), srv
}

func TestGetIssueDecodesResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/issues/42", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		json.NewEncoder(w).Encode(Issue{ID: "42", Title: "login broken", State: "open"})
	})
	c, _ := newTestClient(t, mux)

	issue, err := c.GetIssue(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if issue.ID != "42" || issue.Title != "login broken" {
		t.Fatalf("unexpected issue: %+v", issue)
	}
}

func TestCreateIssueSendsPayload(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/issues", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(Issue{ID: "7", Title: got["title"].(string)})
	})
	c, _ := newTestClient(t, mux)

	issue, err := c.CreateIssue(context.Background(), "add dark mode", "details", []string{"feature"})
	if err != nil {
		t.Fatal(err)
	}
	if issue.ID != "7" {
		t.Fatalf("unexpected issue id %q", issue.ID)
	}
	if got["title"] != "add dark mode" || got["body"] != "details" {
		t.Fatalf("payload not forwarded: %v", got)
	}
}

func TestServerErrorsAreTransient(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db down", http.StatusInternalServerError)
	}))

	_, err := c.GetIssue(context.Background(), "1")
	if err == nil {
		t.Fatal("expected error")
	}
	var ee *ExternalError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExternalError, got %T", err)
	}
	if !ee.Transient {
		t.Fatal("500 should classify as transient")
	}
	if !IsTransient(err) {
		t.Fatal("IsTransient disagrees with classification")
	}
}

func TestClientErrorsArePermanent(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such issue", http.StatusNotFound)
	}))

	err := c.AddComment(context.Background(), "missing", "ping")
	var ee *ExternalError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExternalError, got %v", err)
	}
	if ee.Transient {
		t.Fatal("404 must not be retried")
	}
	if IsTransient(err) {
		t.Fatal("IsTransient disagrees with classification")
	}
}

func TestThrottlingStatusRetries(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))

	err := c.AddLabels(context.Background(), "1", []string{"urgent"})
	if !IsTransient(err) {
		t.Fatalf("429 should be transient, got %v", err)
	}
}

func TestFailFastSurfacesRateLimited(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/issues/1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Issue{ID: "1"})
	})
	c, _ := newTestClient(t, mux)
	// One token, negligible refill: the second call finds the bucket empty.
	c.Limiter = ratelimit.New(ratelimit.Config{Rate: 0.0001, Burst: 1})
	c.FailFast = true

	if _, err := c.GetIssue(context.Background(), "1"); err != nil {
		t.Fatalf("first call should pass the limiter: %v", err)
	}
	_, err := c.GetIssue(context.Background(), "1")
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatal("throttled call should stay retryable")
	}
}

func TestBackpressureSentinelsAreTransient(t *testing.T) {
	wrapped := fmt.Errorf("acquire: %w", pool.ErrPoolExhausted)
	if !IsTransient(wrapped) {
		t.Fatal("pool exhaustion should be retryable")
	}
	if !IsTransient(ratelimit.ErrRateLimited) {
		t.Fatal("rate limiting should be retryable")
	}
	if IsTransient(errors.New("boom")) {
		t.Fatal("unknown errors must not be retryable")
	}
}
