package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"warroom/internal/app"
	"warroom/internal/captain"
	"warroom/internal/domain"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	workspace := t.TempDir()
	logger := log.New(&strings.Builder{}, "", 0)
	a, err := app.New(context.Background(), workspace, logger)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	handler, err := New(Config{
		Store:    a.Store,
		Captain:  a.Captain,
		Ledger:   a.Ledger,
		Router:   a.Router,
		Metrics:  a.Metrics,
		Registry: a.Registry,
		Monitor:  a.Monitor,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: secret, Logger: logger},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			a.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestItemLifecycleWithVersionConflict(t *testing.T) {
	srv := newTestServer(t, "")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{
		"title": "wire payment webhook",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	var created domain.WorkItem
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	if created.Version != 1 || created.Status != domain.StatusBacklog {
		t.Fatalf("unexpected new item: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/items/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get item status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/items/"+created.ID, map[string]any{
		"expected_version": created.Version,
		"status":           domain.StatusReady,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}
	var updated domain.WorkItem
	_ = json.Unmarshal(data, &updated)
	if updated.Version != created.Version+1 {
		t.Fatalf("version not bumped: %+v", updated)
	}

	// A writer holding the stale version loses.
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/items/"+created.ID, map[string]any{
		"expected_version": created.Version,
		"status":           domain.StatusInProgress,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "version_conflict" {
		t.Fatalf("expected version_conflict code, got %s", string(data))
	}
}

func TestDependencyGatePreventsPrematureDone(t *testing.T) {
	srv := newTestServer(t, "")
	client := srv.Client()

	create := func(title string) domain.WorkItem {
		t.Helper()
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items", map[string]any{"title": title}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %q status %d: %s", title, res.StatusCode, string(data))
		}
		var item domain.WorkItem
		if err := json.Unmarshal(data, &item); err != nil {
			t.Fatalf("unmarshal item: %v", err)
		}
		return item
	}
	base := create("extract shared client")
	dependent := create("migrate callers")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+dependent.ID+"/deps", map[string]any{
		"depends_on": base.ID,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add dependency status %d: %s", res.StatusCode, string(data))
	}
	var linked domain.WorkItem
	_ = json.Unmarshal(data, &linked)
	if len(linked.DependsOn) != 1 || linked.DependsOn[0] != base.ID {
		t.Fatalf("dependency edge not recorded: %+v", linked)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/items/"+dependent.ID, map[string]any{
		"expected_version": dependent.Version,
		"status":           domain.StatusDone,
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 while the dependency is open, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "dependency_open" {
		t.Fatalf("expected dependency_open code, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/items/"+base.ID, map[string]any{
		"expected_version": base.Version,
		"status":           domain.StatusDone,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete base status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/items/"+dependent.ID, map[string]any{
		"expected_version": dependent.Version,
		"status":           domain.StatusDone,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete dependent status %d: %s", res.StatusCode, string(data))
	}
}

func TestCoordinateRunsExecution(t *testing.T) {
	srv := newTestServer(t, "")
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/coordinate", map[string]any{
		"title":       "fix crash on empty cart",
		"description": "panic when checkout runs with zero items",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("coordinate status %d: %s", res.StatusCode, string(data))
	}
	var handle captain.Handle
	if err := json.Unmarshal(data, &handle); err != nil {
		t.Fatalf("unmarshal handle: %v", err)
	}
	if handle.PlanName != "bugfix" {
		t.Fatalf("expected bugfix plan, got %s", handle.PlanName)
	}
	if handle.Status != domain.ExecCompleted {
		t.Fatalf("expected completed execution, got %s: %s", handle.Status, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions/"+handle.ExecutionID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get execution status %d: %s", res.StatusCode, string(data))
	}
	var fetched captain.Handle
	_ = json.Unmarshal(data, &fetched)
	if len(fetched.Phases) != 3 {
		t.Fatalf("expected 3 phases, got %d", len(fetched.Phases))
	}
	for _, ph := range fetched.Phases {
		if ph.Status != domain.PhaseComplete {
			t.Fatalf("phase %s not complete: %+v", ph.Name, ph)
		}
	}
}

func TestMissingItemIs404(t *testing.T) {
	srv := newTestServer(t, "")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/items/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequiredWhenSecretSet(t *testing.T) {
	srv := newTestServer(t, "test-secret")
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}

	// Health stays open for probes.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "captain-cli",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/items", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", res.StatusCode, string(data))
	}
}
