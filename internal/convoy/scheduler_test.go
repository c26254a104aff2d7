package convoy_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"warroom/internal/convoy"
	"warroom/internal/db"
	"warroom/internal/domain"
	"warroom/internal/migrate"
	"warroom/internal/ratelimit"
	"warroom/internal/store"
	"warroom/internal/tracker"
)

type fixedSource struct{ n int }

func (f fixedSource) OptimalParallelism() int { return f.n }

type testEnv struct {
	Store *store.Store
	Ctx   context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return testEnv{Store: store.New(conn), Ctx: context.Background()}
}

func (e testEnv) createItems(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("wi-%d", i)
		if _, err := e.Store.Create(e.Ctx, domain.WorkItem{ID: ids[i], Title: "member " + ids[i]}); err != nil {
			t.Fatal(err)
		}
	}
	return ids
}

func (e testEnv) createConvoy(t *testing.T, members []string) string {
	t.Helper()
	c, err := e.Store.CreateConvoy(e.Ctx, domain.Convoy{ID: "cv-1", Name: "test", MemberIDs: members})
	if err != nil {
		t.Fatal(err)
	}
	return c.ID
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func quietLogger() *log.Logger { return log.New(&strings.Builder{}, "", 0) }

func TestLoadDegradesToSerialExecution(t *testing.T) {
	env := newTestEnv(t)
	ids := env.createItems(t, 3)
	cid := env.createConvoy(t, ids)

	var mu sync.Mutex
	active, peak := 0, 0
	run := func(ctx context.Context, item domain.WorkItem) (string, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return "artifact://" + item.ID, nil
	}

	// Static ceiling 2, but the monitor recommends 1: execution must be
	// strictly serial while both bounds are honored.
	sched := convoy.New(convoy.Config{StaticMax: 2}, env.Store, fixedSource{n: 1}, nil, nil, run, quietLogger())
	sched.SetSleep(noSleep)
	outcomes, err := sched.Execute(env.Ctx, cid)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if peak != 1 {
		t.Fatalf("expected serial execution, peak concurrency was %d", peak)
	}
	for _, o := range outcomes {
		if !o.Success {
			t.Fatalf("member %s failed: %s", o.WorkItemID, o.Error)
		}
	}
	c, err := env.Store.GetConvoy(env.Ctx, cid)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.ConvoyDone {
		t.Fatalf("expected convoy done, got %s", c.Status)
	}
	for _, id := range ids {
		item, err := env.Store.Get(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if item.Status != domain.StatusDone {
			t.Fatalf("item %s: expected done, got %s", id, item.Status)
		}
	}
}

func TestPartialFailureIsFirstClass(t *testing.T) {
	env := newTestEnv(t)
	ids := env.createItems(t, 4)
	cid := env.createConvoy(t, ids)

	run := func(ctx context.Context, item domain.WorkItem) (string, error) {
		if item.ID == "wi-1" || item.ID == "wi-3" {
			return "", errors.New("role rejected the work")
		}
		return "artifact://" + item.ID, nil
	}
	sched := convoy.New(convoy.Config{StaticMax: 2}, env.Store, nil, nil, nil, run, quietLogger())
	sched.SetSleep(noSleep)
	outcomes, err := sched.Execute(env.Ctx, cid)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	succeeded, failed := 0, 0
	for _, o := range outcomes {
		if o.Success {
			succeeded++
		} else {
			failed++
		}
	}
	if succeeded != 2 || failed != 2 {
		t.Fatalf("expected 2 succeeded / 2 failed, got %d/%d", succeeded, failed)
	}
	c, err := env.Store.GetConvoy(env.Ctx, cid)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.ConvoyPartiallyFailed {
		t.Fatalf("expected partially_failed, got %s", c.Status)
	}
}

func TestTransientErrorsRetryWithBackoff(t *testing.T) {
	env := newTestEnv(t)
	ids := env.createItems(t, 1)
	cid := env.createConvoy(t, ids)

	calls := 0
	run := func(ctx context.Context, item domain.WorkItem) (string, error) {
		calls++
		if calls < 3 {
			return "", &tracker.ExternalError{Op: "create_issue", Transient: true, Err: errors.New("503")}
		}
		return "artifact://ok", nil
	}
	sched := convoy.New(convoy.Config{StaticMax: 1, MaxAttempts: 3}, env.Store, nil, nil, nil, run, quietLogger())
	sched.SetSleep(noSleep)
	outcomes, err := sched.Execute(env.Ctx, cid)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !outcomes[0].Success || outcomes[0].Attempts != 3 {
		t.Fatalf("expected success on attempt 3, got %+v", outcomes[0])
	}
}

func TestCancellationStillPersistsTerminalStatus(t *testing.T) {
	env := newTestEnv(t)
	ids := env.createItems(t, 1)
	cid := env.createConvoy(t, ids)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	run := func(ctx context.Context, item domain.WorkItem) (string, error) {
		close(started)
		// Cooperative cancellation: the member reaches its safe checkpoint
		// and finishes the work it already started.
		<-ctx.Done()
		return "artifact://" + item.ID, nil
	}
	go func() {
		<-started
		cancel()
	}()

	sched := convoy.New(convoy.Config{StaticMax: 1}, env.Store, nil, nil, nil, run, quietLogger())
	sched.SetSleep(noSleep)
	outcomes, err := sched.Execute(ctx, cid)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !outcomes[0].Success {
		t.Fatalf("in-flight member should have completed: %+v", outcomes[0])
	}

	// The terminal transition must be committed despite the canceled run
	// context; a stranded in_progress item would freeze the convoy aggregate.
	item, err := env.Store.Get(env.Ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != domain.StatusDone {
		t.Fatalf("cancellation stranded item at %s", item.Status)
	}
	c, err := env.Store.GetConvoy(env.Ctx, cid)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.ConvoyDone {
		t.Fatalf("expected convoy done after drain, got %s", c.Status)
	}
}

func TestFailFastAdmissionSurfacesRateLimited(t *testing.T) {
	env := newTestEnv(t)
	ids := env.createItems(t, 2)
	cid := env.createConvoy(t, ids)

	// One token, negligible refill: the second admission finds the bucket
	// empty and must fail fast instead of queueing.
	limiter := ratelimit.New(ratelimit.Config{Rate: 0.0001, Burst: 1})
	run := func(ctx context.Context, item domain.WorkItem) (string, error) {
		return "artifact://" + item.ID, nil
	}
	sched := convoy.New(convoy.Config{StaticMax: 2, FailFast: true}, env.Store, nil, limiter, nil, run, quietLogger())
	sched.SetSleep(noSleep)
	outcomes, err := sched.Execute(env.Ctx, cid)
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if !outcomes[0].Success {
		t.Fatalf("admitted member should have run: %+v", outcomes[0])
	}
}

func TestPermanentErrorsDoNotRetry(t *testing.T) {
	env := newTestEnv(t)
	ids := env.createItems(t, 1)
	cid := env.createConvoy(t, ids)

	calls := 0
	run := func(ctx context.Context, item domain.WorkItem) (string, error) {
		calls++
		return "", &tracker.ExternalError{Op: "get_issue", Transient: false, Err: errors.New("404")}
	}
	sched := convoy.New(convoy.Config{StaticMax: 1, MaxAttempts: 5}, env.Store, nil, nil, nil, run, quietLogger())
	sched.SetSleep(noSleep)
	outcomes, err := sched.Execute(env.Ctx, cid)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error retried: %d calls", calls)
	}
	if outcomes[0].Success {
		t.Fatal("expected failure outcome")
	}
	c, err := env.Store.GetConvoy(env.Ctx, cid)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != domain.ConvoyFailed {
		t.Fatalf("expected failed, got %s", c.Status)
	}
}
