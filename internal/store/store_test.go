package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"warroom/internal/db"
	"warroom/internal/domain"
	"warroom/internal/migrate"
	"warroom/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.New(conn)
	s.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return s
}

func mustCreate(t *testing.T, s *store.Store, item domain.WorkItem) domain.WorkItem {
	t.Helper()
	created, err := s.Create(context.Background(), item)
	if err != nil {
		t.Fatalf("create %s: %v", item.ID, err)
	}
	return created
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	item := mustCreate(t, s, domain.WorkItem{ID: "wi-1", Title: "requirements", IssueRef: "ISSUE-7"})
	if item.Version != 1 {
		t.Fatalf("expected version 1, got %d", item.Version)
	}
	got, err := s.Get(ctx, "wi-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusBacklog || got.IssueRef != "ISSUE-7" {
		t.Fatalf("unexpected item: %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateGeneratesIDWhenOmitted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := mustCreate(t, s, domain.WorkItem{Title: "triage incoming reports"})
	if created.ID == "" {
		t.Fatal("expected a generated id")
	}
	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get generated id: %v", err)
	}
	if got.Title != "triage incoming reports" || got.Version != 1 {
		t.Fatalf("unexpected item: %+v", got)
	}
}

func TestOptimisticLockRejectsStaleVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	item := mustCreate(t, s, domain.WorkItem{ID: "wi-1", Title: "design"})

	updated, err := s.Update(ctx, item.ID, item.Version, func(w *domain.WorkItem) error {
		w.Status = domain.StatusReady
		return nil
	})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	// A second writer presenting the original version must be rejected and
	// the stored item must be unchanged.
	_, err = s.Update(ctx, item.ID, item.Version, func(w *domain.WorkItem) error {
		w.Status = domain.StatusFailed
		return nil
	})
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	got, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusReady || got.Version != 2 {
		t.Fatalf("stale write mutated item: %+v", got)
	}
}

func TestConcurrentUpdatesDegradeToRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	item := mustCreate(t, s, domain.WorkItem{ID: "wi-1", Title: "impl"})

	const writers = 8
	var wg sync.WaitGroup
	conflicts := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				cur, err := s.Get(ctx, item.ID)
				if err != nil {
					conflicts <- err
					return
				}
				_, err = s.Update(ctx, cur.ID, cur.Version, func(w *domain.WorkItem) error {
					if w.Metadata == nil {
						w.Metadata = map[string]string{}
					}
					w.Metadata["touches"] = w.UpdatedAt
					return nil
				})
				if err == nil {
					return
				}
				if !errors.Is(err, store.ErrVersionConflict) {
					conflicts <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(conflicts)
	for err := range conflicts {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	// Each successful mutation bumps the version exactly once.
	if got.Version != int64(1+writers) {
		t.Fatalf("expected version %d, got %d", 1+writers, got.Version)
	}
	log, err := s.ChangeLog(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(log) != 1+writers {
		t.Fatalf("expected %d change log entries, got %d", 1+writers, len(log))
	}
}

func TestDoneBlockedByOpenDependency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dep := mustCreate(t, s, domain.WorkItem{ID: "dep-1", Title: "dep"})
	item := mustCreate(t, s, domain.WorkItem{ID: "wi-1", Title: "main", DependsOn: []string{dep.ID}})

	_, err := s.Update(ctx, item.ID, item.Version, func(w *domain.WorkItem) error {
		w.Status = domain.StatusDone
		return nil
	})
	if !errors.Is(err, store.ErrDependencyOpen) {
		t.Fatalf("expected ErrDependencyOpen, got %v", err)
	}

	dep, err = s.Update(ctx, dep.ID, dep.Version, func(w *domain.WorkItem) error {
		w.Status = domain.StatusDone
		return nil
	})
	if err != nil {
		t.Fatalf("complete dep: %v", err)
	}
	if _, err := s.Update(ctx, item.ID, item.Version, func(w *domain.WorkItem) error {
		w.Status = domain.StatusDone
		return nil
	}); err != nil {
		t.Fatalf("expected done after deps complete: %v", err)
	}
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	role := "builder"
	mustCreate(t, s, domain.WorkItem{ID: "a", Title: "a", Status: domain.StatusReady})
	mustCreate(t, s, domain.WorkItem{ID: "b", Title: "b", Status: domain.StatusReady, AssignedRole: &role})
	mustCreate(t, s, domain.WorkItem{ID: "c", Title: "c", Status: domain.StatusBacklog, DependsOn: []string{"a"}})

	ready, err := s.List(ctx, store.Filters{Status: domain.StatusReady})
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 2 {
		t.Fatalf("expected 2 ready items, got %d", len(ready))
	}
	byRole, err := s.List(ctx, store.Filters{Role: role})
	if err != nil {
		t.Fatal(err)
	}
	if len(byRole) != 1 || byRole[0].ID != "b" {
		t.Fatalf("unexpected role filter result: %+v", byRole)
	}
	blocked, err := s.List(ctx, store.Filters{DependsOn: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 1 || blocked[0].ID != "c" {
		t.Fatalf("unexpected dependency filter result: %+v", blocked)
	}
}

func TestConvoyAggregateStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, s, domain.WorkItem{ID: "a", Title: "a"})
	b := mustCreate(t, s, domain.WorkItem{ID: "b", Title: "b"})
	c := mustCreate(t, s, domain.WorkItem{ID: "c", Title: "c"})
	if _, err := s.CreateConvoy(ctx, domain.Convoy{ID: "cv-1", MemberIDs: []string{"a", "b", "c"}}); err != nil {
		t.Fatalf("create convoy: %v", err)
	}

	set := func(item domain.WorkItem, status string) domain.WorkItem {
		t.Helper()
		out, err := s.Update(ctx, item.ID, item.Version, func(w *domain.WorkItem) error {
			w.Status = status
			return nil
		})
		if err != nil {
			t.Fatalf("set %s=%s: %v", item.ID, status, err)
		}
		return out
	}

	a = set(a, domain.StatusInProgress)
	cv, err := s.GetConvoy(ctx, "cv-1")
	if err != nil {
		t.Fatal(err)
	}
	if cv.Status != domain.ConvoyRunning {
		t.Fatalf("expected running, got %s", cv.Status)
	}

	set(a, domain.StatusDone)
	set(b, domain.StatusDone)
	set(c, domain.StatusFailed)
	cv, err = s.GetConvoy(ctx, "cv-1")
	if err != nil {
		t.Fatal(err)
	}
	if cv.Status != domain.ConvoyPartiallyFailed {
		t.Fatalf("expected partially_failed, got %s", cv.Status)
	}
}

func TestGraphNeighbors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, domain.WorkItem{ID: "a", Title: "a"})
	item := mustCreate(t, s, domain.WorkItem{ID: "b", Title: "b", DependsOn: []string{"a"}})
	role := "scout"
	if _, err := s.Update(ctx, item.ID, item.Version, func(w *domain.WorkItem) error {
		w.AssignedRole = &role
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	edges, err := s.Neighbors(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	var dep, touch bool
	for _, e := range edges {
		if e.Kind == domain.EdgeDependsOn && e.To == "a" {
			dep = true
		}
		if e.Kind == domain.EdgeTouched && e.From == "role:scout" {
			touch = true
		}
	}
	if !dep || !touch {
		t.Fatalf("expected dependency and touch edges, got %+v", edges)
	}
}
