package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"warroom/internal/db"
	"warroom/internal/domain"
	"warroom/internal/ledger"
	"warroom/internal/migrate"
	"warroom/internal/store"
)

type testEnv struct {
	Store  *store.Store
	Ledger *ledger.Ledger
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	l := ledger.New(conn, s)
	l.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Store: s, Ledger: l, Ctx: context.Background()}
}

func TestHandoffReassignsRole(t *testing.T) {
	env := newTestEnv(t)
	scout := "scout"
	item, err := env.Store.Create(env.Ctx, domain.WorkItem{ID: "wi-1", Title: "survey", AssignedRole: &scout})
	if err != nil {
		t.Fatal(err)
	}
	rec, err := env.Ledger.Handoff(env.Ctx, item.ID, "scout", "builder", "design ready")
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if rec.DelegationID != nil {
		t.Fatalf("plain handoff should not carry a delegation")
	}
	got, err := env.Store.Get(env.Ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AssignedRole == nil || *got.AssignedRole != "builder" {
		t.Fatalf("expected role builder, got %v", got.AssignedRole)
	}
	if got.Version != item.Version+1 {
		t.Fatalf("expected one version bump, got %d", got.Version)
	}
}

func TestHandoffWithDelegationCrossReferences(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.Store.Create(env.Ctx, domain.WorkItem{ID: "wi-1", Title: "build"})
	if err != nil {
		t.Fatal(err)
	}
	rec, link, err := env.Ledger.HandoffWithDelegation(env.Ctx, item.ID, "captain", "builder", "own this", "implementation")
	if err != nil {
		t.Fatalf("handoff with delegation: %v", err)
	}
	if rec.DelegationID == nil || *rec.DelegationID != link.ID {
		t.Fatalf("handoff does not reference delegation: %+v", rec)
	}

	handoffs, err := env.Ledger.HandoffsFor(env.Ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	links, err := env.Ledger.DelegationsFor(env.Ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(handoffs) != 1 || len(links) != 1 {
		t.Fatalf("expected one handoff and one delegation, got %d/%d", len(handoffs), len(links))
	}
	if handoffs[0].DelegationID == nil || *handoffs[0].DelegationID != links[0].ID {
		t.Fatalf("audit trail not navigable between records")
	}
}

func TestDelegationTransitionsAreMonotonic(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.Store.Create(env.Ctx, domain.WorkItem{ID: "wi-1", Title: "review"})
	if err != nil {
		t.Fatal(err)
	}
	link, err := env.Ledger.Delegate(env.Ctx, item.ID, "captain", "reviewer", "code review")
	if err != nil {
		t.Fatal(err)
	}

	// Completing before accepting must fail.
	if _, err := env.Ledger.CompleteDelegation(env.Ctx, link.ID); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	link, err = env.Ledger.AcceptDelegation(env.Ctx, link.ID)
	if err != nil {
		t.Fatal(err)
	}
	if link.Status != domain.DelegationAccepted || link.AcceptedAt == nil {
		t.Fatalf("unexpected link after accept: %+v", link)
	}
	// Accepting twice must fail.
	if _, err := env.Ledger.AcceptDelegation(env.Ctx, link.ID); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on re-accept, got %v", err)
	}

	link, err = env.Ledger.CompleteDelegation(env.Ctx, link.ID)
	if err != nil {
		t.Fatal(err)
	}
	if link.Status != domain.DelegationCompleted || link.CompletedAt == nil {
		t.Fatalf("unexpected link after complete: %+v", link)
	}
	// Terminal: revoking a completed delegation must fail.
	if _, err := env.Ledger.RevokeDelegation(env.Ctx, link.ID); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on revoke-after-complete, got %v", err)
	}
}

func TestDelegateUnknownItem(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Ledger.Delegate(env.Ctx, "missing", "a", "b", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
