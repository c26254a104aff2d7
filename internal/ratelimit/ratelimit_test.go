package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestLimiter(defaults Config) (*Limiter, *time.Time) {
	l := New(defaults)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestBurstThenRefused(t *testing.T) {
	l, _ := newTestLimiter(Config{Rate: 1, Burst: 3})
	for i := 0; i < 3; i++ {
		if !l.Allow("tracker") {
			t.Fatalf("token %d refused within burst", i)
		}
	}
	if l.Allow("tracker") {
		t.Fatal("token granted beyond burst")
	}
}

func TestRefillRestoresTokens(t *testing.T) {
	l, now := newTestLimiter(Config{Rate: 2, Burst: 2})
	l.Allow("tracker")
	l.Allow("tracker")
	if l.Allow("tracker") {
		t.Fatal("bucket should be empty")
	}
	*now = now.Add(time.Second) // 2 tokens back
	if !l.Allow("tracker") || !l.Allow("tracker") {
		t.Fatal("refill did not restore tokens")
	}
	if l.Allow("tracker") {
		t.Fatal("refill exceeded burst")
	}
}

func TestPerKeyConfigIsolatesRoles(t *testing.T) {
	l, _ := newTestLimiter(Config{Rate: 10, Burst: 10})
	l.Configure("tracker/scout", Config{Rate: 1, Burst: 1})

	if !l.Allow("tracker/scout") {
		t.Fatal("first scout token refused")
	}
	if l.Allow("tracker/scout") {
		t.Fatal("scout exceeded its dedicated burst")
	}
	// Other roles keep the default budget.
	for i := 0; i < 10; i++ {
		if !l.Allow("tracker/builder") {
			t.Fatalf("builder token %d refused", i)
		}
	}
}

func TestWaitFailsWhenContextExpires(t *testing.T) {
	l := New(Config{Rate: 0.001, Burst: 1})
	if !l.Allow("tracker") {
		t.Fatal("burst token refused")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "tracker")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestBurstExposedForBackpressure(t *testing.T) {
	l, _ := newTestLimiter(Config{Rate: 5, Burst: 7})
	l.Configure("convoy", Config{Rate: 2, Burst: 3})
	if got := l.Burst("convoy"); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := l.Burst("other"); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
}
