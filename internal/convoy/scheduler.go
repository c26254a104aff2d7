package convoy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"warroom/internal/domain"
	"warroom/internal/ratelimit"
	"warroom/internal/store"
	"warroom/internal/tracker"
)

// RoleFunc performs the actual work for one convoy member and returns an
// artifact reference. The scheduler owns retries and status transitions;
// the role function owns only the work.
type RoleFunc func(ctx context.Context, item domain.WorkItem) (string, error)

// ParallelismSource reports how many members may run concurrently given
// current host load.
type ParallelismSource interface {
	OptimalParallelism() int
}

// OutcomeSink durably records per-member results; nil disables retention.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, convoyID string, o domain.Outcome) error
}

type Config struct {
	StaticMax   int           // configured concurrency ceiling
	MaxAttempts int           // per member, transient failures only
	BaseBackoff time.Duration // doubles per attempt up to MaxBackoff
	MaxBackoff  time.Duration
	QueueKey    string // limiter key bounding admissions to the run queue
	FailFast    bool   // refuse admission with ErrRateLimited instead of queueing
}

func DefaultConfig() Config {
	return Config{
		StaticMax:   4,
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
		QueueKey:    "convoy",
	}
}

// Scheduler executes a convoy's members in parallel. The effective
// concurrency at any instant is the minimum of the static ceiling and the
// monitor's recommendation, re-evaluated before each dispatch, so a loaded
// host degrades a convoy to serial execution without failing it.
type Scheduler struct {
	cfg     Config
	store   *store.Store
	source  ParallelismSource
	limiter *ratelimit.Limiter
	sink    OutcomeSink
	run     RoleFunc
	logger  *log.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, s *store.Store, source ParallelismSource, limiter *ratelimit.Limiter, sink OutcomeSink, run RoleFunc, logger *log.Logger) *Scheduler {
	if cfg.StaticMax <= 0 {
		cfg.StaticMax = DefaultConfig().StaticMax
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if cfg.QueueKey == "" {
		cfg.QueueKey = DefaultConfig().QueueKey
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		store:   s,
		source:  source,
		limiter: limiter,
		sink:    sink,
		run:     run,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// SetSleep overrides the backoff sleeper; tests use it to skip real delays.
func (s *Scheduler) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	s.sleep = fn
}

type memberResult struct {
	index   int
	outcome domain.Outcome
}

// Execute runs every member of the convoy to completion. A member's failure
// never cancels its siblings; the returned outcomes cover every member in
// convoy order and the convoy's aggregate status is derived and persisted.
// Context cancellation stops new dispatches and waits for in-flight members,
// returning the partial outcomes alongside the context error.
func (s *Scheduler) Execute(ctx context.Context, convoyID string) ([]domain.Outcome, error) {
	c, err := s.store.GetConvoy(ctx, convoyID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetConvoyStatus(ctx, convoyID, domain.ConvoyRunning); err != nil {
		return nil, err
	}

	outcomes := make([]domain.Outcome, len(c.MemberIDs))
	results := make(chan memberResult, len(c.MemberIDs))
	next := 0
	inFlight := 0
	canceled := false

	for next < len(c.MemberIDs) || inFlight > 0 {
		// Dispatch while load and backpressure headroom allow. The bound is
		// re-read on every iteration, so a recommendation drop takes effect
		// at the next dispatch, not the next convoy.
		for !canceled && next < len(c.MemberIDs) && inFlight < s.allowedParallelism() {
			if ctx.Err() != nil {
				canceled = true
				break
			}
			if s.limiter != nil {
				if s.cfg.FailFast {
					if !s.limiter.Allow(s.cfg.QueueKey) {
						return s.finish(ctx, convoyID, outcomes, fmt.Errorf("admit member: %w", ratelimit.ErrRateLimited))
					}
				} else if err := s.limiter.Wait(ctx, s.cfg.QueueKey); err != nil {
					if ctx.Err() != nil {
						canceled = true
						break
					}
					return s.finish(ctx, convoyID, outcomes, err)
				}
			}
			idx, itemID := next, c.MemberIDs[next]
			next++
			inFlight++
			go func() {
				results <- memberResult{index: idx, outcome: s.runMember(ctx, itemID)}
			}()
		}
		if inFlight == 0 {
			if canceled {
				break
			}
			continue
		}
		res := <-results
		inFlight--
		outcomes[res.index] = res.outcome
		if ctx.Err() != nil {
			canceled = true
		}
	}

	// Members never dispatched keep a zero-attempt outcome for completeness.
	for i, itemID := range c.MemberIDs {
		if outcomes[i].WorkItemID == "" {
			outcomes[i] = domain.Outcome{WorkItemID: itemID, Success: false, Error: "not dispatched"}
		}
	}

	var runErr error
	if canceled {
		runErr = ctx.Err()
	}
	return s.finish(ctx, convoyID, outcomes, runErr)
}

func (s *Scheduler) finish(ctx context.Context, convoyID string, outcomes []domain.Outcome, runErr error) ([]domain.Outcome, error) {
	// Status derivation and persistence must happen even on cancellation, so
	// a later inspection sees the true partial state.
	base := ctx
	if base.Err() != nil {
		var cancel context.CancelFunc
		base, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	c, err := s.store.GetConvoy(base, convoyID)
	if err != nil {
		if runErr == nil {
			runErr = err
		}
		return outcomes, runErr
	}
	if err := s.store.SetConvoyStatus(base, convoyID, c.Status); err != nil && runErr == nil {
		runErr = err
	}
	if s.sink != nil {
		for _, o := range outcomes {
			if o.WorkItemID == "" {
				continue
			}
			if err := s.sink.RecordOutcome(base, convoyID, o); err != nil {
				s.logger.Printf("convoy %s: record outcome for %s: %v", convoyID, o.WorkItemID, err)
			}
		}
	}
	return outcomes, runErr
}

// runMember drives one member through in_progress to done or failed, with
// bounded exponential backoff on transient errors. Permanent errors and
// open dependencies fail immediately.
func (s *Scheduler) runMember(ctx context.Context, itemID string) domain.Outcome {
	start := time.Now()
	out := domain.Outcome{WorkItemID: itemID}

	item, err := s.markStatus(ctx, itemID, domain.StatusInProgress)
	if err != nil {
		out.Error = err.Error()
		out.DurationMS = time.Since(start).Milliseconds()
		return out
	}

	backoff := s.cfg.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		out.Attempts = attempt
		artifact, err := s.run(ctx, item)
		if err == nil {
			out.Success = true
			out.ArtifactRef = artifact
			break
		}
		lastErr = err
		if !tracker.IsTransient(err) || attempt == s.cfg.MaxAttempts {
			break
		}
		s.logger.Printf("convoy member %s: attempt %d failed (transient), retrying in %s: %v", itemID, attempt, backoff, err)
		if err := s.sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}

	final := domain.StatusFailed
	if out.Success {
		final = domain.StatusDone
	} else if lastErr != nil {
		out.Error = lastErr.Error()
	}
	if _, err := s.markTerminal(ctx, itemID, final); err != nil {
		// Done can be refused while a dependency is open; the member then
		// counts as failed rather than silently succeeding.
		if out.Success && errors.Is(err, store.ErrDependencyOpen) {
			out.Success = false
			out.Error = err.Error()
			if _, ferr := s.markTerminal(ctx, itemID, domain.StatusFailed); ferr != nil {
				s.logger.Printf("convoy member %s: mark failed: %v", itemID, ferr)
			}
		} else {
			s.logger.Printf("convoy member %s: mark %s: %v", itemID, final, err)
		}
	}
	out.DurationMS = time.Since(start).Milliseconds()
	return out
}

// markTerminal persists a member's final status even when the run context
// was canceled mid-flight, so cancellation commits the terminal transition
// instead of stranding the item at in_progress.
func (s *Scheduler) markTerminal(ctx context.Context, itemID, status string) (domain.WorkItem, error) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return s.markStatus(ctx, itemID, status)
}

// markRetries bounds optimistic-lock retries for status transitions.
const markRetries = 5

func (s *Scheduler) markStatus(ctx context.Context, itemID, status string) (domain.WorkItem, error) {
	var item domain.WorkItem
	var err error
	for attempt := 0; attempt < markRetries; attempt++ {
		item, err = s.store.Get(ctx, itemID)
		if err != nil {
			return item, err
		}
		item, err = s.store.Update(ctx, itemID, item.Version, func(w *domain.WorkItem) error {
			w.Status = status
			return nil
		})
		if err == nil || !errors.Is(err, store.ErrVersionConflict) {
			return item, err
		}
	}
	return item, fmt.Errorf("mark %s on %s: %w", status, itemID, store.ErrVersionConflict)
}

func (s *Scheduler) allowedParallelism() int {
	limit := s.cfg.StaticMax
	if s.source != nil {
		if rec := s.source.OptimalParallelism(); rec < limit {
			limit = rec
		}
	}
	if s.limiter != nil {
		if burst := s.limiter.Burst(s.cfg.QueueKey); burst > 0 && burst < limit {
			limit = burst
		}
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
