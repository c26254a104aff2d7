package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"warroom/internal/domain"
)

var (
	// ErrCircuitOpen is a routing refusal distinct from a generic failure;
	// retryable after the cooldown, and callers may pick a fallback.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrBlocked means policy filtering left no usable candidate.
	ErrBlocked = errors.New("no candidate allowed")
)

// Candidate is one routable worker destination.
type Candidate struct {
	Name           string   `json:"name" yaml:"name"`
	Capabilities   []string `json:"capabilities" yaml:"capabilities"`
	MaxSensitivity int      `json:"max_sensitivity" yaml:"max_sensitivity"`
	TrustLevel     int      `json:"trust_level" yaml:"trust_level"`
}

// Request describes what the caller needs from a destination.
type Request struct {
	Capabilities []string
	Sensitivity  int
	TrustLevel   int
}

// Config holds the three health thresholds partitioning behavior, plus the
// circuit breaker timing.
type Config struct {
	WindowSize         int
	WarnRate           float64
	CriticalRate       float64
	CircuitBreakerRate float64
	Cooldown           time.Duration
	CloseSuccesses     int
}

func DefaultConfig() Config {
	return Config{
		WindowSize:         200,
		WarnRate:           0.1,
		CriticalRate:       0.3,
		CircuitBreakerRate: 0.5,
		Cooldown:           30 * time.Second,
		CloseSuccesses:     3,
	}
}

// Sink durably appends routing events; nil keeps the window in memory only.
type Sink interface {
	AppendRoutingEvent(ctx context.Context, e domain.RoutingEvent) error
}

// CircuitState follows Closed -> Open -> Half-Open -> Closed.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// breaker tracks per-destination circuit state. In half-open exactly one
// trial request is permitted; any failure while half-open reopens the
// circuit, and CloseSuccesses consecutive successes close it.
type breaker struct {
	state         CircuitState
	openedAt      time.Time
	trialInFlight bool
	successes     int
}

// destination aggregates the rolling window and breaker for one candidate.
type destination struct {
	window  []bool // true = blocked; newest last, capped at WindowSize
	breaker breaker
}

func (d *destination) blockRate() float64 {
	if len(d.window) == 0 {
		return 0
	}
	blocked := 0
	for _, b := range d.window {
		if b {
			blocked++
		}
	}
	return float64(blocked) / float64(len(d.window))
}

// Health classifies a destination's rolling block rate.
type Health string

const (
	HealthOK       Health = "ok"
	HealthWarn     Health = "warn"
	HealthCritical Health = "critical"
)

// Router selects a worker destination for a request given policy rules and
// rolling health statistics, wrapping calls in circuit-breaker logic.
type Router struct {
	cfg    Config
	sink   Sink
	logger *log.Logger
	now    func() time.Time

	mu         sync.Mutex
	candidates map[string]Candidate
	dests      map[string]*destination
}

func New(cfg Config, sink Sink, logger *log.Logger) *Router {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	if cfg.CloseSuccesses <= 0 {
		cfg.CloseSuccesses = DefaultConfig().CloseSuccesses
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		cfg:        cfg,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
		candidates: make(map[string]Candidate),
		dests:      make(map[string]*destination),
	}
}

// SetNow overrides the clock; used by tests to step cooldowns.
func (r *Router) SetNow(now func() time.Time) { r.now = now }

// Register adds a routable candidate.
func (r *Router) Register(c Candidate) error {
	if c.Name == "" {
		return errors.New("candidate name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.candidates[c.Name]; exists {
		return fmt.Errorf("candidate %s already registered", c.Name)
	}
	r.candidates[c.Name] = c
	r.dests[c.Name] = &destination{}
	return nil
}

// Route picks a destination. Filtering: capability tags, then sensitivity
// and trust policy. Among the remainder the rolling block rate decides:
// healthy below WarnRate; used-but-flagged up to CriticalRate; above
// CriticalRate avoided when an alternative exists, else used with a warning.
// A destination whose circuit is open is rejected outright. Every decision
// is appended as a RoutingEvent before any call is attempted.
func (r *Router) Route(ctx context.Context, req Request) (Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.candidates))
	for name := range r.candidates {
		names = append(names, name)
	}
	sort.Strings(names)

	var eligible []Candidate
	for _, name := range names {
		c := r.candidates[name]
		if !hasCapabilities(c, req.Capabilities) {
			continue
		}
		if req.Sensitivity > c.MaxSensitivity || c.TrustLevel < req.TrustLevel {
			r.record(ctx, c.Name, req.Capabilities, domain.RouteBlocked)
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 {
		return Candidate{}, fmt.Errorf("capabilities %v: %w", req.Capabilities, ErrBlocked)
	}

	var healthy, flagged, critical []Candidate
	circuitRejected := 0
	for _, c := range eligible {
		d := r.dests[c.Name]
		if !r.circuitAllows(d) {
			r.record(ctx, c.Name, req.Capabilities, domain.RouteCircuitOpen)
			circuitRejected++
			continue
		}
		switch r.healthOf(d) {
		case HealthOK:
			healthy = append(healthy, c)
		case HealthWarn:
			flagged = append(flagged, c)
		default:
			critical = append(critical, c)
		}
	}

	var chosen Candidate
	switch {
	case len(healthy) > 0:
		chosen = healthy[0]
	case len(flagged) > 0:
		chosen = flagged[0]
		r.logger.Printf("router: destination %s flagged (block rate above warn threshold)", chosen.Name)
	case len(critical) > 0:
		chosen = critical[0]
		r.logger.Printf("router: destination %s above critical block rate, no alternative available", chosen.Name)
	default:
		return Candidate{}, fmt.Errorf("%d candidate(s) rejected: %w", circuitRejected, ErrCircuitOpen)
	}

	d := r.dests[chosen.Name]
	if d.breaker.state == CircuitHalfOpen {
		d.breaker.trialInFlight = true
	}
	r.record(ctx, chosen.Name, req.Capabilities, domain.RouteAllowed)
	return chosen, nil
}

// Report feeds the call result back into the window and the breaker.
func (r *Router) Report(ctx context.Context, destinationName string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.dests[destinationName]
	if !ok {
		return
	}
	r.push(d, !success)

	b := &d.breaker
	switch b.state {
	case CircuitHalfOpen:
		b.trialInFlight = false
		if success {
			b.successes++
			if b.successes >= r.cfg.CloseSuccesses {
				b.state = CircuitClosed
				b.successes = 0
				r.logger.Printf("router: circuit closed for %s after %d successes", destinationName, r.cfg.CloseSuccesses)
			}
		} else {
			b.state = CircuitOpen
			b.openedAt = r.now()
			b.successes = 0
			r.logger.Printf("router: circuit reopened for %s after trial failure", destinationName)
		}
	case CircuitClosed:
		if !success && d.blockRate() >= r.cfg.CircuitBreakerRate && len(d.window) >= minWindowForTrip {
			b.state = CircuitOpen
			b.openedAt = r.now()
			r.logger.Printf("router: circuit opened for %s (block rate %.2f)", destinationName, d.blockRate())
		}
	}
}

// HealthOf exposes the current classification for inspection endpoints.
func (r *Router) HealthOf(destinationName string) (Health, CircuitState, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.dests[destinationName]
	if !ok {
		return "", 0, 0, fmt.Errorf("destination %s not registered", destinationName)
	}
	return r.healthOf(d), d.breaker.state, d.blockRate(), nil
}

// minWindowForTrip avoids tripping the breaker on a tiny sample.
const minWindowForTrip = 10

func (r *Router) healthOf(d *destination) Health {
	rate := d.blockRate()
	switch {
	case rate < r.cfg.WarnRate:
		return HealthOK
	case rate < r.cfg.CriticalRate:
		return HealthWarn
	default:
		return HealthCritical
	}
}

// circuitAllows applies the open/half-open gate. After the cooldown an open
// circuit transitions to half-open and permits a single trial request.
func (r *Router) circuitAllows(d *destination) bool {
	b := &d.breaker
	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if r.now().Sub(b.openedAt) >= r.cfg.Cooldown {
			b.state = CircuitHalfOpen
			b.trialInFlight = false
			b.successes = 0
			return true
		}
		return false
	case CircuitHalfOpen:
		return !b.trialInFlight
	default:
		return false
	}
}

func (r *Router) push(d *destination, blocked bool) {
	d.window = append(d.window, blocked)
	if len(d.window) > r.cfg.WindowSize {
		d.window = d.window[len(d.window)-r.cfg.WindowSize:]
	}
}

func (r *Router) record(ctx context.Context, dest string, capabilities []string, outcome string) {
	if outcome != domain.RouteAllowed {
		// Blocked decisions count against the destination's window too, so
		// the window reflects attempts rather than just call outcomes.
		if d, ok := r.dests[dest]; ok && outcome == domain.RouteBlocked {
			r.push(d, true)
		}
	}
	if r.sink == nil {
		return
	}
	e := domain.RoutingEvent{
		Destination:  dest,
		Capabilities: capabilities,
		Outcome:      outcome,
		TS:           r.now().UTC().Format(time.RFC3339),
	}
	if err := r.sink.AppendRoutingEvent(ctx, e); err != nil {
		r.logger.Printf("router: append routing event: %v", err)
	}
}

func hasCapabilities(c Candidate, required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range c.Capabilities {
			if strings.EqualFold(have, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
