package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned when a token cannot be acquired within the
// caller's patience. Retryable after backoff.
var ErrRateLimited = errors.New("rate limited")

// Config is a token bucket: Rate tokens per second refill, Burst capacity.
type Config struct {
	Rate  float64
	Burst int
}

func DefaultConfig() Config {
	return Config{Rate: 10, Burst: 20}
}

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	rate   float64
	burst  float64
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	b.last = now
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
}

// take removes one token if available, else returns the wait until one is.
func (b *bucket) take(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	need := 1 - b.tokens
	return false, time.Duration(need / b.rate * float64(time.Second))
}

// Limiter keys token buckets by external destination and, optionally, by
// role, so one noisy role cannot starve the others' throughput.
type Limiter struct {
	mu       sync.Mutex
	defaults Config
	perKey   map[string]Config
	buckets  map[string]*bucket
	now      func() time.Time
}

func New(defaults Config) *Limiter {
	if defaults.Rate <= 0 {
		defaults.Rate = DefaultConfig().Rate
	}
	if defaults.Burst <= 0 {
		defaults.Burst = DefaultConfig().Burst
	}
	return &Limiter{
		defaults: defaults,
		perKey:   make(map[string]Config),
		buckets:  make(map[string]*bucket),
		now:      time.Now,
	}
}

// Configure sets a dedicated bucket configuration for one key
// (a destination, or "destination/role").
func (l *Limiter) Configure(key string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perKey[key] = cfg
	delete(l.buckets, key)
}

func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	cfg, ok := l.perKey[key]
	if !ok {
		cfg = l.defaults
	}
	b := &bucket{
		tokens: float64(cfg.Burst),
		burst:  float64(cfg.Burst),
		rate:   cfg.Rate,
		last:   l.now(),
	}
	l.buckets[key] = b
	return b
}

// Allow reports whether one token is immediately available for key.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.bucketFor(key).take(l.now())
	return ok
}

// Wait blocks until a token is available for key or the context expires,
// in which case it fails with ErrRateLimited.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	b := l.bucketFor(key)
	for {
		ok, wait := b.take(l.now())
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("acquire token for %s: %w", key, ErrRateLimited)
		case <-timer.C:
		}
	}
}

// Burst returns the burst capacity configured for key; the convoy scheduler
// uses it as the in-flight ceiling for backpressure.
func (l *Limiter) Burst(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cfg, ok := l.perKey[key]; ok {
		return cfg.Burst
	}
	return l.defaults.Burst
}
