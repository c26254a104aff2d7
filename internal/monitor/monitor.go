package monitor

import (
	"bufio"
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"warroom/internal/domain"
)

// Config bounds the parallelism recommendation.
type Config struct {
	Interval     time.Duration
	MaxParallel  int     // upper bound when the host is idle
	MinParallel  int     // floor, never recommend below this
	CPUThreshold float64 // percent above which parallelism shrinks
	MemThreshold float64 // percent above which parallelism shrinks
}

func DefaultConfig() Config {
	return Config{
		Interval:     2 * time.Second,
		MaxParallel:  runtime.NumCPU(),
		MinParallel:  1,
		CPUThreshold: 80,
		MemThreshold: 85,
	}
}

// Sink receives samples for durable retention; nil disables persistence.
type Sink interface {
	RecordResource(ctx context.Context, s domain.ResourceSample) error
}

// Monitor samples host CPU and memory on a fixed interval. Readers get the
// latest snapshot without blocking the sampler.
type Monitor struct {
	cfg  Config
	sink Sink
	now  func() time.Time

	mu     sync.RWMutex
	latest domain.ResourceSample

	prevIdle  uint64
	prevTotal uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(cfg Config, sink Sink) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = runtime.NumCPU()
	}
	if cfg.MinParallel <= 0 {
		cfg.MinParallel = 1
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = 80
	}
	if cfg.MemThreshold <= 0 {
		cfg.MemThreshold = 85
	}
	return &Monitor{
		cfg:  cfg,
		sink: sink,
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the sampling loop. Stop terminates it.
func (m *Monitor) Start(ctx context.Context) {
	m.sampleOnce(ctx)
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sampleOnce(ctx)
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() domain.ResourceSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// SetSample overrides the current snapshot; used by tests and by callers
// that feed external load data.
func (m *Monitor) SetSample(s domain.ResourceSample) {
	s.Parallelism = m.parallelismFor(s)
	m.mu.Lock()
	m.latest = s
	m.mu.Unlock()
}

// OptimalParallelism is a monotone-decreasing function of load above the
// configured floor. When both CPU and memory are below threshold it returns
// MaxParallel; load above threshold shrinks the recommendation toward the
// floor rather than rejecting work outright.
func (m *Monitor) OptimalParallelism() int {
	return m.parallelismFor(m.Latest())
}

// ThrottleFactor returns a fractional slowdown in (0, 1]: 1 when idle,
// approaching MinParallel/MaxParallel under saturation.
func (m *Monitor) ThrottleFactor() float64 {
	return float64(m.OptimalParallelism()) / float64(m.cfg.MaxParallel)
}

func (m *Monitor) parallelismFor(s domain.ResourceSample) int {
	headroom := 1.0
	if s.CPUPercent > m.cfg.CPUThreshold {
		headroom = min64(headroom, (100-s.CPUPercent)/(100-m.cfg.CPUThreshold))
	}
	if s.MemPercent > m.cfg.MemThreshold {
		headroom = min64(headroom, (100-s.MemPercent)/(100-m.cfg.MemThreshold))
	}
	if headroom < 0 {
		headroom = 0
	}
	p := int(float64(m.cfg.MaxParallel) * headroom)
	if p < m.cfg.MinParallel {
		p = m.cfg.MinParallel
	}
	return p
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	s := domain.ResourceSample{
		TS:         m.now().UTC().Format(time.RFC3339),
		CPUPercent: m.cpuPercent(),
		MemPercent: memPercent(),
		Goroutines: runtime.NumGoroutine(),
	}
	s.Parallelism = m.parallelismFor(s)
	m.mu.Lock()
	m.latest = s
	m.mu.Unlock()
	if m.sink != nil {
		_ = m.sink.RecordResource(ctx, s)
	}
}

// cpuPercent derives utilization from successive /proc/stat reads. On hosts
// without /proc it reports 0 and the parallelism bound falls back to
// MaxParallel.
func (m *Monitor) cpuPercent() float64 {
	idle, total, ok := readProcStat()
	if !ok {
		return 0
	}
	defer func() {
		m.prevIdle, m.prevTotal = idle, total
	}()
	if m.prevTotal == 0 || total <= m.prevTotal {
		return 0
	}
	dTotal := float64(total - m.prevTotal)
	dIdle := float64(idle - m.prevIdle)
	pct := (dTotal - dIdle) / dTotal * 100
	if pct < 0 {
		pct = 0
	}
	return pct
}

func readProcStat() (idle, total uint64, ok bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, false
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, false
	}
	for i, raw := range fields[1:] {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		total += v
		if i == 3 { // idle column
			idle = v
		}
	}
	return idle, total, true
}

func memPercent() float64 {
	if pct, ok := readProcMeminfo(); ok {
		return pct
	}
	// Fallback: heap in use relative to heap obtained from the OS.
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapSys == 0 {
		return 0
	}
	return float64(ms.HeapInuse) / float64(ms.HeapSys) * 100
}

func readProcMeminfo() (float64, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()
	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total == 0 {
		return 0, false
	}
	return float64(total-available) / float64(total) * 100, true
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
