package monitor

import (
	"testing"

	"warroom/internal/domain"
)

func newTestMonitor() *Monitor {
	return New(Config{MaxParallel: 8, MinParallel: 1, CPUThreshold: 80, MemThreshold: 85}, nil)
}

func TestIdleHostGetsFullParallelism(t *testing.T) {
	m := newTestMonitor()
	m.SetSample(domain.ResourceSample{CPUPercent: 20, MemPercent: 30})
	if got := m.OptimalParallelism(); got != 8 {
		t.Fatalf("expected 8, got %d", got)
	}
	if f := m.ThrottleFactor(); f != 1 {
		t.Fatalf("expected throttle factor 1, got %f", f)
	}
}

func TestRecommendationShrinksMonotonicallyWithLoad(t *testing.T) {
	m := newTestMonitor()
	prev := 9
	for _, cpu := range []float64{50, 82, 88, 94, 99} {
		m.SetSample(domain.ResourceSample{CPUPercent: cpu, MemPercent: 10})
		got := m.OptimalParallelism()
		if got > prev {
			t.Fatalf("recommendation grew under rising load: cpu=%f got=%d prev=%d", cpu, got, prev)
		}
		if got < 1 {
			t.Fatalf("recommendation below floor: %d", got)
		}
		prev = got
	}
	if prev != 1 {
		t.Fatalf("expected floor of 1 at saturation, got %d", prev)
	}
}

func TestMemoryPressureAloneThrottles(t *testing.T) {
	m := newTestMonitor()
	m.SetSample(domain.ResourceSample{CPUPercent: 10, MemPercent: 97})
	if got := m.OptimalParallelism(); got >= 8 {
		t.Fatalf("memory pressure ignored: got %d", got)
	}
}

func TestFloorNeverViolated(t *testing.T) {
	m := New(Config{MaxParallel: 4, MinParallel: 2, CPUThreshold: 80, MemThreshold: 85}, nil)
	m.SetSample(domain.ResourceSample{CPUPercent: 100, MemPercent: 100})
	if got := m.OptimalParallelism(); got != 2 {
		t.Fatalf("expected configured floor 2, got %d", got)
	}
}
