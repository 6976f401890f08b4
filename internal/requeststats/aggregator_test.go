package requeststats

import (
	"sync"
	"testing"
	"time"
)

// fakeClock returns a now func driven by a settable offset from a fixed base.
func fakeClock() (func() time.Time, func(time.Duration)) {
	base := time.Now()
	var mu sync.Mutex
	offset := time.Duration(0)

	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return base.Add(offset)
	}
	advanceTo := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		offset = d
	}
	return now, advanceTo
}

// TestAggregatorWindowScenario replays the reference scenario: window 1s,
// outcomes at t=0 (200) and t=900ms (500), queried at t=950ms.
func TestAggregatorWindowScenario(t *testing.T) {
	a := New(100, time.Second)
	now, advanceTo := fakeClock()
	a.now = now

	a.Record(10, 200) // t=0
	advanceTo(900 * time.Millisecond)
	a.Record(30, 500) // t=900ms
	advanceTo(950 * time.Millisecond)

	m := a.Metrics()
	if m.RequestsPerSecond != 2 {
		t.Errorf("expected requestsPerSecond 2, got %v", m.RequestsPerSecond)
	}
	if m.ErrorRate != 50 {
		t.Errorf("expected errorRate 50, got %v", m.ErrorRate)
	}
	if m.AverageLatencyMs != 20 {
		t.Errorf("expected averageLatencyMs 20, got %v", m.AverageLatencyMs)
	}
}

// TestAggregatorExpiry tests that outcomes older than the window never
// influence the metrics.
func TestAggregatorExpiry(t *testing.T) {
	a := New(100, time.Second)
	now, advanceTo := fakeClock()
	a.now = now

	a.Record(100, 500) // t=0, an error
	advanceTo(1500 * time.Millisecond)
	a.Record(20, 200) // t=1.5s

	advanceTo(1600 * time.Millisecond)
	m := a.Metrics()

	// Only the second outcome is inside the window.
	if m.ErrorRate != 0 {
		t.Errorf("expected errorRate 0 once the error aged out, got %v", m.ErrorRate)
	}
	if m.RequestsPerSecond != 1 {
		t.Errorf("expected requestsPerSecond 1, got %v", m.RequestsPerSecond)
	}
	if m.AverageLatencyMs != 20 {
		t.Errorf("expected averageLatencyMs 20, got %v", m.AverageLatencyMs)
	}
}

// TestAggregatorEmpty tests an aggregator with no recorded outcomes.
func TestAggregatorEmpty(t *testing.T) {
	a := New(10, time.Second)

	m := a.Metrics()
	if m.RequestsPerSecond != 0 || m.AverageLatencyMs != 0 || m.ErrorRate != 0 {
		t.Errorf("expected zero metrics for empty aggregator, got %+v", m)
	}
}

// TestAggregatorOverwrite tests that the outcome array overwrites its oldest
// entries once full rather than growing.
func TestAggregatorOverwrite(t *testing.T) {
	a := New(3, time.Minute)
	now, _ := fakeClock()
	a.now = now

	for i := 0; i < 5; i++ {
		a.Record(float64(i), 200)
	}

	m := a.Metrics()
	// Only the newest 3 outcomes (durations 2, 3, 4) remain.
	if m.AverageLatencyMs != 3 {
		t.Errorf("expected averageLatencyMs 3 after overwrite, got %v", m.AverageLatencyMs)
	}
	if m.RequestsPerSecond != 3.0/60.0 {
		t.Errorf("expected requestsPerSecond 0.05, got %v", m.RequestsPerSecond)
	}
}

// TestAggregatorActiveFloor tests that the active counter floors at zero.
func TestAggregatorActiveFloor(t *testing.T) {
	a := New(10, time.Second)

	a.IncActive()
	a.IncActive()
	a.DecActive()
	a.DecActive()
	a.DecActive() // extra decrement must not go negative

	if m := a.Metrics(); m.ActiveConnections != 0 {
		t.Errorf("expected activeConnections 0, got %d", m.ActiveConnections)
	}

	a.IncActive()
	if m := a.Metrics(); m.ActiveConnections != 1 {
		t.Errorf("expected activeConnections 1, got %d", m.ActiveConnections)
	}
}

// TestAggregatorConcurrent tests recording and reading under concurrency.
func TestAggregatorConcurrent(t *testing.T) {
	a := New(500, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				a.IncActive()
				a.Record(1, 200)
				a.DecActive()
				_ = a.Metrics()
			}
		}()
	}
	wg.Wait()

	m := a.Metrics()
	if m.ActiveConnections != 0 {
		t.Errorf("expected activeConnections 0 after all requests finished, got %d", m.ActiveConnections)
	}
	if m.RequestsPerSecond != 500 {
		t.Errorf("expected 500 outcomes in window, got rate %v", m.RequestsPerSecond)
	}
}
