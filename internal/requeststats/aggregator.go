// Package requeststats maintains recent HTTP request outcomes in a bounded,
// overwrite-on-full array and computes throughput, latency, and error-rate
// statistics over a trailing time window.
package requeststats

import (
	"sync"
	"time"
)

// Outcome is one completed request: when it finished, how long it took, and
// the status code it returned.
type Outcome struct {
	At         time.Time
	DurationMs float64
	StatusCode int
}

// Metrics is a point-in-time view over the trailing window.
type Metrics struct {
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	AverageLatencyMs  float64 `json:"averageLatencyMs"`
	ErrorRate         float64 `json:"errorRate"`
	ActiveConnections int     `json:"activeConnections"`
}

// Aggregator records request outcomes and serves windowed statistics.
// Reads scan the whole stored array; the capacity is small and bounded, so
// the O(capacity) scan stays cheaper than maintaining pre-aggregated time
// buckets.
type Aggregator struct {
	mu       sync.Mutex
	outcomes []Outcome
	head     int
	size     int
	window   time.Duration
	active   int

	// now is replaceable in tests. time.Time values from time.Now carry a
	// monotonic clock reading, so window arithmetic is immune to wall-clock
	// adjustments.
	now func() time.Time
}

// New creates an aggregator holding up to capacity outcomes, computing
// statistics over the trailing window.
func New(capacity int, window time.Duration) *Aggregator {
	if capacity <= 0 {
		panic("requeststats capacity must be greater than zero")
	}
	if window <= 0 {
		panic("requeststats window must be greater than zero")
	}

	return &Aggregator{
		outcomes: make([]Outcome, capacity),
		window:   window,
		now:      time.Now,
	}
}

// Record appends a completed request outcome, overwriting the oldest stored
// outcome when the array is full.
func (a *Aggregator) Record(durationMs float64, statusCode int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.outcomes[a.head] = Outcome{
		At:         a.now(),
		DurationMs: durationMs,
		StatusCode: statusCode,
	}
	a.head = (a.head + 1) % len(a.outcomes)
	if a.size < len(a.outcomes) {
		a.size++
	}
}

// IncActive notes a request entering the server.
func (a *Aggregator) IncActive() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active++
}

// DecActive notes a request leaving the server. The counter floors at zero.
func (a *Aggregator) DecActive() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active > 0 {
		a.active--
	}
}

// Metrics scans the stored outcomes, keeps those inside the trailing window,
// and reduces them:
//
//	requestsPerSecond = matched / window-seconds
//	averageLatencyMs  = mean duration of matched outcomes
//	errorRate         = 100 * (#matched with status >= 500) / matched
//
// The active connection count is the raw counter, not windowed. With no
// matched outcomes the rate fields are all zero.
func (a *Aggregator) Metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.window)

	matched := 0
	errored := 0
	totalMs := 0.0
	for i := 0; i < a.size; i++ {
		o := a.outcomes[i]
		if o.At.Before(cutoff) {
			continue
		}
		matched++
		totalMs += o.DurationMs
		if o.StatusCode >= 500 {
			errored++
		}
	}

	m := Metrics{ActiveConnections: a.active}
	if matched == 0 {
		return m
	}

	m.RequestsPerSecond = float64(matched) / a.window.Seconds()
	m.AverageLatencyMs = totalMs / float64(matched)
	m.ErrorRate = 100 * float64(errored) / float64(matched)
	return m
}
