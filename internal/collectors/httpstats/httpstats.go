// Package httpstats exposes the sliding-window request aggregator as a
// collector, so HTTP throughput, latency, and error rate land in the merged
// snapshot alongside every other source.
package httpstats

import (
	"context"

	"github.com/pulseboard/pulse/internal/requeststats"
)

// Collector reads the request aggregator each tick.
type Collector struct {
	stats *requeststats.Aggregator
}

// New creates the HTTP stats collector over the given aggregator.
func New(stats *requeststats.Aggregator) *Collector {
	return &Collector{stats: stats}
}

func (c *Collector) Name() string  { return "http" }
func (c *Collector) Label() string { return "HTTP Requests" }

// Collect snapshots the windowed request metrics. It never fails.
func (c *Collector) Collect(ctx context.Context) (map[string]any, error) {
	m := c.stats.Metrics()
	return map[string]any{
		"http.requestsPerSecond": m.RequestsPerSecond,
		"http.averageLatencyMs":  m.AverageLatencyMs,
		"http.errorRate":         m.ErrorRate,
		"http.activeConnections": m.ActiveConnections,
	}, nil
}
