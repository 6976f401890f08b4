// Package prom republishes the latest merged snapshot as Prometheus gauges,
// so anything the collectors gather is scrapeable without a second
// collection pipeline.
package prom

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pulseboard/pulse/internal/collect"
)

// SnapshotCollector adapts a snapshot source to the Prometheus scrape model.
// Each numeric snapshot field becomes a gauge named
// pulse_snapshot_<sanitized key>. Non-numeric fields are skipped.
type SnapshotCollector struct {
	source func() collect.Snapshot
}

// NewSnapshotCollector wraps a snapshot source, typically
// Orchestrator.LatestStats.
func NewSnapshotCollector(source func() collect.Snapshot) *SnapshotCollector {
	return &SnapshotCollector{source: source}
}

// Describe sends nothing: the metric set follows whatever collectors are
// registered, so this is an unchecked collector.
func (c *SnapshotCollector) Describe(ch chan<- *prometheus.Desc) {}

// Collect emits one gauge per numeric snapshot field.
func (c *SnapshotCollector) Collect(ch chan<- prometheus.Metric) {
	for key, value := range c.source() {
		v, ok := toFloat(value)
		if !ok {
			continue
		}

		desc := prometheus.NewDesc(
			"pulse_snapshot_"+sanitize(key),
			"Latest snapshot value for "+key,
			nil, nil,
		)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
	}
}

// sanitize maps a snapshot key to a valid Prometheus metric name fragment.
func sanitize(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r - 'A' + 'a')
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
