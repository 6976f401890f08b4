// Package runtimestats collects process-level telemetry from the Go runtime:
// heap usage, GC activity, goroutine count, and process uptime.
package runtimestats

import (
	"context"
	"os"
	"runtime"
	"time"
)

// Collector reads runtime and process statistics. It is stateless apart from
// its start time and needs no lifecycle hooks.
type Collector struct {
	startedAt time.Time
}

// New creates a runtime stats collector. Uptime counts from this moment.
func New() *Collector {
	return &Collector{startedAt: time.Now()}
}

func (c *Collector) Name() string  { return "runtime" }
func (c *Collector) Label() string { return "Process & Runtime" }

// Collect reads the current runtime counters. It never fails.
func (c *Collector) Collect(ctx context.Context) (map[string]any, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]any{
		"runtime.heapAllocBytes": m.HeapAlloc,
		"runtime.heapSysBytes":   m.HeapSys,
		"runtime.heapObjects":    m.HeapObjects,
		"runtime.gcRuns":         m.NumGC,
		"runtime.gcPauseTotalNs": m.PauseTotalNs,
		"runtime.goroutines":     runtime.NumGoroutine(),
		"runtime.cpus":           runtime.NumCPU(),
		"runtime.pid":            os.Getpid(),
		"runtime.uptimeSeconds":  time.Since(c.startedAt).Seconds(),
	}, nil
}
