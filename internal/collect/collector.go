// Package collect runs a set of independently pluggable metric sources on a
// fixed interval, merges their output into one snapshot, and isolates and
// reports per-source failures so one broken integration never disables
// telemetry for the rest of the system.
package collect

import "context"

// Collector is the contract every data source implements. Collect returns a
// flat key→value record; key collisions across collectors are the collector
// authors' responsibility to avoid.
//
// Optional capabilities are modeled as separate interfaces checked by type
// assertion rather than presence-of-method reflection.
type Collector interface {
	Name() string
	Collect(ctx context.Context) (map[string]any, error)
}

// Starter is implemented by collectors that need a startup hook.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is implemented by collectors that need a shutdown hook.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Labeled is implemented by collectors with a human-readable display label.
// The Name is used otherwise.
type Labeled interface {
	Label() string
}

// Configurable is implemented by collectors that expose their configuration
// for the diagnostics surface.
type Configurable interface {
	Config() map[string]any
}

// Status is the health state of one registered collector.
type Status string

const (
	StatusHealthy Status = "healthy"
	StatusErrored Status = "errored"
	StatusStopped Status = "stopped"
)

// Health is the per-collector health entry, mutated after every tick.
// Stopped is terminal and only reached on shutdown.
type Health struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Status      Status `json:"status"`
	LastError   string `json:"lastError,omitempty"`
	LastErrorAt int64  `json:"lastErrorAt,omitempty"`
}

// Snapshot is the merged output of one collection tick: every collector's
// fields flattened together plus a "timestamp" field (epoch millis).
type Snapshot map[string]any

func labelOf(c Collector) string {
	if l, ok := c.(Labeled); ok {
		return l.Label()
	}
	return c.Name()
}
