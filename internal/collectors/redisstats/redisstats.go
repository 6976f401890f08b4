// Package redisstats models a third-party cache integration as a collector:
// it reports Redis connectivity, command latency, and client-side pool usage.
package redisstats

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Options configures the Redis collector.
type Options struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// DB is the Redis database number.
	DB int
}

// Collector owns a Redis client for the lifetime of the orchestrator. The
// connection is established in Start and released in Stop.
type Collector struct {
	opts   Options
	client *redis.Client
}

// New creates a Redis stats collector. The client connects in Start.
func New(opts Options) *Collector {
	return &Collector{opts: opts}
}

func (c *Collector) Name() string  { return "redis" }
func (c *Collector) Label() string { return "Redis" }

// Config exposes the collector settings for the diagnostics surface.
func (c *Collector) Config() map[string]any {
	return map[string]any{
		"addr": c.opts.Addr,
		"db":   c.opts.DB,
	}
}

// Start opens the client and verifies connectivity with a ping.
func (c *Collector) Start(ctx context.Context) error {
	c.client = redis.NewClient(&redis.Options{
		Addr: c.opts.Addr,
		DB:   c.opts.DB,
	})
	return c.client.Ping(ctx).Err()
}

// Stop releases the client's connection pool.
func (c *Collector) Stop(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Collect pings the server, reads key count and server memory, and reports
// the client pool counters.
func (c *Collector) Collect(ctx context.Context) (map[string]any, error) {
	start := time.Now()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	pingMs := float64(time.Since(start)) / float64(time.Millisecond)

	keys, err := c.client.DBSize(ctx).Result()
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"redis.pingMs": pingMs,
		"redis.keys":   keys,
	}

	pool := c.client.PoolStats()
	out["redis.poolTotalConns"] = pool.TotalConns
	out["redis.poolIdleConns"] = pool.IdleConns
	out["redis.poolHits"] = pool.Hits
	out["redis.poolMisses"] = pool.Misses

	// INFO is best-effort enrichment; its absence is not a failure.
	if info, err := c.client.Info(ctx, "memory").Result(); err == nil {
		if v, ok := infoField(info, "used_memory"); ok {
			out["redis.usedMemoryBytes"] = v
		}
	}

	return out, nil
}

// infoField extracts one integer field from a Redis INFO response.
func infoField(info, field string) (int64, bool) {
	for _, line := range strings.Split(info, "\r\n") {
		if rest, ok := strings.CutPrefix(line, field+":"); ok {
			v, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
			if err != nil {
				return 0, false
			}
			return v, true
		}
	}
	return 0, false
}
