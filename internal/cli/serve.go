package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/pulseboard/pulse/internal/collect"
	"github.com/pulseboard/pulse/internal/collectors/httpstats"
	"github.com/pulseboard/pulse/internal/collectors/logfile"
	"github.com/pulseboard/pulse/internal/collectors/redisstats"
	"github.com/pulseboard/pulse/internal/collectors/runtimestats"
	"github.com/pulseboard/pulse/internal/export/otlp"
	"github.com/pulseboard/pulse/internal/export/prom"
	"github.com/pulseboard/pulse/internal/httpapi"
	"github.com/pulseboard/pulse/internal/live"
	"github.com/pulseboard/pulse/internal/requeststats"
	"github.com/pulseboard/pulse/internal/ringlog"
	"github.com/pulseboard/pulse/internal/store"
	"github.com/pulseboard/pulse/internal/tracing"
)

// ServeCommand returns the CLI command definition for the 'serve' subcommand.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the telemetry core and its HTTP API",
		Description: `Starts the collection loop, the per-request trace recorder, and the
read-only HTTP API (JSON endpoints, Prometheus metrics, WebSocket live
stream). Persistence, Redis, log-file watching, and OTLP forwarding are
enabled by their respective flags.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a YAML config file",
			},
			&cli.StringFlag{
				Name:  "http-host",
				Usage: "API server bind address",
			},
			&cli.IntFlag{
				Name:  "http-port",
				Usage: "API server port",
			},
			&cli.IntFlag{
				Name:  "trace-buffer-size",
				Usage: "Number of trace records to buffer",
			},
			&cli.DurationFlag{
				Name:  "collect-interval",
				Usage: "How often to run a collection tick",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "SQLite database path for trace persistence",
			},
			&cli.StringFlag{
				Name:  "redis",
				Usage: "Redis address to monitor (host:port)",
			},
			&cli.StringFlag{
				Name:  "watch-log",
				Usage: "Log file to watch for growth",
			},
			&cli.StringFlag{
				Name:  "otlp",
				Usage: "OTLP/gRPC endpoint to forward traces to",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Action: runServe,
	}
}

// flagOverrides turns set flags into a Config overlay.
func flagOverrides(cmd *cli.Command) *Config {
	return &Config{
		HTTPHost:        cmd.String("http-host"),
		HTTPPort:        cmd.Int("http-port"),
		TraceBufferSize: cmd.Int("trace-buffer-size"),
		CollectInterval: cmd.Duration("collect-interval"),
		DBPath:          cmd.String("db"),
		RedisAddr:       cmd.String("redis"),
		LogFile:         cmd.String("watch-log"),
		OTLPEndpoint:    cmd.String("otlp"),
		Verbose:         cmd.Bool("verbose"),
	}
}

// runServe wires together all components: the bounded trace log, the request
// aggregator, the trace recorder, collectors, orchestrator, persistence, and
// the serving surfaces.
func runServe(cliCtx context.Context, cmd *cli.Command) error {
	cfg, err := LoadEffectiveConfig(cmd.String("config"))
	if err != nil {
		return err
	}
	cfg = MergeConfigs(cfg, flagOverrides(cmd))

	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// Core state.
	traceLog := ringlog.New[*tracing.TraceRecord](cfg.TraceBufferSize)
	recorder := tracing.NewRecorder(traceLog)
	stats := requeststats.New(cfg.OutcomeCapacity, cfg.RequestWindow)
	hub := live.NewHub(logger)

	// Optional persistence: restore at startup, then save each new trace.
	var traceStore *store.SQLiteStore
	if cfg.DBPath != "" {
		traceStore, err = store.New(store.Config{Path: cfg.DBPath}, logger)
		if err != nil {
			return fmt.Errorf("open trace store: %w", err)
		}
		defer traceStore.Close()

		records, maxID, err := traceStore.RecentTraces(cliCtx, traceLog.Capacity())
		if err != nil {
			return fmt.Errorf("restore traces: %w", err)
		}
		traceLog.Load(records)
		traceLog.SetNextID(maxID + 1)
		logger.Info("restored persisted traces",
			zap.Int("count", len(records)), zap.Int64("nextID", maxID+1))
	}

	// The log's push slot is single-subscriber; this one function fans out
	// to every sink. Sink failures are logged, never propagated.
	traceLog.OnPush(func(rec *tracing.TraceRecord) {
		if traceStore != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := traceStore.SaveTrace(ctx, rec); err != nil {
					logger.Error("persist trace failed", zap.Error(err))
				}
			}()
		}
		hub.PublishTrace(rec)
	})

	// Collectors.
	sources := []collect.Collector{
		runtimestats.New(),
		httpstats.New(stats),
	}
	if cfg.RedisAddr != "" {
		sources = append(sources, redisstats.New(redisstats.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		}))
	}
	if cfg.LogFile != "" {
		sources = append(sources, logfile.New(cfg.LogFile))
	}

	orch := collect.New(collect.Config{
		Interval:       cfg.CollectInterval,
		CollectTimeout: cfg.CollectTimeout,
	}, logger, sources...)
	orch.OnSnapshot(hub.PublishSnapshot)

	if err := prometheus.Register(prom.NewSnapshotCollector(orch.LatestStats)); err != nil {
		return fmt.Errorf("register snapshot metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(cliCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch.Start(ctx)
	defer orch.Stop(context.Background())

	// Optional OTLP forwarding.
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlp.New(cfg.OTLPEndpoint, cfg.ServiceName, traceLog, logger)
		if err != nil {
			return fmt.Errorf("create otlp exporter: %w", err)
		}
		go exporter.Run(ctx, cfg.OTLPExportInterval)
		logger.Info("forwarding traces", zap.String("endpoint", cfg.OTLPEndpoint))
	}

	// Serving surface: JSON API + metrics + live stream, with the API's own
	// requests instrumented through the middleware.
	var traceReader httpapi.TraceReader
	if traceStore != nil {
		traceReader = traceStore
	}
	api := httpapi.New(orch, recorder, traceReader, logger)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	mux.HandleFunc("GET /ws", hub.HandleWebSocket)

	addr := fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort)
	logger.Info("pulse serving",
		zap.String("addr", addr),
		zap.Int("collectors", len(sources)),
		zap.Int("traceBuffer", cfg.TraceBufferSize))

	server := &http.Server{
		Addr:              addr,
		Handler:           httpapi.Middleware(stats, recorder, mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
