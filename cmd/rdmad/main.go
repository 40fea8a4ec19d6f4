// rdmad daemon -- host-channel RDMA runtime described by SPEC_FULL.md.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/fogesque/rdmarun/internal/config"
	"github.com/fogesque/rdmarun/internal/device"
	"github.com/fogesque/rdmarun/internal/endpoint"
	"github.com/fogesque/rdmarun/internal/engine"
	"github.com/fogesque/rdmarun/internal/executor"
	rdmametrics "github.com/fogesque/rdmarun/internal/metrics"
	"github.com/fogesque/rdmarun/internal/rdmabuf"
	"github.com/fogesque/rdmarun/internal/server"
	"github.com/fogesque/rdmarun/internal/session"
	appversion "github.com/fogesque/rdmarun/internal/version"
	"github.com/fogesque/rdmarun/internal/wire"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP server
// to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
// Captures the last 500ms of execution traces for debugging session failures.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

// providerQueueCapacity bounds the software provider's in-flight message
// mailbox depth.
const providerQueueCapacity = 256

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("rdmad starting",
		slog.String("version", appversion.Version),
		slog.String("device", cfg.Device.Interface),
		slog.Int("control_port", cfg.Control.ControlPort),
		slog.Int("data_port", cfg.Control.DataPort),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := rdmametrics.NewCollector(reg)

	dev, err := device.Open(cfg.Device.Interface)
	if err != nil {
		logger.Error("failed to open device", slog.String("error", err.Error()))
		return 1
	}

	registry, err := buildRegistry(cfg.Endpoints)
	if err != nil {
		logger.Error("failed to build endpoint registry", slog.String("error", err.Error()))
		return 1
	}

	srv := server.New(engine.NewSoftProvider(providerQueueCapacity), dev, registry, server.Config{
		ControlPort: cfg.Control.ControlPort,
		DataPort:    cfg.Control.DataPort,
		Executor: executor.Config{
			StartupTimeout:        cfg.Executor.StartupTimeout,
			OperationTimeout:      cfg.Executor.OperationTimeout,
			ConnectionTimeout:     cfg.Executor.ConnectionTimeout,
			RequestedStateTimeout: cfg.Executor.RequestedStateTimeout,
			Metrics:               collector,
		},
		Session: session.Config{
			Metrics: collector,
		},
		Logger: logger,
	})

	if err := runServers(srv, cfg, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("rdmad exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("rdmad stopped")
	return 0
}

// buildRegistry registers one endpoint per declarative config entry, each
// with a freshly allocated, as-yet-unmapped buffer.
func buildRegistry(endpoints []config.EndpointConfig) (*endpoint.Registry, error) {
	registry := endpoint.NewRegistry()

	for _, ec := range endpoints {
		op, err := wire.ParseOpKind(ec.Op)
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", ec.Path, err)
		}

		err = registry.Register(&endpoint.Endpoint{
			ID:     endpoint.ID{Path: ec.Path, Op: op},
			Buffer: rdmabuf.New(ec.SizeBytes),
		})
		if err != nil {
			return nil, fmt.Errorf("register endpoint %q: %w", ec.Path, err)
		}
	}

	return registry, nil
}

// runServers runs the Server and the metrics HTTP server using an errgroup
// with signal-aware context for graceful shutdown.
func runServers(
	srv *server.Server,
	cfg *config.Config,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("rdma runtime serving", slog.Int("control_port", cfg.Control.ControlPort))
		return srv.Serve(gCtx)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, fr, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd. The interval
// is WatchdogSec/2 as recommended by the systemd documentation. If the
// watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — dynamic log level only
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP and updates the dynamic log level from a
// freshly loaded configuration file. The endpoint set and listen ports are
// fixed at startup and are not reconciled live; changing them requires a
// restart.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading log level")
			newCfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings",
					slog.String("error", err.Error()),
				)
				continue
			}

			oldLevel := logLevel.Level()
			newLevel := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(newLevel)

			logger.Info("configuration reloaded",
				slog.String("old_log_level", oldLevel.String()),
				slog.String("new_log_level", newLevel.String()),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd, dumps the flight recorder, and shuts
// down the metrics HTTP server. The Server's own Serve goroutine observes
// ctx cancellation directly and unwinds on its own.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, fr *trace.FlightRecorder, metricsSrv *http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Flight Recorder
// -------------------------------------------------------------------------

// startFlightRecorder initializes and starts the runtime/trace
// FlightRecorder for post-mortem debugging of session failures. The
// recorder maintains a rolling window of execution trace data that can be
// dumped on demand.
func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
