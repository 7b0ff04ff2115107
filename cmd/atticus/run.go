package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ndtelles/Atticus/config"
	"github.com/ndtelles/Atticus/errors"
	"github.com/ndtelles/Atticus/fleet"
	"github.com/ndtelles/Atticus/metric"
	"github.com/ndtelles/Atticus/transportregistry"
)

// app is everything runFleet wires together for the loaded device files
type app struct {
	fleet   *fleet.Fleet
	logger  *slog.Logger
	metrics *metric.Server
	port    int
	path    string
}

func runFleet(ctx context.Context, opts *cliOptions, logOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := setupLogger(logOut, opts.LogLevel, opts.LogFormat)
	slog.SetDefault(logger)

	cfgs, err := loadConfigs(opts.ConfigPaths)
	if err != nil {
		return err
	}

	logger.Info("Starting Atticus",
		"version", Version,
		"build_time", BuildTime,
		"config_paths", opts.ConfigPaths,
		"devices", len(cfgs))

	a, err := buildApp(cfgs, logger)
	if err != nil {
		return err
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	return a.run(signalCtx, opts)
}

// buildApp loads every device into one fleet. A single metrics registry
// serves all devices that enable metrics; the first of them picks the port
// and path.
func buildApp(cfgs []*config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}

	var registry *metric.MetricsRegistry
	for _, cfg := range cfgs {
		if !cfg.Metrics.Enabled {
			continue
		}
		if registry == nil {
			registry = metric.NewMetricsRegistry()
			a.port, a.path = cfg.Metrics.Port, cfg.Metrics.Path
			continue
		}
		if cfg.Metrics.Port != a.port || cfg.Metrics.Path != a.path {
			logger.Warn("Metrics are served on the first device's address",
				"device", cfg.Name, "port", a.port, "path", a.path)
		}
	}

	factories, err := transportregistry.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("register transports: %w", err)
	}
	logger.Debug("Endpoint factories registered", "types", factories.Types())

	f, err := fleet.New(fleet.Deps{
		Factories:       factories,
		MetricsRegistry: registry,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	for _, cfg := range cfgs {
		if _, err := f.Load(cfg); err != nil {
			return nil, fmt.Errorf("load device %s: %w", cfg.Name, err)
		}
	}
	a.fleet = f

	if registry != nil {
		a.metrics = metric.NewServer(a.port, a.path, registry)
		a.metrics.SetHealthHandler(f.HealthHandler(appName))
	}
	return a, nil
}

// run starts every device, serves metrics until ctx is done and stops the
// devices again in reverse order.
func (a *app) run(ctx context.Context, opts *cliOptions) error {
	if err := a.fleet.StartAll(ctx); err != nil {
		return fmt.Errorf("start devices: %w", err)
	}
	a.logger.Info("Atticus started", "devices", len(a.fleet.Devices()))

	var (
		srv *http.Server
		ln  net.Listener
	)
	if a.metrics != nil {
		var err error
		if srv, ln, err = a.listenMetrics(); err != nil {
			_ = a.fleet.StopAll(opts.ShutdownTimeout)
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		if srv != nil {
			return srv.Close()
		}
		return nil
	})
	if srv != nil {
		g.Go(func() error {
			a.logger.Info("Serving metrics", "address", ln.Addr().String(), "path", a.path)
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	runErr := g.Wait()
	if ctx.Err() != nil {
		a.logger.Info("Received shutdown signal")
	}

	stopErr := a.fleet.StopAll(opts.ShutdownTimeout)
	if stopErr != nil {
		a.logger.Error("Error stopping devices", "error", stopErr)
	}

	for _, st := range a.fleet.Status() {
		a.logger.Info("Device totals",
			"device", st.Name,
			"handled", st.Handled,
			"discarded", st.Discarded,
			"dropped", st.Dropped)
	}
	a.logger.Info("Atticus shutdown complete")

	if runErr != nil {
		return runErr
	}
	if stopErr != nil {
		return fmt.Errorf("graceful shutdown failed: %w", stopErr)
	}
	return nil
}

func (a *app) listenMetrics() (*http.Server, net.Listener, error) {
	handler, err := a.metrics.Handler()
	if err != nil {
		return nil, nil, err
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.port))
	if err != nil {
		return nil, nil, fmt.Errorf("listen for metrics on port %d: %w", a.port, err)
	}
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}, ln, nil
}
