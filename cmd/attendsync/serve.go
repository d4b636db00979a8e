package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/attendsync/internal/attendance"
	"github.com/agentworkforce/attendsync/internal/config"
	"github.com/agentworkforce/attendsync/internal/httpapi"
	"github.com/agentworkforce/attendsync/internal/kvstore"
	"github.com/agentworkforce/attendsync/internal/remote"
)

type serveOptions struct {
	*rootOptions
	Listen          string
	Watch           bool
	ShutdownTimeout time.Duration
}

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and its local API",
		Long: `Run the delivery and reconciliation loops against the configured storage
backend and serve the local HTTP API.

Example:
  attendsync serve --config ./attendsync.yaml
  ATTENDSYNC_STORAGE_DSN=sqlite:///var/lib/attendsync.db attendsync serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides api.listen)")
	cmd.Flags().BoolVar(&opts.Watch, "watch", true, "reload the remote endpoint when the config file changes")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", durationEnv("ATTENDSYNC_SHUTDOWN_TIMEOUT", 10*time.Second), "graceful shutdown timeout for the API server")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

func engineOptions(cfg *config.Config, logger *slog.Logger, metrics *attendance.Metrics) attendance.Options {
	return attendance.Options{
		Namespace:       cfg.Storage.Namespace,
		Logger:          logger,
		Metrics:         metrics,
		RequestTimeout:  config.ParseDuration(cfg.Remote.RequestTimeout, attendance.DefaultRequestTimeout, logger),
		BackoffMin:      config.ParseDuration(cfg.Sync.BackoffMin, attendance.DefaultBackoffMin, logger),
		BackoffMax:      config.ParseDuration(cfg.Sync.BackoffMax, attendance.DefaultBackoffMax, logger),
		ProcessInterval: config.ParseDuration(cfg.Sync.ProcessInterval, attendance.DefaultProcessInterval, logger),
		PollInterval:    config.ParseDuration(cfg.Sync.PollInterval, attendance.DefaultPollInterval, logger),
		PollJitter:      cfg.Sync.PollJitter,
	}
}

func serverConfig(cfg *config.Config, logger *slog.Logger, metrics http.Handler) httpapi.ServerConfig {
	return httpapi.ServerConfig{
		Token:           cfg.API.Token,
		RateLimitMax:    cfg.API.RateLimitMax,
		RateLimitWindow: config.ParseDuration(cfg.API.RateLimitWindow, time.Minute, logger),
		MaxBodyBytes:    cfg.API.MaxBodyBytes,
		Metrics:         metrics,
		Logger:          logger,
	}
}

// applyConfiguredEndpoint pushes a configured endpoint into the engine. A
// blank value leaves whatever endpoint the engine already persisted.
func applyConfiguredEndpoint(engine *attendance.Engine, cfg *config.Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	endpoint := strings.TrimSpace(cfg.Remote.Endpoint)
	if endpoint == "" {
		return
	}
	if err := engine.SetEndpoint(endpoint); err != nil {
		logger.Warn("configured endpoint rejected", "error", err)
	}
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.API.Listen = opts.Listen
	}

	logger, logCloser, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	store, err := kvstore.Open(cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("failed to open storage %q: %w", cfg.Storage.DSN, err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := attendance.NewMetrics(reg)

	engineOpts := engineOptions(cfg, logger, metrics)
	transport := remote.NewClient(&http.Client{Timeout: engineOpts.RequestTimeout + 5*time.Second})
	engine, err := attendance.New(store, transport, engineOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	defer engine.Close()
	applyConfiguredEndpoint(engine, cfg, logger)

	api := httpapi.NewServerWithConfig(engine, serverConfig(cfg, logger, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	httpServer := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("attendsync listening", "addr", cfg.API.Listen, "storage", redactDSN(cfg.Storage.DSN), "namespace", cfg.Storage.Namespace)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		_ = engine.Close()
		return err
	})
	if opts.Watch && strings.TrimSpace(opts.ConfigPath) != "" {
		g.Go(func() error {
			err := config.Watch(gctx, opts.ConfigPath, 0, logger, func(next *config.Config) {
				applyConfiguredEndpoint(engine, next, logger)
			})
			if err != nil {
				logger.Warn("config watch disabled", "error", err)
			}
			return nil
		})
	}

	err = g.Wait()
	logger.Info("attendsync stopped", "pending", engine.PendingCount())
	if errors.Is(err, attendance.ErrClosed) {
		return nil
	}
	return err
}

// redactDSN drops credentials from a DSN before it is logged.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return dsn
	}
	return scheme + "://***@" + rest[at+1:]
}
