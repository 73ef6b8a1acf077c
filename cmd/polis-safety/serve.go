package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-safety/internal/governance"
	"github.com/polisai/polis-safety/internal/httpapi"
	"github.com/polisai/polis-safety/pkg/audit"
	"github.com/polisai/polis-safety/pkg/config"
	"github.com/polisai/polis-safety/pkg/engine"
	"github.com/polisai/polis-safety/pkg/telemetry"
)

const (
	telemetryShutdownTimeout = 5 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the evaluation API",
		Long: `Starts the HTTP API and reloads policies whenever the configuration
file changes. A revision that fails to build is rejected and the previous
policies keep serving.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, addr)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address; overrides server.address")
	return cmd
}

func runServe(ctx context.Context, opts *globalOptions, addr string) error {
	var (
		cfg      *config.Config
		provider *config.FileProvider
	)
	if opts.ConfigPath != "" {
		// The provider logs through the default logger until ours exists.
		p, err := config.NewFileProvider(opts.ConfigPath, nil)
		if err != nil {
			return err
		}
		defer func() { _ = p.Close() }()
		provider = p
		cfg = opts.overridden(p.Current())
	} else {
		var err error
		if cfg, err = opts.loadConfig(); err != nil {
			return err
		}
	}
	if addr != "" {
		cfg.Server.Address = addr
	}

	logger := newLogger(cfg, os.Stdout)

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Environment:    cfg.Telemetry.Environment,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        cfg.Telemetry.Headers,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup failed: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	metrics := telemetry.NewMetrics()
	sink := auditSink(cfg, logger)

	eng, err := engine.New(ctx, cfg, engine.Options{
		Audit:   sink,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("policy engine initialisation failed: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			logger.Warn("audit flush incomplete", "error", err)
		}
	}()

	limiter := governance.NewRateLimiter(governance.LimitsFromConfig(cfg.Server.RateLimit))
	if provider != nil {
		source := flagOverrides{source: provider, opts: opts}
		go eng.Watch(ctx, source)
		go watchLimits(ctx, source, limiter)
	}

	handler := httpapi.NewHandler(httpapi.Config{Engine: eng, Metrics: metrics, Limiter: limiter, Logger: logger})
	server, err := httpapi.NewServer(cfg.Server.Address, handler, cfg.Server.TLS)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("failed to bind listener on %s: %w", cfg.Server.Address, err)
	}
	logger.Info("polis-safety listening",
		slog.String("addr", listener.Addr().String()),
		slog.Int("policies", len(eng.Policies())),
		slog.Bool("tls", server.TLSConfig != nil))

	errCh := make(chan error, 1)
	go func() {
		if server.TLSConfig != nil {
			errCh <- server.ServeTLS(listener, cfg.Path(cfg.Server.TLS.CertFile), cfg.Path(cfg.Server.TLS.KeyFile))
			return
		}
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

func watchLimits(ctx context.Context, source engine.ConfigSource, limiter *governance.RateLimiter) {
	updates := source.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			limiter.Configure(governance.LimitsFromConfig(cfg.Server.RateLimit))
		}
	}
}

// flagOverrides reapplies the command line overrides to every revision a
// source publishes. Only the latest pending revision is kept.
type flagOverrides struct {
	source engine.ConfigSource
	opts   *globalOptions
}

func (f flagOverrides) Subscribe() <-chan *config.Config {
	in := f.source.Subscribe()
	out := make(chan *config.Config, 1)
	go func() {
		defer close(out)
		for cfg := range in {
			next := f.opts.overridden(cfg)
			select {
			case out <- next:
			default:
				select {
				case <-out:
				default:
				}
				out <- next
			}
		}
	}()
	return out
}

// auditSink returns the configured audit pipeline: structured log lines
// written from a bounded background queue.
func auditSink(cfg *config.Config, logger *slog.Logger) audit.Sink {
	if !cfg.Audit.Enabled {
		return audit.Discard
	}
	return audit.NewAsyncSink(audit.LogSink{Logger: logger.With("component", "audit")}, cfg.Audit.Buffer, logger)
}
