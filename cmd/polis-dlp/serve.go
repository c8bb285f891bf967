package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-dlp/internal/governance"
	"github.com/polisai/polis-dlp/pkg/config"
	"github.com/polisai/polis-dlp/pkg/domain"
	"github.com/polisai/polis-dlp/pkg/evidence"
	"github.com/polisai/polis-dlp/pkg/gateway"
	"github.com/polisai/polis-dlp/pkg/policy"
	"github.com/polisai/polis-dlp/pkg/policy/flow"
	"github.com/polisai/polis-dlp/pkg/policy/movement"
	"github.com/polisai/polis-dlp/pkg/storage"
	"github.com/polisai/polis-dlp/pkg/telemetry"
	"github.com/polisai/polis-dlp/pkg/upstream"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the DLP gateway HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddress = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Address to listen on (overrides config)")
	return cmd
}

// app is the wired gateway and everything that must be closed with it.
type app struct {
	server   *gateway.Server
	provider *config.PolicyProvider
	recorder *evidence.Recorder
	shutdown func(context.Context) error
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.provider.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close policy watcher: %w", err))
	}
	if err := a.recorder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close evidence sink: %w", err))
	}
	if err := a.shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	return errors.Join(errs...)
}

// buildApp wires the gateway from configuration.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	postures, err := cfg.Policy.PostureSet()
	if err != nil {
		return nil, err
	}
	logger.Info("failure postures", "postures", postures)

	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "polis-dlp",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Environment: cfg.Telemetry.Environment,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	metrics := gateway.NewMetrics()

	var evaluator reloadableEvaluator
	provider, err := config.NewPolicyProvider(cfg.Policy.FlowsFile,
		config.WithProviderLogger(logger),
		config.WithDebounce(cfg.Policy.DebounceWindow),
		config.WithReloadHandler(func(store *flow.Store, err error) {
			if err != nil {
				metrics.RecordPolicyReload("error")
				return
			}
			evaluator.ReplaceStore(store, nil)
			metrics.RecordPolicyReload("success")
		}),
	)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	store, loadErr := provider.Current()
	if loadErr != nil {
		logger.Error("starting with policy configuration error, every hop will be denied", "error", loadErr)
	}
	evaluator, err = buildEvaluator(ctx, cfg, store, loadErr, logger)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	if cfg.Policy.Watch {
		if err := provider.Watch(ctx); err != nil {
			_ = shutdown(ctx)
			return nil, err
		}
	}

	sink, err := storage.Open(ctx, cfg.Evidence.Storage(), logger)
	if err != nil {
		_ = provider.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("open evidence backend: %w", err)
	}
	recorder := evidence.NewRecorder(sink, nil, evidence.WithLogger(logger))

	var generator domain.Generator = upstream.Stub{}
	if cfg.Upstream.URL != "" {
		client, err := upstream.NewHTTPClient(cfg.Upstream.URL, cfg.Upstream.Timeout)
		if err != nil {
			_ = recorder.Close()
			_ = provider.Close()
			_ = shutdown(ctx)
			return nil, err
		}
		generator = client
		if cb := cfg.Upstream.CircuitBreaker; cb.Enabled {
			generator = upstream.NewGuarded(client, governance.NewCircuitBreaker(
				governance.CircuitBreakerConfig{MaxFailures: cb.MaxFailures, Timeout: cb.OpenTimeout},
				governance.WithStateChange(func(from, to governance.CircuitBreakerState) {
					logger.Warn("upstream circuit state changed", "from", from, "to", to)
				}),
			))
		}
	} else {
		logger.Warn("no upstream configured, answers come from the stub model")
	}

	server, err := gateway.New(gateway.Options{
		Movement:     movement.New(nil, evaluator, movement.WithLogger(logger)),
		Roles:        policy.NewRolePolicy(cfg.Roles.Privileged...),
		Recorder:     recorder,
		Generator:    generator,
		Postures:     postures,
		Metrics:      metrics,
		Logger:       logger,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		RateLimiter:  governance.NewRateLimiter(governance.RateLimiterConfig{
			RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.Server.RateLimit.Burst,
		}),
	})
	if err != nil {
		_ = recorder.Close()
		_ = provider.Close()
		_ = shutdown(ctx)
		return nil, err
	}

	return &app{server: server, provider: provider, recorder: recorder, shutdown: shutdown}, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return a.run(ctx, cfg, logger)
}

// run serves the gateway until ctx is cancelled or the listener fails. The app
// is closed on every return path.
func (a *app) run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	server := &http.Server{
		Handler:      a.server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	tlsEnabled := cfg.Server.TLS != nil && cfg.Server.TLS.Enabled
	if tlsEnabled {
		tlsCfg, err := cfg.Server.TLS.ServerConfig()
		if err != nil {
			_ = a.Close(context.Background())
			return err
		}
		server.TLSConfig = tlsCfg
	}

	listener, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		_ = a.Close(context.Background())
		return fmt.Errorf("bind %s: %w", cfg.Server.ListenAddress, err)
	}

	// Log the actual resolved address (useful when addr is :0)
	logger.Info("Server listening",
		"addr", listener.Addr().String(),
		"tls", tlsEnabled,
		"engine", cfg.Policy.Engine,
		"evidence_backend", cfg.Evidence.Backend,
	)

	errCh := make(chan error, 1)
	go func() {
		if tlsEnabled {
			errCh <- server.ServeTLS(listener, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = a.Close(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
