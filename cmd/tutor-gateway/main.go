package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/lingolive/gateway/internal/dotenv"
	"github.com/lingolive/gateway/pkg/backend/gemini"
	"github.com/lingolive/gateway/pkg/gateway/auth"
	"github.com/lingolive/gateway/pkg/gateway/config"
	"github.com/lingolive/gateway/pkg/gateway/metrics"
	gatewayserver "github.com/lingolive/gateway/pkg/gateway/server"
	"github.com/lingolive/gateway/pkg/pipeline"
	"github.com/lingolive/gateway/pkg/store"
	"github.com/lingolive/gateway/pkg/store/postgres"
	"github.com/lingolive/gateway/pkg/store/redisstore"
	"github.com/lingolive/gateway/pkg/tutor"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	buildGateway func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig:   config.LoadFromEnv,
		buildGateway: buildGateway,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// buildGateway wires stores, backends, and the session core into a
// server. The returned cleanup releases everything in reverse order.
func buildGateway(ctx context.Context, cfg config.Config, logger *slog.Logger) (*gatewayserver.Server, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.GeminiAPIKey == "" {
		return nil, nil, errors.New("TUTOR_GEMINI_API_KEY is required")
	}
	var opts []gemini.Option
	if cfg.GeminiModel != "" {
		opts = append(opts, gemini.WithModel(cfg.GeminiModel))
	}
	client, err := gemini.New(ctx, cfg.GeminiAPIKey, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("init gemini client: %w", err)
	}

	var history store.History
	if cfg.PostgresDSN != "" {
		if err := postgres.Migrate(ctx, cfg.PostgresDSN); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		cleanups = append(cleanups, pool.Close)
		history = postgres.NewHistory(pool)
		logger.Info("history store: postgres")
	} else {
		history = store.NewMemoryHistory()
		logger.Info("history store: in-memory")
	}

	var progress tutor.ProgressStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		cleanups = append(cleanups, func() { _ = rdb.Close() })
		progress = redisstore.NewProgress(rdb, cfg.RedisPrefix)
		logger.Info("progress store: redis", "addr", cfg.RedisAddr)
	} else {
		progress = store.NewMemoryProgress()
		logger.Info("progress store: in-memory")
	}

	aggregator := tutor.NewAggregator(progress, logger)
	onEnded := func(ctx context.Context, userID string, summary tutor.Summary) {
		if _, err := aggregator.OnSessionEnded(ctx, userID, summary); err != nil {
			logger.Error("progress aggregation failed",
				"user_id", userID, "session_id", summary.SessionID, "error", err)
		}
		if err := history.SaveSummary(ctx, summary); err != nil {
			logger.Warn("summary persistence failed",
				"session_id", summary.SessionID, "error", err)
		}
	}

	m := metrics.New("tutor")
	registry := tutor.NewRegistry(tutor.RegistryConfig{
		IdleTimeout:     cfg.SessionIdleTimeout,
		EndedRetention:  cfg.SessionEndedRetention,
		JanitorInterval: cfg.SessionJanitorInterval,
		ContextWindow:   cfg.ContextWindow,
		Hooks: tutor.RegistryHooks{
			SessionCreated: func() { m.SessionsActive.Inc() },
			SessionEnded:   m.RecordSessionEnd,
			SessionEvicted: func(n int) { m.SessionsActive.Sub(float64(n)) },
		},
	}, logger, onEnded)
	cleanups = append(cleanups, registry.Close)

	var authenticator auth.Authenticator
	if cfg.AuthMode == config.AuthModeRequired {
		authenticator = auth.NewStaticAuthenticator(cfg.APITokens)
	} else {
		authenticator = auth.PassthroughAuthenticator{}
	}

	gw := gatewayserver.New(gatewayserver.Dependencies{
		Config:        cfg,
		Logger:        logger,
		Authenticator: authenticator,
		Registry:      registry,
		Messages: pipeline.NewMessagePipeline(pipeline.MessageConfig{
			BackendTimeout:     cfg.MessageBackendTimeout,
			RetryTimeout:       cfg.MessageRetryTimeout,
			ObserveBackendCall: m.RecordBackendCall,
		}, registry, client, client, history, logger),
		Voice: pipeline.NewVoicePipeline(pipeline.VoiceConfig{
			BackendTimeout:     cfg.VoiceBackendTimeout,
			RetryTimeout:       cfg.VoiceRetryTimeout,
			ObserveBackendCall: m.RecordBackendCall,
		}, registry, client, client, history, logger),
		Progress: progress,
		Metrics:  m,
	})
	return gw, cleanup, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildGateway == nil {
		return errors.New("missing buildGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, cleanup, err := deps.buildGateway(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	defer cleanup()

	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway", "addr", cfg.Addr, "auth_mode", cfg.AuthMode)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Stop taking new work, tell open live connections, then drain.
	gw.SetDraining(true)
	warned := gw.WarnLiveConnections("draining", "gateway is shutting down")
	if warned > 0 {
		logger.Info("warned live connections", "count", warned)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveConnections(waitCtx) {
		canceled := gw.CancelLiveConnections()
		logger.Warn("canceled live connections after grace period", "count", canceled)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "tutor-gateway: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "tutor-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
