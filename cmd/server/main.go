package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codesabhinav/whatsapp-me/internal/adapter/httpserver"
	"github.com/codesabhinav/whatsapp-me/internal/adapter/metrics"
	"github.com/codesabhinav/whatsapp-me/internal/adapter/postgres"
	"github.com/codesabhinav/whatsapp-me/internal/adapter/redis"
	"github.com/codesabhinav/whatsapp-me/internal/adapter/websocket"
	"github.com/codesabhinav/whatsapp-me/internal/adapter/whatsapp"
	"github.com/codesabhinav/whatsapp-me/internal/app"
	"github.com/codesabhinav/whatsapp-me/internal/domain"
	"github.com/codesabhinav/whatsapp-me/internal/pairing"
	"github.com/codesabhinav/whatsapp-me/internal/platform/config"
	"github.com/codesabhinav/whatsapp-me/internal/platform/logging"
	"github.com/codesabhinav/whatsapp-me/internal/platform/version"
	"github.com/codesabhinav/whatsapp-me/internal/session"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
)

const (
	startupTimeout  = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, clock clockwork.Clock) *pgxpool.Pool {
	tracer := postgres.NewMetricsTracer(metrics.NewDatabaseMetrics(reg), clock)

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.WithTracer(tracer))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

// setupRedis connects the optional session event feed. It returns nils when REDIS_URL
// is unset; a configured but unreachable Redis is fatal.
func setupRedis(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, clock clockwork.Clock) (*goredis.Client, *redis.SessionEventPublisher) {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, session event publishing disabled")
		return nil, nil
	}

	m := metrics.NewRedisMetrics(reg)
	client, err := redis.NewClient(ctx, cfg.RedisURL,
		redis.NewMetricsHook(m, clock),
		redis.NewCircuitBreakerHook(redis.DefaultBreakerSettings(), m),
	)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	return client, redis.NewSessionEventPublisher(client, m, clock)
}

func healthChecks(pool *pgxpool.Pool, redisClient *goredis.Client) []httpserver.HealthCheck {
	checks := []httpserver.HealthCheck{
		{Name: "postgres", Check: pool.Ping},
	}
	if redisClient != nil {
		checks = append(checks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}
	return checks
}

// bootstrapDefaultSession starts pairing for the default user so an operator can scan
// the QR code right after startup.
func bootstrapDefaultSession(ctx context.Context, cfg *config.Config, appSvc *app.Service) {
	if !cfg.BootstrapDefaultSession {
		return
	}

	userID := cfg.DefaultSessionID
	if userID == "" {
		userID = uuid.NewString()
	}

	if _, err := appSvc.Register(ctx, userID); err != nil {
		slog.Error("Failed to bootstrap default session", "user_id", userID, "error", err)
		return
	}
	slog.Info("Default session started", "user_id", userID, "register_url", "/register/"+userID)
}

type stopper interface{ Stop() }

func runGracefulShutdown(srv *httpserver.Server, stoppers ...stopper) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		for _, s := range stoppers {
			s.Stop()
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().String())

	reg := metrics.NewRegistry()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStartup()

	pool := setupDB(startupCtx, cfg, reg, clock)
	defer pool.Close()

	waLevel := logging.ParseLevel(cfg.WhatsAppLogLevel)
	container, err := whatsapp.NewContainer(startupCtx, pool, logging.Logger, waLevel)
	if err != nil {
		slog.Error("Failed to open device store", "error", err)
		os.Exit(1)
	}

	bindings := postgres.NewDeviceBindingRepo(pool)
	factory := whatsapp.NewFactory(container, bindings, logging.Logger, waLevel)

	redisClient, publisher := setupRedis(startupCtx, cfg, reg, clock)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	hub := websocket.NewHub(clock, metrics.NewWebSocketMetrics(reg))

	observers := []domain.SessionObserver{metrics.NewSessionMetrics(reg), hub}
	if publisher != nil {
		observers = append(observers, publisher)
	}

	registry := session.NewRegistry(factory,
		session.WithClock(clock),
		session.WithObservers(observers...),
		session.WithTeardownTimeout(cfg.TeardownTimeout),
	)

	dispatcher := app.NewDispatcher(
		app.WithSendTimeout(cfg.SendTimeout),
		app.WithSendConcurrency(cfg.SendConcurrency),
		app.WithDispatchClock(clock),
		app.WithDispatchObserver(metrics.NewDispatchMetrics(reg)),
	)
	appSvc := app.NewService(registry, bindings, dispatcher)

	srv, err := httpserver.NewServer(cfg, appSvc, pairing.NewRenderer(), httpserver.Deps{
		Stream:         hub,
		HTTPMetrics:    metrics.NewHTTPMetrics(reg),
		MetricsHandler: metrics.Handler(reg),
		HealthChecks:   healthChecks(pool, redisClient),
		Clock:          clock,
	})
	if err != nil {
		slog.Error("Failed to create server", "error", err)
		os.Exit(1)
	}

	bootstrapDefaultSession(startupCtx, cfg, appSvc)

	// Registry stops before the publisher so its final notifications are flushed.
	stoppers := []stopper{hub, registry}
	if publisher != nil {
		stoppers = append(stoppers, publisher)
	}
	done := runGracefulShutdown(srv, stoppers...)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
