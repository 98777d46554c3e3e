package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/session-lifecycle/internal/config"
	"github.com/openclaw/session-lifecycle/internal/database"
	"github.com/openclaw/session-lifecycle/internal/handler"
	"github.com/openclaw/session-lifecycle/internal/jobs"
	"github.com/openclaw/session-lifecycle/internal/metrics"
	"github.com/openclaw/session-lifecycle/internal/middleware"
	"github.com/openclaw/session-lifecycle/internal/notify"
	"github.com/openclaw/session-lifecycle/internal/redis"
	"github.com/openclaw/session-lifecycle/internal/repository"
	"github.com/openclaw/session-lifecycle/internal/service"
	"github.com/openclaw/session-lifecycle/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Debug().Str("file", envFile).Msg("no env file found, using process environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	var sessionRepo repository.SessionRepository
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		cancel()
		log.Info().Msg("database connected")

		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}

		sessionRepo = repository.NewSessionRepository(db.DB)
	} else {
		sessionRepo = repository.NewMemorySessionRepository()
		log.Warn().Msg("using in-memory session store")
	}

	registry := service.NewSessionRegistry(sessionRepo, service.RegistryConfig{
		StoreTimeout:   cfg.StoreTimeout(),
		StaleBatchSize: cfg.MonitorBatchSize,
	})
	gate := service.NewActivityGate(registry, config.TurnReleaseTimeout)

	var (
		broker     *sse.Broker
		locker     jobs.Locker
		dispatcher notify.Dispatcher = notify.Nop
		publisher  notify.Dispatcher = notify.Nop
	)
	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")

		broker = sse.NewBroker(redisClient.Client)
		defer broker.Close()

		owner := uuid.NewString()
		locker = redis.NewLock(redisClient.Client, redis.MonitorLockKey, owner)
		log.Info().Str("owner", owner).Msg("monitor leader election enabled")

		queue := notify.NewBreakerDispatcher(
			"notify-queue",
			notify.NewQueueDispatcher(redisClient.Client, cfg.NotifyQueue),
			cfg.NotifyBreakerFailures,
			cfg.NotifyBreakerTimeout(),
		)
		dispatcher = notify.Fanout{queue, broker}
		publisher = dispatcher
	}

	monitor := jobs.NewInactivityMonitor(registry, dispatcher, locker, jobs.MonitorConfig{
		Interval:       cfg.MonitorInterval(),
		SessionTimeout: cfg.SessionTimeout(),
		MaxBusy:        cfg.MaxBusy(),
		StopTimeout:    cfg.MonitorStopTimeout(),
		TickTimeout:    config.MonitorTickTimeout,
	})

	sessionHandler := handler.NewSessionHandler(registry, publisher)
	if broker != nil {
		sessionHandler.WithEvents(handler.NewEventsHandler(broker, registry))
	}
	if cfg.ChatUpstreamURL != "" {
		upstream, err := url.Parse(cfg.ChatUpstreamURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid chat upstream url")
		}
		activityMiddleware := middleware.NewActivityMiddleware(gate)
		sessionHandler.WithChat(activityMiddleware.Handler, handler.NewChatProxy(upstream))
		log.Info().Str("upstream", upstream.Host).Msg("chat proxy enabled")
	}

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		health := map[string]any{
			"status":    "ok",
			"monitor":   monitor.Running(),
			"timestamp": time.Now().UnixMilli(),
		}
		if broker != nil {
			health["sseClients"] = broker.TotalClients()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(health)
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Mount("/", sessionHandler.Routes())
	})

	monitor.Start()
	defer monitor.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
