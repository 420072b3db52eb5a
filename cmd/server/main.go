package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/schoolkiosk/kiosk-relay-go/internal/audit"
	"github.com/schoolkiosk/kiosk-relay-go/internal/config"
	"github.com/schoolkiosk/kiosk-relay-go/internal/database"
	"github.com/schoolkiosk/kiosk-relay-go/internal/handler"
	"github.com/schoolkiosk/kiosk-relay-go/internal/jobs"
	"github.com/schoolkiosk/kiosk-relay-go/internal/middleware"
	"github.com/schoolkiosk/kiosk-relay-go/internal/notify"
	"github.com/schoolkiosk/kiosk-relay-go/internal/redis"
	"github.com/schoolkiosk/kiosk-relay-go/internal/repository"
	"github.com/schoolkiosk/kiosk-relay-go/internal/service"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("database connected")

	if err := db.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	redisClient, err := redis.NewClient(context.Background(), cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	var sinks []audit.Sink
	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAuditTopic))
	}
	recorder := audit.NewRecorder(sinks...)
	defer recorder.Close()

	sessionRepo := repository.NewSessionRepository(db)
	transactor := repository.NewTransactor(db)
	adminSessionRepo := repository.NewAdminSessionRepository(db.DB)
	settingsRepo := repository.NewSettingsRepository(db.DB)

	broker := notify.NewBroker(redisClient)
	defer broker.Close()

	kioskService := service.NewKioskService(
		sessionRepo, transactor, broker, recorder, service.KioskOptionsFromConfig(cfg),
	)
	adminService := service.NewAdminService(
		kioskService, sessionRepo, adminSessionRepo, settingsRepo,
		broker, recorder, cfg.AdminCodeHash, cfg.AdminSessionSecret,
	)

	redisLimiter := middleware.NewRedisRateLimiter(redisClient.Client)
	limits := handler.RouteLimits{
		Issue: middleware.NewIPRateLimitMiddleware(redisLimiter, "issue", cfg.IssueRateLimitPerMin, recorder).Handler,
		Pair:  middleware.NewIPRateLimitMiddleware(redisLimiter, "pair", cfg.PairRateLimitPerMin, recorder).Handler,
		Send:  middleware.NewSendRateLimitMiddleware(cfg.SendRateLimitPerMin).Handler,
	}
	adminSessionMiddleware := middleware.NewAdminSessionMiddleware(adminService)
	csrfMiddleware := middleware.NewCSRFMiddleware(isProduction)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	eventsHandler := handler.NewEventsHandler(broker, kioskService)
	sessionHandler := handler.NewSessionHandler(kioskService, adminService, eventsHandler, limits)
	adminHandler := handler.NewAdminHandler(
		adminService, adminSessionMiddleware.Handler, csrfMiddleware.Handler, isProduction,
	)

	r := chi.NewRouter()

	// No global Timeout: event streams stay open. Request/response routes get their
	// own timeout inside the session and admin routers.
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.ClientContext)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		pingCtx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
		defer cancel()
		if err := db.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Msg("health: database unreachable")
			status, code = "degraded", http.StatusServiceUnavailable
		}
		if err := redisClient.Healthy(r.Context()); err != nil {
			log.Warn().Err(err).Msg("health: redis unreachable")
			status, code = "degraded", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":      status,
			"timestamp":   time.Now().UnixMilli(),
			"subscribers": broker.TotalSubscribers(),
			"dbOpenConns": db.Stats().OpenConnections,
		})
	})

	r.Mount("/v1", sessionHandler.Routes())
	r.Mount("/admin", adminHandler.Routes())

	sweeper := jobs.NewSessionSweeper(kioskService, adminService, cfg.SweepInterval())
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Addr()).
			Int("maxActiveOutputs", cfg.MaxActiveOutputs).
			Bool("adminEnabled", adminService.Configured()).
			Msg("starting server")
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

	// Closing the broker first ends open streams so Shutdown is not held up by them.
	broker.Close()
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
