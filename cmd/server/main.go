package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oemslab/oems-backend/internal/cache"
	"github.com/oemslab/oems-backend/internal/config"
	"github.com/oemslab/oems-backend/internal/database"
	"github.com/oemslab/oems-backend/internal/handler"
	"github.com/oemslab/oems-backend/internal/logger"
	"github.com/oemslab/oems-backend/internal/repository"
	"github.com/oemslab/oems-backend/internal/router"
	"github.com/oemslab/oems-backend/internal/service"
	"github.com/oemslab/oems-backend/internal/session"
	"github.com/oemslab/oems-backend/internal/validator"
	"github.com/oemslab/oems-backend/internal/worker"
	"github.com/rs/zerolog"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting OEMS Backend")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	candidateRepo := repository.NewCandidateRepository(pool)
	formRepo := repository.NewFormRepository(pool)
	submissionRepo := repository.NewSubmissionRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	clock := clockwork.NewRealClock()
	sessionCache := cache.NewSessionCache(rdb, log)

	authService := service.NewAuthService(cfg, rdb, candidateRepo, formRepo)
	formService := service.NewFormService(formRepo, rdb, log)
	submissionService := service.NewSubmissionService(submissionRepo, sessionCache, clock, log)
	warningService := service.NewWarningService(submissionRepo, sessionCache, log)
	timerService := service.NewTimerService(submissionRepo, formRepo, sessionCache, sessionCache, clock, log)

	// ─── Initialize Session Engine ────────────────────────────────────
	engine := session.NewEngine(submissionService, warningService, formService, clock, cfg.MaxWarnings, log)
	defer engine.Stop()

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:      handler.NewAuthHandler(authService, engine),
		Candidate: handler.NewCandidateHandler(submissionService, timerService, formService, engine),
		WS:        handler.NewWSHandler(engine, timerService, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	warningWorker := worker.NewWarningWorker(pool, rdb, log)
	timerWorker := worker.NewTimerWorker(pool, rdb, log)
	expiryWorker := worker.NewExpiryWorker(pool, rdb, cfg.ExpiryGrace, log)

	go warningWorker.Start(workerCtx)
	go timerWorker.Start(workerCtx)
	go expiryWorker.Start(workerCtx)

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all published forms into Redis BEFORE accepting traffic.
	// This avoids race conditions from lazy loading under thundering herd.
	if err := formService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Tear down live sessions so their tick loops exit.
	engine.Stop()

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	time.Sleep(2 * time.Second) // Allow workers to drain.

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
