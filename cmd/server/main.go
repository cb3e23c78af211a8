package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/examgen-backend/internal/config"
	"github.com/stemsi/examgen-backend/internal/database"
	"github.com/stemsi/examgen-backend/internal/generation"
	"github.com/stemsi/examgen-backend/internal/handler"
	"github.com/stemsi/examgen-backend/internal/logger"
	"github.com/stemsi/examgen-backend/internal/middleware"
	"github.com/stemsi/examgen-backend/internal/model"
	"github.com/stemsi/examgen-backend/internal/repository"
	"github.com/stemsi/examgen-backend/internal/router"
	"github.com/stemsi/examgen-backend/internal/service"
	"github.com/stemsi/examgen-backend/internal/validator"
	"github.com/stemsi/examgen-backend/internal/worker"
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
		Str("generator", cfg.GeneratorMode).
		Msg("Starting ExamGen Backend")

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
	sessionRepo := repository.NewSessionRepository(pool)
	answerRepo := repository.NewAnswerRepository(pool)
	sessionCache := repository.NewSessionCache(rdb)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)
	batchController := service.NewBatchController(sessionRepo, newGateway(cfg, log), cfg.GeneratorTimeout, cfg.GenerationLockLease, log)
	sessionService := service.NewSessionService(
		sessionRepo, answerRepo, sessionCache, sessionCache, batchController,
		map[model.SessionKind]time.Duration{
			model.SessionKindExam:     cfg.ExamDuration,
			model.SessionKindPractice: cfg.PracticeDuration,
		},
		log,
	)
	answerService := service.NewAnswerService(sessionRepo, answerRepo, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, answerService, log),
		WS:      handler.NewWSHandler(answerService, sessionCache, log, cfg.AllowedOrigins),
		Health:  handler.NewHealthHandler(database.NewHealth(pool, rdb), log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	autosaveWorker := worker.NewAutosaveWorker(
		worker.NewRedisQueue(rdb, config.WorkerKey.PersistAnswersQueue), answerService, log)
	completionWorker := worker.NewCompletionWorker(
		worker.NewRedisQueue(rdb, config.WorkerKey.PersistScoresQueue), sessionService, sessionRepo, sessionCache, log)

	workers.Go(func() { autosaveWorker.Start(workerCtx) })
	workers.Go(func() { completionWorker.Start(workerCtx) })

	// ─── Setup Router ──────────────────────────────────────────────────
	var batchLimiter *middleware.RateLimiter
	if cfg.BatchRateLimitPerMinute > 0 {
		batchLimiter = middleware.NewRateLimiter(ctx, cfg.BatchRateLimitPerMinute, time.Minute)
	}
	r := router.SetupRouter(authService, handlers, cfg, batchLimiter, log)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests. Batch generation can take up to the generator
	// timeout, so in-flight requests get that long to finish.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GeneratorTimeout+5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers and wait for queues to drain.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

func newGateway(cfg *config.Config, log zerolog.Logger) generation.Gateway {
	if cfg.GeneratorMode == config.GeneratorModeOpenAI {
		if cfg.OpenAIAPIKey == "" {
			log.Fatal().Msg("OPENAI_API_KEY is required when GENERATOR_MODE=openai")
		}
		return generation.NewOpenAIGateway(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.GeneratorTimeout, log)
	}
	log.Warn().Msg("Using mock question generator")
	return generation.NewMockGateway(0)
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
