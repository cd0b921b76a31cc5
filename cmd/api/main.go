package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/devalimohamed/somali-transcriber/internal/auth"
	"github.com/devalimohamed/somali-transcriber/internal/calls"
	"github.com/devalimohamed/somali-transcriber/internal/config"
	"github.com/devalimohamed/somali-transcriber/internal/httpapi"
	"github.com/devalimohamed/somali-transcriber/internal/processing"
	"github.com/devalimohamed/somali-transcriber/internal/storage"
	"github.com/devalimohamed/somali-transcriber/internal/transcribe"
	"github.com/devalimohamed/somali-transcriber/pkg/logger"
	"github.com/devalimohamed/somali-transcriber/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	audioStore, err := storage.NewLocalAudioStore(cfg.Audio.StorageDir)
	if err != nil {
		log.Error("audio storage init failed", "err", err)
		os.Exit(1)
	}

	callRepo := calls.NewPostgresRepo(db)
	attemptRepo := processing.NewPostgresAttemptRepo(db)
	retryQueue := processing.NewRedisQueue(rdb, cfg.Retry.QueueKey)

	openai := transcribe.NewOpenAIClient(cfg.OpenAI)
	formatter := transcribe.NewOllamaFormatter(cfg.Ollama)

	pipeline := processing.NewService(processing.ServiceParams{
		Repo:               callRepo,
		Audio:              audioStore,
		Attempts:           attemptRepo,
		Queue:              retryQueue,
		Transcriber:        openai,
		Translator:         openai,
		Formatter:          formatter,
		Logger:             log,
		MaxAttempts:        cfg.Retry.MaxAttempts,
		MaxDurationSeconds: cfg.Audio.MaxDurationSeconds,
		AsyncOnUpload:      cfg.Retry.AsyncOnUpload,
	})
	callService := calls.NewService(callRepo, pipeline)

	var wg sync.WaitGroup
	if cfg.Retry.WorkerEnabled {
		worker := processing.NewWorker(retryQueue, pipeline, log, cfg.Retry.WorkerInterval, cfg.Retry.WorkerBatch)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(rootCtx)
		}()
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	h := httpapi.Handlers{Auth: authManager, Calls: callService}
	registerRoutes(r, h, auth.RequireAccessToken(authManager), db, rdb)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	wg.Wait()
}
