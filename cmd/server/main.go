package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"findkin/internal/app"
	"findkin/internal/config"
	"findkin/internal/metrics"
	"findkin/internal/notify"
	"findkin/internal/outbox"
	"findkin/internal/server"
	"findkin/internal/usertoken"
	"findkin/internal/util"
	"findkin/pkg/ai"
	"findkin/pkg/queue"
	"findkin/pkg/storage"
	"findkin/pkg/store"
)

const outboxConcurrency = 4

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	searchCooldown, err := config.ParseSearchCooldown(cfg.SearchCooldown)
	if err != nil {
		log.Fatalf("failed to parse search cooldown: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	documentStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	objectStore, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}
	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  cfg.AuthJWKSURL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	prom := metrics.New()

	rootCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	hub := notify.NewHub(cfg.NotificationSessionCap, prom.LiveSessions)
	go hub.Run(rootCtx)
	notifier := notify.NewService(documentStore, hub, cfg.NotificationInitialSize)

	taskQueue, err := queue.NewRedisTaskQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   "findkin:outbox",
		Group:    "findkin-workers",
	})
	if err != nil {
		log.Fatalf("failed to init task queue: %v", err)
	}

	var summarizer ai.TextGenerator
	if cfg.OllamaURL != "" && cfg.OllamaModel != "" {
		summarizer = ai.NewOllamaGenerator(ai.NewOllamaClient(cfg.OllamaURL), cfg.OllamaModel)
	}
	effects := outbox.New(taskQueue, documentStore, notifier, summarizer, func(name string) {
		switch name {
		case "cases_registered":
			prom.CasesRegistered.Inc()
		case "reunions":
			prom.Reunions.Inc()
		}
	})
	effects.Start(rootCtx, outboxConcurrency)

	appCore := app.New(app.Config{
		Store:                documentStore,
		Objects:              objectStore,
		Faces:                ai.NewHTTPFaceClient(cfg.EmbeddingServiceURL, cfg.InternalServiceToken, 30*time.Second),
		Moderator:            ai.NewHTTPModerationClient(cfg.ModerationServiceURL, cfg.InternalServiceToken, 30*time.Second),
		Effects:              effects,
		ModerationThresholds: cfg.ModerationThresholds,
		SearchCooldown:       searchCooldown,
	})

	httpServer, err := server.New(server.Config{
		App:                    appCore,
		Notifier:               notifier,
		Hub:                    hub,
		TokenVerifier:          tokenVerifier,
		Objects:                objectStore,
		Metrics:                prom,
		RedisAddr:              cfg.RedisAddr,
		RedisPassword:          cfg.RedisPassword,
		RequestRateLimitPerMin: cfg.RequestRateLimitPerMin,
		TrustedProxies:         trustedProxies,
		AllowedImageExtensions: cfg.AllowedImageExtensions,
		NotificationPageSize:   cfg.NotificationPageSize,
	})
	if err != nil {
		log.Fatalf("failed to init http server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	grace := time.Duration(cfg.ShutdownGraceSeconds) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	hard := time.Duration(cfg.ShutdownHardSeconds) * time.Second
	if hard <= grace {
		hard = grace + 5*time.Second
	}

	// Force exit if shutdown stalls past the hard deadline.
	forceTimer := time.AfterFunc(hard, func() {
		slog.Error("hard shutdown deadline reached")
		os.Exit(1)
	})
	defer forceTimer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	// Stopping the hub closes live sessions; the outbox workers drain on the
	// same context.
	stopBackground()
}
