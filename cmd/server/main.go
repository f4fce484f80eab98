package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/aidanna/internal/api"
	"github.com/wuwenbin0122/aidanna/internal/auth"
	"github.com/wuwenbin0122/aidanna/internal/billing"
	"github.com/wuwenbin0122/aidanna/internal/companion"
	"github.com/wuwenbin0122/aidanna/internal/db"
	"github.com/wuwenbin0122/aidanna/internal/utils"
	"github.com/wuwenbin0122/aidanna/services"
)

func main() {
	cfg, err := utils.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: failed to load: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: failed to build: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = baseLogger.Sync() }()
	logger := baseLogger.Sugar()

	ctx := context.Background()

	stores, err := db.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatalw("storage: failed to open", "error", err)
	}
	defer stores.Close(context.Background())

	var authService *auth.Service
	if cfg.Auth.JWTSecret != "" {
		authService, err = auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Audience)
		if err != nil {
			logger.Fatalw("auth: failed to initialise", "error", err)
		}
	} else {
		logger.Warn("SUPABASE_JWT_SECRET not set; requests are trusted to carry their own userId")
	}

	openAI := services.NewOpenAIClient(cfg.LLM)
	chatService := services.NewChatService(openAI, cfg.LLM, logger)
	ttsService := services.NewTTSService(openAI, cfg.LLM, logger)

	companionService, err := companion.NewService(companion.Config{
		Conversations:   stores.Conversations,
		Profiles:        stores.Profiles,
		Gate:            companion.NewGate(stores.Usage, cfg.Quota.FreeDailyLimit, cfg.Quota.Location),
		Completer:       chatService,
		Synthesizer:     ttsService,
		HistoryLimit:    cfg.Quota.HistoryLimit,
		UpstreamTimeout: cfg.LLM.Timeout,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatalw("companion: failed to initialise", "error", err)
	}

	var billingService *billing.Service
	if cfg.Paystack.Enabled() {
		billingService = billing.NewService(services.NewPaystackService(cfg.Paystack, logger), stores.Profiles, logger)
	} else {
		logger.Warn("PAYSTACK_SECRET_KEY not set; payment confirmation disabled")
	}

	router := setupRouter(baseLogger, api.NewHandler(companionService, billingService, authService, logger))

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.LLM.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infow("server listening", "addr", server.Addr, "storage", cfg.Storage)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("server crashed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// in-flight turns may still be waiting on the provider
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.LLM.Timeout+5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("graceful shutdown failed", "error", err)
	}

	logger.Info("server stopped cleanly")
}

func setupRouter(logger *zap.Logger, handler *api.Handler) *gin.Engine {
	router := gin.New()
	router.Use(api.RequestLogger(logger), gin.Recovery())

	handler.RegisterRoutes(router)

	return router
}
