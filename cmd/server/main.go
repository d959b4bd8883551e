package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pesio-ai/be-ap-approval-rules/internal/cache"
	"github.com/pesio-ai/be-ap-approval-rules/internal/client"
	"github.com/pesio-ai/be-ap-approval-rules/internal/config"
	"github.com/pesio-ai/be-ap-approval-rules/internal/database"
	"github.com/pesio-ai/be-ap-approval-rules/internal/handler"
	"github.com/pesio-ai/be-ap-approval-rules/internal/logger"
	"github.com/pesio-ai/be-ap-approval-rules/internal/pending"
	"github.com/pesio-ai/be-ap-approval-rules/internal/repository"
	"github.com/pesio-ai/be-ap-approval-rules/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approval Rules Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	rulesRepo := repository.NewApprovalRulesRepository(db)
	historyRepo := repository.NewWorkflowHistoryRepository(db)
	auditRepo := repository.NewRuleAuditRepository(db)

	// Analysis cache (optional)
	var analysisCache service.AnalysisCache
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, analysis cache disabled")
		} else {
			defer redisCache.Close()
			analysisCache = redisCache
			log.Info().Dur("ttl", cfg.Redis.AnalysisTTL).Msg("Analysis cache enabled")
		}
	}

	// Rule events (optional)
	var events service.EventPublisher
	if cfg.NATS.URL != "" {
		nc, err := client.Connect(cfg.NATS.URL, cfg.Service.Name, log.Logger)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, rule events disabled")
		} else {
			defer nc.Drain()
			events = client.NewRuleEventPublisher(nc, log.Logger)
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Rule event publisher initialized")
		}
	}

	// Pending action store and sweeper
	pendingStore := pending.NewStore(pending.WithTTL(cfg.Pending.TTL))
	stopSweeper := pendingStore.StartSweeper(ctx, cfg.Pending.SweepInterval, log)
	defer stopSweeper()

	// Initialize services
	analyzer := service.NewPatternAnalyzer(historyRepo, rulesRepo, analysisCache, cfg.Redis.AnalysisTTL, log)
	lifecycle := service.NewRuleLifecycleService(rulesRepo, pendingStore, analyzer, auditRepo, events, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(lifecycle, analyzer, log).
		WithReadiness("database", db.Ping)
	if redisCache, ok := analysisCache.(*cache.RedisCache); ok {
		httpHandler.WithReadiness("redis", redisCache.Ping)
	}
	h := handler.Chain(httpHandler.Routes(),
		handler.Logging(log.Logger),
		handler.Recovery,
		handler.Timeout(30*time.Second),
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcServer := handler.NewGRPCServer(cfg.Service.Name, log.Logger)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.Shutdown()
	stopSweeper()

	log.Info().
		Int("discarded_pending_actions", pendingStore.Len()).
		Msg("Server stopped")
}
