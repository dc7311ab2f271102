package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/config"
	"github.com/tollgate-ai/tollgate/internal/database"
	"github.com/tollgate-ai/tollgate/internal/logger"
	"github.com/tollgate-ai/tollgate/internal/router"
	"github.com/tollgate-ai/tollgate/internal/services/budget"
	"github.com/tollgate-ai/tollgate/internal/services/contextengine"
	"github.com/tollgate-ai/tollgate/internal/services/embeddings"
	"github.com/tollgate-ai/tollgate/internal/services/flags"
	"github.com/tollgate-ai/tollgate/internal/services/modelrouter"
	"github.com/tollgate-ai/tollgate/internal/services/pipeline"
	"github.com/tollgate-ai/tollgate/internal/services/providers"
	"github.com/tollgate-ai/tollgate/internal/services/tools"
	"github.com/tollgate-ai/tollgate/internal/services/vectorstore"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := database.Initialize(&database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}); err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer database.Close()
	db := database.GetDB()

	redisClient, err := router.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal("Failed to parse Redis URL", zap.Error(err))
	}
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	providerRegistry, err := providers.Build(cfg.Providers, log)
	if err != nil {
		log.Fatal("Failed to build provider registry", zap.Error(err))
	}
	if len(providerRegistry) == 0 {
		log.Fatal("No providers enabled")
	}

	modelRouter := modelrouter.New(providerRegistry,
		modelrouter.ParseStrategy(cfg.Router.DefaultStrategy, modelrouter.StrategyBalanced), log)
	modelRouter.Start()
	defer modelRouter.Stop()

	budgetService := budget.NewService(db, redisClient, cfg.Budget, log)
	budgetService.Start()
	defer budgetService.Stop()

	// The vector store is optional; without it the context engine still
	// serves templates and relational memory.
	var vectors *vectorstore.Store
	if cfg.Vector.URL != "" {
		vectors, err = vectorstore.New(context.Background(), cfg.Vector.URL,
			cfg.Vector.MaxConnections, cfg.Vector.EmbeddingDim, log)
		if err != nil {
			log.Warn("Vector store unavailable, knowledge retrieval disabled", zap.Error(err))
		} else {
			defer vectors.Close()
		}
	}

	flagStore := flags.NewStore(cfg.Flags, log)

	var engineVectors contextengine.VectorStore
	var embedder contextengine.Embedder
	if vectors != nil {
		engineVectors = vectors
		embedder = embeddings.NewClient(cfg.Embeddings)
	}
	engine := contextengine.New(db, engineVectors, embedder, flagStore, cfg.Context, log)
	engine.Start()
	defer engine.Stop()

	var toolsClient *tools.Client
	if cfg.Tools.Enabled && cfg.Tools.SidecarURL != "" {
		toolsClient = tools.NewClient(cfg.Tools, log)
		toolsClient.Start()
		defer toolsClient.Stop()
	}

	servingPipeline := pipeline.New(modelRouter, budgetService, engine, toolsClient, flagStore,
		modelrouter.ParseStrategy(cfg.Router.DefaultStrategy, modelrouter.StrategyBalanced), log)

	handler := router.New(cfg, log, router.Deps{
		DB:       db,
		Redis:    redisClient,
		Vectors:  vectors,
		Router:   modelRouter,
		Budget:   budgetService,
		Pipeline: servingPipeline,
		Flags:    flagStore,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Gateway starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Shutdown complete")
}
