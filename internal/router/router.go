package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tollgate-ai/tollgate/internal/config"
	"github.com/tollgate-ai/tollgate/internal/handlers"
	"github.com/tollgate-ai/tollgate/internal/middleware"
	"github.com/tollgate-ai/tollgate/internal/services/budget"
	"github.com/tollgate-ai/tollgate/internal/services/flags"
	"github.com/tollgate-ai/tollgate/internal/services/modelrouter"
	"github.com/tollgate-ai/tollgate/internal/services/pipeline"
	"github.com/tollgate-ai/tollgate/internal/services/vectorstore"
)

// Deps carries the constructed services the HTTP surface exposes.
type Deps struct {
	DB       *gorm.DB
	Redis    *redis.Client
	Vectors  *vectorstore.Store
	Router   *modelrouter.Router
	Budget   *budget.Service
	Pipeline *pipeline.Pipeline
	Flags    *flags.Store
}

// New assembles the chi router: middleware stack, the OpenAI-compatible
// API, and the operational endpoints.
func New(cfg *config.Config, logger *zap.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(cfg.Router.RequestTimeout))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics)

	if len(cfg.CORS.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   cfg.CORS.AllowedMethods,
			AllowedHeaders:   cfg.CORS.AllowedHeaders,
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           cfg.CORS.MaxAge,
		}))
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.Auth, logger)
	rateLimiter := middleware.NewRateLimiter(deps.Redis, cfg.RateLimit, logger)

	chatHandler := handlers.NewChatHandler(deps.Pipeline, logger)
	modelsHandler := handlers.NewModelsHandler(deps.Router)
	healthHandler := handlers.NewHealthHandler(deps.Redis, deps.Vectors, deps.Router)
	metricsHandler := handlers.NewMetricsHandler(deps.DB, deps.Budget, deps.Router, logger)
	flagsHandler := handlers.NewFlagsHandler(deps.Flags)

	// Health endpoints bypass auth and rate limiting.
	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Health)
		r.Get("/live", healthHandler.Live)
		r.Get("/ready", healthHandler.Ready)
		r.Get("/detailed", healthHandler.Detailed)
		r.Get("/providers", healthHandler.Providers)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)
		r.Use(rateLimiter.Limit)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/chat/completions", chatHandler.ChatCompletions)
			r.Get("/models", modelsHandler.ListModels)
			r.Get("/models/{id}", modelsHandler.GetModel)
		})

		r.Route("/metrics", func(r chi.Router) {
			r.Handle("/prometheus", promhttp.Handler())
			r.Get("/summary", metricsHandler.Summary)
			r.Get("/usage/{period}", metricsHandler.Usage)
		})

		r.Route("/flags", func(r chi.Router) {
			r.Get("/", flagsHandler.List)
			r.Post("/toggle", flagsHandler.Toggle)
		})
	})

	return r
}

// NewRedisClient builds the shared Redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opt.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	opt.DialTimeout = 5 * time.Second
	return redis.NewClient(opt), nil
}
