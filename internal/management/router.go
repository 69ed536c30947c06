package management

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"courier/internal/config"
	"courier/internal/constants"
	"courier/internal/logger"
	"courier/pkg/health"
	"courier/pkg/metrics"
	"courier/pkg/middleware"
	"courier/pkg/ratelimit"
)

type RouterConfig struct {
	Service   Service
	Health    *health.CheckerRegistry
	RateLimit config.RateLimitConfig
	Tracing   bool
	Logger    logger.Logger
}

// NewRouter builds the operator API with /health, /metrics and the Swagger
// UI. The API document is served once a docs package has registered it. ctx bounds
// the rate limiter's background cleanup.
func NewRouter(ctx context.Context, cfg RouterConfig) *gin.Engine {
	log := cfg.Logger
	if log == nil {
		log = logger.NopLogger()
	}

	router := gin.New()

	if cfg.Tracing {
		router.Use(otelgin.Middleware(constants.ManagementServiceName))
	}

	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.LoggerMiddleware(log))

	if cfg.RateLimit.Enabled {
		rl := ratelimit.FromConfig(cfg.RateLimit)
		metrics.RegisterManagementMetrics()
		router.Use(ratelimit.RateLimitMiddleware(ctx, rl))
		log.InfowCtx(ctx, "Rate limiting enabled", "rps", rl.RPS, "burst", rl.Burst)
	}

	NewHandler(cfg.Service, log).RegisterRoutes(router)

	registry := cfg.Health
	if registry == nil {
		registry = health.NewCheckerRegistry()
	}
	router.GET("/health", func(c *gin.Context) {
		h := registry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return router
}
