package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Harsh-BH/Sentinel/judge/internal/delivery/http/middleware"
	"github.com/Harsh-BH/Sentinel/judge/internal/languages"
	"github.com/Harsh-BH/Sentinel/judge/internal/usecase"
)

// RouterDeps carries everything the HTTP layer needs.
type RouterDeps struct {
	JudgeUC      *usecase.JudgeSubmissionUsecase
	Registry     *languages.Registry
	Sandbox      Pinger
	RateLimiter  *middleware.RateLimiter
	MaxBodyBytes int64
	Logger       *zap.Logger
}

// NewRouter creates and configures the Gin router with all routes and middleware.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(deps.Logger))

	// Metrics endpoint (no rate limiting)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := NewHealthHandler(deps.Sandbox, deps.Logger)
	langHandler := NewLanguageHandler(deps.Registry)
	judgeHandler := NewJudgeHandler(deps.JudgeUC, deps.Logger)
	wsHandler := NewWebSocketHandler(deps.JudgeUC, deps.Logger)

	limited := []gin.HandlerFunc{middleware.BodySizeLimit(deps.MaxBodyBytes)}
	if deps.RateLimiter != nil {
		limited = append(limited, deps.RateLimiter.Handler())
	}

	// API v1 group
	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", healthHandler.Health)
		v1.GET("/languages", langHandler.List)

		judging := v1.Group("", limited...)
		judging.POST("/judge", judgeHandler.Judge)
		judging.GET("/judge/stream", wsHandler.Stream)
	}

	// Legacy route: language in the path.
	router.POST("/judge/:language", append(limited, judgeHandler.JudgeLanguage)...)

	return router
}
