package server

import (
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/voragate/gateway/internal/config"
	"github.com/voragate/gateway/internal/gateway"
	"github.com/voragate/gateway/internal/server/middleware"
	"github.com/voragate/gateway/internal/server/validator"
	"github.com/voragate/gateway/internal/swap"
	v1 "github.com/voragate/gateway/internal/server/v1"
)

type Server struct {
	router  *gin.Engine
	config  *config.Config
	logger  *zap.Logger
	handler *v1.Handler
}

func New(cfg *config.Config, logger *zap.Logger, service *gateway.Service, swaps *swap.Controller) *Server {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(ginzap.RecoveryWithZap(logger, true))
	engine.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	engine.Use(otelgin.Middleware("voragate"))

	s := &Server{
		router:  engine,
		config:  cfg,
		logger:  logger,
		handler: v1.NewHandler(service, swaps, validator.New(), logger),
	}

	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ErrorHandler(s.logger))

	s.router.GET("/health", s.handler.HandleHealth)

	api := s.router.Group("/v1")
	if s.config.RateLimit.ClientRPS > 0 {
		clientLimiter := middleware.NewClientLimiter(
			s.config.RateLimit.ClientRPS,
			s.config.RateLimit.ClientBurst,
			s.logger,
		)
		api.Use(clientLimiter.Middleware())
	}
	api.Use(middleware.Auth(s.config.Server.APIKeys))
	{
		api.POST("/requests", s.handler.HandleExecute)
		api.POST("/requests/stream", s.handler.HandleStream)
		api.POST("/requests/async", s.handler.HandleSubmit)
		api.GET("/requests/:handle", s.handler.HandleStatus)

		api.GET("/usage/:caller", s.handler.HandleUsage)

		api.GET("/providers", s.handler.HandleListProviders)

		api.GET("/device/tier", s.handler.HandleDeviceTier)
		api.POST("/device/rescan", s.handler.HandleRescan)

		api.GET("/swaps", s.handler.HandleSwapStatuses)
		api.POST("/swaps", s.handler.HandleSwap)
	}
}
