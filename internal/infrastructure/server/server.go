package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/webmonkey/internal/api/http"
	"github.com/GriffinCanCode/webmonkey/internal/api/middleware"
	"github.com/GriffinCanCode/webmonkey/internal/domain/host"
	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/config"
	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/logging"
	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/webmonkey/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/webmonkey/internal/ws"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router  *gin.Engine
	http    *http.Server
	host    *host.Host
	logger  *logging.Logger
	config  *config.Config
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	logger.Info("Initializing webmonkey server",
		zap.String("port", cfg.Server.Port),
		zap.String("scripts_dir", cfg.Engine.ScriptsDir),
	)

	metrics := monitoring.NewMetrics()

	h, err := host.New(cfg, logger.Logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize host: %w", err)
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	tracer := tracing.New("webmonkey", logger.For("tracing"))

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	apihttp.NewHandlers(h).Register(router)
	router.GET("/v1/events", ws.NewHandler(h, logger.For("ws")).HandleConnection)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	logger.Info("Server initialized successfully", zap.Int("scripts", len(h.Scripts())))

	return &Server{
		router:  router,
		host:    h,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
		tracer:  tracer,
	}, nil
}

// Handler returns the router with gzip response compression.
func (s *Server) Handler() http.Handler {
	return gzhttp.GzipHandler(s.router)
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts down the server
func (s *Server) Close(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			s.logger.Error("Failed to shut down HTTP server", zap.Error(err))
			return fmt.Errorf("failed to shut down HTTP server: %w", err)
		}
	}

	s.tracer.Close()
	_ = s.logger.Sync()
	return nil
}
