// Package http exposes the agent service over REST and WebSocket. Handlers
// are thin adapters over app.Service; all behaviour lives below this layer.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ivory/internal/agent/app"
	"ivory/internal/observability"
	"ivory/internal/shared/logging"
)

// Config carries server settings.
type Config struct {
	ListenAddr   string
	EnableCORS   bool
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8420"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	// Queries run synchronously inside the request, so the write timeout
	// must outlast a full agent turn.
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Minute
	}
	return c
}

// Server hosts the REST API, the event stream, and the metrics endpoint.
type Server struct {
	svc        *app.Service
	metrics    *observability.Metrics
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     logging.Logger
}

// New builds the router. Call Start to begin serving.
func New(svc *app.Service, metrics *observability.Metrics, cfg Config, logger logging.Logger) *Server {
	cfg = cfg.withDefaults()
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		svc:     svc,
		metrics: metrics,
		engine:  engine,
		logger:  logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)

	sessions := s.engine.Group("/sessions")
	{
		sessions.POST("", s.handleCreateSession)
		sessions.GET("", s.handleListSessions)
		sessions.DELETE("/:id", s.handleDeleteSession)
		sessions.POST("/:id/query", s.handleQuery)
		sessions.POST("/:id/abort", s.handleAbort)
		sessions.POST("/:id/load", s.handleLoadSession)
		sessions.POST("/:id/fast_edit", s.handleToggleFastEdit)
		sessions.GET("/:id/history", s.handleHistory)
		sessions.GET("/:id/tools", s.handleSessionTools)
	}

	s.engine.POST("/permissions/:id/resolve", s.handleResolvePermission)
	s.engine.GET("/ws/:id", s.handleWebSocket)

	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
