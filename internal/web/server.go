// Package web exposes the channel API over HTTP: channel CRUD, telemetry
// writes through JSON bodies or query parameters, history and latest-value
// reads, and the static dashboard.
package web

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/JoeMarian/water-tank/pkg/api"
)

const shutdownGrace = 5 * time.Second

// Server hosts the REST API and the dashboard.
type Server struct {
	addr      string
	staticDir string
	version   string
	service   ChannelService
	health    HealthFunc
	logger    *logrus.Logger
	router    *gin.Engine
	server    *http.Server
	started   time.Time
	mu        sync.Mutex
}

// Option configures optional server behavior.
type Option func(*Server)

// WithAddr sets the listen address. Defaults to ":8000".
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithStaticDir sets the directory served under /static and the location of
// dashboard.html.
func WithStaticDir(dir string) Option {
	return func(s *Server) {
		s.staticDir = dir
	}
}

// WithHealth installs the health probe backing GET /health.
func WithHealth(fn HealthFunc) Option {
	return func(s *Server) {
		s.health = fn
	}
}

// WithVersion sets the version string reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer creates the HTTP server for the given channel service.
func NewServer(service ChannelService, logger *logrus.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = logrus.New()
	}

	s := &Server{
		addr:      ":8000",
		staticDir: "static",
		version:   "dev",
		service:   service,
		logger:    logger,
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	s.setupStaticFiles()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(RecoveryHandler(s.logger))
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(ErrorHandler(s.logger))

	s.router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		c.Header("X-Response-Time", time.Since(start).String())
	})
}

func (s *Server) setupRoutes() {
	apiGroup := s.router.Group("/api")
	{
		apiGroup.POST("/channels", s.createChannel)
		apiGroup.GET("/channels", s.listChannels)
		apiGroup.GET("/channels/:name", s.getChannel)
		apiGroup.PATCH("/channels/:name", s.updateFields)
		apiGroup.DELETE("/channels/:name", s.deleteChannel)
		apiGroup.POST("/channels/:name/data", s.writeData)
		apiGroup.GET("/channels/:name/data", s.history)
		apiGroup.GET("/channels/:name/update", s.updateByQuery)
		apiGroup.DELETE("/channels/:name/fields/:field", s.deleteField)
		apiGroup.GET("/data/:name/latest", s.latest)
		apiGroup.GET("/data/:name/latest/:field", s.latestField)
	}

	s.router.GET("/health", s.healthHandler)
}

func (s *Server) setupStaticFiles() {
	s.router.GET("/", s.dashboard)
	s.router.Static("/static", s.staticDir)
}

// Handler returns the underlying HTTP handler, used by tests to drive the
// router without a listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Start begins serving in the background. It returns once the listener is
// set up; serve errors are logged.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("server already started")
	}

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	s.logger.WithField("addr", s.addr).Info("Starting HTTP server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the server, waiting up to five seconds for
// in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	s.logger.Info("Stopping HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	s.server = nil
	if err != nil {
		return fmt.Errorf("failed to stop HTTP server: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, api.HealthStatus{
			Status:     "ok",
			Version:    s.version,
			UptimeSecs: int64(time.Since(s.started).Seconds()),
		})
		return
	}

	status := s.health(c.Request.Context())
	if status.Version == "" {
		status.Version = s.version
	}
	if status.UptimeSecs == 0 {
		status.UptimeSecs = int64(time.Since(s.started).Seconds())
	}

	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
