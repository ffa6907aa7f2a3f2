// Package api exposes the controller over HTTP: a health probe and a
// single dispatch endpoint fronting the named deploy/promote/rollback/
// slot tools.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tidewayhq/tideway/internal/api/middleware"
	"github.com/tidewayhq/tideway/internal/platform/logger"
)

// ServerConfig holds transport-level configuration.
type ServerConfig struct {
	Host       string
	Port       int
	AuthToken  string
	Version    string
	LatestVers string
}

// Server is the controller's HTTP front door.
type Server struct {
	config     ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	log        logger.Logger
}

// NewServer builds a Server wired to the given tool dispatcher.
func NewServer(config ServerConfig, dispatcher *ToolDispatcher, log logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{config: config, router: router, log: log}
	s.setupMiddleware()
	s.setupRoutes(dispatcher)
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.log))
	s.router.Use(middleware.CORS())
}

func (s *Server) setupRoutes(dispatcher *ToolDispatcher) {
	s.router.GET("/health", s.handleHealth)

	protected := s.router.Group("/")
	protected.Use(middleware.Auth(s.config.AuthToken))
	protected.POST("/tool", dispatcher.Handle)
}

// healthResponse is GET /health's exact shape per spec.md §6.
type healthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Timestamp       string `json:"timestamp"`
	UpdateRequired  bool   `json:"updateRequired,omitempty"`
	LatestVersion   string `json:"latestVersion,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := healthResponse{
		Status:    "healthy",
		Version:   s.config.Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	clientVersion := c.GetHeader("X-Client-Version")
	if clientVersion != "" && s.config.LatestVers != "" && clientVersion < s.config.LatestVers {
		resp.UpdateRequired = true
		resp.LatestVersion = s.config.LatestVers
	}
	c.JSON(http.StatusOK, resp)
}

// Start begins serving and blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
