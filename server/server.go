// Package server implements the HTTP intake for relay.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/aschepis/backscratcher/relay/metrics"
	"github.com/aschepis/backscratcher/relay/orchestrator"
	"github.com/aschepis/backscratcher/relay/vectorsync"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Executor runs requests. *orchestrator.Orchestrator implements it.
type Executor interface {
	Execute(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// Syncer reconciles one template by id or name.
type Syncer interface {
	SyncRef(ctx context.Context, ref string) (*vectorsync.Report, error)
}

// Deps are the services the routes call. Syncer and Tools may be nil.
type Deps struct {
	Executor  Executor
	Templates orchestrator.TemplateSource
	Syncer    Syncer
	Tools     orchestrator.ToolCatalog
}

// Config holds server configuration options.
type Config struct {
	Addr    string
	Version string
	Logger  zerolog.Logger
}

// Server is the HTTP server for relay.
type Server struct {
	deps      Deps
	version   string
	addr      string
	http      *http.Server
	logger    zerolog.Logger
	startedAt time.Time
}

// New creates a server.
func New(cfg Config, deps Deps) *Server {
	s := &Server{
		deps:      deps,
		version:   cfg.Version,
		addr:      cfg.Addr,
		logger:    cfg.Logger.With().Str("component", "http-server").Logger(),
		startedAt: time.Now(),
	}
	if s.version == "" {
		s.version = "dev"
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the gin engine serving every route.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), s.logRequests)

	g.GET("/healthz", s.handleHealth)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := g.Group("/v1")
	v1.POST("/requests", s.handleRequest)
	v1.POST("/templates/:ref/sync", s.handleSync)
	v1.GET("/info", s.handleInfo)
	v1.GET("/tools", s.handleTools)
	return g
}

// Serve accepts connections on listener until Shutdown is called.
func (s *Server) Serve(listener net.Listener) error {
	s.startedAt = time.Now()
	s.logger.Info().Str("address", listener.Addr().String()).Msg("Starting HTTP server")
	if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe starts the server on its configured address.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Gracefully stopping HTTP server")
	return s.http.Shutdown(ctx)
}

// logRequests logs every request with its status and duration.
func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	duration := time.Since(start)

	status := c.Writer.Status()
	event := s.logger.Debug()
	if status >= http.StatusInternalServerError {
		event = s.logger.Error()
	}
	event.
		Str("method", c.Request.Method).
		Str("path", c.FullPath()).
		Int("status", status).
		Dur("duration", duration).
		Msg("HTTP request")
}

type errorResp struct {
	Error string `json:"error"`
}
