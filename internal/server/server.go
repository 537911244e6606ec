// Package server exposes the crawl orchestrator over HTTP: job submission,
// progress polling and subscription, heartbeats, cancellation and bundle
// download.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/jobstore"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/logging"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/metrics"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/orchestrator"
)

// Submitter queues validated jobs.
type Submitter interface {
	Submit(ctx context.Context, req orchestrator.Request) (*jobstore.JobState, error)
}

// Config configures the HTTP server.
type Config struct {
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	Version         string
}

// Server is the HTTP API.
type Server struct {
	config Config
	reg    *orchestrator.Registry
	jobs   Submitter
	hub    *Hub
	engine *gin.Engine
	logger zerolog.Logger
}

// New builds the router. hub must be running for subscriptions to work.
func New(config Config, reg *orchestrator.Registry, jobs Submitter, hub *Hub) *Server {
	s := &Server{
		config: config,
		reg:    reg,
		jobs:   jobs,
		hub:    hub,
		logger: logging.NewLogger("http"),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLogger())
	engine.Use(s.corsMiddleware())
	s.setupRoutes(engine)
	s.engine = engine
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) setupRoutes(r *gin.Engine) {
	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	{
		jobs := api.Group("/jobs")
		{
			jobs.POST("", s.submitJob)
			jobs.GET("", s.listJobs)
			jobs.GET("/:id", s.getJob)
			jobs.POST("/:id/heartbeat", s.heartbeat)
			jobs.DELETE("/:id", s.cancelJob)
		}

		api.GET("/ws/jobs/:id", s.subscribe)

		bundles := api.Group("/bundles")
		{
			bundles.GET("/:manifestId", s.downloadBundle)
			bundles.GET("/:manifestId/manifest", s.getManifest)
		}
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	origins := s.config.AllowedOrigins
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	cfg.ExposeHeaders = []string{"Content-Length", "Content-Disposition"}
	return cors.New(cfg)
}

// requestLogger logs one line per request. Query strings are left out so
// nothing submitted by the caller lands in the logs.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := s.logger.Debug()
		switch {
		case status >= http.StatusInternalServerError:
			event = s.logger.Error()
		case status >= http.StatusBadRequest:
			event = s.logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Int("bytes", c.Writer.Size()).
			Msg("HTTP request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "taxcrawl",
		"version":   s.config.Version,
		"timestamp": time.Now().Unix(),
	})
}

// ListenAndServe serves on config.Addr until ctx is done, then shuts down
// gracefully within ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info().Msg("HTTP server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func errorJSON(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
