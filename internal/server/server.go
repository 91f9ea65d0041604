// Package server wires the Echo app: middleware, the API route table, and
// the lifecycle (start, graceful shutdown).
package server

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/siftlog/siftlog/internal/config"
	"github.com/siftlog/siftlog/internal/handler"
)

// Server holds the Echo app and its configuration.
type Server struct {
	Echo   *echo.Echo
	Config *config.Config
	log    zerolog.Logger
}

// New builds the Echo server and registers routes.
func New(cfg *config.Config, h *handler.LogHandler, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover(), RequestLogger(log))

	e.Server.ReadTimeout = time.Duration(cfg.Server.ReadTimeout) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.Server.WriteTimeout) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.Server.IdleTimeout) * time.Second

	// Ingest and query API
	e.POST("/api/log", h.Submit)
	e.POST("/api/logs/batch", h.SubmitBatch)
	e.GET("/api/logs/:device_id", h.Query)
	e.GET("/api/stats", h.Stats)

	// Operator surface
	e.GET("/api/queue", h.QueueStatus)
	e.GET("/api/deadletters", h.ListDeadLetters)
	e.GET("/api/archive", h.ListArchive)

	e.GET("/health", h.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &Server{Echo: e, Config: cfg, log: log.With().Str("component", "server").Logger()}
}

// Start runs the HTTP server until the context is cancelled or the listener
// fails. On cancel, Shutdown drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("shutdown failed")
		}
	}()
	addr := ":" + s.Config.Server.Port
	s.log.Info().Str("addr", addr).Msg("listening")
	return s.Echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}
