// Package server exposes the HTTP API surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/fluxchat/flux/chat"
	"github.com/fluxchat/flux/internal/profile"
	"github.com/fluxchat/flux/internal/version"
	"github.com/fluxchat/flux/metrics"
	"github.com/fluxchat/flux/store"
)

type Server struct {
	e *echo.Echo

	Profile *profile.Profile
	Store   *store.Store

	manager  *chat.Manager
	orch     *chat.Orchestrator
	bus      *chat.EventBus
	exporter *metrics.Exporter
	logger   *slog.Logger
}

func NewServer(profile *profile.Profile, st *store.Store, manager *chat.Manager, orch *chat.Orchestrator, exporter *metrics.Exporter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		e:        e,
		Profile:  profile,
		Store:    st,
		manager:  manager,
		orch:     orch,
		bus:      manager.Bus(),
		exporter: exporter,
		logger:   slog.Default().With("component", "server"),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(NewRateLimiter(DefaultRateLimiterConfig()).Middleware())

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version.String()})
	})
	if s.exporter != nil {
		s.e.GET("/metrics", echo.WrapHandler(s.exporter.Handler()))
	}

	api := s.e.Group("/api/v1")

	api.POST("/conversations", s.createConversation)
	api.GET("/conversations", s.listConversations)
	api.PATCH("/conversations/:id", s.updateConversation)
	api.DELETE("/conversations/:id", s.deleteConversation)
	api.POST("/conversations/:id/stop", s.stopConversation)
	api.GET("/conversations/:id/messages", s.getThread)
	api.POST("/conversations/:id/messages", s.sendMessage)

	api.PATCH("/messages/:id", s.editMessage)
	api.DELETE("/messages/:id", s.deleteMessage)
	api.POST("/messages/:id/retry", s.retryMessage)
	api.POST("/messages/:id/stop", s.stopMessage)
	api.POST("/messages/:id/permission", s.resolvePermission)
	api.POST("/messages/:id/context-edge", s.markContextEdge)
	api.PATCH("/messages/:id/metadata", s.updateMetadata)
	api.GET("/messages/:id/variants", s.getVariants)

	api.GET("/events", s.streamEvents)
}

// Start runs the HTTP listener until the context is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	errCh := make(chan error, 1)
	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.Info("server started", "addr", addr, "version", version.String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	return s.e.Shutdown(ctx)
}
