// Package http provides the internal HTTP server of the relay.
package http

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/signagehq/voicerelay/internal/hub"
	"github.com/signagehq/voicerelay/internal/logger"
)

// PromptInvalidator drops a cached prompt.
type PromptInvalidator interface {
	Delete(ctx context.Context, key string) error
}

// Server is the internal HTTP server.
type Server struct {
	echo    *echo.Echo
	hub     *hub.Hub
	prompts PromptInvalidator
	log     *logger.Logger
}

// NewServer creates a new internal HTTP server. prompts may be nil when no
// prompt cache is configured.
func NewServer(h *hub.Hub, prompts PromptInvalidator, gatherer prometheus.Gatherer, log *logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		hub:     h,
		prompts: prompts,
		log:     log,
	}

	// Register routes
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	e.DELETE("/internal/prompts/:tenantId", s.handleInvalidatePrompt)

	return s
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"connections": s.hub.GetConnectionCount(),
		"tenants":     s.hub.GetTenantCount(),
	})
}

// handleInvalidatePrompt drops the cached system prompt of a tenant so the
// next session renders it from the store.
func (s *Server) handleInvalidatePrompt(c echo.Context) error {
	tenantID := c.Param("tenantId")
	if tenantID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "tenantId is required"})
	}

	if s.prompts == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "cached": false})
	}

	if err := s.prompts.Delete(c.Request().Context(), tenantID); err != nil {
		s.log.Error("failed to invalidate prompt", logrus.Fields{"tenant_id": tenantID, "error": err.Error()})
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to invalidate prompt"})
	}

	s.log.Info("prompt invalidated", logrus.Fields{"tenant_id": tenantID})
	return c.JSON(http.StatusOK, map[string]interface{}{"ok": true, "cached": true})
}
