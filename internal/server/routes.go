package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers the admin routes
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.GET("/health", h.Health)
	e.GET("/ready", h.Ready)
	e.GET("/status", h.Status)
	e.GET("/status/jobs/:id", h.Job)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}
