// Package handler wires HTTP routes to the proxy service.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"image-proxy-go/internal/config"
	"image-proxy-go/internal/profile"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	profile *profile.Profile
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, p *profile.Profile, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, profile: p, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version, the active profile and where it forwards.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        string(h.version),
		"profile":        h.profile.Name,
		"upstream_url":   h.cfg.Upstream.BaseURL,
		"image_path":     h.profile.ImagePath,
		"passthrough":    h.profile.Passthrough,
		"allowed_params": h.profile.AllowedParams,
	})
}
