// Package handlers contains the echo handlers of the local status surface.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/wristclaw/wristclaw/internal/monitor"
	"github.com/wristclaw/wristclaw/internal/version"
)

// StatusSource exposes per-account monitor snapshots.
type StatusSource interface {
	Snapshots() []monitor.StatusSnapshot
}

// StatusHandler serves the liveness probe and the plugin status snapshot.
type StatusHandler struct {
	logger *slog.Logger
	source StatusSource
}

// NewStatusHandler creates the handler.
func NewStatusHandler(log *slog.Logger, source StatusSource) *StatusHandler {
	if log == nil {
		log = slog.Default()
	}
	return &StatusHandler{
		logger: log.With(slog.String("handler", "status")),
		source: source,
	}
}

// Register mounts the routes.
func (h *StatusHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.GET("/status", h.Status)
}

// Ping answers the liveness probe.
func (h *StatusHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.String(),
	})
}

// Status returns every account monitor's snapshot.
func (h *StatusHandler) Status(c echo.Context) error {
	snapshots := []monitor.StatusSnapshot{}
	if h.source != nil {
		snapshots = h.source.Snapshots()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"accounts": snapshots,
	})
}
