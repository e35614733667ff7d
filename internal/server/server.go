// Package server hosts the local status HTTP listener.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/wristclaw/wristclaw/internal/handlers"
)

// Server wraps the echo instance serving the status surface.
type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer builds the server and mounts the handlers.
func NewServer(addr string, statusHandler *handlers.StatusHandler) *Server {
	if addr == "" {
		addr = ":8070"
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	if statusHandler != nil {
		statusHandler.Register(e)
	}
	return &Server{echo: e, addr: addr}
}

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	err := s.echo.Start(s.addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
