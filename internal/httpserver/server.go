package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Server wraps the Echo router with lifecycle management.
type Server struct {
	Echo *echo.Echo
	log  zerolog.Logger
}

// New constructs the HTTP server around a configured router.
func New(e *echo.Echo, log zerolog.Logger) *Server {
	return &Server{
		Echo: e,
		log:  log.With().Str("component", "http").Logger(),
	}
}

// Start listens on addr and blocks until the server stops. Returns nil on a
// clean shutdown.
func (s *Server) Start(addr string) error {
	s.Echo.Server.ReadHeaderTimeout = 10 * time.Second
	s.Echo.Server.IdleTimeout = 60 * time.Second
	s.log.Info().Str("addr", addr).Msg("server listening")
	err := s.Echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}
