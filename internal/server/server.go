// Package server exposes the relay over HTTP: the websocket endpoint
// subscribers attach to, plus health and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/immurray/tkLiveWebSocket/internal/domain"
	"github.com/immurray/tkLiveWebSocket/internal/hub"
	"github.com/immurray/tkLiveWebSocket/internal/platform/config"
)

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	hub       *hub.Hub
	live      domain.LiveStatusClient
	startTime time.Time
}

func NewServer(cfg *config.Config, h *hub.Hub, live domain.LiveStatusClient) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	srv := &Server{
		echo:      e,
		config:    cfg,
		hub:       h,
		live:      live,
		startTime: time.Now(),
	}
	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
