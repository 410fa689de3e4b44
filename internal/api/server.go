package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/cortex-x/biometric-trip-log/internal/config"
	"github.com/cortex-x/biometric-trip-log/internal/infra/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

type Server struct {
	echo    *echo.Echo
	config  *config.Config
	hub     *websocket.Hub
	handler *Handler
	log     *zap.Logger
}

func NewServer(cfg *config.Config, hub *websocket.Hub, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			log.Info("request", fields...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	handler := NewHandler(hub, log)

	// Routes
	e.GET("/", handler.WebSocketHandler)
	e.GET("/health", handler.HealthCheck)

	return &Server{
		echo:    e,
		config:  cfg,
		hub:     hub,
		handler: handler,
		log:     log,
	}
}

// Start runs the hub and serves until Shutdown. ctx stops the hub.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("localhost:%d", s.config.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.hub.Run(ctx)

	s.echo.Listener = ln
	s.log.Info("starting bridge server", zap.String("addr", ln.Addr().String()))

	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
