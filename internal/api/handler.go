package api

import (
	"net/http"

	"github.com/cortex-x/biometric-trip-log/internal/infra/websocket"
	gorilla "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type Handler struct {
	hub      *websocket.Hub
	upgrader gorilla.Upgrader
	log      *zap.Logger
}

func NewHandler(hub *websocket.Hub, log *zap.Logger) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorilla.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The operator UI is served from a different origin
				return true
			},
		},
		log: log,
	}
}

func (h *Handler) WebSocketHandler(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Warn("websocket upgrade error", zap.Error(err))
		return err
	}

	client, err := h.hub.RegisterClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil
	}

	go client.WritePump()
	go client.ReadPump()

	return nil
}

func (h *Handler) HealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "Biometric Bridge",
		"clients": h.hub.Len(),
	})
}
