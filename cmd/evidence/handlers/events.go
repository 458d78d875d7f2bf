package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/chittyos/evidence-ledger/cmd/evidence/stream"
	"github.com/chittyos/evidence-ledger/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is read-only and unauthenticated, so any origin may watch
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventHandler streams minted-identifier events over websocket
type EventHandler struct {
	hub *stream.Hub
	log *logger.Logger
}

func NewEventHandler(hub *stream.Hub, log *logger.Logger) *EventHandler {
	return &EventHandler{hub: hub, log: log}
}

// Stream upgrades the request and subscribes it to minted events
// GET /api/v1/events?run_id=
func (h *EventHandler) Stream(c echo.Context) error {
	runID := c.QueryParam("run_id")
	if runID != "" {
		if _, err := uuid.Parse(runID); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid run_id")
		}
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already answered the client
		h.log.Debug("websocket upgrade failed", "error", err)
		return nil
	}

	h.hub.Attach(conn, runID)
	return nil
}
