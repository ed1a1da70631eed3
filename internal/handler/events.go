package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/clipvote/api/internal/middleware"
	ws "github.com/clipvote/api/internal/websocket"
)

const wsContributorKey = "wsContributorId"

// EventsHandler streams lease lifecycle events to the authenticated contributor.
type EventsHandler struct {
	hub *ws.Hub
}

func NewEventsHandler(hub *ws.Hub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

// Upgrade rejects non-WebSocket requests and carries the contributor id into
// the connection.
func (h *EventsHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals(wsContributorKey, middleware.GetUserID(c))
	return c.Next()
}

// Stream handles GET /ws/events
func (h *EventsHandler) Stream() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		id, _ := conn.Locals(wsContributorKey).(string)
		if id == "" {
			return
		}
		h.hub.HandleConnection(conn, id)
	})
}
