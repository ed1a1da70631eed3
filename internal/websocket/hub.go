package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/clipvote/api/internal/model"
)

const (
	sendBuffer   = 64
	pingInterval = 30 * time.Second
)

// Client is one WebSocket connection of a contributor.
type Client struct {
	ContributorID string
	Conn          *websocket.Conn
	Send          chan []byte
}

// NewClient returns a client with a buffered send queue.
func NewClient(contributorID string, conn *websocket.Conn) *Client {
	return &Client{ContributorID: contributorID, Conn: conn, Send: make(chan []byte, sendBuffer)}
}

// Hub fans lease lifecycle events out to the contributor they concern.
type Hub struct {
	// Clients grouped by contributor ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu     sync.RWMutex
	logger *slog.Logger
}

// BroadcastMessage is an encoded message addressed to one contributor.
type BroadcastMessage struct {
	ContributorID string
	Message       []byte
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		logger:     slog.Default().With("component", "ws_hub"),
	}
}

// Run starts the hub's main loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, clients := range h.clients {
				for client := range clients {
					close(client.Send)
				}
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.ContributorID] == nil {
				h.clients[client.ContributorID] = make(map[*Client]bool)
			}
			h.clients[client.ContributorID][client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "contributor", client.ContributorID)

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.ContributorID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.clients, client.ContributorID)
					}
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "contributor", client.ContributorID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients[msg.ContributorID] {
				select {
				case client.Send <- msg.Message:
				default:
					h.logger.Warn("dropping event for slow client", "contributor", msg.ContributorID)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Connected returns the number of open connections for a contributor.
func (h *Hub) Connected(contributorID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[contributorID])
}

// Publish queues an event for the contributor it names. Events are dropped
// when the broadcast queue is full.
func (h *Hub) Publish(ev model.Event) {
	if ev.ContributorID == "" {
		return
	}
	data, err := json.Marshal(model.WSEventMessage{Type: model.WSMessageTypeEvent, Event: ev})
	if err != nil {
		h.logger.Error("failed to marshal event", "event", ev.Name, "error", err)
		return
	}
	select {
	case h.broadcast <- &BroadcastMessage{ContributorID: ev.ContributorID, Message: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping event", "event", ev.Name)
	}
}

// HandleConnection serves one contributor connection until it closes.
func (h *Hub) HandleConnection(c *websocket.Conn, contributorID string) {
	client := NewClient(contributorID, c)

	h.Register(client)
	defer h.Unregister(client)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", "contributor", contributorID, "error", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- data:
			default:
			}
		}
	}
}
