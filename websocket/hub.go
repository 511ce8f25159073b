package websocket

import (
	"context"
	"log"
	"sync"

	"github.com/anjiri1684/detailer_payouts/models"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type Client struct {
	ID   uuid.UUID
	Conn *websocket.Conn
}

// Hub fans finished payout job runs out to connected operator consoles.
type Hub struct {
	clients   map[uuid.UUID]*websocket.Conn
	clientsMu sync.RWMutex

	Register   chan *Client
	Unregister chan *Client
	broadcast  chan models.PayoutJobRun
	done       chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[uuid.UUID]*websocket.Conn),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		broadcast:  make(chan models.PayoutJobRun, 32),
		done:       make(chan struct{}),
	}
}

// Publish queues a run for broadcast. It never blocks the job that produced
// the run; when the queue is full the event is dropped.
func (h *Hub) Publish(run models.PayoutJobRun) {
	select {
	case h.broadcast <- run:
	default:
		log.Printf("Websocket broadcast queue full, dropping %s run %s", run.Job, run.ID)
	}
}

func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.clientsMu.Lock()
			for id, conn := range h.clients {
				conn.Close()
				delete(h.clients, id)
			}
			h.clientsMu.Unlock()
			return
		case client := <-h.Register:
			log.Printf("Client registered: %s", client.ID)
			h.clientsMu.Lock()
			h.clients[client.ID] = client.Conn
			h.clientsMu.Unlock()
		case client := <-h.Unregister:
			log.Printf("Client unregistered: %s", client.ID)
			h.clientsMu.Lock()
			if conn, ok := h.clients[client.ID]; ok && conn == client.Conn {
				delete(h.clients, client.ID)
			}
			h.clientsMu.Unlock()
		case run := <-h.broadcast:
			h.send(run)
		}
	}
}

func (h *Hub) send(run models.PayoutJobRun) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	for id, conn := range h.clients {
		if err := conn.WriteJSON(run); err != nil {
			log.Printf("Error sending job run to client %s: %v", id, err)
			conn.Close()
			delete(h.clients, id)
		}
	}
}

// Handler upgrades the request and keeps the client registered until it
// disconnects. Operators only listen; inbound messages are discarded.
func (h *Hub) Handler() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		client := &Client{ID: uuid.New(), Conn: c}
		select {
		case h.Register <- client:
		case <-h.done:
			return
		}
		defer func() {
			select {
			case h.Unregister <- client:
			case <-h.done:
			}
		}()

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
}

// Upgrade rejects plain HTTP requests on websocket routes.
func Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}
