// Package websocket streams report status transitions to connected
// dashboard clients.
package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"ecocity/models"

	"github.com/apex/log"
)

// broadcastMessage is the envelope sent to every client.
type broadcastMessage struct {
	Type      string             `json:"type"`
	Data      models.StatusEvent `json:"data"`
	Timestamp time.Time          `json:"timestamp"`
}

// Hub manages connected clients and fans status events out to them.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mutex sync.RWMutex

	lastBroadcastSeq int64
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run drives the hub loop. Call in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			log.Infof("WebSocket client connected, total %d", count)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mutex.Unlock()
			log.Infof("WebSocket client disconnected, total %d", count)

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer, drop it.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// BroadcastStatus sends a report status transition to every client.
func (h *Hub) BroadcastStatus(event models.StatusEvent) {
	message := broadcastMessage{
		Type:      "report_status",
		Data:      event,
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(message)
	if err != nil {
		log.Errorf("Failed to marshal status broadcast: %v", err)
		return
	}

	h.mutex.Lock()
	h.lastBroadcastSeq = event.ReportSeq
	h.mutex.Unlock()

	h.broadcast <- data
}

// Stats returns the connected client count and last broadcast seq.
func (h *Hub) Stats() (int, int64) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients), h.lastBroadcastSeq
}
