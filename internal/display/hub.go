// Package display pushes queue events to display screens over SockJS.
package display

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"qms/hospital-queue/internal/models"
	"qms/hospital-queue/internal/store"
)

// Subscription narrows what a screen receives. Zero fields match everything.
type Subscription struct {
	RoomID    int64
	CounterID int64
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *slog.Logger
}

type SubscribeMessage struct {
	Action    string `json:"action"`
	RoomID    int64  `json:"room_id"`
	CounterID int64  `json:"counter_id"`
}

// Envelope is what a display screen receives for every queue event.
type Envelope struct {
	Seq       int64         `json:"seq"`
	Type      string        `json:"type"`
	Ticket    models.Ticket `json:"ticket"`
	CreatedAt time.Time     `json:"created_at"`
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger.With("component", "display")}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast never blocks; a client with a full buffer misses the message.
func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn("drop message for display client", "client_id", client.ID)
		}
	}
}

func (h *Hub) Name() string { return "display" }

// Publish fans an outbox event to the screens subscribed to its room or counter.
func (h *Hub) Publish(_ context.Context, event store.OutboxEvent) error {
	ticket, _, err := store.DecodeEventTicket(event)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Envelope{Seq: event.Seq, Type: event.Type, Ticket: ticket, CreatedAt: event.CreatedAt})
	if err != nil {
		return err
	}
	h.Broadcast(payload, Subscription{RoomID: event.RoomID, CounterID: event.CounterID})
	return nil
}

func match(sub Subscription, meta Subscription) bool {
	if sub.RoomID != 0 && meta.RoomID != sub.RoomID {
		return false
	}
	if sub.CounterID != 0 && meta.CounterID != sub.CounterID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
