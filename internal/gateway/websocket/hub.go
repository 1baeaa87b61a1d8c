// Package websocket implements the connection hubs behind the gateway's two
// WebSocket planes: per-session channels and the global UI channel.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// Outbound is one frame addressed to a topic. An empty topic reaches every
// client of the hub.
type Outbound struct {
	Topic string
	Data  []byte
}

// Hub manages the client connections of one plane. Clients register under a
// topic (the session id on the session plane, empty on the UI plane); frames
// are fanned out per topic. A client whose send buffer is full is
// disconnected rather than stalling the hub.
type Hub struct {
	name string

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Outbound

	mu      sync.RWMutex
	clients map[*Client]bool
	topics  map[string]map[*Client]bool

	logger *logger.Logger
}

// NewHub creates a hub for one plane.
func NewHub(name string, log *logger.Logger) *Hub {
	return &Hub{
		name:       name,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Outbound, 256),
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]bool),
		logger:     log.WithFields(zap.String("component", "ws-hub"), zap.String("plane", name)),
	}
}

// Run is the hub's main loop. It owns the client table; returns when ctx
// ends, closing every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("hub started")
	defer h.logger.Info("hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case out := <-h.broadcast:
			h.deliver(out)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
	if _, ok := h.topics[client.topic]; !ok {
		h.topics[client.topic] = make(map[*Client]bool)
	}
	h.topics[client.topic][client] = true
	h.logger.Debug("client registered",
		zap.String("client_id", client.ID),
		zap.String("topic", client.topic))
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.shutdown()
	if clients, ok := h.topics[client.topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.topics, client.topic)
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.shutdown()
		delete(h.clients, client)
	}
	h.topics = make(map[string]map[*Client]bool)
}

func (h *Hub) deliver(out *Outbound) {
	h.mu.RLock()
	var targets []*Client
	if out.Topic == "" {
		for client := range h.clients {
			targets = append(targets, client)
		}
	} else {
		for client := range h.topics[out.Topic] {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()

	var overflowed []*Client
	for _, client := range targets {
		select {
		case client.send <- out.Data:
		default:
			overflowed = append(overflowed, client)
		}
	}
	for _, client := range overflowed {
		h.logger.Warn("client send buffer full, disconnecting",
			zap.String("client_id", client.ID))
		h.removeClient(client)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast fans a frame out to the topic's clients. Marshal failures are
// logged and dropped; the stream carries on.
func (h *Hub) Broadcast(topic string, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- &Outbound{Topic: topic, Data: data}:
	default:
		h.logger.Warn("hub broadcast queue full, dropping frame",
			zap.String("topic", topic))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TopicClientCount returns the number of clients on one topic.
func (h *Hub) TopicClientCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
