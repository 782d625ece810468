// Package streaming fans out execution and session events to
// WebSocket subscribers, generalizing the orchestrator's per-task
// broadcast hub to any topic string (an execution ID or an instance
// ID). A broadcast reaches only the clients subscribed to its exact
// topic; there is no wildcard topic.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomctl/loom/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	clientSendBuf  = 256
)

// Client is one WebSocket subscriber, registered with a Hub and
// optionally subscribed to one or more topics.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	topics map[string]bool
	mu     sync.RWMutex
	closed bool
	logger *logger.Logger
}

// NewClient wraps an upgraded WebSocket connection as a hub client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, clientSendBuf),
		topics: make(map[string]bool),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// Subscribe adds a topic this client should receive broadcasts for.
func (c *Client) Subscribe(topic string) {
	c.mu.Lock()
	c.topics[topic] = true
	c.mu.Unlock()
	c.hub.SubscribeClient(c, topic)
}

// Unsubscribe removes a topic subscription.
func (c *Client) Unsubscribe(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
	c.hub.UnsubscribeClient(c, topic)
}

// ReadPump drains inbound control frames (pings, subscribe/unsubscribe
// requests) until the connection closes, then unregisters the client.
// It must run in its own goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd subscriptionCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		switch cmd.Action {
		case "subscribe":
			c.Subscribe(cmd.Topic)
		case "unsubscribe":
			c.Unsubscribe(cmd.Topic)
		}
	}
}

// WritePump drains c.send to the socket and keeps the connection alive
// with periodic pings. It must run in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type subscriptionCommand struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// BroadcastMessage is one payload destined for every client subscribed
// to Topic.
type BroadcastMessage struct {
	Topic   string
	Payload any
}

// Hub owns the client registry and topic subscription index.
// Registrations, unregistrations and broadcasts go through its
// processing loop; topic subscriptions are updated directly under its
// mutex.
type Hub struct {
	clients      map[*Client]bool
	topicClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub builds an idle Hub; call Run to start its processing loop.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:      make(map[*Client]bool),
		topicClients: make(map[string]map[*Client]bool),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		broadcast:    make(chan *BroadcastMessage, clientSendBuf),
		logger:       log.WithFields(zap.String("component", "streaming_hub")),
	}
}

// Run processes registrations, unregistrations, and broadcasts until
// ctx is cancelled, at which point every client connection is closed.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("streaming hub started")
	defer h.logger.Info("streaming hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.topicClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.dispatch(msg)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for topic := range client.topics {
		if clients, ok := h.topicClients[topic]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.topicClients, topic)
			}
		}
	}
}

func (h *Hub) dispatch(msg *BroadcastMessage) {
	h.mu.RLock()
	clients := h.topicClients[msg.Topic]
	h.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg.Payload)
	if err != nil {
		h.logger.Error("failed to marshal broadcast payload", zap.Error(err))
		return
	}

	for client := range clients {
		select {
		case client.send <- data:
		default:
			h.removeClient(client)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Broadcast sends payload to every client subscribed to topic.
func (h *Hub) Broadcast(topic string, payload any) {
	h.broadcast <- &BroadcastMessage{Topic: topic, Payload: payload}
}

// SubscribeClient indexes client under topic.
func (h *Hub) SubscribeClient(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.topicClients[topic]; !ok {
		h.topicClients[topic] = make(map[*Client]bool)
	}
	h.topicClients[topic][client] = true
}

// UnsubscribeClient removes client's index entry for topic.
func (h *Hub) UnsubscribeClient(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.topicClients[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.topicClients, topic)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TopicSubscriberCount returns the number of clients subscribed to topic.
func (h *Hub) TopicSubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topicClients[topic])
}
