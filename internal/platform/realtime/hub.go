// Package realtime is the push-event feed for the portal. Events are keyed
// by topic; consumers are either in-process listeners (the messaging
// reconciliation engine) or browser WebSocket clients subscribed through the
// hub-and-spoke handler.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Event is a push notification delivered to topic subscribers.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Handle represents one live in-process subscription. Cancel is idempotent.
type Handle interface {
	Cancel()
}

// Feed is the subscribe side of the push feed.
type Feed interface {
	Subscribe(topic string, fn func(Event)) (Handle, error)
}

// Publisher is the publish side of the push feed.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// ClientMessage is an inbound control message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is a single WebSocket connection tracked by the hub.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	conn   Conn
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type listener struct {
	topic string
	fn    func(Event)
}

// Hub tracks WebSocket clients and in-process listeners per topic. All
// operations are safe for concurrent use.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[*Client]struct{} // topic -> set of clients
	all       map[*Client]struct{}
	listeners map[string]map[*listener]struct{} // topic -> in-process listeners
	log       zerolog.Logger
}

// NewHub creates an empty Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:   make(map[string]map[*Client]struct{}),
		all:       make(map[*Client]struct{}),
		listeners: make(map[string]map[*listener]struct{}),
		log:       log,
	}
}

// Subscribe registers an in-process listener for a topic and returns its
// handle. It implements the Feed interface.
func (h *Hub) Subscribe(topic string, fn func(Event)) (Handle, error) {
	l := &listener{topic: topic, fn: fn}

	h.mu.Lock()
	if h.listeners[topic] == nil {
		h.listeners[topic] = make(map[*listener]struct{})
	}
	h.listeners[topic][l] = struct{}{}
	h.mu.Unlock()

	return &listenerHandle{hub: h, l: l}, nil
}

type listenerHandle struct {
	hub  *Hub
	l    *listener
	once sync.Once
}

func (lh *listenerHandle) Cancel() {
	lh.once.Do(func() {
		lh.hub.mu.Lock()
		defer lh.hub.mu.Unlock()
		if set, ok := lh.hub.listeners[lh.l.topic]; ok {
			delete(set, lh.l)
			if len(set) == 0 {
				delete(lh.hub.listeners, lh.l.topic)
			}
		}
	})
}

// Publish broadcasts the event to its topic. It implements Publisher.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

// Broadcast delivers an event to every subscriber of the topic: in-process
// listeners synchronously, WebSocket clients via their send buffers.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("realtime: marshal event")
		return
	}

	h.mu.RLock()
	fns := make([]func(Event), 0, len(h.listeners[topic]))
	for l := range h.listeners[topic] {
		fns = append(fns, l.fn)
	}
	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			// Client buffer full; skip to avoid blocking.
		}
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(event)
	}
}

// Register adds a WebSocket client and its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
}

// Unregister removes a client from every topic and closes its send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		if subs, ok := h.clients[topic]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.clients, topic)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// AddTopics subscribes an already-registered client to more topics.
func (h *Hub) AddTopics(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
	client.Topics = append(client.Topics, topics...)
}

// RemoveTopics unsubscribes an already-registered client from topics.
func (h *Hub) RemoveTopics(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
	}
	for _, topic := range topics {
		if subs, ok := h.clients[topic]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.clients, topic)
			}
		}
	}
	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage dispatches an inbound client control message.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.AddTopics(client, msg.Topics)
	case "unsubscribe":
		h.RemoveTopics(client, msg.Topics)
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of WebSocket clients on a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// ListenerCount returns the number of in-process listeners on a topic.
func (h *Hub) ListenerCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners[topic])
}

// ---------------------------------------------------------------------------
// WebSocket handler
// ---------------------------------------------------------------------------

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin checks handled by the CORS layer.
	},
}

// Handler upgrades portal clients to WebSocket and routes their control
// messages through the hub.
type Handler struct {
	hub *Hub
}

// NewHandler binds a Handler to the hub.
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes registers the WebSocket endpoint on the given group.
func (wh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wh.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client, and starts
// the read/write pumps.
func (wh *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.New().String(),
		Topics: []string{},
		Send:   make(chan []byte, 256),
		conn:   &gorillaConn{ws},
	}
	wh.hub.Register(client)

	go wh.writePump(client)
	go wh.readPump(client)

	return nil
}

func (wh *Handler) readPump(client *Client) {
	defer func() {
		wh.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			break
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue // Ignore malformed control messages.
		}
		wh.hub.ProcessMessage(client, msg)
	}
}

func (wh *Handler) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}

type gorillaConn struct {
	conn *gorillawebsocket.Conn
}

func (g *gorillaConn) ReadMessage() (int, []byte, error) {
	return g.conn.ReadMessage()
}

func (g *gorillaConn) WriteMessage(messageType int, data []byte) error {
	return g.conn.WriteMessage(messageType, data)
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}
