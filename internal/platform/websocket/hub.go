// Package websocket pushes live events to dashboard clients. Clients
// subscribe to topics and receive every event published to them.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/orchestrate/orchestrate/internal/platform/auth"
)

const (
	// AllocationsTopic carries every event.
	AllocationsTopic = "allocations"

	sendBuffer     = 64
	maxMessageSize = 4096
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
)

// PatientTopic is the topic carrying one patient's events.
func PatientTopic(patientID string) string { return "patient:" + patientID }

// Event is one message pushed to subscribers.
type Event struct {
	Kind    string          `json:"kind"`
	Topic   string          `json:"topic"`
	Version uint64          `json:"version,omitempty"`
	At      time.Time       `json:"at"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe/unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Client is one connected subscriber. allow decides which topics it may
// follow.
type Client struct {
	ID    string
	Send  chan []byte
	allow func(topic string) bool

	topics map[string]struct{}
}

func NewClient(id string, allow func(topic string) bool) *Client {
	if allow == nil {
		allow = func(string) bool { return true }
	}
	return &Client{ID: id, Send: make(chan []byte, sendBuffer), allow: allow, topics: make(map[string]struct{})}
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	dropped atomic.Uint64
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

// Register adds a client and subscribes it to topics. Topics the client may
// not follow are returned.
func (h *Hub) Register(client *Client, topics ...string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	return h.subscribeLocked(client, topics)
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for topic := range client.topics {
		h.dropLocked(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client and returns the rejected ones.
func (h *Hub) Subscribe(client *Client, topics []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[client]; !ok {
		return topics
	}
	return h.subscribeLocked(client, topics)
}

func (h *Hub) subscribeLocked(client *Client, topics []string) []string {
	var rejected []string
	for _, topic := range topics {
		if topic == "" || !client.allow(topic) {
			rejected = append(rejected, topic)
			continue
		}
		if h.topics[topic] == nil {
			h.topics[topic] = make(map[*Client]struct{})
		}
		h.topics[topic][client] = struct{}{}
		client.topics[topic] = struct{}{}
	}
	return rejected
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		h.dropLocked(client, topic)
	}
}

func (h *Hub) dropLocked(client *Client, topic string) {
	if subscribers, ok := h.topics[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(client.topics, topic)
}

// ProcessMessage applies an inbound message and returns rejected topics.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) []string {
	switch msg.Action {
	case "subscribe":
		return h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
	return nil
}

// Publish sends event to every subscriber of event.Topic and returns how
// many clients it was queued for. Slow clients whose buffer is full miss
// the event.
func (h *Hub) Publish(_ context.Context, event Event) (int, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.topics[event.Topic] {
		select {
		case client.Send <- data:
			delivered++
		default:
			h.dropped.Add(1)
			h.logger.Warn().Str("client_id", client.ID).Str("topic", event.Topic).Msg("client buffer full, event dropped")
		}
	}
	return delivered, nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Dropped is the number of events skipped because a client was too slow.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// TopicPolicy returns the subscription rule for the caller in ctx. Admin and
// staff may follow any topic; anyone else only their own patient topic.
func TopicPolicy(ctx context.Context) func(topic string) bool {
	if auth.HasRole(ctx, "admin") || auth.HasRole(ctx, "staff") {
		return func(string) bool { return true }
	}
	self := auth.UserIDFromContext(ctx)
	if self == "" {
		return func(string) bool { return false }
	}
	own := PatientTopic(self)
	return func(topic string) bool { return topic == own }
}

// -- HTTP --

// Handler upgrades HTTP requests to WebSocket streams.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a handler. origins lists the allowed Origin values; a
// "*" entry allows any.
func NewHandler(hub *Hub, origins []string, logger zerolog.Logger) *Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/stream", h.HandleConnect)
}

// HandleConnect upgrades the connection and subscribes the client to the
// comma-separated topics query parameter.
func (h *Handler) HandleConnect(c echo.Context) error {
	allow := TopicPolicy(c.Request().Context())
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the error response
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return nil
	}

	client := NewClient(uuid.New().String(), allow)
	rejected := h.hub.Register(client, splitTopics(c.QueryParam("topics"))...)
	h.logger.Info().
		Str("client_id", client.ID).
		Str("user_id", auth.UserIDFromContext(c.Request().Context())).
		Msg("stream client connected")
	notifyRejected(client, rejected)

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func splitTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

func notifyRejected(client *Client, topics []string) {
	for _, topic := range topics {
		data, err := json.Marshal(Event{Kind: "subscription.rejected", Topic: topic, At: time.Now().UTC()})
		if err != nil {
			continue
		}
		select {
		case client.Send <- data:
		default:
		}
	}
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
		h.logger.Info().Str("client_id", client.ID).Msg("stream client disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		notifyRejected(client, h.hub.ProcessMessage(client, msg))
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
