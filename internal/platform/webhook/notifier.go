// Package webhook delivers events to configured HTTP endpoints. Payloads are
// signed with HMAC-SHA256 and sent from a background queue so publishers
// never wait on a slow receiver.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	defaultQueueSize = 256
	defaultLogSize   = 200
	drainTimeout     = 5 * time.Second
)

// Endpoint is one receiver. Events holds subscription patterns: an exact
// type, "*", or a "request.*" style prefix.
type Endpoint struct {
	URL    string   `json:"url"`
	Secret string   `json:"-"`
	Events []string `json:"events"`
}

// Event is the JSON body POSTed to endpoints.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Delivery records the outcome of sending one event to one endpoint.
type Delivery struct {
	ID         string        `json:"id"`
	URL        string        `json:"url"`
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	StatusCode int           `json:"status_code"`
	Attempts   int           `json:"attempts"`
	Status     string        `json:"status"` // "success" or "failed"
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	CreatedAt  time.Time     `json:"created_at"`
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (ep Endpoint) matches(eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithRetries sets how many times a failed delivery is retried and the
// initial backoff between attempts.
func WithRetries(count int, wait time.Duration) Option {
	return func(n *Notifier) {
		n.client.SetRetryCount(count).SetRetryWaitTime(wait).SetRetryMaxWaitTime(wait * 10)
	}
}

func WithTimeout(d time.Duration) Option {
	return func(n *Notifier) { n.client.SetTimeout(d) }
}

func WithQueueSize(size int) Option {
	return func(n *Notifier) { n.queue = make(chan Event, size) }
}

// Notifier queues events and delivers them to every matching endpoint.
type Notifier struct {
	client    *resty.Client
	endpoints []Endpoint
	queue     chan Event
	dropped   atomic.Uint64
	logger    zerolog.Logger

	mu  sync.Mutex
	log []Delivery
}

// NewNotifier validates endpoints and returns a Notifier. Call Run to start
// delivering.
func NewNotifier(endpoints []Endpoint, logger zerolog.Logger, opts ...Option) (*Notifier, error) {
	for _, ep := range endpoints {
		if err := validateURL(ep.URL); err != nil {
			return nil, fmt.Errorf("webhook endpoint %q: %w", ep.URL, err)
		}
	}

	client := resty.New().
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1*time.Second).
		SetRetryMaxWaitTime(30*time.Second).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil || r == nil {
				return true
			}
			return r.StatusCode() >= http.StatusInternalServerError || r.StatusCode() == http.StatusTooManyRequests
		})

	n := &Notifier{
		client:    client,
		endpoints: append([]Endpoint(nil), endpoints...),
		queue:     make(chan Event, defaultQueueSize),
		logger:    logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// Enqueue schedules ev for delivery without blocking. It returns false and
// counts the event as dropped when the queue is full.
func (n *Notifier) Enqueue(ev Event) bool {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case n.queue <- ev:
		return true
	default:
		n.dropped.Add(1)
		n.logger.Warn().Str("event_type", ev.Type).Msg("webhook queue full, event dropped")
		return false
	}
}

// Dropped is the number of events rejected by a full queue.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// Run delivers queued events until ctx is cancelled, then makes a final
// bounded attempt at whatever is still queued.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case ev := <-n.queue:
			n.Deliver(ctx, ev)
		case <-ctx.Done():
			n.drain()
			return
		}
	}
}

func (n *Notifier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-n.queue:
			n.Deliver(ctx, ev)
		default:
			return
		}
	}
}

// Deliver sends ev to every endpoint subscribed to its type and returns one
// Delivery per endpoint.
func (n *Notifier) Deliver(ctx context.Context, ev Event) []Delivery {
	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error().Err(err).Str("event_type", ev.Type).Msg("failed to encode webhook event")
		return nil
	}

	var out []Delivery
	for _, ep := range n.endpoints {
		if !ep.matches(ev.Type) {
			continue
		}
		d := n.post(ctx, ep, ev, body)
		n.record(d)
		out = append(out, d)
	}
	return out
}

func (n *Notifier) post(ctx context.Context, ep Endpoint, ev Event, body []byte) Delivery {
	d := Delivery{
		ID:        uuid.New().String(),
		URL:       ep.URL,
		EventID:   ev.ID,
		EventType: ev.Type,
		CreatedAt: time.Now().UTC(),
	}

	req := n.client.R().
		SetContext(ctx).
		SetBody(body).
		SetHeader("X-Webhook-Event", ev.Type).
		SetHeader("X-Webhook-ID", ev.ID).
		SetHeader("X-Webhook-Timestamp", ev.Timestamp.UTC().Format(time.RFC3339))
	if ep.Secret != "" {
		req.SetHeader("X-Webhook-Signature", "sha256="+SignPayload(body, ep.Secret))
	}

	start := time.Now()
	resp, err := req.Post(ep.URL)
	d.Duration = time.Since(start)
	if resp != nil {
		d.StatusCode = resp.StatusCode()
		if resp.Request != nil {
			d.Attempts = resp.Request.Attempt
		}
	}
	if d.Attempts == 0 {
		d.Attempts = 1
	}

	log := n.logger.With().Str("url", ep.URL).Str("event_type", ev.Type).Int("attempts", d.Attempts).Logger()
	switch {
	case err != nil:
		d.Status = "failed"
		d.Error = err.Error()
		log.Warn().Err(err).Msg("webhook delivery failed")
	case d.StatusCode < 200 || d.StatusCode >= 300:
		d.Status = "failed"
		d.Error = fmt.Sprintf("non-2xx response: %d", d.StatusCode)
		log.Warn().Int("status", d.StatusCode).Msg("webhook delivery rejected")
	default:
		d.Status = "success"
		log.Debug().Int("status", d.StatusCode).Msg("webhook delivered")
	}
	return d
}

func (n *Notifier) record(d Delivery) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log = append(n.log, d)
	if len(n.log) > defaultLogSize {
		n.log = append([]Delivery(nil), n.log[len(n.log)-defaultLogSize:]...)
	}
}

// Deliveries returns up to limit recent deliveries, newest first.
func (n *Notifier) Deliveries(limit int) []Delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	if limit <= 0 || limit > len(n.log) {
		limit = len(n.log)
	}
	out := make([]Delivery, 0, limit)
	for i := len(n.log) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, n.log[i])
	}
	return out
}

// Endpoints returns the configured endpoints. Secrets are not serialized.
func (n *Notifier) Endpoints() []Endpoint {
	return append([]Endpoint(nil), n.endpoints...)
}

// -- HTTP --

// Handler exposes the delivery log.
type Handler struct {
	notifier *Notifier
}

func NewHandler(notifier *Notifier) *Handler {
	return &Handler{notifier: notifier}
}

// RegisterRoutes binds the webhook routes to g. Callers are expected to
// restrict g to operators.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.ListEndpoints)
	g.GET("/deliveries", h.ListDeliveries)
}

// ListEndpoints handles GET /webhooks.
func (h *Handler) ListEndpoints(c echo.Context) error {
	eps := h.notifier.Endpoints()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  eps,
		"total": len(eps),
	})
}

// ListDeliveries handles GET /webhooks/deliveries?limit=N.
func (h *Handler) ListDeliveries(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	deliveries := h.notifier.Deliveries(limit)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":    deliveries,
		"total":   len(deliveries),
		"dropped": h.notifier.Dropped(),
	})
}
