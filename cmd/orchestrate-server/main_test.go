package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orchestrate/orchestrate/internal/config"
	"github.com/orchestrate/orchestrate/internal/domain/allocation"
	"github.com/orchestrate/orchestrate/internal/platform/webhook"
	"github.com/orchestrate/orchestrate/internal/platform/websocket"
)

func TestInventoryCounts(t *testing.T) {
	cfg := &config.Config{InventoryBeds: 3, InventoryNurses: 2}
	counts, err := inventoryCounts(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts[allocation.Bed] != 3 || counts[allocation.Nurse] != 2 || counts[allocation.Doctor] != 0 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestOpenState_InMemory(t *testing.T) {
	cfg := &config.Config{Env: "development", InventoryWheelchairs: 1, InventoryRooms: 2}
	st, err := openState(context.Background(), cfg, zerolog.Nop(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer st.Close()

	if st.repo != nil || st.pool != nil {
		t.Error("expected no persistence without a database url")
	}
	if got := len(st.engine.ListResources("")); got != 3 {
		t.Errorf("expected 3 units, got %d", got)
	}
}

func TestLiveFeedAdapter_Publish(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	all := websocket.NewClient("dashboard", nil)
	mine := websocket.NewClient("patient", nil)
	other := websocket.NewClient("other", nil)
	hub.Register(all, websocket.AllocationsTopic)
	hub.Register(mine, websocket.PatientTopic("p1"))
	hub.Register(other, websocket.PatientTopic("p2"))

	ev := allocation.Event{
		Kind:      allocation.EventRequestAssigned,
		RequestID: uuid.New(),
		PatientID: "p1",
		Version:   4,
		At:        time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := NewLiveFeedAdapter(hub).Publish(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, c := range []*websocket.Client{all, mine} {
		select {
		case msg := <-c.Send:
			var got websocket.Event
			if err := json.Unmarshal(msg, &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Kind != "request.assigned" || got.Version != 4 {
				t.Errorf("client %s: unexpected event %+v", c.ID, got)
			}
			var payload allocation.Event
			if err := json.Unmarshal(got.Data, &payload); err != nil || payload.RequestID != ev.RequestID {
				t.Errorf("client %s: unexpected payload %s", c.ID, got.Data)
			}
		default:
			t.Errorf("client %s received nothing", c.ID)
		}
	}
	select {
	case <-other.Send:
		t.Error("p2 must not see p1's events")
	default:
	}
}

func TestWebhookAdapter_Publish(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []webhook.Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev webhook.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
			mu.Lock()
			seen = append(seen, ev)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &config.Config{WebhookURLs: []string{srv.URL}, WebhookEvents: []string{"request.*"}}
	notifier, err := newWebhookNotifier(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	adapter := NewWebhookAdapter(notifier)

	reqID := uuid.New()
	for _, kind := range []allocation.EventKind{allocation.EventRequestSubmitted, allocation.EventAssignmentDischarged} {
		if err := adapter.Publish(context.Background(), allocation.Event{Kind: kind, RequestID: reqID, PatientID: "p1", Version: 2}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		notifier.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(notifier.Deliveries(0)) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("expected only the request event to be delivered, got %d", len(seen))
	}
	if seen[0].Type != "request.submitted" || seen[0].ID != reqID.String()+"-2" {
		t.Errorf("unexpected event %+v", seen[0])
	}
}
