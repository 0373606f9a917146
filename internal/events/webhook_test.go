package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/RealZimboGuy/outboundflow/internal/breaker"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

type MockIntegrationStore struct {
	FindActiveByNumberFunc func(ctx context.Context, numberID int64) ([]domain.Integration, error)

	mu      sync.Mutex
	touched []int64
}

func (m *MockIntegrationStore) FindActiveByNumber(ctx context.Context, numberID int64) ([]domain.Integration, error) {
	return m.FindActiveByNumberFunc(ctx, numberID)
}

func (m *MockIntegrationStore) TouchTriggered(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, id)
	return nil
}

type captured struct {
	event     string
	signature string
	body      []byte
}

func webhookServer(t *testing.T, status int) (*httptest.Server, *[]captured, *sync.Mutex) {
	var mu sync.Mutex
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, captured{event: r.Header.Get(HeaderEvent), signature: r.Header.Get(HeaderSignature), body: b})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got, &mu
}

func testEvent() domain.IntegrationEvent {
	return domain.IntegrationEvent{
		Event:            EventMessageSent,
		Timestamp:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		TenantID:         1,
		WhatsappNumberID: 9,
		Data:             map[string]any{"id": 5, "direction": "outbound"},
	}
}

func TestDispatcher_SignsAndFiltersByEvent(t *testing.T) {
	srv, got, mu := webhookServer(t, http.StatusOK)
	store := &MockIntegrationStore{FindActiveByNumberFunc: func(ctx context.Context, numberID int64) ([]domain.Integration, error) {
		if numberID != 9 {
			t.Errorf("Expected number 9, got %d", numberID)
		}
		return []domain.Integration{
			{ID: 1, WebhookURL: srv.URL, Events: []string{"message_sent"}},
			{ID: 2, WebhookURL: srv.URL, Events: []string{"lead_created"}},
			{ID: 3, WebhookURL: srv.URL},
		}, nil
	}}
	d := NewDispatcher(store, breaker.New(breaker.ServiceWebhook), "secret", core.NewRealClock(), WithPrivateTargets(true))

	if err := d.Dispatch(context.Background(), testEvent()); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 2 {
		t.Fatalf("Expected 2 webhook calls, got %d", len(*got))
	}
	for _, c := range *got {
		if c.event != EventMessageSent {
			t.Errorf("Expected event header message_sent, got %s", c.event)
		}
		if c.signature != Sign("secret", c.body) {
			t.Errorf("Signature mismatch: %s", c.signature)
		}
		var payload map[string]any
		json.Unmarshal(c.body, &payload)
		if payload["event"] != EventMessageSent || payload["timestamp"] != "2025-01-01T00:00:00Z" {
			t.Errorf("Unexpected payload %v", payload)
		}
		if _, leaked := payload["TenantID"]; leaked {
			t.Errorf("Expected tenant id to stay out of the payload")
		}
	}
	if len(store.touched) != 2 {
		t.Errorf("Expected 2 integrations touched, got %d", len(store.touched))
	}
}

func TestDispatcher_NoSignatureWithoutKey(t *testing.T) {
	srv, got, mu := webhookServer(t, http.StatusOK)
	store := &MockIntegrationStore{FindActiveByNumberFunc: func(ctx context.Context, numberID int64) ([]domain.Integration, error) {
		return []domain.Integration{{ID: 1, WebhookURL: srv.URL}}, nil
	}}
	d := NewDispatcher(store, breaker.New(breaker.ServiceWebhook), "", core.NewRealClock(), WithPrivateTargets(true))

	d.Dispatch(context.Background(), testEvent())

	mu.Lock()
	defer mu.Unlock()
	if (*got)[0].signature != "" {
		t.Errorf("Expected no signature header, got %s", (*got)[0].signature)
	}
}

func TestDispatcher_FailedWebhookNotTouched(t *testing.T) {
	srv, _, _ := webhookServer(t, http.StatusInternalServerError)
	store := &MockIntegrationStore{FindActiveByNumberFunc: func(ctx context.Context, numberID int64) ([]domain.Integration, error) {
		return []domain.Integration{{ID: 1, WebhookURL: srv.URL}}, nil
	}}
	cb := breaker.New(breaker.ServiceWebhook, breaker.WithThreshold(10))
	d := NewDispatcher(store, cb, "k", core.NewRealClock(), WithPrivateTargets(true))

	if err := d.Dispatch(context.Background(), testEvent()); err != nil {
		t.Fatalf("Expected webhook failure to be swallowed, got %v", err)
	}
	if len(store.touched) != 0 {
		t.Errorf("Expected no touch on failure")
	}
	if cb.Stats().FailureCount != 1 {
		t.Errorf("Expected breaker failure count 1, got %d", cb.Stats().FailureCount)
	}
}

func TestDispatcher_RejectsPrivateTargetsByDefault(t *testing.T) {
	srv, got, mu := webhookServer(t, http.StatusOK)
	store := &MockIntegrationStore{FindActiveByNumberFunc: func(ctx context.Context, numberID int64) ([]domain.Integration, error) {
		return []domain.Integration{{ID: 1, WebhookURL: srv.URL}, {ID: 2, WebhookURL: "ftp://example.com/x"}}, nil
	}}
	d := NewDispatcher(store, breaker.New(breaker.ServiceWebhook), "k", core.NewRealClock())

	d.Dispatch(context.Background(), testEvent())

	mu.Lock()
	defer mu.Unlock()
	if len(*got) != 0 {
		t.Errorf("Expected loopback webhook to be blocked")
	}
}

type recordingBroadcaster struct {
	events []domain.IntegrationEvent
	err    error
}

func (r *recordingBroadcaster) Broadcast(ctx context.Context, ev domain.IntegrationEvent) error {
	r.events = append(r.events, ev)
	return r.err
}
func (r *recordingBroadcaster) Close() error { return nil }

func TestDispatcher_BroadcastsOncePerEvent(t *testing.T) {
	store := &MockIntegrationStore{FindActiveByNumberFunc: func(ctx context.Context, numberID int64) ([]domain.Integration, error) {
		return nil, nil
	}}
	ok := &recordingBroadcaster{}
	failing := &recordingBroadcaster{err: errors.New("broker down")}
	d := NewDispatcher(store, breaker.New(breaker.ServiceWebhook), "k", core.NewRealClock(), WithBroadcasters(failing, ok))

	ev := testEvent()
	ev.Timestamp = time.Time{}
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(ok.events) != 1 || len(failing.events) != 1 {
		t.Fatalf("Expected one broadcast per sink")
	}
	if ok.events[0].Timestamp.IsZero() {
		t.Errorf("Expected timestamp to be filled in")
	}
}
