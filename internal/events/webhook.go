package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/RealZimboGuy/outboundflow/internal/breaker"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/core"
	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const (
	EventMessageSent = "message_sent"

	HeaderEvent     = "X-Outboundflow-Event"
	HeaderSignature = "X-Outboundflow-Signature"

	webhookTimeout = 5 * time.Second
)

var ErrUnsafeURL = errors.New("webhook url is not allowed")

type IntegrationStore interface {
	FindActiveByNumber(ctx context.Context, numberID int64) ([]domain.Integration, error)
	TouchTriggered(ctx context.Context, id int64) error
}

// Dispatcher posts integration events to every subscribed webhook of the
// sending number and forwards them to the configured brokers.
type Dispatcher struct {
	store        IntegrationStore
	client       *http.Client
	breaker      *breaker.CircuitBreaker
	signingKey   string
	broadcasters []Broadcaster
	clock        core.Clock
	allowPrivate bool
}

type DispatcherOption func(*Dispatcher)

func WithBroadcasters(b ...Broadcaster) DispatcherOption {
	return func(d *Dispatcher) { d.broadcasters = append(d.broadcasters, b...) }
}

// WithPrivateTargets lets webhooks point at loopback and private networks.
func WithPrivateTargets(allow bool) DispatcherOption {
	return func(d *Dispatcher) { d.allowPrivate = allow }
}

func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

func NewDispatcher(store IntegrationStore, cb *breaker.CircuitBreaker, signingKey string, clock core.Clock, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		client:     &http.Client{Timeout: webhookTimeout},
		breaker:    cb,
		signingKey: signingKey,
		clock:      clock,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Sign returns the signature header value for body, or "" without a key.
func Sign(key string, body []byte) string {
	if key == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Dispatch delivers ev and waits for every webhook attempt. Individual
// webhook failures are logged, not returned.
func (d *Dispatcher) Dispatch(ctx context.Context, ev domain.IntegrationEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.clock.Now().UTC()
	}
	for _, b := range d.broadcasters {
		if err := b.Broadcast(ctx, ev); err != nil {
			slog.ErrorContext(ctx, "Failed to broadcast integration event", "event", ev.Event, "error", err)
		}
	}

	integrations, err := d.store.FindActiveByNumber(ctx, ev.WhatsappNumberID)
	if err != nil {
		return err
	}
	if len(integrations) == 0 {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	signature := Sign(d.signingKey, body)

	var wg sync.WaitGroup
	for _, in := range integrations {
		if !in.Subscribes(ev.Event) {
			continue
		}
		wg.Add(1)
		go func(in domain.Integration) {
			defer wg.Done()
			if err := d.post(ctx, in, ev.Event, body, signature); err != nil {
				slog.WarnContext(ctx, "Webhook delivery failed", "integration_id", in.ID, "event", ev.Event, "error", err)
				return
			}
			if err := d.store.TouchTriggered(ctx, in.ID); err != nil {
				slog.ErrorContext(ctx, "Failed to update integration", "integration_id", in.ID, "error", err)
			}
		}(in)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) post(ctx context.Context, in domain.Integration, event string, body []byte, signature string) error {
	if err := d.checkURL(in.WebhookURL); err != nil {
		return err
	}
	return d.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, event)
		if signature != "" {
			req.Header.Set(HeaderSignature, signature)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		return nil
	})
}

// checkURL rejects non-http schemes and, unless allowed, hosts that resolve
// to loopback, private or link-local addresses.
func (d *Dispatcher) checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return ErrUnsafeURL
	}
	if d.allowPrivate {
		return nil
	}
	ips, err := net.LookupIP(u.Hostname())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return ErrUnsafeURL
		}
	}
	return nil
}
