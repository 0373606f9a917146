package domain

import (
	"database/sql"
	"time"
)

// Integration is an outbound webhook subscription bound to a WhatsApp number.
type Integration struct {
	ID               int64
	TenantID         int64
	WhatsappNumberID int64
	WebhookURL       string
	Events           []string
	IsActive         bool
	LastTriggeredAt  sql.NullTime
}

// IntegrationEvent is the body posted to webhooks and published to the brokers.
type IntegrationEvent struct {
	Event            string         `json:"event"`
	Timestamp        time.Time      `json:"timestamp"`
	TenantID         int64          `json:"-"`
	WhatsappNumberID int64          `json:"-"`
	Data             map[string]any `json:"data"`
}

// Subscribes reports whether the integration wants the named event. An empty
// list or a "*" entry means every event.
func (i Integration) Subscribes(event string) bool {
	if len(i.Events) == 0 {
		return true
	}
	for _, e := range i.Events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}
