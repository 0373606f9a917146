// Package events fans delivery and assignment activity out to real-time
// subscribers, message brokers and tenant webhooks.
package events

import (
	"context"
	"time"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const (
	StatusMessage              = "message_status"
	StatusConversationAssigned = "conversation_assigned"
)

// StatusEvent is a real-time notification for connected UIs.
type StatusEvent struct {
	Type     string         `json:"type"`
	TenantID int64          `json:"tenantId"`
	Time     time.Time      `json:"time"`
	Data     map[string]any `json:"data"`
}

type StatusPublisher interface {
	PublishStatus(ctx context.Context, ev StatusEvent) error
}

// Broadcaster forwards integration events to a broker.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev domain.IntegrationEvent) error
	Close() error
}
