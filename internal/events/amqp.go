package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

const producerName = "outboundflow"

type Meta struct {
	ID       string    `json:"id"`
	Producer string    `json:"producer"`
	Time     time.Time `json:"time"`
	Type     string    `json:"type"`
	TenantID int64     `json:"tenantId"`
}

// Envelope wraps every broker payload.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

func envelope(ev domain.IntegrationEvent) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Producer: producerName,
			Time:     ev.Timestamp,
			Type:     ev.Event + ".v1",
			TenantID: ev.TenantID,
		},
		Data: ev.Data,
	}
}

// AMQPSink publishes integration events to a durable topic exchange using
// the event name as routing key.
type AMQPSink struct {
	conn     *amqp091.Connection
	exchange string
}

func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPSink{conn: conn, exchange: exchange}, nil
}

func (s *AMQPSink) Broadcast(ctx context.Context, ev domain.IntegrationEvent) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	env := envelope(ev)
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, s.exchange, ev.Event, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    env.Meta.ID,
		Timestamp:    env.Meta.Time,
		Body:         body,
	})
	if err == nil {
		slog.DebugContext(ctx, "Published integration event", "routing_key", ev.Event, "exchange", s.exchange)
	}
	return err
}

func (s *AMQPSink) Close() error {
	return s.conn.Close()
}
