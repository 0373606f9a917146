package events

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/IBM/sarama"

	"github.com/RealZimboGuy/outboundflow/pkg/outboundflow/domain"
)

// KafkaSink writes integration events to a topic keyed by tenant, so a
// tenant's events stay ordered within one partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewKafkaSinkWithProducer(producer, topic), nil
}

func NewKafkaSinkWithProducer(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Broadcast(ctx context.Context, ev domain.IntegrationEvent) error {
	body, err := json.Marshal(envelope(ev))
	if err != nil {
		return err
	}
	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(ev.TenantID, 10)),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte(ev.Event)},
		},
	})
	return err
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
