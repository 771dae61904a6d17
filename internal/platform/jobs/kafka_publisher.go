package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"github.com/healinparadise/preorders/internal/domain"
	"github.com/healinparadise/preorders/internal/platform/config"
	"github.com/healinparadise/preorders/internal/platform/observability"
)

// NewKafkaSyncProducer dials the configured brokers with acknowledgements from all in-sync
// replicas. Sarama's package logger is routed to zap at debug level.
func NewKafkaSyncProducer(cfg config.KafkaConfig, logger *zap.Logger) (sarama.SyncProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if logger != nil {
		sarama.Logger = observability.NewPrintfAdapter(logger.Named("sarama"))
	}
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Retry.Max = 5
	sc.Producer.Retry.Backoff = 200 * time.Millisecond
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}
	return producer, nil
}

// KafkaOrderEventPublisher publishes order events keyed by tracking number so every event of
// an order lands on the same partition.
type KafkaOrderEventPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaOrderEventPublisher(producer sarama.SyncProducer, topic string) (*KafkaOrderEventPublisher, error) {
	if producer == nil {
		return nil, errors.New("kafka order event publisher: producer is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka order event publisher: topic is required")
	}
	return &KafkaOrderEventPublisher{producer: producer, topic: topic}, nil
}

func (p *KafkaOrderEventPublisher) PublishOrderEvent(ctx context.Context, event domain.OrderEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeOrderEvent(event)
	if err != nil {
		return err
	}
	attrs := eventAttributes(event)
	headers := make([]sarama.RecordHeader, 0, len(attrs))
	for k, v := range attrs {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	msg := &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(event.TrackingNumber),
		Value:     sarama.ByteEncoder(data),
		Headers:   headers,
		Timestamp: event.OccurredAt,
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka: publish order event %s: %w", event.ID, err)
	}
	return nil
}

// Close shuts the underlying producer down.
func (p *KafkaOrderEventPublisher) Close() error {
	return p.producer.Close()
}
