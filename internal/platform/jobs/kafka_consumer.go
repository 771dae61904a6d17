package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"github.com/healinparadise/preorders/internal/domain"
	"github.com/healinparadise/preorders/internal/platform/config"
)

// OrderEventHandler processes one decoded event. Returning an error leaves the offset
// uncommitted so the event is redelivered.
type OrderEventHandler func(ctx context.Context, event domain.OrderEvent) error

// KafkaOrderEventConsumer feeds order events from a consumer group into a handler.
type KafkaOrderEventConsumer struct {
	group  sarama.ConsumerGroup
	topic  string
	logger *zap.Logger
}

// NewKafkaOrderEventConsumer joins cfg.GroupID. New groups start from the oldest offset.
func NewKafkaOrderEventConsumer(cfg config.KafkaConfig, logger *zap.Logger) (*KafkaOrderEventConsumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka: brokers, topic and group are required")
	}
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka: join consumer group: %w", err)
	}
	return newKafkaOrderEventConsumer(group, cfg.Topic, logger), nil
}

func newKafkaOrderEventConsumer(group sarama.ConsumerGroup, topic string, logger *zap.Logger) *KafkaOrderEventConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaOrderEventConsumer{group: group, topic: topic, logger: logger}
}

// Run consumes until ctx is cancelled, rejoining the group after each rebalance.
func (c *KafkaOrderEventConsumer) Run(ctx context.Context, handle OrderEventHandler) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Warn("kafka consumer error", zap.Error(err))
		}
	}()
	h := groupHandler{handle: handle, logger: c.logger}
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("kafka: consume: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *KafkaOrderEventConsumer) Close() error {
	return c.group.Close()
}

type groupHandler struct {
	handle OrderEventHandler
	logger *zap.Logger
}

func (groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.process(session.Context(), msg); err != nil {
			h.logger.Warn("order event not processed",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return err
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h groupHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	event, err := DecodeOrderEvent(msg.Value)
	if err != nil {
		// Malformed payloads are skipped, never retried.
		h.logger.Error("dropping malformed order event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}
	return h.handle(ctx, event)
}
