package kafka

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafka_infra "eventrelay/internal/infrastructure/kafka"
)

type EventConsumer interface {
	Name() string
	Handle(ctx context.Context, value []byte) error
}

// EventMessageHandler feeds the value of every message to consumer. An error
// sends the message to the dead-letter topic.
func EventMessageHandler(consumer EventConsumer, logger *zap.Logger) kafka_infra.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		logger.Debug("Received Kafka message",
			zap.String("consumer", consumer.Name()),
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.String("key", string(msg.Key)),
		)

		if err := consumer.Handle(ctx, msg.Value); err != nil {
			return fmt.Errorf("consumer %s failed on %s[%d]@%d: %w",
				consumer.Name(), msg.Topic, msg.Partition, msg.Offset, err)
		}
		return nil
	}
}
