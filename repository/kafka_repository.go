package repository

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"flash-queue/model"

	"github.com/segmentio/kafka-go"
)

// publishBatchTimeout caps how long a write waits to fill a batch.
// Outcomes are written synchronously from the worker tick.
const publishBatchTimeout = 5 * time.Millisecond

// KafkaRepository publishes ticket outcomes keyed by item, so every
// outcome of one item lands on one partition in decision order.
type KafkaRepository struct {
	Writer *kafka.Writer
}

func NewKafkaRepository(brokers []string, topic string) *KafkaRepository {
	return &KafkaRepository{
		Writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           publishBatchTimeout,
			AllowAutoTopicCreation: true,
		},
	}
}

func (r *KafkaRepository) PublishOutcome(ctx context.Context, ev model.OutcomeEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.ItemID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(ev.Status)},
		},
	})
}

// PublishRaw forwards an already encoded message, as read from another
// topic, to this repository's topic.
func (r *KafkaRepository) PublishRaw(ctx context.Context, key, value []byte) error {
	return r.Writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value})
}

func (r *KafkaRepository) Close() error {
	return r.Writer.Close()
}

// NopPublisher is used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishOutcome(context.Context, model.OutcomeEvent) error { return nil }
