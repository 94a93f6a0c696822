package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-lifecycle/internal/models"
)

// publishBatchTimeout bounds how long WriteMessages waits to fill a batch;
// the kafka-go default is one second per call.
const publishBatchTimeout = 10 * time.Millisecond

// KafkaProducer publishes ride snapshots keyed by ride id so every update of
// a ride lands on the same partition.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           publishBatchTimeout,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishRide(ctx context.Context, r models.Ride) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode ride %s: %w", r.ID, err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(r.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
