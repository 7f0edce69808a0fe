// Package producer publishes accepted event records to a Kafka topic so
// downstream consumers can tap the firehose without touching the log store.
package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/sitepulse/sitepulse/internal/config"
	"github.com/sitepulse/sitepulse/internal/model"
)

type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(cfg config.KafkaConfig) *KafkaProducer {
	if len(cfg.Brokers) == 0 {
		return nil
	}

	topic := cfg.Topic
	if topic == "" {
		topic = "sitepulse.events"
	}

	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    100,
			BatchTimeout: time.Millisecond * 100,
			Async:        true,
		},
	}
}

// PublishRecord writes the record keyed by tenant so per-tenant ordering is
// preserved. Nil receivers are no-ops: the producer is optional.
func (p *KafkaProducer) PublishRecord(ctx context.Context, record model.EventRecord) error {
	if p == nil {
		return nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(record.TenantID),
		Value: data,
	})
}

func (p *KafkaProducer) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
