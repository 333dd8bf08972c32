package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events as JSON to a Kafka topic, keyed by athlete id
// so one athlete's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafkaPublisher creates an asynchronous writer for topic on broker.
func NewKafkaPublisher(broker, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
	w.Completion = func(msgs []kafka.Message, err error) {
		if err != nil {
			logger.Error("kafka publish failed", "topic", topic, "messages", len(msgs), "err", err)
		}
	}
	return &KafkaPublisher{writer: w, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evts ...Event) {
	msgs := p.messages(evts)
	if len(msgs) == 0 {
		return
	}
	// Async writer: returns once messages are queued.
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error("kafka enqueue failed", "err", err)
	}
}

func (p *KafkaPublisher) messages(evts []Event) []kafka.Message {
	msgs := make([]kafka.Message, 0, len(evts))
	for _, e := range evts {
		data, err := json.Marshal(e)
		if err != nil {
			p.logger.Error("event marshal failed", "type", e.Type, "err", err)
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.AthleteID),
			Value: data,
			Time:  e.At,
		})
	}
	return msgs
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
