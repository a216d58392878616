// Package events publishes weather fetch events to Kafka.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/neexbeast/weather-lookup/internal/weather"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "weather-fetches"

// Producer is the subset of *kgo.Client used by Publisher.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Flush(ctx context.Context) error
	Close()
}

// Publisher writes FetchEvents as JSON records keyed by cache key.
type Publisher struct {
	producer Producer
	topic    string
	log      *slog.Logger
}

var _ weather.EventPublisher = (*Publisher)(nil)

// NewPublisher connects a franz-go client to brokers.
func NewPublisher(brokers []string, topic string, log *slog.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("creating kafka publisher: no brokers configured")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topicOrDefault(topic)),
		kgo.ProducerLinger(50*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}

	return NewPublisherWithProducer(client, topic, log), nil
}

// NewPublisherWithProducer constructs a Publisher with a custom Producer (for tests).
func NewPublisherWithProducer(p Producer, topic string, log *slog.Logger) *Publisher {
	return &Publisher{producer: p, topic: topicOrDefault(topic), log: log}
}

func topicOrDefault(topic string) string {
	if topic == "" {
		return DefaultTopic
	}
	return topic
}

// PublishFetch produces ev and waits for the broker ack or ctx expiry.
// Failures are logged, never returned.
func (p *Publisher) PublishFetch(ctx context.Context, ev weather.FetchEvent) {
	value, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("marshaling fetch event", "key", ev.Key, "err", err)
		return
	}

	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.Key),
		Value: value,
	}

	if err := p.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		p.log.Warn("publishing fetch event failed", "topic", p.topic, "key", ev.Key, "err", err)
		return
	}

	p.log.Debug("fetch event published", "topic", p.topic, "key", ev.Key)
}

// Close flushes buffered records and closes the client.
func (p *Publisher) Close(ctx context.Context) error {
	defer p.producer.Close()
	if err := p.producer.Flush(ctx); err != nil {
		return fmt.Errorf("flushing kafka producer: %w", err)
	}
	return nil
}
