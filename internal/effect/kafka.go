package effect

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"dedupd/internal/domain"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("effect.kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("effect.kafka.topic is required")
	}
	return nil
}

// KafkaForwarder publishes each newly persisted record to a downstream topic.
type KafkaForwarder struct {
	topic   string
	client  *kgo.Client
	produce func(context.Context, *kgo.Record) error
}

func NewKafkaForwarder(cfg KafkaConfig, opts ...kgo.Opt) (*KafkaForwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka producer: %w", err)
	}
	f := &KafkaForwarder{topic: cfg.Topic, client: cl}
	f.produce = func(ctx context.Context, r *kgo.Record) error { return cl.ProduceSync(ctx, r).FirstErr() }
	return f, nil
}

func (f *KafkaForwarder) Execute(ctx context.Context, rec domain.PersistedRecord) error {
	r := forwardRecord(f.topic, rec)
	if err := f.produce(ctx, r); err != nil {
		if errors.Is(err, kerr.MessageTooLarge) {
			return Permanent(fmt.Errorf("forward %q: %w", rec.IdentityKey, err))
		}
		return fmt.Errorf("forward %q: %w", rec.IdentityKey, err)
	}
	return nil
}

func (f *KafkaForwarder) Close() {
	if f.client != nil {
		f.client.Close()
	}
}

func forwardRecord(topic string, rec domain.PersistedRecord) *kgo.Record {
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(rec.IdentityKey),
		Value: []byte(rec.RawPayload),
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(rec.EventID)},
			{Key: "created_at_utc_ns", Value: []byte(strconv.FormatInt(rec.CreatedAt.UnixNano(), 10))},
		},
	}
}
