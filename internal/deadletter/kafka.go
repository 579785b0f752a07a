package deadletter

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

type KafkaPublisher struct {
	topic   string
	client  *kgo.Client
	produce func(context.Context, *kgo.Record) error
}

func NewKafkaPublisher(cfg KafkaConfig, opts ...kgo.Opt) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("deadletter.kafka.brokers is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("deadletter.kafka.topic is required")
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	kopts = append(kopts, opts...)
	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka dead-letter client: %w", err)
	}
	p := &KafkaPublisher{topic: cfg.Topic, client: cl}
	p.produce = func(ctx context.Context, r *kgo.Record) error { return cl.ProduceSync(ctx, r).FirstErr() }
	return p, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic:   p.topic,
		Key:     []byte(msg.SequenceToken),
		Value:   body,
		Headers: []kgo.RecordHeader{{Key: "reason", Value: []byte(msg.Reason)}},
	}
	if err := p.produce(ctx, rec); err != nil {
		return fmt.Errorf("publish dead letter %s: %w", msg.SequenceToken, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
