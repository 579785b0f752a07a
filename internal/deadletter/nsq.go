package deadletter

import (
	"context"
	"errors"
	"fmt"

	"github.com/nsqio/go-nsq"
)

type NSQConfig struct {
	NsqdAddress string
	Topic       string
}

type NSQPublisher struct {
	topic   string
	p       *nsq.Producer
	publish func(topic string, body []byte) error
}

func NewNSQPublisher(cfg NSQConfig) (*NSQPublisher, error) {
	if cfg.NsqdAddress == "" {
		return nil, errors.New("deadletter.nsq.nsqd_address is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("deadletter.nsq.topic is required")
	}
	p, err := nsq.NewProducer(cfg.NsqdAddress, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("new nsq producer: %w", err)
	}
	return &NSQPublisher{topic: cfg.Topic, p: p, publish: p.Publish}, nil
}

// Publish does not take ctx into the producer; go-nsq publishes synchronously.
func (n *NSQPublisher) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := n.publish(n.topic, body); err != nil {
		return fmt.Errorf("publish dead letter %s: %w", msg.SequenceToken, err)
	}
	return nil
}

func (n *NSQPublisher) Close() {
	if n.p != nil {
		n.p.Stop()
	}
}
