// Package deadletter parks records that redelivery cannot fix.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"dedupd/internal/domain"
)

const (
	ReasonDecode    = "decode_failed"
	ReasonEffect    = "effect_failed_permanently"
	ReasonExhausted = "redelivery_exhausted"
)

var ErrEmptyMessage = errors.New("dead-letter message has no sequence token")

// Message is the JSON document published for one poisoned record.
type Message struct {
	Source        string            `json:"source,omitempty"`
	SequenceToken string            `json:"sequence_token"`
	EventID       string            `json:"event_id,omitempty"`
	PartitionKey  string            `json:"partition_key,omitempty"`
	IdentityKey   string            `json:"identity_key,omitempty"`
	Data          string            `json:"data"`
	Reason        string            `json:"reason"`
	Error         string            `json:"error"`
	FailedAtUTC   time.Time         `json:"failed_at_utc"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func NewMessage(env domain.Envelope, identityKey, reason string, cause error, now time.Time) Message {
	msg := Message{
		Source:        env.Source,
		SequenceToken: env.SequenceToken,
		EventID:       env.EventID,
		PartitionKey:  env.PartitionKey,
		IdentityKey:   identityKey,
		Data:          env.Data,
		Reason:        reason,
		FailedAtUTC:   now.UTC(),
		Metadata:      env.Metadata,
	}
	if cause != nil {
		msg.Error = cause.Error()
	}
	return msg
}

func (m Message) Encode() ([]byte, error) {
	if m.SequenceToken == "" {
		return nil, ErrEmptyMessage
	}
	return json.Marshal(m)
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}
