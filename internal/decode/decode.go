// Package decode turns transport envelopes into stream records.
package decode

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"dedupd/internal/domain"
)

const DefaultDelimiter = ","

var ErrMalformed = errors.New("malformed record")

// Error carries the sequence token of the record that failed to decode.
type Error struct {
	SequenceToken string
	Reason        string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode record %s: %s: %v", e.SequenceToken, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode record %s: %s", e.SequenceToken, e.Reason)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrMalformed, e.Err}
	}
	return []error{ErrMalformed}
}

type Decoder struct {
	delimiter string
}

func New(delimiter string) *Decoder {
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}
	return &Decoder{delimiter: delimiter}
}

func (d *Decoder) Decode(env domain.Envelope) (domain.StreamRecord, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.Data))
	if err != nil {
		return domain.StreamRecord{}, &Error{SequenceToken: env.SequenceToken, Reason: "invalid base64 data", Err: err}
	}
	if !utf8.Valid(raw) {
		return domain.StreamRecord{}, &Error{SequenceToken: env.SequenceToken, Reason: "payload is not utf-8"}
	}
	text := string(raw)
	key, _, _ := strings.Cut(text, d.delimiter)
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.StreamRecord{}, &Error{SequenceToken: env.SequenceToken, Reason: "identity key is empty"}
	}
	return domain.StreamRecord{
		IdentityKey:   key,
		SequenceToken: env.SequenceToken,
		EventID:       env.EventID,
		RawPayload:    text,
	}, nil
}

// Encode is the inverse used by producers and tests.
func Encode(fields ...string) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Join(fields, DefaultDelimiter)))
}
