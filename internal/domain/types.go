package domain

import "time"

// DefaultRetention is how long a persisted record blocks redelivery of its key.
const DefaultRetention = 24 * time.Hour

// Envelope is one record as the stream transport hands it over.
type Envelope struct {
	Data          string
	EventID       string
	SequenceToken string
	PartitionKey  string
	Source        string
	Metadata      map[string]string
}

// Batch is the unit of one consumer invocation.
type Batch struct {
	Source  string
	Records []Envelope
}

type StreamRecord struct {
	IdentityKey   string
	SequenceToken string
	EventID       string
	RawPayload    string
}

// PersistedRecord is the durable row kept per identity key.
type PersistedRecord struct {
	IdentityKey string    `json:"id"`
	EventID     string    `json:"event_id"`
	RawPayload  string    `json:"data"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func NewPersistedRecord(rec StreamRecord, now time.Time, retention time.Duration) PersistedRecord {
	now = now.UTC()
	return PersistedRecord{
		IdentityKey: rec.IdentityKey,
		EventID:     rec.EventID,
		RawPayload:  rec.RawPayload,
		CreatedAt:   now,
		ExpiresAt:   now.Add(retention),
	}
}

// Expired reports whether the row no longer blocks a conditional insert at now.
func (p PersistedRecord) Expired(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}

// BatchOutcome lists the sequence tokens the transport must redeliver.
type BatchOutcome struct {
	FailedSequenceTokens []string
}

func (o BatchOutcome) Succeeded() bool { return len(o.FailedSequenceTokens) == 0 }

// BatchItemFailure and BatchResponse are the wire form of a BatchOutcome.
type BatchItemFailure struct {
	ItemIdentifier string `json:"itemIdentifier"`
}

type BatchResponse struct {
	BatchItemFailures []BatchItemFailure `json:"batchItemFailures"`
}

func (o BatchOutcome) Response() BatchResponse {
	resp := BatchResponse{BatchItemFailures: make([]BatchItemFailure, 0, len(o.FailedSequenceTokens))}
	for _, tok := range o.FailedSequenceTokens {
		resp.BatchItemFailures = append(resp.BatchItemFailures, BatchItemFailure{ItemIdentifier: tok})
	}
	return resp
}

// RecordState is the per-record position in the processing state machine.
type RecordState int

const (
	StateDecoded RecordState = iota
	StatePersisted
	StateEffected
	StateDecodeFailed
	StateDuplicate
	StateStoreFailed
	StateEffectFailedRolledBack
	StateDeadLettered
	StateNotAttempted
)

var stateNames = map[RecordState]string{
	StateDecoded:                "DECODED",
	StatePersisted:              "PERSISTED",
	StateEffected:               "EFFECTED",
	StateDecodeFailed:           "DECODE_FAILED",
	StateDuplicate:              "DUPLICATE",
	StateStoreFailed:            "STORE_FAILED",
	StateEffectFailedRolledBack: "EFFECT_FAILED_ROLLED_BACK",
	StateDeadLettered:           "DEAD_LETTERED",
	StateNotAttempted:           "NOT_ATTEMPTED",
}

func (s RecordState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Terminal states that count as handled for this invocation.
func (s RecordState) Handled() bool {
	return s == StateEffected || s == StateDuplicate || s == StateDeadLettered
}
