// Package handler is the per-invocation entry point shared by every transport.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"dedupd/internal/domain"
	"dedupd/internal/processor"

	"github.com/google/uuid"
)

type Handler struct {
	proc              *processor.Processor
	logger            *slog.Logger
	invocationTimeout time.Duration
}

// New returns a handler. A zero invocationTimeout means the caller's context
// is the only deadline.
func New(proc *processor.Processor, logger *slog.Logger, invocationTimeout time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{proc: proc, logger: logger, invocationTimeout: invocationTimeout}
}

// Handle processes one batch and returns the tokens the transport must redeliver.
func (h *Handler) Handle(ctx context.Context, batch domain.Batch) domain.BatchOutcome {
	outcome, _ := h.HandleDetailed(ctx, batch)
	return outcome
}

// HandleDetailed also returns every record's final state.
func (h *Handler) HandleDetailed(ctx context.Context, batch domain.Batch) (domain.BatchOutcome, []processor.Result) {
	if h.invocationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.invocationTimeout)
		defer cancel()
	}

	log := h.logger.With("invocation_id", invocationID(), "source", batch.Source)
	start := time.Now()
	log.Info("invocation start", "batch_size", len(batch.Records))

	results := h.proc.WithLogger(log).ProcessDetailed(ctx, batch.Records)
	outcome := processor.Outcome(results)

	log.Info("invocation finish",
		"batch_size", len(batch.Records),
		"failed", len(outcome.FailedSequenceTokens),
		"states", processor.Summarize(results),
		"elapsed", time.Since(start),
	)
	return outcome, results
}

func invocationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// KinesisEvent is the JSON shape of a Kinesis stream invocation.
type KinesisEvent struct {
	Records []KinesisEventRecord `json:"Records"`
}

type KinesisEventRecord struct {
	EventID        string        `json:"eventID"`
	EventSourceARN string        `json:"eventSourceARN"`
	EventSource    string        `json:"eventSource"`
	Kinesis        KinesisRecord `json:"kinesis"`
}

type KinesisRecord struct {
	Data           string `json:"data"`
	SequenceNumber string `json:"sequenceNumber"`
	PartitionKey   string `json:"partitionKey"`
}

// DecodeKinesisEvent parses a Kinesis-style event into a batch. Records
// without a sequence number cannot be reported and are rejected.
func DecodeKinesisEvent(body []byte) (domain.Batch, error) {
	var ev KinesisEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return domain.Batch{}, fmt.Errorf("decode kinesis event: %w", err)
	}
	batch := domain.Batch{Records: make([]domain.Envelope, 0, len(ev.Records))}
	for i, r := range ev.Records {
		if r.Kinesis.SequenceNumber == "" {
			return domain.Batch{}, fmt.Errorf("decode kinesis event: record %d has no sequenceNumber", i)
		}
		if batch.Source == "" {
			batch.Source = r.EventSourceARN
		}
		batch.Records = append(batch.Records, domain.Envelope{
			Data:          r.Kinesis.Data,
			EventID:       r.EventID,
			SequenceToken: r.Kinesis.SequenceNumber,
			PartitionKey:  r.Kinesis.PartitionKey,
			Source:        r.EventSourceARN,
		})
	}
	return batch, nil
}
