// Package kafka feeds partition batches from a consumer group into the batch
// handler and commits offsets only below the first failed record. Records
// that keep failing are parked on the dead-letter sink once the redelivery
// policy runs out, so a single record cannot stall its partition.
package kafka

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"dedupd/internal/deadletter"
	"dedupd/internal/domain"
	"dedupd/internal/ingest/redelivery"

	"github.com/twmb/franz-go/pkg/kgo"
)

// BatchHandler is satisfied by *handler.Handler.
type BatchHandler interface {
	Handle(context.Context, domain.Batch) domain.BatchOutcome
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	MaxPollRecords int
	RetryBackoff   time.Duration
	TLS            TLSConfig
	Fetch          FetchConfig
	Redelivery     redelivery.Policy
	DeadLetter     deadletter.Publisher
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

type Adapter struct {
	cfg     Config
	client  *kgo.Client
	handler BatchHandler
	logger  *slog.Logger
	guard   *redelivery.Guard

	markCommit   func(...*kgo.Record)
	commitMarked func(context.Context) error
	rewind       func(topic string, partition int32, offset int64)
	sleep        func(context.Context, time.Duration)
}

func NewAdapter(cfg Config, h BatchHandler, logger *slog.Logger, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{cfg: cfg, client: cl, handler: h, logger: logger.With("ingest", "kafka")}
	a.guard = redelivery.NewGuard(cfg.Redelivery, cfg.DeadLetter, a.logger)
	a.markCommit = cl.MarkCommitRecords
	a.commitMarked = cl.CommitMarkedOffsets
	a.rewind = func(topic string, partition int32, offset int64) {
		cl.SetOffsets(map[string]map[int32]kgo.EpochOffset{
			topic: {partition: {Epoch: -1, Offset: offset}},
		})
	}
	a.sleep = sleepCtx
	return a, nil
}

func (c *Config) withDefaults() {
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("ingest.kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("ingest.kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("ingest.kafka.group_id is required")
	}
	if c.Redelivery.MaxAttempts < 0 || c.Redelivery.MaxRecordAge < 0 {
		return errors.New("ingest.redelivery limits must be >= 0")
	}
	return nil
}

// Start polls until ctx is done. Each fetched partition is one batch.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if fetches.IsClientClosed() {
			return nil
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("fetch %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) > 0 {
				a.processPartition(ctx, p.Topic, p.Partition, p.Records)
			}
		})
		a.client.AllowRebalance()
	}
}

func (a *Adapter) processPartition(ctx context.Context, topic string, partition int32, records []*kgo.Record) {
	batch := domain.Batch{Source: "kafka:" + topic, Records: make([]domain.Envelope, len(records))}
	for i, rec := range records {
		batch.Records[i] = toEnvelope(rec)
	}
	outcome := a.handler.Handle(ctx, batch)

	failed := make(map[string]struct{}, len(outcome.FailedSequenceTokens))
	for _, tok := range outcome.FailedSequenceTokens {
		failed[tok] = struct{}{}
	}
	cut := len(records)
	parked := 0
	for i, rec := range records {
		if _, ok := failed[batch.Records[i].SequenceToken]; !ok {
			continue
		}
		if a.guard.Failed(ctx, batch.Records[i].EventID, batch.Records[i], rec.Timestamp) {
			parked++
			continue
		}
		if cut == len(records) {
			cut = i
		}
	}

	if cut > 0 {
		a.markCommit(records[:cut]...)
		if err := a.commitMarked(ctx); err != nil {
			a.logger.Error("offset commit failed", "topic", topic, "partition", partition, "err", err)
		} else {
			keys := make([]string, cut)
			for i := range keys {
				keys[i] = batch.Records[i].EventID
			}
			a.guard.Done(keys...)
		}
	}
	if cut < len(records) {
		first := records[cut].Offset
		a.logger.Warn("RETRY: rewinding partition to first failed record",
			"topic", topic, "partition", partition, "offset", first, "failed", len(failed), "parked", parked)
		a.rewind(topic, partition, first)
		a.sleep(ctx, a.cfg.RetryBackoff)
	}
}

func toEnvelope(rec *kgo.Record) domain.Envelope {
	env := domain.Envelope{
		Data:          base64.StdEncoding.EncodeToString(rec.Value),
		EventID:       fmt.Sprintf("%s/%d/%d", rec.Topic, rec.Partition, rec.Offset),
		SequenceToken: strconv.FormatInt(rec.Offset, 10),
		PartitionKey:  string(rec.Key),
		Source:        "kafka:" + rec.Topic,
	}
	if len(rec.Headers) > 0 {
		env.Metadata = make(map[string]string, len(rec.Headers))
		for _, h := range rec.Headers {
			env.Metadata[h.Key] = string(h.Value)
		}
	}
	return env
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
