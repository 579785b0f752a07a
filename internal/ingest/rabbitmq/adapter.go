// Package rabbitmq groups queue deliveries into batches for the batch handler.
// Succeeded deliveries are acked; failed ones are nacked with requeue until the
// redelivery policy parks them on the dead-letter sink.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dedupd/internal/deadletter"
	"dedupd/internal/domain"
	"dedupd/internal/ingest/redelivery"

	"github.com/rabbitmq/amqp091-go"
)

// BatchHandler is satisfied by *handler.Handler.
type BatchHandler interface {
	Handle(context.Context, domain.Batch) domain.BatchOutcome
}

type Config struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	BatchSize     int
	BatchWindow   time.Duration
	TLS           TLSConfig
	Auth          AuthConfig
	Redelivery    redelivery.Policy
	DeadLetter    deadletter.Publisher
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

type Adapter struct {
	cfg      Config
	handler  BatchHandler
	logger   *slog.Logger
	guard    *redelivery.Guard
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Queue == "" {
		return fmt.Errorf("ingest.rabbitmq.queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("ingest.rabbitmq.exchange is required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("ingest.rabbitmq.batch_size must be >= 1")
	}
	if c.PrefetchCount < c.BatchSize {
		return fmt.Errorf("ingest.rabbitmq.prefetch_count must be >= batch_size")
	}
	if c.BatchWindow <= 0 {
		return fmt.Errorf("ingest.rabbitmq.batch_window must be > 0")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("ingest.rabbitmq.url or endpoints is required")
	}
	if c.Redelivery.MaxAttempts < 0 || c.Redelivery.MaxRecordAge < 0 {
		return fmt.Errorf("ingest.redelivery limits must be >= 0")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func NewAdapter(cfg Config, h BatchHandler, logger *slog.Logger) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "dedupd-rabbitmq"
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{cfg: cfg, handler: h, logger: logger.With("ingest", "rabbitmq"), closed: make(chan struct{})}
	a.guard = redelivery.NewGuard(cfg.Redelivery, cfg.DeadLetter, a.logger)
	return a, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if tlsCfg, err := a.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(a.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	fail := func(err error) error {
		ch.Close()
		conn.Close()
		return err
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		return fail(fmt.Errorf("set prefetch: %w", err))
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("declare exchange: %w", err))
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("declare queue: %w", err))
	}
	routingKeys := a.cfg.RoutingKeys
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			return fail(fmt.Errorf("bind queue key=%s: %w", key, err))
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("consume queue: %w", err))
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries

	a.wg.Add(1)
	go a.batchLoop(ctx)
	return nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(err)
	return err
}

func (a *Adapter) batchLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		batch, more := a.collect(ctx, a.deliver)
		if len(batch) > 0 {
			a.processBatch(ctx, batch)
		}
		if !more {
			return
		}
	}
}

// collect blocks for the first delivery, then gathers more until BatchSize
// or BatchWindow. more is false once the source is done.
func (a *Adapter) collect(ctx context.Context, src <-chan amqp091.Delivery) (batch []amqp091.Delivery, more bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case <-a.closed:
		return nil, false
	case d, ok := <-src:
		if !ok {
			return nil, false
		}
		batch = append(batch, d)
	}
	timer := time.NewTimer(a.cfg.BatchWindow)
	defer timer.Stop()
	for len(batch) < a.cfg.BatchSize {
		select {
		case <-ctx.Done():
			return batch, false
		case <-a.closed:
			return batch, false
		case <-timer.C:
			return batch, true
		case d, ok := <-src:
			if !ok {
				return batch, false
			}
			batch = append(batch, d)
		}
	}
	return batch, true
}

func (a *Adapter) processBatch(ctx context.Context, deliveries []amqp091.Delivery) {
	batch := domain.Batch{Source: "rabbitmq:" + a.cfg.Queue, Records: make([]domain.Envelope, len(deliveries))}
	for i, d := range deliveries {
		batch.Records[i] = toEnvelope(d)
	}
	outcome := a.handler.Handle(ctx, batch)

	failed := make(map[string]struct{}, len(outcome.FailedSequenceTokens))
	for _, tok := range outcome.FailedSequenceTokens {
		failed[tok] = struct{}{}
	}
	requeued := 0
	for i, d := range deliveries {
		key := attemptKey(d)
		if _, ok := failed[batch.Records[i].SequenceToken]; ok && !a.guard.Failed(ctx, key, batch.Records[i], d.Timestamp) {
			requeued++
			if err := d.Nack(false, true); err != nil {
				a.logger.Error("nack failed", "delivery_tag", d.DeliveryTag, "err", err)
			}
			continue
		}
		if err := d.Ack(false); err != nil {
			a.logger.Error("ack failed", "delivery_tag", d.DeliveryTag, "err", err)
			continue
		}
		a.guard.Done(key)
	}
	if requeued > 0 {
		a.logger.Warn("RETRY: requeued failed deliveries", "count", requeued, "batch_size", len(deliveries))
	}
}

// attemptKey identifies a message across redeliveries. Delivery tags change on
// every redelivery, so messages without an id are keyed by their content.
func attemptKey(d amqp091.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(d.Exchange + "\x00" + d.RoutingKey + "\x00"))
	_, _ = h.Write(d.Body)
	return fmt.Sprintf("%s/%s/%016x", d.Exchange, d.RoutingKey, h.Sum64())
}

func toEnvelope(d amqp091.Delivery) domain.Envelope {
	env := domain.Envelope{
		Data:          base64.StdEncoding.EncodeToString(d.Body),
		EventID:       d.MessageId,
		SequenceToken: strconv.FormatUint(d.DeliveryTag, 10),
		PartitionKey:  d.RoutingKey,
		Source:        "rabbitmq:" + d.Exchange,
	}
	if env.EventID == "" {
		env.EventID = fmt.Sprintf("%s/%s/%d", d.Exchange, d.RoutingKey, d.DeliveryTag)
	}
	if len(d.Headers) > 0 {
		env.Metadata = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			env.Metadata[k] = fmt.Sprint(v)
		}
	}
	return env
}

func (a *Adapter) buildTLSConfig() (*tls.Config, error) {
	if !a.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify, ServerName: a.cfg.TLS.ServerName}
	if a.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(a.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if a.cfg.TLS.CertFile != "" || a.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
