// Package processor runs the per-record idempotent processing protocol over a
// batch and collects the sequence tokens that need redelivery.
//
// For every record: decode, conditional insert, side effect. A failed side
// effect deletes the row it just inserted so a redelivery can insert again.
// No record's failure stops the rest of the batch.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"dedupd/internal/deadletter"
	"dedupd/internal/decode"
	"dedupd/internal/domain"
	"dedupd/internal/effect"
	"dedupd/internal/shard"
	"dedupd/internal/storage"

	"golang.org/x/sync/errgroup"
)

const DefaultCompensationTimeout = 5 * time.Second

// Result is the final state of one record in one invocation.
type Result struct {
	SequenceToken string
	IdentityKey   string
	State         domain.RecordState
	Err           error
}

// Failed reports whether the record must be redelivered.
func (r Result) Failed() bool { return !r.State.Handled() }

type Processor struct {
	decoder *decode.Decoder
	store   storage.Store
	exec    effect.Executor
	logger  *slog.Logger

	dlq                 deadletter.Publisher
	deadLetterDecode    bool
	deadLetterPermanent bool

	retention           time.Duration
	parallelism         int
	compensationTimeout time.Duration
	now                 func() time.Time
}

type Option func(*Processor)

func WithRetention(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.retention = d
		}
	}
}

// WithParallelism processes records on n lanes. Records sharing an identity
// key always land on the same lane, in batch order.
func WithParallelism(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.parallelism = n
		}
	}
}

// WithDeadLetter routes poison records to pub instead of reporting them.
// decodeFailures covers malformed payloads; permanentEffects covers side
// effects that failed with effect.Permanent.
func WithDeadLetter(pub deadletter.Publisher, decodeFailures, permanentEffects bool) Option {
	return func(p *Processor) {
		p.dlq = pub
		p.deadLetterDecode = decodeFailures
		p.deadLetterPermanent = permanentEffects
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func WithCompensationTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.compensationTimeout = d
		}
	}
}

func New(dec *decode.Decoder, store storage.Store, exec effect.Executor, logger *slog.Logger, opts ...Option) *Processor {
	if dec == nil {
		dec = decode.New(decode.DefaultDelimiter)
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		decoder:             dec,
		store:               store,
		exec:                exec,
		logger:              logger,
		retention:           domain.DefaultRetention,
		parallelism:         1,
		compensationTimeout: DefaultCompensationTimeout,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithLogger returns a copy of p that logs through l.
func (p *Processor) WithLogger(l *slog.Logger) *Processor {
	cp := *p
	cp.logger = l
	return &cp
}

func (p *Processor) Process(ctx context.Context, envs []domain.Envelope) domain.BatchOutcome {
	return Outcome(p.ProcessDetailed(ctx, envs))
}

// ProcessDetailed returns one Result per envelope, index-aligned with envs.
func (p *Processor) ProcessDetailed(ctx context.Context, envs []domain.Envelope) []Result {
	results := make([]Result, len(envs))
	if p.parallelism <= 1 || len(envs) < 2 {
		for i, env := range envs {
			results[i] = p.processRecord(ctx, env)
		}
		return results
	}

	keys := make([]string, len(envs))
	decoded := make([]decodeResult, len(envs))
	for i, env := range envs {
		rec, err := p.decoder.Decode(env)
		decoded[i] = decodeResult{rec: rec, err: err}
		keys[i] = rec.IdentityKey
		if err != nil {
			keys[i] = env.SequenceToken
		}
	}

	var g errgroup.Group
	for _, lane := range shard.Assign(keys, p.parallelism) {
		if len(lane) == 0 {
			continue
		}
		lane := lane
		g.Go(func() error {
			for _, i := range lane {
				results[i] = p.processDecoded(ctx, envs[i], decoded[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Outcome lists failed tokens in batch order.
func Outcome(results []Result) domain.BatchOutcome {
	out := domain.BatchOutcome{FailedSequenceTokens: []string{}}
	for _, r := range results {
		if r.Failed() {
			out.FailedSequenceTokens = append(out.FailedSequenceTokens, r.SequenceToken)
		}
	}
	return out
}

// Summarize counts results per state.
func Summarize(results []Result) map[string]int {
	out := map[string]int{}
	for _, r := range results {
		out[r.State.String()]++
	}
	return out
}

type decodeResult struct {
	rec domain.StreamRecord
	err error
}

func (p *Processor) processRecord(ctx context.Context, env domain.Envelope) Result {
	rec, err := p.decoder.Decode(env)
	return p.processDecoded(ctx, env, decodeResult{rec: rec, err: err})
}

func (p *Processor) processDecoded(ctx context.Context, env domain.Envelope, dec decodeResult) Result {
	res := Result{SequenceToken: env.SequenceToken, IdentityKey: dec.rec.IdentityKey}
	log := p.logger.With("sequence_token", env.SequenceToken, "event_id", env.EventID)

	if err := ctx.Err(); err != nil {
		res.State, res.Err = domain.StateNotAttempted, err
		log.Warn("FAILED: invocation cancelled before record", "state", res.State, "err", err)
		return res
	}

	if dec.err != nil {
		res.Err = dec.err
		res.State = domain.StateDecodeFailed
		if p.deadLetterDecode && p.deadLetter(ctx, log, env, "", deadletter.ReasonDecode, dec.err) {
			res.State = domain.StateDeadLettered
		}
		log.Error("FAILED: record could not be decoded", "state", res.State, "err", dec.err)
		return res
	}
	res.State = domain.StateDecoded
	log = log.With("identity_key", dec.rec.IdentityKey)

	row := domain.NewPersistedRecord(dec.rec, p.now(), p.retention)
	inserted, err := p.store.TryInsert(ctx, row)
	if err != nil {
		res.State, res.Err = domain.StateStoreFailed, err
		log.Error("FAILED: conditional insert failed", "state", res.State, "err", err)
		return res
	}
	if inserted == storage.AlreadyExists {
		res.State = domain.StateDuplicate
		log.Warn("RETRY: record already persisted, skipping", "state", res.State)
		return res
	}
	res.State = domain.StatePersisted
	log.Info("SUCCESS: record persisted", "state", res.State, "expires_at", row.ExpiresAt)

	if err := p.execute(ctx, row); err != nil {
		res.Err = err
		p.compensate(ctx, log, row.IdentityKey)
		res.State = domain.StateEffectFailedRolledBack
		if p.deadLetterPermanent && effect.IsPermanent(err) && p.deadLetter(ctx, log, env, row.IdentityKey, deadletter.ReasonEffect, err) {
			res.State = domain.StateDeadLettered
		}
		log.Error("FAILED: side effect failed", "state", res.State, "err", err)
		return res
	}
	res.State = domain.StateEffected
	log.Debug("record effected", "state", res.State)
	return res
}

// execute turns a panicking side effect into an error so the row is still
// compensated and the rest of the batch keeps going.
func (p *Processor) execute(ctx context.Context, row domain.PersistedRecord) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = effect.Recovered(row.IdentityKey, v)
		}
	}()
	return p.exec.Execute(ctx, row)
}

// compensate removes the row inserted for key. Its failure never changes the
// record's outcome; the row then blocks redelivery until it expires.
func (p *Processor) compensate(ctx context.Context, log *slog.Logger, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.compensationTimeout)
	defer cancel()
	if err := p.store.DeleteByKey(ctx, key); err != nil {
		log.Error("compensating delete failed, row blocks redelivery until expiry", "err", err)
		return
	}
	log.Info("compensating delete done")
}

func (p *Processor) deadLetter(ctx context.Context, log *slog.Logger, env domain.Envelope, key, reason string, cause error) bool {
	if p.dlq == nil {
		return false
	}
	msg := deadletter.NewMessage(env, key, reason, cause, p.now())
	if err := p.dlq.Publish(ctx, msg); err != nil {
		log.Error("dead-letter publish failed, record will be redelivered", "reason", reason, "err", errors.Join(err, cause))
		return false
	}
	log.Warn("record dead-lettered", "reason", reason)
	return true
}
