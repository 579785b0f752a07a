package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dedupd/internal/config"
	"dedupd/internal/deadletter"
	"dedupd/internal/decode"
	"dedupd/internal/effect"
	"dedupd/internal/handler"
	"dedupd/internal/processor"
	"dedupd/internal/storage"
	"dedupd/internal/storage/memory"
	"dedupd/internal/storage/postgres"
	"dedupd/internal/storage/redisstore"
	"dedupd/internal/storage/sqlite"
)

// Runtime is the wired processing stack shared by serve and replay.
type Runtime struct {
	Store   storage.Store
	Pinger  storage.Pinger
	Purger  storage.Purger
	Handler *handler.Handler
	// DeadLetter is nil when deadletter.kind is none.
	DeadLetter deadletter.Publisher

	closers []func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{}
	if err := rt.openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}

	exec, err := rt.buildEffect(cfg.Effect, logger)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	exec = effect.WithTimeout(exec, cfg.Processor.EffectTimeout)

	opts := []processor.Option{
		processor.WithRetention(cfg.Store.Retention),
		processor.WithParallelism(cfg.Processor.Parallelism),
		processor.WithCompensationTimeout(cfg.Processor.CompensationTimeout),
	}
	pub, err := rt.buildDeadLetter(cfg.DeadLetter)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.DeadLetter = pub
	if pub != nil {
		opts = append(opts, processor.WithDeadLetter(pub, cfg.DeadLetter.DecodeFailures, cfg.DeadLetter.PermanentEffects))
	}

	proc := processor.New(decode.New(cfg.Processor.Delimiter), rt.Store, exec, logger, opts...)
	rt.Handler = handler.New(proc, logger, cfg.Processor.InvocationTimeout)
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context, cfg config.StoreConfig) error {
	switch cfg.Backend {
	case config.BackendSQLite:
		st, err := sqlite.NewStore(cfg.SQLite.Path, cfg.Table)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		rt.setStore(st)
		rt.closers = append(rt.closers, st.Close)
	case config.BackendPostgres:
		st, err := postgres.NewStore(ctx, cfg.Postgres.DSN, cfg.Table)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			st.Close()
			return fmt.Errorf("ensure postgres schema: %w", err)
		}
		rt.setStore(st)
		rt.closers = append(rt.closers, func() error { st.Close(); return nil })
	case config.BackendRedis:
		st, err := redisstore.NewStore(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			Table:    cfg.Table,
		})
		if err != nil {
			return fmt.Errorf("open redis store: %w", err)
		}
		rt.setStore(st)
		rt.closers = append(rt.closers, st.Close)
	case config.BackendMemory:
		rt.setStore(memory.NewStore())
	default:
		return fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
	return nil
}

func (rt *Runtime) setStore(st storage.Store) {
	rt.Store = st
	rt.Pinger, _ = st.(storage.Pinger)
	rt.Purger, _ = st.(storage.Purger)
}

func (rt *Runtime) buildEffect(cfg config.EffectConfig, logger *slog.Logger) (effect.Executor, error) {
	switch cfg.Kind {
	case config.EffectKafka:
		f, err := effect.NewKafkaForwarder(effect.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic, ClientID: cfg.Kafka.ClientID})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() error { f.Close(); return nil })
		return f, nil
	default:
		return effect.LogExecutor{Logger: logger}, nil
	}
}

func (rt *Runtime) buildDeadLetter(cfg config.DeadLetterConfig) (deadletter.Publisher, error) {
	switch cfg.Kind {
	case config.DeadLetterKafka:
		p, err := deadletter.NewKafkaPublisher(deadletter.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic, ClientID: cfg.Kafka.ClientID})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() error { p.Close(); return nil })
		return p, nil
	case config.DeadLetterNSQ:
		p, err := deadletter.NewNSQPublisher(deadletter.NSQConfig{NsqdAddress: cfg.NSQ.NsqdAddress, Topic: cfg.NSQ.Topic})
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() error { p.Close(); return nil })
		return p, nil
	default:
		return nil, nil
	}
}

// Close releases backends in reverse order of opening.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
