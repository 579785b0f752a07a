package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"dedupd/internal/config"
	"dedupd/internal/httpapi"
	"dedupd/internal/ingest/kafka"
	"dedupd/internal/ingest/rabbitmq"
	"dedupd/internal/ingest/redelivery"
	"dedupd/internal/storage"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errNoAdapters = errors.New("no ingest adapter enabled")

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the enabled ingest adapters until interrupted",
		Long: `Start every adapter enabled under ingest.* and the expiry sweep for stores
without native TTL. Stops on SIGINT or SIGTERM.

Examples:
  dedupd serve --config ./dedupd.yaml
  DEDUPD_INGEST_HTTP_ENABLED=true dedupd serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts, cmd)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if !cfg.Ingest.Kafka.Enabled && !cfg.Ingest.RabbitMQ.Enabled && !cfg.Ingest.HTTP.Enabled {
		return WrapExitError(ExitCommandError, "serve", errNoAdapters)
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Server.LogLevel, opts.Verbose).With("node_id", cfg.Server.NodeID)

	rt, err := Build(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "build runtime", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("close runtime", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	policy := redelivery.Policy{
		MaxAttempts:  cfg.Ingest.Redelivery.MaxAttempts,
		MaxRecordAge: cfg.Ingest.Redelivery.MaxRecordAge,
	}
	// stop started adapters before the deferred runtime close
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	if cfg.Ingest.Kafka.Enabled {
		k := cfg.Ingest.Kafka
		adapter, err := kafka.NewAdapter(kafka.Config{
			Enabled:        true,
			Brokers:        k.Brokers,
			Topics:         k.Topics,
			GroupID:        k.GroupID,
			ClientID:       k.ClientID,
			MaxPollRecords: k.MaxPollRecords,
			RetryBackoff:   k.RetryBackoff,
			TLS:            kafka.TLSConfig{Enabled: k.TLS},
			Redelivery:     policy,
			DeadLetter:     rt.DeadLetter,
		}, rt.Handler, logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "kafka adapter", err)
		}
		g.Go(func() error { return ignoreCancel(adapter.Start(ctx)) })
	}

	if cfg.Ingest.RabbitMQ.Enabled {
		r := cfg.Ingest.RabbitMQ
		adapter, err := rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled:       true,
			URL:           r.URL,
			Exchange:      r.Exchange,
			Queue:         r.Queue,
			RoutingKeys:   r.RoutingKeys,
			ConsumerTag:   cfg.Server.NodeID,
			PrefetchCount: r.PrefetchCount,
			BatchSize:     r.BatchSize,
			BatchWindow:   r.BatchWindow,
			Auth:          rabbitmq.AuthConfig{Username: r.Username, Password: r.Password},
			Redelivery:    policy,
			DeadLetter:    rt.DeadLetter,
		}, rt.Handler, logger)
		if err != nil {
			return abort(WrapExitError(ExitCommandError, "rabbitmq adapter", err))
		}
		if err := adapter.Start(ctx); err != nil {
			return abort(WrapExitError(ExitCommandError, "start rabbitmq adapter", err))
		}
		g.Go(func() error {
			<-ctx.Done()
			return adapter.Close()
		})
	}

	if cfg.Ingest.HTTP.Enabled {
		h := httpapi.Config{Enabled: true, Addr: cfg.Ingest.HTTP.Addr, APIKeys: cfg.Ingest.HTTP.APIKeys}
		if err := h.Validate(); err != nil {
			return abort(WrapExitError(ExitCommandError, "http ingest", err))
		}
		router := httpapi.NewRouter(rt.Handler, rt.Pinger, h.APIKeys, logger)
		g.Go(func() error { return httpapi.Serve(ctx, h, router, logger) })
	}

	if rt.Purger != nil && cfg.Store.Backend != config.BackendMemory {
		g.Go(func() error {
			storage.RunExpirySweep(ctx, rt.Purger, cfg.Store.PurgeInterval, logger)
			return nil
		})
	}

	logger.Info("dedupd serving",
		"store", cfg.Store.Backend,
		"kafka", cfg.Ingest.Kafka.Enabled,
		"rabbitmq", cfg.Ingest.RabbitMQ.Enabled,
		"http", cfg.Ingest.HTTP.Enabled,
	)
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "serve", err)
	}
	logger.Info("dedupd stopped")
	return nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
