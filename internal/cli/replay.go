package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"dedupd/internal/config"
	"dedupd/internal/domain"
	"dedupd/internal/handler"

	"github.com/spf13/cobra"
)

type ReplayOptions struct {
	*RootOptions
	Detail bool
}

// ReplayOutput is the failure report, optionally with per-record states.
type ReplayOutput struct {
	BatchItemFailures []domain.BatchItemFailure `json:"batchItemFailures"`
	Records           []ReplayRecord            `json:"records,omitempty"`
}

type ReplayRecord struct {
	SequenceToken string `json:"sequenceToken"`
	IdentityKey   string `json:"identityKey,omitempty"`
	State         string `json:"state"`
	Error         string `json:"error,omitempty"`
}

func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <event.json>",
		Short: "Process one Kinesis-style event file and print the failure report",
		Long: `Run one invocation over the records in a Kinesis-style event file against
the configured store and side effect, then print the batchItemFailures report.

Exit codes:
  0 - every record handled
  1 - some records reported failed
  2 - command error (bad config, unreadable event, store unavailable)

Examples:
  dedupd replay --config ./dedupd.yaml event.json
  dedupd replay --config ./dedupd.yaml --detail event.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, cmd, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Detail, "detail", false, "include every record's final state")

	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, cmd *cobra.Command, eventPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	body, err := os.ReadFile(eventPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "read event", err)
	}
	batch, err := handler.DecodeKinesisEvent(body)
	if err != nil {
		return WrapExitError(ExitCommandError, "decode event", err)
	}
	if batch.Source == "" {
		batch.Source = cfg.Stream.Source
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Server.LogLevel, opts.Verbose)
	rt, err := Build(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "build runtime", err)
	}
	defer rt.Close()

	outcome, results := rt.Handler.HandleDetailed(ctx, batch)

	out := ReplayOutput{BatchItemFailures: outcome.Response().BatchItemFailures}
	if opts.Detail {
		out.Records = make([]ReplayRecord, len(results))
		for i, r := range results {
			out.Records[i] = ReplayRecord{SequenceToken: r.SequenceToken, IdentityKey: r.IdentityKey, State: r.State.String()}
			if r.Err != nil {
				out.Records[i].Error = r.Err.Error()
			}
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if !outcome.Succeeded() {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d records failed", len(outcome.FailedSequenceTokens), len(batch.Records)))
	}
	return nil
}
