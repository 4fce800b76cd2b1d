package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chanrelay/internal/config"
	"github.com/ppiankov/chanrelay/internal/cursor"
	"github.com/ppiankov/chanrelay/internal/logging"
	"github.com/ppiankov/chanrelay/internal/metrics"
	"github.com/ppiankov/chanrelay/internal/privacy"
	"github.com/ppiankov/chanrelay/internal/relay"
	"github.com/ppiankov/chanrelay/internal/sink"
	"github.com/ppiankov/chanrelay/internal/source"
)

func relayAction(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})

	store, err := cursor.Open(cfg.State.Backend, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open cursor store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Warn().Err(err).Msg("close cursor store")
		}
	}()

	r, err := buildRelay(ctx, cfg, store)
	if err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logging.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	if runOnce {
		res, err := r.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d new message(s) processed, cursor %s\n", res.New, res.Cursor)
		return nil
	}

	return r.Run(ctx)
}

func buildRelay(ctx context.Context, cfg *config.Config, store cursor.Store) (*relay.Relay, error) {
	src, err := source.NewDiscord(source.DiscordOptions{
		ChannelID: cfg.Source.ChannelID,
		Token:     cfg.Source.Token,
		BaseURL:   cfg.Source.BaseURL,
		UserAgent: cfg.Source.UserAgent,
		Timeout:   cfg.Source.Timeout.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}

	redact, err := privacy.New(cfg.Privacy.Redact, cfg.Privacy.Placeholder)
	if err != nil {
		return nil, err
	}

	targets := make([]sink.Target, 0, len(cfg.Delivery.Webhooks))
	for i, u := range cfg.Delivery.Webhooks {
		targets = append(targets, sink.Target{Index: i + 1, URL: u})
	}
	sinks, err := sink.NewWebhookSet(targets, cfg.Delivery.Timeout.Duration, redact)
	if err != nil {
		return nil, fmt.Errorf("create sinks: %w", err)
	}

	r, err := relay.New(ctx, relay.Options{
		Source: src,
		Sinks:  sinks,
		Store:  store,
		Schedule: relay.Schedule{
			Period: cfg.Schedule.Period.Duration,
			Offset: cfg.Schedule.Offset.Duration,
		},
		Limit: cfg.Source.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("create relay: %w", err)
	}
	return r, nil
}
