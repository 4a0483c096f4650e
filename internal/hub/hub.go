// Package hub wires the store, the event bus and every component that
// reads the log into one explicitly constructed unit.
package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/memory-hub/internal/agents"
	"github.com/rcliao/memory-hub/internal/clock"
	"github.com/rcliao/memory-hub/internal/config"
	"github.com/rcliao/memory-hub/internal/events"
	"github.com/rcliao/memory-hub/internal/mylog"
	"github.com/rcliao/memory-hub/internal/store"
	"github.com/rcliao/memory-hub/internal/subscription"
	"github.com/rcliao/memory-hub/internal/trust"
	"github.com/rcliao/memory-hub/internal/webhook"
)

// pollInterval is how often consumers look for writes made by other
// processes sharing the database file.
const pollInterval = 2 * time.Second

// Hub is an open memory hub.
type Hub struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    *store.SQLiteStore
	Bus      *events.Bus
	Subs     *subscription.Manager
	Webhooks *webhook.Dispatcher
	Agents   *agents.Registry
	Trust    *trust.Scorer
}

// Option adjusts how a Hub is opened.
type Option func(*openOptions)

type openOptions struct {
	clock clock.Clock
}

// WithClock replaces the real clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(o *openOptions) { o.clock = c }
}

// Open opens the database named by cfg and builds every component. Nothing
// runs in the background until Run is called.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Hub, error) {
	var o openOptions
	for _, fn := range opts {
		fn(&o)
	}
	logger = mylog.OrDiscard(logger)

	st, err := store.Open(cfg.DB, store.Options{
		Timeout:     cfg.Writer.Timeout,
		Readers:     cfg.Writer.Readers,
		BusyTimeout: cfg.Writer.BusyTimeout,
		Policy:      trust.PolicyFor(cfg.Trust),
		Clock:       o.clock,
		Logger:      logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	h := &Hub{Config: cfg, Logger: logger, Store: st}

	if err := h.build(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return h, nil
}

func (h *Hub) build(ctx context.Context) error {
	cfg := h.Config
	h.Bus = events.NewBus(h.Store, events.Retention{
		Hot:               cfg.Retention.Hot,
		Warm:              cfg.Retention.Warm,
		Cold:              cfg.Retention.Cold,
		WarmMinImportance: cfg.Retention.WarmMinImportance,
	}, h.Logger)

	var err error
	if h.Trust, err = trust.NewScorer(ctx, h.Store, h.Bus, cfg.Trust, h.Logger); err != nil {
		return errors.Wrap(err, "trust scorer")
	}
	h.Store.SetTrustSource(h.Trust)

	if h.Agents, err = agents.New(ctx, h.Store, h.Bus, agents.Options{
		IdleTimeout:   cfg.Registry.IdleTimeout,
		SweepInterval: cfg.Registry.SweepInterval,
		InitialTrust:  &cfg.Trust.Initial,
		Logger:        h.Logger,
	}); err != nil {
		return errors.Wrap(err, "agent registry")
	}

	if h.Subs, err = subscription.NewManager(ctx, h.Store, h.Bus, h.Logger); err != nil {
		return errors.Wrap(err, "subscriptions")
	}

	h.Webhooks = webhook.New(h.Subs, webhook.Options{
		Workers:          cfg.Webhook.Workers,
		Queue:            cfg.Webhook.Queue,
		Timeout:          cfg.Webhook.Timeout,
		MaxAttempts:      cfg.Webhook.MaxAttempts,
		BaseDelay:        cfg.Webhook.BaseDelay,
		MaxDelay:         cfg.Webhook.MaxDelay,
		BreakerThreshold: cfg.Webhook.BreakerThreshold,
		BreakerCooldown:  cfg.Webhook.BreakerCooldown,
		Clock:            h.Store.Clock(),
		Logger:           h.Logger,
	})
	return nil
}

// Run starts the background loops: registry, trust scorer, webhook
// delivery and compaction. It blocks until ctx is done or a loop fails.
func (h *Hub) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Agents.Run(ctx) })
	g.Go(func() error { return h.Trust.Run(ctx) })
	g.Go(func() error { return h.Webhooks.Run(ctx) })
	g.Go(func() error {
		return h.Bus.RunCompaction(ctx, h.Store.Clock(), h.Config.Retention.CompactInterval)
	})
	g.Go(func() error {
		t := h.Store.Clock().NewTicker(pollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C():
				h.Bus.Kick()
			}
		}
	})

	h.Logger.Info("hub running", "db", h.Store.Path(), "health", h.Store.Health())
	return g.Wait()
}

// CatchUp runs the registry and the scorer over every event they have not
// seen yet. One-shot commands call it so their writes are accounted for
// without a running server.
func (h *Hub) CatchUp(ctx context.Context) error {
	for _, c := range []*events.Consumer{h.Agents.Consumer(), h.Trust.Consumer()} {
		for {
			n, err := c.Drain(ctx)
			if err != nil {
				return errors.Wrapf(err, "catch up %s", c.Name())
			}
			if n == 0 {
				break
			}
		}
	}
	return nil
}

// Close stops the writer lane and closes the database.
func (h *Hub) Close() error {
	return h.Store.Close()
}
