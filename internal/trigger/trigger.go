// Package trigger maps named trigger events to the destinations subscribed
// to them.
package trigger

import (
	"context"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/wrapperd/internal/config"
	"github.com/schaermu/wrapperd/internal/syncer"
)

// Syncer synchronizes one destination
type Syncer interface {
	Sync(ctx context.Context, dest config.Destination) syncer.Outcome
}

// Router fires named triggers against their subscribed destinations
type Router struct {
	syncer       Syncer
	destinations []config.Destination
	logger       *slog.Logger
}

// NewRouter creates a router over the configured destination graph
func NewRouter(s Syncer, destinations []config.Destination, logger *slog.Logger) *Router {
	return &Router{
		syncer:       s,
		destinations: destinations,
		logger:       logger,
	}
}

// Subscribed returns the destinations listening on a trigger name
func (r *Router) Subscribed(name string) []config.Destination {
	var subscribed []config.Destination
	for _, dest := range r.destinations {
		if slices.Contains(dest.Triggers, name) {
			subscribed = append(subscribed, dest)
		}
	}
	return subscribed
}

// Fire synchronizes every destination subscribed to the named trigger.
// Destinations are independent and sync concurrently; one failure never
// blocks the others. Firing an unknown trigger or one with no subscribers
// is a no-op.
func (r *Router) Fire(ctx context.Context, name string) map[string]syncer.Outcome {
	subscribed := r.Subscribed(name)
	if len(subscribed) == 0 {
		r.logger.Debug("trigger has no subscribers", "trigger", name)
		return nil
	}

	r.logger.Info("trigger fired", "trigger", name, "destinations", len(subscribed))

	outcomes := make([]syncer.Outcome, len(subscribed))
	var group errgroup.Group
	for i, dest := range subscribed {
		group.Go(func() error {
			outcomes[i] = r.syncer.Sync(ctx, dest)
			return nil
		})
	}
	_ = group.Wait()

	results := make(map[string]syncer.Outcome, len(subscribed))
	for i, dest := range subscribed {
		outcome := outcomes[i]
		results[dest.Name] = outcome
		if outcome.Failed() {
			r.logger.Error("destination sync failed",
				"trigger", name,
				"destination", dest.Name,
				"error", outcome.Err)
		}
	}
	return results
}
