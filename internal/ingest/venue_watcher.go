// Package ingest contains the polling agents that feed external data onto
// the bus: one venue watcher per venue adapter and one oracle agent per
// oracle source. Both declare no subscriptions; they are pure producers
// driven by the runtime's tick cadence.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"arbpilot/internal/bus"
	"arbpilot/internal/venue"
	"arbpilot/pkg/types"
)

// rosterLimit bounds the market roster published per poll.
const rosterLimit = 50

// VenueWatcher polls one venue adapter and publishes price updates for
// changed markets, a bounded roster, and multi-outcome snapshots.
type VenueWatcher struct {
	adapter  venue.Adapter
	bus      bus.Bus
	logger   *slog.Logger
	interval time.Duration

	// lastYes caches market_id → last published YES price so only changed
	// markets hit the price channel.
	lastYes map[string]decimal.Decimal
}

// NewVenueWatcher creates a watcher for one adapter.
func NewVenueWatcher(a venue.Adapter, b bus.Bus, logger *slog.Logger, interval time.Duration) *VenueWatcher {
	return &VenueWatcher{
		adapter:  a,
		bus:      b,
		logger:   logger.With("component", "venue-watcher", "venue", a.Name()),
		interval: interval,
		lastYes:  make(map[string]decimal.Decimal),
	}
}

func (w *VenueWatcher) Name() string            { return "venue-watcher-" + w.adapter.Name() }
func (w *VenueWatcher) Subscriptions() []string { return nil }

// Handle is never called: the watcher has no subscriptions.
func (w *VenueWatcher) Handle(context.Context, string, bus.Message) error { return nil }

func (w *VenueWatcher) TickInterval() time.Duration { return w.interval }

// Start connects the adapter. Geo-blocked adapters fail here once; the
// supervisor backs off and the remaining agents keep running.
func (w *VenueWatcher) Start(ctx context.Context) error {
	if w.adapter.IsConnected() {
		return nil
	}
	return w.adapter.Connect(ctx)
}

// Tick polls the venue once. Adapter errors are logged and swallowed so a
// flaky venue never aborts the agent; only bus failures propagate.
func (w *VenueWatcher) Tick(ctx context.Context) error {
	markets, err := w.adapter.GetMarkets(ctx)
	if err != nil {
		w.logger.Warn("poll failed", "error", err)
		return nil
	}

	changed := 0
	for _, m := range markets {
		if last, ok := w.lastYes[m.ID]; ok && last.Equal(m.YesPrice) {
			continue
		}
		w.lastYes[m.ID] = m.YesPrice
		if _, err := w.bus.Publish(ctx, bus.VenuePrices(w.adapter.Name()), m.Record()); err != nil {
			return err
		}
		changed++
	}

	roster := markets
	if len(roster) > rosterLimit {
		roster = roster[:rosterLimit]
	}
	if len(roster) > 0 {
		if _, err := w.bus.Publish(ctx, bus.VenueMarkets(w.adapter.Name()), types.RosterRecord(w.adapter.Name(), roster)); err != nil {
			return err
		}
	}

	multi, err := w.adapter.GetMultiOutcomeMarkets(ctx)
	if err != nil {
		w.logger.Warn("multi-outcome poll failed", "error", err)
	}
	for _, m := range multi {
		if _, err := w.bus.Publish(ctx, bus.VenueMulti(w.adapter.Name()), m.Record()); err != nil {
			return err
		}
	}

	w.logger.Info("poll complete", "markets", len(markets), "changed", changed, "multi", len(multi))
	return nil
}
