// Package symbols implements the symbol collector: on each tick it fetches
// positions for every active account, diffs the union symbol set against
// what it tracked last, caches per-account positions and the tracked set,
// and publishes the diff. A ticker loop bound to a context drives it, so
// cancellation stops the next tick cleanly.
package symbols

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/portfolio-management/portfolio-core/internal/broker"
	"github.com/portfolio-management/portfolio-core/internal/bus"
	"github.com/portfolio-management/portfolio-core/internal/cache"
	"github.com/portfolio-management/portfolio-core/internal/model"
)

// BrokerAPI is the subset of broker.Client the collector needs.
type BrokerAPI interface {
	GetAllAccountsPositions(ctx context.Context) (broker.AllAccountsPositions, error)
}

// Collector owns the in-memory previous-symbols set, the single authority
// on what was tracked last tick that survives a failed fetch.
type Collector struct {
	store  *cache.Store
	broker BrokerAPI
	bus    bus.Bus
	logger *zap.Logger
	tick   time.Duration

	previous map[string]bool
}

func New(store *cache.Store, brokerAPI BrokerAPI, b bus.Bus, logger *zap.Logger, tick time.Duration) *Collector {
	if tick == 0 {
		tick = 300 * time.Second
	}
	return &Collector{store: store, broker: brokerAPI, bus: b, logger: logger, tick: tick, previous: make(map[string]bool)}
}

// Run drives the collector loop until ctx is cancelled. It is the work task
// handed to the leader.Elector for the "symbol-collector" service.
func (c *Collector) Run(ctx context.Context) {
	c.collectOnce(ctx)
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collectOnce(ctx)
		}
	}
}

func (c *Collector) collectOnce(ctx context.Context) {
	all, err := c.broker.GetAllAccountsPositions(ctx)
	if err != nil {
		// Transient-infrastructure class: log and retry next tick. previous
		// stays intact so a blip never causes mass-unsubscribe upstream.
		c.logger.Warn("symbols: fetch all-accounts positions failed, retrying next tick", zap.Error(err))
		return
	}

	newSymbols := make(map[string]bool)
	for accountID, positions := range all.Positions {
		modelPositions := make([]model.Position, 0, len(positions))
		for _, p := range positions {
			mp := model.Position{
				Symbol:        p.Symbol,
				Quantity:      p.Quantity,
				CostBasis:     p.CostBasis,
				MarketValue:   p.MarketValue,
				CurrentPrice:  p.CurrentPrice,
				AvgEntryPrice: p.AvgEntryPrice,
				UnrealizedPL:  p.UnrealizedPL,
			}
			if p.UnrealizedIntradayPL != nil {
				v := *p.UnrealizedIntradayPL
				mp.UnrealizedIntradayPL = &v
			}
			mp.NormalizeSentinel()
			modelPositions = append(modelPositions, mp)
			newSymbols[p.Symbol] = true
		}

		payload, err := json.Marshal(modelPositions)
		if err != nil {
			c.logger.Warn("symbols: failed to marshal positions", zap.String("account_id", accountID), zap.Error(err))
			continue
		}
		if err := c.store.SetAccountPositions(ctx, accountID, payload); err != nil {
			c.logger.Warn("symbols: failed to cache account positions", zap.String("account_id", accountID), zap.Error(err))
		}
	}

	added, removed := diff(c.previous, newSymbols)

	if err := c.store.SetTrackedSymbols(ctx, sortedKeys(newSymbols)); err != nil {
		c.logger.Warn("symbols: failed to write tracked_symbols", zap.Error(err))
	}

	if len(added) > 0 || len(removed) > 0 {
		if err := c.bus.PublishSymbolUpdate(bus.SymbolUpdate{
			Add:       added,
			Remove:    removed,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			c.logger.Warn("symbols: failed to publish symbol_updates", zap.Error(err))
		}
	}

	if err := c.store.SetSymbolCollectionUpdated(ctx, time.Now()); err != nil {
		c.logger.Warn("symbols: failed to record collection timestamp", zap.Error(err))
	}

	c.previous = newSymbols
}


func diff(previous, current map[string]bool) (added, removed []string) {
	for sym := range current {
		if !previous[sym] {
			added = append(added, sym)
		}
	}
	for sym := range previous {
		if !current[sym] {
			removed = append(removed, sym)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
