// Package marketdata consumes symbol_updates, drives the upstream
// marketstream.Stream's subscribe/unsubscribe calls, writes price:*/quote:*
// cache entries on every tick, and republishes price_updates for the
// portfolio calculator.
package marketdata

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/portfolio-management/portfolio-core/internal/bus"
	"github.com/portfolio-management/portfolio-core/internal/cache"
	"github.com/portfolio-management/portfolio-core/internal/marketstream"
	"github.com/portfolio-management/portfolio-core/internal/model"
)

// UpstreamStream is the subset of marketstream.Stream the consumer drives.
type UpstreamStream interface {
	Subscribe(symbols []string)
	Unsubscribe(symbols []string)
}

// Consumer wires the upstream stream to the cache and the price_updates bus.
type Consumer struct {
	store    *cache.Store
	bus      bus.Bus
	stream   UpstreamStream
	logger   *zap.Logger
	priceTTL time.Duration

	statsInterval time.Duration
	monitored     map[string]bool
}

func New(store *cache.Store, b bus.Bus, stream UpstreamStream, logger *zap.Logger, priceTTL, statsInterval time.Duration) *Consumer {
	if priceTTL == 0 {
		priceTTL = time.Hour
	}
	if statsInterval == 0 {
		statsInterval = time.Minute
	}
	return &Consumer{
		store:         store,
		bus:           b,
		stream:        stream,
		logger:        logger,
		priceTTL:      priceTTL,
		statsInterval: statsInterval,
		monitored:     make(map[string]bool),
	}
}

// Run performs the startup resubscribe from the cached tracked_symbols set,
// then blocks subscribing to symbol_updates and running the periodic stats
// reporter until ctx is cancelled. This is the work task handed to the
// leader.Elector for the "market-data-consumer" service.
func (c *Consumer) Run(ctx context.Context) {
	symbols, err := c.store.GetTrackedSymbols(ctx)
	if err != nil {
		c.logger.Warn("marketdata: failed to read tracked_symbols on startup", zap.Error(err))
	} else if len(symbols) > 0 {
		for _, s := range symbols {
			c.monitored[s] = true
		}
		c.stream.Subscribe(symbols)
	}

	sub, err := c.bus.SubscribeSymbolUpdates(func(update bus.SymbolUpdate) {
		c.handleSymbolUpdate(ctx, update)
	})
	if err != nil {
		c.logger.Error("marketdata: failed to subscribe to symbol_updates", zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	ticker := time.NewTicker(c.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reportStats(ctx)
		}
	}
}

func (c *Consumer) handleSymbolUpdate(ctx context.Context, update bus.SymbolUpdate) {
	if len(update.Add) > 0 {
		c.stream.Subscribe(update.Add)
		for _, s := range update.Add {
			c.monitored[s] = true
		}
	}
	if len(update.Remove) > 0 {
		c.stream.Unsubscribe(update.Remove)
		for _, s := range update.Remove {
			delete(c.monitored, s)
			if err := c.store.DeletePriceAndQuote(ctx, s); err != nil {
				c.logger.Warn("marketdata: failed to delete price/quote cache on removal", zap.String("symbol", s), zap.Error(err))
			}
		}
	}
}

// OnQuote is the callback passed to marketstream.New: it writes the
// price/quote cache entries and republishes price_updates. Malformed quotes
// never reach here (marketstream already drops them); this is only called
// with well-formed decoded quotes.
func (c *Consumer) OnQuote(ctx context.Context, q marketstream.Quote) {
	quote := model.Quote{
		Symbol:    q.Symbol,
		AskPrice:  q.AskPrice,
		BidPrice:  q.BidPrice,
		AskSize:   q.AskSize,
		BidSize:   q.BidSize,
		Timestamp: q.Timestamp,
	}

	if err := c.store.SetPrice(ctx, q.Symbol, q.AskPrice.String(), c.priceTTL); err != nil {
		c.logger.Warn("marketdata: failed to write price cache", zap.String("symbol", q.Symbol), zap.Error(err))
		return
	}

	payload, err := json.Marshal(quote)
	if err != nil {
		c.logger.Warn("marketdata: failed to marshal quote", zap.String("symbol", q.Symbol), zap.Error(err))
		return
	}
	if err := c.store.SetQuote(ctx, q.Symbol, payload, c.priceTTL); err != nil {
		c.logger.Warn("marketdata: failed to write quote cache", zap.String("symbol", q.Symbol), zap.Error(err))
	}

	if err := c.bus.PublishPriceUpdate(bus.PriceUpdate{
		Symbol:    q.Symbol,
		Price:     q.AskPrice.String(),
		Timestamp: q.Timestamp.UTC().Format(time.RFC3339),
	}); err != nil {
		c.logger.Warn("marketdata: failed to publish price_updates", zap.String("symbol", q.Symbol), zap.Error(err))
	}
}

func (c *Consumer) reportStats(ctx context.Context) {
	sample := make([]string, 0, 5)
	for s := range c.monitored {
		if len(sample) >= 5 {
			break
		}
		price, err := c.store.GetPrice(ctx, s)
		if err != nil {
			continue
		}
		sample = append(sample, s+"="+price)
	}
	c.logger.Info("marketdata: stats", zap.Int("monitored_symbols", len(c.monitored)), zap.Strings("sample_prices", sample))
}
