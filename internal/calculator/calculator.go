// Package calculator implements debounced, per-account recompute of total
// portfolio value and daily return, published on portfolio_updates and
// cached at last_portfolio:*. A ticker-driven recompute loop underlies it,
// reworked from "recompute on every price tick" to "debounce price ticks,
// force-recompute on a periodic tick, and only hit the broker API on an
// actual recompute".
package calculator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/portfolio-management/portfolio-core/internal/broker"
	"github.com/portfolio-management/portfolio-core/internal/bus"
	"github.com/portfolio-management/portfolio-core/internal/cache"
	"github.com/portfolio-management/portfolio-core/internal/model"
	"github.com/portfolio-management/portfolio-core/internal/snapshot"
)

// BrokerAPI is the subset of broker.Client the calculator needs. An
// interface so tests can stub it without an HTTP server.
type BrokerAPI interface {
	AccountPositions(ctx context.Context, accountID string) ([]broker.BrokerPosition, error)
	GetAccount(ctx context.Context, accountID string) (broker.Account, error)
	TodayCashActivity(ctx context.Context, accountID string) ([]broker.CashActivity, error)
	GetPortfolioHistory(ctx context.Context, accountID string) (broker.PortfolioHistory, error)
}

// AccountRepository resolves which accounts exist and whether an account is
// a live brokerage connection or a read-only aggregation holding.
type AccountRepository interface {
	ListActiveAccounts(ctx context.Context) ([]model.Account, error)
	GetAccount(ctx context.Context, accountID string) (model.Account, error)
	AggregatedHoldings(ctx context.Context, userID string) ([]model.AggregatedHolding, error)
}

// SnapshotWriter persists one point on a user's equity curve. Implemented by
// internal/snapshot.
type SnapshotWriter interface {
	WriteIntraday(ctx context.Context, snap model.HistorySnapshot) error
}

// Config tunes debounce/recompute timings (MIN_UPDATE_INTERVAL and
// RECALCULATION_INTERVAL in internal/config) and the enrichment cache TTL.
type Config struct {
	MinUpdateInterval   time.Duration
	ForceRecomputeEvery time.Duration
	EnrichmentCacheTTL  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinUpdateInterval == 0 {
		c.MinUpdateInterval = 2 * time.Second
	}
	if c.ForceRecomputeEvery == 0 {
		c.ForceRecomputeEvery = 60 * time.Second
	}
	if c.EnrichmentCacheTTL == 0 {
		c.EnrichmentCacheTTL = 60 * time.Second
	}
	return c
}

// Calculator owns the debounce state and recompute loop for every tracked
// brokerage account, plus on-demand live enrichment for aggregation-mode
// accounts.
type Calculator struct {
	store      *cache.Store
	broker     BrokerAPI
	bus        bus.Bus
	accounts   AccountRepository
	snapshots  SnapshotWriter
	logger     *zap.Logger
	cfg        Config

	mu        sync.Mutex
	pending   map[string]*time.Timer
	lastEquity map[string]decimal.Decimal

	enrichMu sync.Mutex
	enrich   map[string]enrichmentEntry
}

type enrichmentEntry struct {
	snapshot  model.PortfolioSnapshot
	expiresAt time.Time
}

func New(store *cache.Store, brokerAPI BrokerAPI, b bus.Bus, accounts AccountRepository, snapshots SnapshotWriter, logger *zap.Logger, cfg Config) *Calculator {
	return &Calculator{
		store:      store,
		broker:     brokerAPI,
		bus:        b,
		accounts:   accounts,
		snapshots:  snapshots,
		logger:     logger,
		cfg:        cfg.withDefaults(),
		pending:    make(map[string]*time.Timer),
		lastEquity: make(map[string]decimal.Decimal),
		enrich:     make(map[string]enrichmentEntry),
	}
}

// OnPriceUpdate is called for every price_updates message while this
// replica is the portfolio-calculator leader. It debounces: a price tick
// schedules a recompute min_update_interval in the future, and any tick
// that arrives before that timer fires is coalesced into the same
// scheduled run rather than resetting it, so at most one recompute runs
// per account per min_update_interval.
func (c *Calculator) OnPriceUpdate(ctx context.Context, symbol string) {
	affected, err := c.accountsHoldingSymbol(ctx, symbol)
	if err != nil {
		c.logger.Warn("calculator: failed to resolve accounts for symbol", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	for _, accountID := range affected {
		c.scheduleDebounced(ctx, accountID)
	}
}

func (c *Calculator) scheduleDebounced(ctx context.Context, accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, scheduled := c.pending[accountID]; scheduled {
		return
	}
	c.pending[accountID] = time.AfterFunc(c.cfg.MinUpdateInterval, func() {
		c.mu.Lock()
		delete(c.pending, accountID)
		c.mu.Unlock()
		if err := c.Recompute(ctx, accountID); err != nil {
			c.logger.Warn("calculator: debounced recompute failed", zap.String("account_id", accountID), zap.Error(err))
		}
	})
}

// RunForceRecompute subscribes to price_updates (feeding OnPriceUpdate) for
// as long as ctx lives, and periodically recomputes every active brokerage
// account regardless of debounce state, as a correctness backstop against
// missed or dropped price ticks.
func (c *Calculator) RunForceRecompute(ctx context.Context) {
	sub, err := c.bus.SubscribePriceUpdates(func(u bus.PriceUpdate) {
		c.OnPriceUpdate(ctx, u.Symbol)
	})
	if err != nil {
		c.logger.Warn("calculator: failed to subscribe to price_updates", zap.Error(err))
	} else if sub != nil {
		defer sub.Unsubscribe()
	}

	ticker := time.NewTicker(c.cfg.ForceRecomputeEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			accounts, err := c.accounts.ListActiveAccounts(ctx)
			if err != nil {
				c.logger.Warn("calculator: failed to list active accounts for force recompute", zap.Error(err))
				continue
			}
			for _, a := range accounts {
				if a.IsAggregation() {
					continue
				}
				if err := c.Recompute(ctx, a.AccountID); err != nil {
					c.logger.Warn("calculator: force recompute failed", zap.String("account_id", a.AccountID), zap.Error(err))
				}
			}
		}
	}
}

// Recompute fetches the account's current cash/equity/positions from the
// broker, computes total value and daily return, caches the result at
// last_portfolio:<account_id>, publishes a portfolio_updates message, and
// persists an intraday snapshot row.
func (c *Calculator) Recompute(ctx context.Context, accountID string) error {
	positions, err := c.broker.AccountPositions(ctx, accountID)
	if err != nil {
		return fmt.Errorf("calculator: fetch positions: %w", err)
	}
	account, err := c.broker.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("calculator: fetch account: %w", err)
	}
	cashActivity, err := c.broker.TodayCashActivity(ctx, accountID)
	if err != nil {
		c.logger.Warn("calculator: cash activity fetch failed, secondary source degraded",
			zap.String("account_id", accountID), zap.Error(err))
		cashActivity = nil
	}
	history, historyErr := c.broker.GetPortfolioHistory(ctx, accountID)

	ret := computeDailyReturn(ctx, accountID, positions, account, cashActivity, history, historyErr, c.logger)

	totalValue := account.Equity
	if totalValue.IsNegative() {
		// total_value must never be negative; a negative broker equity
		// figure indicates a margin/data anomaly upstream.
		c.logger.Warn("calculator: broker reported negative equity, clamping to zero", zap.String("account_id", accountID))
		totalValue = decimal.Zero
	}

	snap := model.PortfolioSnapshot{
		AccountID:        accountID,
		TotalValue:       totalValue,
		RawReturn:        ret.Amount,
		RawReturnPercent: ret.Percent,
		Timestamp:        time.Now(),
	}

	if err := c.publishAndCache(ctx, snap); err != nil {
		return err
	}

	if c.snapshots != nil && snapshot.IsMarketHours(snap.Timestamp) {
		hs := model.HistorySnapshot{
			UserID:       accountID,
			ValueDate:    snap.Timestamp.Truncate(24 * time.Hour),
			SnapshotType: model.SnapshotIntraday,
			TotalValue:   totalValue,
			DataSource:   "calculator",
			PriceSource:  string(ret.Source),
			CreatedAt:    snap.Timestamp,
		}
		if err := c.snapshots.WriteIntraday(ctx, hs); err != nil {
			c.logger.Warn("calculator: failed to persist intraday snapshot", zap.String("account_id", accountID), zap.Error(err))
		}
	}

	return nil
}

func (c *Calculator) publishAndCache(ctx context.Context, snap model.PortfolioSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("calculator: marshal snapshot: %w", err)
	}
	if err := c.store.SetLastPortfolio(ctx, snap.AccountID, payload); err != nil {
		c.logger.Warn("calculator: failed to cache last_portfolio", zap.String("account_id", snap.AccountID), zap.Error(err))
	}

	rawValue, _ := snap.TotalValue.Float64()
	rawReturn, _ := snap.RawReturn.Float64()
	rawReturnPct, _ := snap.RawReturnPercent.Float64()

	return c.bus.PublishPortfolioUpdate(bus.PortfolioUpdate{
		AccountID:        snap.AccountID,
		TotalValue:       snap.TotalValue.StringFixed(2),
		TodayReturn:      snap.RawReturn.StringFixed(2),
		RawValue:         rawValue,
		RawReturn:        rawReturn,
		RawReturnPercent: rawReturnPct,
		Timestamp:        snap.Timestamp.UTC().Format(time.RFC3339),
	})
}

// accountsHoldingSymbol lists the active non-aggregation accounts from the
// AccountRepository and reads each one's cached account_positions:* entry
// (written by the Symbol Collector as a JSON array of model.Position) to find
// those holding symbol. Accounts whose cached positions are missing or
// unreadable are skipped.
func (c *Calculator) accountsHoldingSymbol(ctx context.Context, symbol string) ([]string, error) {
	accounts, err := c.accounts.ListActiveAccounts(ctx)
	if err != nil {
		return nil, err
	}
	var affected []string
	for _, a := range accounts {
		if a.IsAggregation() {
			continue
		}
		raw, err := c.store.GetAccountPositions(ctx, a.AccountID)
		if err != nil {
			continue
		}
		var positions []model.Position
		if err := json.Unmarshal(raw, &positions); err != nil {
			continue
		}
		for _, p := range positions {
			if p.Symbol == symbol {
				affected = append(affected, a.AccountID)
				break
			}
		}
	}
	return affected, nil
}

// LiveValue computes a live-enriched snapshot for an aggregation-mode user
// by overlaying the most recent cached prices onto the user's stored
// AggregatedHoldings. The result is cached per user for EnrichmentCacheTTL
// so bursts of HTTP reads don't hammer the price cache.
func (c *Calculator) LiveValue(ctx context.Context, userID string) (model.PortfolioSnapshot, error) {
	c.enrichMu.Lock()
	if entry, ok := c.enrich[userID]; ok && time.Now().Before(entry.expiresAt) {
		c.enrichMu.Unlock()
		return entry.snapshot, nil
	}
	c.enrichMu.Unlock()

	holdings, err := c.accounts.AggregatedHoldings(ctx, userID)
	if err != nil {
		return model.PortfolioSnapshot{}, fmt.Errorf("calculator: load aggregated holdings: %w", err)
	}

	total := decimal.Zero
	for _, h := range holdings {
		price, err := c.store.GetPrice(ctx, h.Symbol)
		if err != nil {
			total = total.Add(h.TotalMarketValue)
			continue
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			total = total.Add(h.TotalMarketValue)
			continue
		}
		total = total.Add(h.TotalQuantity.Mul(p))
	}
	if total.IsNegative() {
		total = decimal.Zero
	}

	snap := model.PortfolioSnapshot{
		AccountID:  userID,
		TotalValue: total,
		Timestamp:  time.Now(),
	}

	c.enrichMu.Lock()
	c.enrich[userID] = enrichmentEntry{snapshot: snap, expiresAt: time.Now().Add(c.cfg.EnrichmentCacheTTL)}
	c.enrichMu.Unlock()

	return snap, nil
}
