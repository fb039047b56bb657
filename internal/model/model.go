// Package model holds the shared data types passed between the portfolio
// core's subsystems: positions, quotes, computed snapshots and the
// persisted equity-curve rows.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionType describes whether an Account can only be read or can also
// place trades through its provider.
type ConnectionType string

const (
	ConnectionRead  ConnectionType = "read"
	ConnectionTrade ConnectionType = "trade"
)

// SnapshotType enumerates the kinds of row the snapshot store persists.
type SnapshotType string

const (
	SnapshotIntraday           SnapshotType = "intraday"
	SnapshotDailyEOD           SnapshotType = "daily_eod"
	SnapshotReconstructed      SnapshotType = "reconstructed"
	SnapshotIntradayAggregated SnapshotType = "intraday_aggregated"
)

// IntradayPLSentinel is the -999999 magic value some upstream brokers return
// instead of a proper null P&L figure. NormalizeSentinel and the
// calculator's intraday-P&L sum treat it as zero in unrealized_intraday_pl;
// Position has no unrealized_plpc field, so that field is not normalized
// here.
const IntradayPLSentinel = -999999

// Account is a brokerage or aggregated investment account owned by one user.
type Account struct {
	AccountID      string
	UserID         string
	Provider       string
	IsActive       bool
	ConnectionType ConnectionType
}

// IsAggregation reports whether the account's positions come from a
// read-only aggregation provider (Plaid/SnapTrade) rather than a live
// trading brokerage.
func (a Account) IsAggregation() bool {
	return a.ConnectionType == ConnectionRead
}

// Position is one symbol held in one account at a point in time.
type Position struct {
	Symbol                string          `json:"symbol"`
	Quantity              decimal.Decimal `json:"quantity"`
	CostBasis             decimal.Decimal `json:"cost_basis"`
	MarketValue           decimal.Decimal `json:"market_value"`
	CurrentPrice          decimal.Decimal `json:"current_price"`
	AvgEntryPrice         decimal.Decimal `json:"avg_entry_price"`
	UnrealizedPL          decimal.Decimal `json:"unrealized_pl"`
	UnrealizedIntradayPL  *decimal.Decimal `json:"unrealized_intraday_pl,omitempty"`
}

// NormalizeSentinel replaces a -999999 sentinel in UnrealizedIntradayPL
// with zero.
func (p *Position) NormalizeSentinel() {
	if p.UnrealizedIntradayPL != nil && p.UnrealizedIntradayPL.Equal(decimal.NewFromInt(IntradayPLSentinel)) {
		zero := decimal.Zero
		p.UnrealizedIntradayPL = &zero
	}
}

// AccountContribution is one account's share of an AggregatedHolding.
type AccountContribution struct {
	AccountID    string          `json:"account_id"`
	Quantity     decimal.Decimal `json:"quantity"`
	MarketValue  decimal.Decimal `json:"market_value"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
}

// AggregatedHolding is one symbol summed across a user's accounts.
type AggregatedHolding struct {
	UserID              string                 `json:"user_id"`
	Symbol              string                 `json:"symbol"`
	TotalQuantity       decimal.Decimal        `json:"total_quantity"`
	TotalMarketValue    decimal.Decimal        `json:"total_market_value"`
	TotalCostBasis      decimal.Decimal        `json:"total_cost_basis"`
	AccountContributions []AccountContribution `json:"account_contributions"`
}

// Quote is the latest price for a tracked symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskSize   int64           `json:"ask_size"`
	BidSize   int64           `json:"bid_size"`
	Timestamp time.Time       `json:"timestamp"`
}

// PortfolioSnapshot is the computed value of an account at a moment.
type PortfolioSnapshot struct {
	AccountID         string          `json:"account_id"`
	TotalValue        decimal.Decimal `json:"raw_value"`
	TodayReturnAmount decimal.Decimal `json:"-"`
	TodayReturnPct    decimal.Decimal `json:"-"`
	RawReturn         decimal.Decimal `json:"raw_return"`
	RawReturnPercent  decimal.Decimal `json:"raw_return_percent"`
	Timestamp         time.Time       `json:"timestamp"`
}

// HistorySnapshot is a persisted point on a user's equity curve.
type HistorySnapshot struct {
	UserID                string
	ValueDate             time.Time
	SnapshotType          SnapshotType
	TotalValue            decimal.Decimal
	TotalCostBasis        decimal.Decimal
	TotalGainLoss         decimal.Decimal
	TotalGainLossPercent  decimal.Decimal
	OpeningValue          decimal.Decimal
	ClosingValue          *decimal.Decimal
	DataSource            string
	PriceSource           string
	DataQualityScore      int
	CreatedAt             time.Time
}

// LeaderLease marks the active core replica for one named service.
type LeaderLease struct {
	Key        string
	InstanceID string
	ExpiresAt  time.Time
}

// RateLimitRecord is a per-user throttle for expensive refresh actions.
type RateLimitRecord struct {
	UserID       string
	ActionType   string
	LastActionAt time.Time
	ActionCount  int
}
