package calculator

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/portfolio-management/portfolio-core/internal/broker"
)

// plausibilityThreshold and hardRejectThreshold implement
// point 4: a candidate daily return whose absolute percent of current
// equity exceeds 5% is rejected as "likely includes an uncategorized cash
// flow or stale baseline", and anything above 10% is always rejected
// regardless of which source produced it.
var (
	plausibilityThreshold = decimal.NewFromFloat(0.05)
	hardRejectThreshold   = decimal.NewFromFloat(0.10)
)

// dailyReturnSource names which of the three data sources produced the
// accepted return, purely for logging/observability.
type dailyReturnSource string

const (
	sourcePositionIntradayPL dailyReturnSource = "position_intraday_pl"
	sourceDepositAdjusted    dailyReturnSource = "deposit_adjusted_equity_delta"
	sourcePortfolioHistory   dailyReturnSource = "portfolio_history"
	sourceNone               dailyReturnSource = "none"
)

type dailyReturn struct {
	Amount  decimal.Decimal
	Percent decimal.Decimal
	Source  dailyReturnSource
}

func zeroReturn() dailyReturn {
	return dailyReturn{Amount: decimal.Zero, Percent: decimal.Zero, Source: sourceNone}
}

// percentOf returns amount/base, or zero if base is zero (an account with
// no equity cannot have a meaningful percent return).
func percentOf(amount, base decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return amount.Div(base)
}

// withinHardCap reports whether a candidate's absolute percent return is at
// or below the 10% cap that applies unconditionally.
func withinHardCap(percent decimal.Decimal) bool {
	return percent.Abs().LessThanOrEqual(hardRejectThreshold)
}

// passesPlausibility reports whether a candidate's absolute percent return
// is at or below the 5% heuristic threshold.
func passesPlausibility(percent decimal.Decimal) bool {
	return percent.Abs().LessThanOrEqual(plausibilityThreshold)
}

// computeDailyReturn implements the algorithm in: primary
// source (summed position-level intraday P&L), secondary source
// (deposit-adjusted equity delta), tertiary source (broker portfolio
// history), each validated against the plausibility/hard-cap thresholds,
// falling back to zero with a logged warning if every source is exhausted
// or implausible.
func computeDailyReturn(
	ctx context.Context,
	accountID string,
	positions []broker.BrokerPosition,
	account broker.Account,
	cashActivity []broker.CashActivity,
	history broker.PortfolioHistory,
	historyErr error,
	logger *zap.Logger,
) dailyReturn {
	currentEquity := account.Equity

	// 1. Primary source: position-level intraday P&L.
	if primary, ok := sumIntradayPL(positions); ok {
		percent := percentOf(primary, currentEquity)
		if withinHardCap(percent) {
			return dailyReturn{Amount: primary, Percent: percent, Source: sourcePositionIntradayPL}
		}
		logger.Warn("calculator: primary daily-return source exceeded hard cap, falling through",
			zap.String("account_id", accountID), zap.String("percent", percent.String()))
	}

	// 2. Secondary source: deposit-adjusted equity delta.
	deposits, withdrawals := sumCashActivity(cashActivity)
	adjustedCurrent := currentEquity.Sub(deposits.Sub(withdrawals))
	secondary := adjustedCurrent.Sub(account.LastEquity)
	secondaryPercent := percentOf(secondary, currentEquity)
	if withinHardCap(secondaryPercent) && passesPlausibility(secondaryPercent) {
		return dailyReturn{Amount: secondary, Percent: secondaryPercent, Source: sourceDepositAdjusted}
	}
	if !withinHardCap(secondaryPercent) {
		logger.Warn("calculator: deposit-adjusted return exceeded hard cap",
			zap.String("account_id", accountID), zap.String("percent", secondaryPercent.String()))
	} else {
		logger.Warn("calculator: deposit-adjusted return rejected by plausibility threshold",
			zap.String("account_id", accountID), zap.String("percent", secondaryPercent.String()))
	}

	// 3. Tertiary source: broker-provided portfolio-history endpoint.
	if historyErr == nil && len(history.ProfitLoss) > 0 {
		tertiary := history.ProfitLoss[len(history.ProfitLoss)-1]
		tertiaryPercent := percentOf(tertiary, currentEquity)
		if withinHardCap(tertiaryPercent) && passesPlausibility(tertiaryPercent) {
			return dailyReturn{Amount: tertiary, Percent: tertiaryPercent, Source: sourcePortfolioHistory}
		}
		logger.Warn("calculator: portfolio-history return rejected by validator",
			zap.String("account_id", accountID), zap.String("percent", tertiaryPercent.String()))
	}

	// 5. Conservative fallback.
	logger.Warn("calculator: no daily-return source passed validation, returning zero",
		zap.String("account_id", accountID))
	return zeroReturn()
}

// sumIntradayPL sums unrealized_intraday_pl across positions. It returns
// ok=false when no position carries a non-nil, non-zero value, signalling
// the caller to fall through to the secondary source: the primary source
// is only "ground truth" when the broker actually supplies it.
func sumIntradayPL(positions []broker.BrokerPosition) (decimal.Decimal, bool) {
	sum := decimal.Zero
	sawNonZero := false
	for _, p := range positions {
		if p.UnrealizedIntradayPL == nil {
			continue
		}
		v := *p.UnrealizedIntradayPL
		if v.Equal(decimal.NewFromInt(-999999)) {
			v = decimal.Zero
		}
		if !v.IsZero() {
			sawNonZero = true
		}
		sum = sum.Add(v)
	}
	if !sawNonZero {
		return decimal.Zero, false
	}
	return sum, true
}

func sumCashActivity(activity []broker.CashActivity) (deposits, withdrawals decimal.Decimal) {
	deposits, withdrawals = decimal.Zero, decimal.Zero
	for _, a := range activity {
		switch a.Type {
		case "CSD":
			deposits = deposits.Add(a.Amount)
		case "CSW":
			withdrawals = withdrawals.Add(a.Amount.Abs())
		}
	}
	return deposits, withdrawals
}
