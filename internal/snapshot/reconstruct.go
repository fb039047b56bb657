package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/portfolio-management/portfolio-core/internal/model"
	"github.com/portfolio-management/portfolio-core/internal/store"
)

// ReconstructionWorker rebuilds a user's historical equity curve by
// replaying transaction history against the historical price table. It is
// invoked on connection of an aggregated account or on admin request, not
// on a schedule.
type ReconstructionWorker struct {
	store  *store.Store
	logger *zap.Logger
}

func NewReconstructionWorker(s *store.Store, logger *zap.Logger) *ReconstructionWorker {
	return &ReconstructionWorker{store: s, logger: logger}
}

// Reconstruct replays every transaction for accountID in chronological
// order, tracking running share counts and cash, and writes one
// snapshot_type=reconstructed row per distinct transaction date valued at
// that date's historical close price. Dates for which a historical price
// is unavailable are skipped rather than guessed.
func (w *ReconstructionWorker) Reconstruct(ctx context.Context, userID, accountID string) error {
	transactions, err := w.store.TransactionsForAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("snapshot: load transactions: %w", err)
	}
	if len(transactions) == 0 {
		return nil
	}

	positions := make(map[string]decimal.Decimal)
	cash := decimal.Zero
	costBasis := decimal.Zero

	currentDate := transactions[0].Date.Truncate(24 * time.Hour)
	for _, tx := range transactions {
		txDate := tx.Date.Truncate(24 * time.Hour)
		if !txDate.Equal(currentDate) {
			w.writeDay(ctx, userID, currentDate, positions, cash, costBasis)
			currentDate = txDate
		}

		switch tx.Type {
		case "buy":
			positions[tx.Symbol] = positions[tx.Symbol].Add(tx.Quantity)
			cash = cash.Sub(tx.Amount)
			costBasis = costBasis.Add(tx.Amount)
		case "sell":
			positions[tx.Symbol] = positions[tx.Symbol].Sub(tx.Quantity)
			cash = cash.Add(tx.Amount)
		case "deposit":
			cash = cash.Add(tx.Amount)
		case "withdrawal":
			cash = cash.Sub(tx.Amount)
		}
	}
	w.writeDay(ctx, userID, currentDate, positions, cash, costBasis)
	return nil
}

func (w *ReconstructionWorker) writeDay(ctx context.Context, userID string, date time.Time, positions map[string]decimal.Decimal, cash, costBasis decimal.Decimal) {
	total := cash
	priced := true
	for symbol, qty := range positions {
		if qty.IsZero() {
			continue
		}
		price, err := w.store.HistoricalClosePrice(ctx, symbol, date)
		if err != nil {
			w.logger.Warn("snapshot: missing historical price, skipping reconstructed day",
				zap.String("symbol", symbol), zap.Time("date", date), zap.Error(err))
			priced = false
			break
		}
		total = total.Add(qty.Mul(price))
	}
	if !priced || !total.IsPositive() {
		return
	}

	closing := total
	snap := model.HistorySnapshot{
		UserID:           userID,
		ValueDate:        date,
		SnapshotType:     model.SnapshotReconstructed,
		TotalValue:       total,
		TotalCostBasis:   costBasis,
		ClosingValue:     &closing,
		DataSource:       "reconstruction_worker",
		PriceSource:      "historical_prices",
		DataQualityScore: 90,
		CreatedAt:        time.Now(),
	}
	if err := w.store.InsertReconstructed(ctx, snap); err != nil {
		w.logger.Warn("snapshot: failed to write reconstructed row", zap.String("user_id", userID), zap.Error(err))
	}
}
