// Package store is the Postgres persistence layer: account ownership,
// aggregated holdings, the portfolio history snapshot table, and the rate
// limiter's backing table. Raw SQL over database/sql + lib/pq, no ORM.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/portfolio-management/portfolio-core/internal/model"
)

// Store wraps the shared *sql.DB connection pool.
type Store struct {
	DB *sql.DB
}

func Open(postgresURL string) (*Store, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{DB: db}, nil
}

// ListActiveAccounts returns every account the fleet should track,
// satisfying calculator.AccountRepository.
func (s *Store) ListActiveAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT account_id, user_id, provider, is_active, connection_type
		FROM user_investment_accounts
		WHERE is_active = true
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list active accounts: %w", err)
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		var a model.Account
		var connType string
		if err := rows.Scan(&a.AccountID, &a.UserID, &a.Provider, &a.IsActive, &connType); err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		a.ConnectionType = model.ConnectionType(connType)
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccount fetches a single account row.
func (s *Store) GetAccount(ctx context.Context, accountID string) (model.Account, error) {
	var a model.Account
	var connType string
	err := s.DB.QueryRowContext(ctx, `
		SELECT account_id, user_id, provider, is_active, connection_type
		FROM user_investment_accounts
		WHERE account_id = $1
	`, accountID).Scan(&a.AccountID, &a.UserID, &a.Provider, &a.IsActive, &connType)
	if err != nil {
		return model.Account{}, fmt.Errorf("store: get account %s: %w", accountID, err)
	}
	a.ConnectionType = model.ConnectionType(connType)
	return a, nil
}

// OwnsAccount reports whether userID owns accountID, satisfying
// auth.AccountOwnership.
func (s *Store) OwnsAccount(ctx context.Context, userID, accountID string) (bool, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_investment_accounts
		WHERE account_id = $1 AND user_id = $2
	`, accountID, userID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: ownership check: %w", err)
	}
	return count > 0, nil
}

// HasAggregatedAccount reports whether userID has at least one account with
// connection_type=read (aggregation provider), satisfying
// auth.AccountOwnership's "aggregated" literal-id case.
func (s *Store) HasAggregatedAccount(ctx context.Context, userID string) (bool, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_investment_accounts
		WHERE user_id = $1 AND connection_type = $2 AND is_active = true
	`, userID, string(model.ConnectionRead)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: aggregated ownership check: %w", err)
	}
	return count > 0, nil
}

// AggregatedHoldings loads a user's per-symbol roll-ups, satisfying
// calculator.AccountRepository for the live-enrichment path.
func (s *Store) AggregatedHoldings(ctx context.Context, userID string) ([]model.AggregatedHolding, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT symbol, total_quantity, total_market_value, total_cost_basis
		FROM user_aggregated_holdings
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list aggregated holdings: %w", err)
	}
	defer rows.Close()

	var out []model.AggregatedHolding
	for rows.Next() {
		h := model.AggregatedHolding{UserID: userID}
		if err := rows.Scan(&h.Symbol, &h.TotalQuantity, &h.TotalMarketValue, &h.TotalCostBasis); err != nil {
			return nil, fmt.Errorf("store: scan aggregated holding: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// UpsertAggregatedHolding rewrites one user/symbol roll-up, called whenever
// a contributing account syncs.
func (s *Store) UpsertAggregatedHolding(ctx context.Context, h model.AggregatedHolding) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO user_aggregated_holdings (user_id, symbol, total_quantity, total_market_value, total_cost_basis, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (user_id, symbol) DO UPDATE SET
			total_quantity = EXCLUDED.total_quantity,
			total_market_value = EXCLUDED.total_market_value,
			total_cost_basis = EXCLUDED.total_cost_basis,
			updated_at = now()
	`, h.UserID, h.Symbol, h.TotalQuantity, h.TotalMarketValue, h.TotalCostBasis)
	if err != nil {
		return fmt.Errorf("store: upsert aggregated holding: %w", err)
	}
	return nil
}

// HistoryRow is one row of user_portfolio_history as read from Postgres.
type HistoryRow struct {
	UserID           string
	ValueDate        time.Time
	SnapshotType     string
	TotalValue       decimal.Decimal
	ClosingValue     *decimal.Decimal
	DataSource       string
	PriceSource      string
	DataQualityScore int
	CreatedAt        time.Time
}

// WriteIntraday writes one intraday row, satisfying calculator.SnapshotWriter.
func (s *Store) WriteIntraday(ctx context.Context, snap model.HistorySnapshot) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO user_portfolio_history
			(user_id, value_date, snapshot_type, total_value, total_cost_basis, total_gain_loss,
			 total_gain_loss_percent, opening_value, closing_value, data_source, price_source,
			 data_quality_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, snap.UserID, snap.ValueDate, string(model.SnapshotIntraday), snap.TotalValue, snap.TotalCostBasis,
		snap.TotalGainLoss, snap.TotalGainLossPercent, snap.OpeningValue, snap.ClosingValue,
		snap.DataSource, snap.PriceSource, snap.DataQualityScore, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert intraday snapshot: %w", err)
	}
	return nil
}

// InsertDailyEOD writes an end-of-day row with closing_value set; callers
// must resolve a non-nil closing value before calling this.
func (s *Store) InsertDailyEOD(ctx context.Context, snap model.HistorySnapshot) error {
	if snap.ClosingValue == nil {
		return fmt.Errorf("store: daily_eod row for %s/%s requires a non-nil closing_value", snap.UserID, snap.ValueDate)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO user_portfolio_history
			(user_id, value_date, snapshot_type, total_value, total_cost_basis, total_gain_loss,
			 total_gain_loss_percent, opening_value, closing_value, data_source, price_source,
			 data_quality_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id, value_date, snapshot_type) DO NOTHING
	`, snap.UserID, snap.ValueDate, string(model.SnapshotDailyEOD), snap.TotalValue, snap.TotalCostBasis,
		snap.TotalGainLoss, snap.TotalGainLossPercent, snap.OpeningValue, snap.ClosingValue,
		snap.DataSource, snap.PriceSource, snap.DataQualityScore, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert daily_eod snapshot: %w", err)
	}
	return nil
}

// InsertReconstructed writes a reconstructed row produced by replaying
// transaction history, satisfying the same (user_id, value_date,
// snapshot_type) conditional-insert idempotence as InsertDailyEOD.
func (s *Store) InsertReconstructed(ctx context.Context, snap model.HistorySnapshot) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO user_portfolio_history
			(user_id, value_date, snapshot_type, total_value, total_cost_basis, total_gain_loss,
			 total_gain_loss_percent, opening_value, closing_value, data_source, price_source,
			 data_quality_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id, value_date, snapshot_type) DO NOTHING
	`, snap.UserID, snap.ValueDate, string(model.SnapshotReconstructed), snap.TotalValue, snap.TotalCostBasis,
		snap.TotalGainLoss, snap.TotalGainLossPercent, snap.OpeningValue, snap.ClosingValue,
		snap.DataSource, snap.PriceSource, snap.DataQualityScore, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert reconstructed snapshot: %w", err)
	}
	return nil
}

// Transaction is one buy/sell/deposit/withdrawal event replayed by the
// reconstruction worker.
type Transaction struct {
	AccountID string
	Symbol    string
	Type      string // "buy", "sell", "deposit", "withdrawal"
	Quantity  decimal.Decimal
	Amount    decimal.Decimal
	Date      time.Time
}

// TransactionsForAccount returns every transaction for an account ordered
// chronologically, the reconstruction worker's input.
func (s *Store) TransactionsForAccount(ctx context.Context, accountID string) ([]Transaction, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT account_id, symbol, transaction_type, quantity, amount, transaction_date
		FROM user_transactions
		WHERE account_id = $1
		ORDER BY transaction_date ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("store: transactions for account: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.AccountID, &t.Symbol, &t.Type, &t.Quantity, &t.Amount, &t.Date); err != nil {
			return nil, fmt.Errorf("store: scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// HistoricalClosePrice looks up the closing price for symbol on date from
// the historical_prices table populated by an offline data load.
func (s *Store) HistoricalClosePrice(ctx context.Context, symbol string, date time.Time) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := s.DB.QueryRowContext(ctx, `
		SELECT close_price FROM historical_prices WHERE symbol = $1 AND price_date = $2
	`, symbol, date).Scan(&price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("store: historical close price %s/%s: %w", symbol, date.Format("2006-01-02"), err)
	}
	return price, nil
}

// DeleteStaleIntraday removes intraday rows older than 7 days; daily_eod
// rows are the durable record past that point.
func (s *Store) DeleteStaleIntraday(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM user_portfolio_history
		WHERE snapshot_type = $1 AND created_at < now() - interval '7 days'
	`, string(model.SnapshotIntraday))
	if err != nil {
		return fmt.Errorf("store: delete stale intraday rows: %w", err)
	}
	return nil
}

// RowsInRange fetches every history row for a user within [from, to], used
// by the gap-fill read path (internal/snapshot) which does the
// selection/tagging logic as a pure function over these rows.
func (s *Store) RowsInRange(ctx context.Context, userID string, from, to time.Time) ([]HistoryRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT user_id, value_date, snapshot_type, total_value, closing_value, data_source, price_source, data_quality_score, created_at
		FROM user_portfolio_history
		WHERE user_id = $1 AND value_date BETWEEN $2 AND $3
		ORDER BY value_date ASC, created_at ASC
	`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("store: rows in range: %w", err)
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		if err := rows.Scan(&r.UserID, &r.ValueDate, &r.SnapshotType, &r.TotalValue, &r.ClosingValue,
			&r.DataSource, &r.PriceSource, &r.DataQualityScore, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan history row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DatesMissingDailyEOD returns the set of (value_date) for a user that have
// at least one intraday row but no daily_eod row, the backfill job's
// candidate set.
func (s *Store) DatesMissingDailyEOD(ctx context.Context, userID string) ([]time.Time, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT DISTINCT i.value_date
		FROM user_portfolio_history i
		WHERE i.user_id = $1 AND i.snapshot_type = $2
		AND NOT EXISTS (
			SELECT 1 FROM user_portfolio_history d
			WHERE d.user_id = i.user_id AND d.value_date = i.value_date AND d.snapshot_type = $3
		)
	`, userID, string(model.SnapshotIntraday), string(model.SnapshotDailyEOD))
	if err != nil {
		return nil, fmt.Errorf("store: dates missing daily_eod: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("store: scan missing date: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LatestIntradayOnDate returns the max-created_at intraday row for a
// user/date, used by the backfill job to promote it to daily_eod.
func (s *Store) LatestIntradayOnDate(ctx context.Context, userID string, date time.Time) (HistoryRow, error) {
	var r HistoryRow
	err := s.DB.QueryRowContext(ctx, `
		SELECT user_id, value_date, snapshot_type, total_value, closing_value, data_source, price_source, data_quality_score, created_at
		FROM user_portfolio_history
		WHERE user_id = $1 AND value_date = $2 AND snapshot_type = $3
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, date, string(model.SnapshotIntraday)).Scan(&r.UserID, &r.ValueDate, &r.SnapshotType, &r.TotalValue,
		&r.ClosingValue, &r.DataSource, &r.PriceSource, &r.DataQualityScore, &r.CreatedAt)
	if err != nil {
		return HistoryRow{}, fmt.Errorf("store: latest intraday on date: %w", err)
	}
	return r, nil
}

// ListUserIDsWithHistory returns every distinct user_id that has at least
// one history row, used by the backfill cron job to iterate users without
// a separate "all users" table dependency.
func (s *Store) ListUserIDsWithHistory(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT user_id FROM user_portfolio_history`)
	if err != nil {
		return nil, fmt.Errorf("store: list user ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan user id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
