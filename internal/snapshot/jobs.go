package snapshot

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/portfolio-management/portfolio-core/internal/model"
	"github.com/portfolio-management/portfolio-core/internal/store"
)

// AccountEquity resolves the latest cached portfolio value for an account,
// the EOD writer's data source (it reads the Calculator's last computed
// value rather than re-hitting the broker at market close).
type AccountEquity interface {
	LatestTotalValue(ctx context.Context, accountID string) (value string, ok bool, err error)
}

// Jobs bundles the scheduled write-path operations against a concrete
// *store.Store, kept separate from Scheduler so the cron wiring and the
// job bodies can be tested independently.
type Jobs struct {
	store    *store.Store
	equity   AccountEquity
	logger   *zap.Logger
}

func NewJobs(s *store.Store, equity AccountEquity, logger *zap.Logger) *Jobs {
	return &Jobs{store: s, equity: equity, logger: logger}
}

// WriteEndOfDay writes one daily_eod row per active account, carrying
// closing_value = total_value so the non-null closing_value invariant on
// daily_eod rows always holds.
func (j *Jobs) WriteEndOfDay(ctx context.Context) error {
	accounts, err := j.store.ListActiveAccounts(ctx)
	if err != nil {
		return err
	}
	today := time.Now().Truncate(24 * time.Hour)

	for _, a := range accounts {
		raw, ok, err := j.equity.LatestTotalValue(ctx, a.AccountID)
		if err != nil || !ok {
			j.logger.Warn("snapshot: no cached value for EOD write, skipping", zap.String("account_id", a.AccountID))
			continue
		}
		total, err := decimal.NewFromString(raw)
		if err != nil {
			j.logger.Warn("snapshot: unparsable cached value for EOD write", zap.String("account_id", a.AccountID), zap.Error(err))
			continue
		}
		closing := total
		snap := model.HistorySnapshot{
			UserID:           a.AccountID,
			ValueDate:        today,
			SnapshotType:     model.SnapshotDailyEOD,
			TotalValue:       total,
			ClosingValue:     &closing,
			DataSource:       "eod_writer",
			PriceSource:      "calculator",
			DataQualityScore: 100,
			CreatedAt:        time.Now(),
		}
		if err := j.store.InsertDailyEOD(ctx, snap); err != nil {
			j.logger.Warn("snapshot: failed to insert daily_eod row", zap.String("account_id", a.AccountID), zap.Error(err))
		}
	}
	return nil
}

// Backfill promotes, for every user/date with intraday coverage but no
// daily_eod row, the latest intraday row of that date to daily_eod with
// data_quality_score=95. The insert is conditional on (user_id, value_date,
// snapshot_type), so running this job twice is a no-op the second time.
func (j *Jobs) Backfill(ctx context.Context) error {
	userIDs, err := j.store.ListUserIDsWithHistory(ctx)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		dates, err := j.store.DatesMissingDailyEOD(ctx, userID)
		if err != nil {
			j.logger.Warn("snapshot: failed to list backfill candidates", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		for _, date := range dates {
			row, err := j.store.LatestIntradayOnDate(ctx, userID, date)
			if err != nil {
				j.logger.Warn("snapshot: failed to read latest intraday for backfill", zap.String("user_id", userID), zap.Error(err))
				continue
			}
			if !row.TotalValue.IsPositive() {
				continue
			}
			closing := row.TotalValue
			promoted := model.HistorySnapshot{
				UserID:           userID,
				ValueDate:        date,
				SnapshotType:     model.SnapshotDailyEOD,
				TotalValue:       row.TotalValue,
				ClosingValue:     &closing,
				DataSource:       "backfill_from_intraday",
				PriceSource:      row.PriceSource,
				DataQualityScore: 95,
				CreatedAt:        time.Now(),
			}
			if err := j.store.InsertDailyEOD(ctx, promoted); err != nil {
				j.logger.Warn("snapshot: failed to insert backfilled daily_eod row", zap.String("user_id", userID), zap.Error(err))
			}
		}
	}
	return nil
}

// PruneStaleIntraday deletes intraday rows older than the 7-day retention
// window.
func (j *Jobs) PruneStaleIntraday(ctx context.Context) error {
	return j.store.DeleteStaleIntraday(ctx)
}
