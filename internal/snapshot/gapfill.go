// Package snapshot implements the portfolio history store: the
// EOD/backfill write paths, the reconstruction-from-transactions worker,
// and the pure gap-fill read path that stitches daily_eod rows together
// with the latest intraday row of any date the EOD writer missed.
package snapshot

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/portfolio-management/portfolio-core/internal/model"
	"github.com/portfolio-management/portfolio-core/internal/store"
)

// GapFill implements the history read path as a pure function over rows
// already fetched from storage, so it is unit-testable without a database.
//
//  1. daily_eod and reconstructed rows are taken as-is.
//  2. For dates after the latest covered date (and up to today), intraday
//     rows are grouped by value_date and the max-created_at row of each
//     group is promoted, tagged intraday_aggregated.
//  3. Rows with total_value <= 0 are dropped entirely.
//  4. The result is sorted by value_date ascending with strictly
//     increasing dates.
func GapFill(rows []store.HistoryRow, today time.Time) []model.HistorySnapshot {
	var eod []store.HistoryRow
	intradayByDate := make(map[time.Time][]store.HistoryRow)

	for _, r := range rows {
		switch r.SnapshotType {
		case string(model.SnapshotDailyEOD), string(model.SnapshotReconstructed):
			eod = append(eod, r)
		case string(model.SnapshotIntraday):
			d := r.ValueDate.Truncate(24 * time.Hour)
			intradayByDate[d] = append(intradayByDate[d], r)
		}
	}

	var latestCovered time.Time
	for _, r := range eod {
		if r.ValueDate.After(latestCovered) {
			latestCovered = r.ValueDate
		}
	}

	out := make([]model.HistorySnapshot, 0, len(rows))
	for _, r := range eod {
		if !positive(r.TotalValue) {
			continue
		}
		out = append(out, toSnapshot(r, model.SnapshotType(r.SnapshotType)))
	}

	for date, group := range intradayByDate {
		if !date.After(latestCovered) || date.After(today) {
			continue
		}
		best := latestByCreatedAt(group)
		if !positive(best.TotalValue) {
			continue
		}
		out = append(out, toSnapshot(best, model.SnapshotIntradayAggregated))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ValueDate.Before(out[j].ValueDate) })
	return dedupeStrictlyIncreasing(out)
}

func positive(d decimal.Decimal) bool {
	return d.IsPositive()
}

func latestByCreatedAt(group []store.HistoryRow) store.HistoryRow {
	best := group[0]
	for _, r := range group[1:] {
		if r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	return best
}

func toSnapshot(r store.HistoryRow, snapType model.SnapshotType) model.HistorySnapshot {
	return model.HistorySnapshot{
		UserID:           r.UserID,
		ValueDate:        r.ValueDate,
		SnapshotType:     snapType,
		TotalValue:       r.TotalValue,
		ClosingValue:     r.ClosingValue,
		DataSource:       r.DataSource,
		PriceSource:      r.PriceSource,
		DataQualityScore: r.DataQualityScore,
		CreatedAt:        r.CreatedAt,
	}
}

// dedupeStrictlyIncreasing keeps only the first row for any repeated
// value_date, guaranteeing the strictly-increasing-date invariant even if
// a caller fed in overlapping eod/reconstructed rows for the same date.
func dedupeStrictlyIncreasing(rows []model.HistorySnapshot) []model.HistorySnapshot {
	out := make([]model.HistorySnapshot, 0, len(rows))
	var lastDate time.Time
	first := true
	for _, r := range rows {
		if !first && !r.ValueDate.After(lastDate) {
			continue
		}
		out = append(out, r)
		lastDate = r.ValueDate
		first = false
	}
	return out
}
