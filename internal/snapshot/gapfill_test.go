package snapshot

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/portfolio-management/portfolio-core/internal/model"
	"github.com/portfolio-management/portfolio-core/internal/store"
)

func day(offset int) time.Time {
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	return base.AddDate(0, 0, offset)
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// TestGapFill_ScenarioFromSpec reproduces scenario 4: daily_eod
// rows for D-5..D-3, only intraday rows for D-2, D-1, D, with multiple
// intraday rows per day. Expects 6 chronologically ordered rows, the last
// three tagged intraday_aggregated and carrying each day's latest value.
func TestGapFill_ScenarioFromSpec(t *testing.T) {
	rows := []store.HistoryRow{
		{UserID: "u1", ValueDate: day(-5), SnapshotType: string(model.SnapshotDailyEOD), TotalValue: dec("100"), CreatedAt: day(-5)},
		{UserID: "u1", ValueDate: day(-4), SnapshotType: string(model.SnapshotDailyEOD), TotalValue: dec("101"), CreatedAt: day(-4)},
		{UserID: "u1", ValueDate: day(-3), SnapshotType: string(model.SnapshotDailyEOD), TotalValue: dec("102"), CreatedAt: day(-3)},

		{UserID: "u1", ValueDate: day(-2), SnapshotType: string(model.SnapshotIntraday), TotalValue: dec("103"), CreatedAt: day(-2).Add(9 * time.Hour)},
		{UserID: "u1", ValueDate: day(-2), SnapshotType: string(model.SnapshotIntraday), TotalValue: dec("104"), CreatedAt: day(-2).Add(15 * time.Hour)},

		{UserID: "u1", ValueDate: day(-1), SnapshotType: string(model.SnapshotIntraday), TotalValue: dec("105"), CreatedAt: day(-1).Add(10 * time.Hour)},

		{UserID: "u1", ValueDate: day(0), SnapshotType: string(model.SnapshotIntraday), TotalValue: dec("106"), CreatedAt: day(0).Add(9 * time.Hour)},
		{UserID: "u1", ValueDate: day(0), SnapshotType: string(model.SnapshotIntraday), TotalValue: dec("107"), CreatedAt: day(0).Add(12 * time.Hour)},
	}

	got := GapFill(rows, day(0))

	if assert.Len(t, got, 6) {
		assert.Equal(t, model.SnapshotDailyEOD, got[0].SnapshotType)
		assert.True(t, got[0].TotalValue.Equal(dec("100")))
		assert.Equal(t, model.SnapshotDailyEOD, got[2].SnapshotType)
		assert.True(t, got[2].TotalValue.Equal(dec("102")))

		assert.Equal(t, model.SnapshotIntradayAggregated, got[3].SnapshotType)
		assert.True(t, got[3].TotalValue.Equal(dec("104")), "must pick the latest intraday row of D-2, not the first")

		assert.Equal(t, model.SnapshotIntradayAggregated, got[5].SnapshotType)
		assert.True(t, got[5].TotalValue.Equal(dec("107")))
	}

	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].ValueDate.After(got[i-1].ValueDate), "dates must be strictly increasing")
	}
}

func TestGapFill_DailyEODPreferredOverIntradayAggregatedForSameDate(t *testing.T) {
	rows := []store.HistoryRow{
		{UserID: "u1", ValueDate: day(0), SnapshotType: string(model.SnapshotDailyEOD), TotalValue: dec("200"), CreatedAt: day(0).Add(21 * time.Hour)},
		{UserID: "u1", ValueDate: day(0), SnapshotType: string(model.SnapshotIntraday), TotalValue: dec("999"), CreatedAt: day(0).Add(9 * time.Hour)},
	}

	got := GapFill(rows, day(0))

	if assert.Len(t, got, 1) {
		assert.Equal(t, model.SnapshotDailyEOD, got[0].SnapshotType)
		assert.True(t, got[0].TotalValue.Equal(dec("200")), "an existing daily_eod row must win over the intraday-aggregated fallback")
	}
}

func TestGapFill_NoDailyEODRowsConstructsEntirelyFromIntraday(t *testing.T) {
	rows := []store.HistoryRow{
		{UserID: "u1", ValueDate: day(-1), SnapshotType: string(model.SnapshotIntraday), TotalValue: dec("50"), CreatedAt: day(-1)},
		{UserID: "u1", ValueDate: day(0), SnapshotType: string(model.SnapshotIntraday), TotalValue: dec("55"), CreatedAt: day(0)},
	}

	got := GapFill(rows, day(0))

	assert.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, model.SnapshotIntradayAggregated, r.SnapshotType)
	}
}

func TestGapFill_SkipsZeroOrNegativeValues(t *testing.T) {
	rows := []store.HistoryRow{
		{UserID: "u1", ValueDate: day(-1), SnapshotType: string(model.SnapshotDailyEOD), TotalValue: dec("0"), CreatedAt: day(-1)},
		{UserID: "u1", ValueDate: day(0), SnapshotType: string(model.SnapshotIntraday), TotalValue: dec("-5"), CreatedAt: day(0)},
	}

	got := GapFill(rows, day(0))

	assert.Empty(t, got)
}

func TestGapFill_IgnoresFutureIntradayRows(t *testing.T) {
	rows := []store.HistoryRow{
		{UserID: "u1", ValueDate: day(1), SnapshotType: string(model.SnapshotIntraday), TotalValue: dec("10"), CreatedAt: day(1)},
	}

	got := GapFill(rows, day(0))

	assert.Empty(t, got, "a date after 'today' must not appear in the series")
}
