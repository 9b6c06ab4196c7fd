package prices

import (
	"context"
	"testing"
	"time"

	"github.com/aristath/riskdesk/internal/domain"
	testutil "github.com/aristath/riskdesk/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupHistory(t *testing.T) *HistoryRepository {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t, "history")
	t.Cleanup(cleanup)
	clock := domain.NewFakeClock(time.Date(2024, 6, 17, 12, 0, 0, 0, time.UTC))
	return NewHistoryRepository(db.Conn(), clock, zerolog.Nop())
}

func TestUpsertPoints_IsIdempotent(t *testing.T) {
	repo := setupHistory(t)
	ctx := context.Background()

	series := testutil.SeriesFromCloses("AAPL", []float64{100, 101, 102, 103, 104})
	require.NoError(t, repo.UpsertPoints(ctx, "AAPL", "yahoo", series.Points))
	require.NoError(t, repo.UpsertPoints(ctx, "AAPL", "yahoo", series.Points))

	rng := domain.DateRange{From: series.FirstDate(), To: series.LastDate()}
	got, err := repo.GetSeries(ctx, "AAPL", rng)
	require.NoError(t, err)
	assert.Equal(t, series.Closes(), got.Closes())
	assert.Equal(t, "yahoo", got.Source)

	// Corrected close replaces the stored one
	fix := []domain.PricePoint{{Date: series.Points[2].Date, Close: 99}}
	require.NoError(t, repo.UpsertPoints(ctx, "AAPL", "eodhd", fix))
	got, err = repo.GetSeries(ctx, "AAPL", rng)
	require.NoError(t, err)
	require.Equal(t, 5, got.Len())
	assert.Equal(t, 99.0, got.Points[2].Close)
}

func TestGetSeries_FiltersRange(t *testing.T) {
	repo := setupHistory(t)
	ctx := context.Background()

	series := testutil.SeriesFromCloses("MSFT", []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, repo.UpsertPoints(ctx, "MSFT", "yahoo", series.Points))

	got, err := repo.GetSeries(ctx, "MSFT", domain.DateRange{From: series.Points[1].Date, To: series.Points[3].Date})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3, 4}, got.Closes())

	empty, err := repo.GetSeries(ctx, "NOPE", domain.DateRange{From: series.FirstDate(), To: series.LastDate()})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
}

func TestSeriesBatchAndLatestDates(t *testing.T) {
	repo := setupHistory(t)
	ctx := context.Background()

	a := testutil.SeriesFromCloses("AAA", []float64{1, 2, 3})
	b := testutil.SeriesFromCloses("BBB", []float64{4, 5})
	require.NoError(t, repo.UpsertPoints(ctx, "AAA", "yahoo", a.Points))
	require.NoError(t, repo.UpsertPoints(ctx, "BBB", "yahoo", b.Points))

	rng := domain.DateRange{From: a.FirstDate(), To: a.LastDate()}
	batch, err := repo.SeriesBatch(ctx, []string{"AAA", "BBB", "CCC"}, rng)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, []float64{1, 2, 3}, batch["AAA"].Closes())
	assert.Equal(t, []float64{4, 5}, batch["BBB"].Closes())

	latest, err := repo.LatestDates(ctx, []string{"AAA", "BBB"})
	require.NoError(t, err)
	assert.Equal(t, a.LastDate(), latest["AAA"])
	assert.Equal(t, b.LastDate(), latest["BBB"])

	tickers, err := repo.Tickers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAA", "BBB"}, tickers)

	none, err := repo.SeriesBatch(ctx, nil, rng)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpsertInstrument_ClassifiesOnce(t *testing.T) {
	repo := setupHistory(t)
	ctx := context.Background()

	inst, err := repo.UpsertInstrument(ctx, Instrument{
		Ticker:   " vfiax ",
		Name:     "Vanguard 500 Index Admiral",
		Category: "Mutual Fund",
	})
	require.NoError(t, err)
	assert.Equal(t, "VFIAX", inst.Ticker)
	assert.Equal(t, domain.AssetClassMutualFund, inst.AssetClass)

	got, err := repo.GetInstrument(ctx, "VFIAX")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.AssetClassMutualFund, got.AssetClass)
	assert.Equal(t, domain.AssetClassMutualFund, repo.AssetClassOf(ctx, "VFIAX"))
	assert.Equal(t, domain.AssetClassUnknown, repo.AssetClassOf(ctx, "MISSING"))

	missing, err := repo.GetInstrument(ctx, "MISSING")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
