package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-bar-manager/internal/models"
)

func testKey() models.SeriesKey {
	return models.SeriesKey{
		Symbol:   "BTCUSDT",
		Exchange: models.ExchangeBinance,
		Interval: models.IntervalMinute,
	}
}

func testBar(key models.SeriesKey, dt time.Time, close float64) models.Bar {
	c := decimal.NewFromFloat(close)
	return models.Bar{
		Symbol:   key.Symbol,
		Exchange: key.Exchange,
		Interval: key.Interval,
		Datetime: dt,
		Open:     c,
		High:     c,
		Low:      c,
		Close:    c,
		Volume:   decimal.NewFromInt(10),
	}
}

func TestMemoryStore_BasicOperations(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := testKey()

	require.NoError(t, store.Initialize(ctx))

	base := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	bars := []models.Bar{
		testBar(key, base, 100),
		testBar(key, base.Add(time.Minute), 101),
		testBar(key, base.Add(2*time.Minute), 102),
	}

	// Store bars
	count, err := store.Upsert(ctx, key, bars)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Retrieve them all back in order
	got, err := store.QueryRange(ctx, key, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.True(t, got[0].Datetime.Before(got[1].Datetime))
	assert.True(t, got[1].Datetime.Before(got[2].Datetime))
	assert.True(t, got[2].Close.Equal(decimal.NewFromInt(102)))
}

func TestMemoryStore_UpsertReplacesOnConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := testKey()
	dt := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)

	count, err := store.Upsert(ctx, key, []models.Bar{testBar(key, dt, 100)})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Same datetime again: replaced, never duplicated.
	count, err = store.Upsert(ctx, key, []models.Bar{testBar(key, dt, 200)})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.QueryRange(ctx, key, dt, dt.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Close.Equal(decimal.NewFromInt(200)))

	ov, err := store.GetOverview(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, ov)
	assert.Equal(t, 1, ov.Count)
}

func TestMemoryStore_UpsertLaterEntryWinsWithinBatch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := testKey()
	dt := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)

	count, err := store.Upsert(ctx, key, []models.Bar{
		testBar(key, dt, 100),
		testBar(key, dt, 105),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.QueryRange(ctx, key, dt, dt.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Close.Equal(decimal.NewFromInt(105)))
}

func TestMemoryStore_UpsertRejectsInvalidBatchAtomically(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := testKey()
	dt := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)

	bad := testBar(key, dt.Add(time.Minute), 100)
	bad.High = decimal.NewFromInt(50)

	_, err := store.Upsert(ctx, key, []models.Bar{testBar(key, dt, 100), bad})
	require.Error(t, err)

	// Nothing from the batch was applied.
	ov, err := store.GetOverview(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, ov)
}

func TestMemoryStore_UpsertRejectsForeignKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := testKey()

	other := models.SeriesKey{Symbol: "ETHUSDT", Exchange: models.ExchangeBinance, Interval: models.IntervalMinute}
	bar := testBar(other, time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC), 100)

	_, err := store.Upsert(ctx, key, []models.Bar{bar})
	require.Error(t, err)

	var serr *StorageError
	assert.ErrorAs(t, err, &serr)
}

func TestMemoryStore_QueryRangeHalfOpen(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := testKey()

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	next := day.AddDate(0, 0, 1)
	bars := []models.Bar{
		testBar(key, day, 100),
		testBar(key, day.Add(12*time.Hour), 101),
		testBar(key, next, 102), // midnight of the next day
	}
	_, err := store.Upsert(ctx, key, bars)
	require.NoError(t, err)

	// [day, day+1d) includes the start boundary and excludes midnight of
	// the next day.
	got, err := store.QueryRange(ctx, key, day, next)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, day, got[0].Datetime)
	assert.Equal(t, day.Add(12*time.Hour), got[1].Datetime)

	// Empty range yields an empty result, not an error.
	got, err = store.QueryRange(ctx, key, next.AddDate(0, 0, 1), next.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStore_OverviewMatchesStoredBars(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := testKey()

	base := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	var bars []models.Bar
	for i := 0; i < 5; i++ {
		bars = append(bars, testBar(key, base.Add(time.Duration(i)*time.Minute), 100+float64(i)))
	}
	_, err := store.Upsert(ctx, key, bars)
	require.NoError(t, err)

	ov, err := store.GetOverview(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, ov)
	assert.Equal(t, 5, ov.Count)
	assert.Equal(t, base, ov.Start)
	assert.Equal(t, base.Add(4*time.Minute), ov.End)

	// The overview count always equals the full-range query length.
	all, err := store.QueryRange(ctx, key, time.Time{}, base.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Len(t, all, ov.Count)
}

func TestMemoryStore_ListOverviews(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	overviews, err := store.ListOverviews(ctx)
	require.NoError(t, err)
	assert.Empty(t, overviews)

	k1 := testKey()
	k2 := models.SeriesKey{Symbol: "ETHUSDT", Exchange: models.ExchangeBinance, Interval: models.IntervalHour}
	dt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err = store.Upsert(ctx, k1, []models.Bar{testBar(k1, dt, 100)})
	require.NoError(t, err)
	_, err = store.Upsert(ctx, k2, []models.Bar{testBar(k2, dt, 2000)})
	require.NoError(t, err)

	overviews, err = store.ListOverviews(ctx)
	require.NoError(t, err)
	assert.Len(t, overviews, 2)
}

func TestMemoryStore_DeleteSeries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := testKey()

	dt := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	_, err := store.Upsert(ctx, key, []models.Bar{
		testBar(key, dt, 100),
		testBar(key, dt.Add(time.Minute), 101),
	})
	require.NoError(t, err)

	count, err := store.DeleteSeries(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	ov, err := store.GetOverview(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, ov)

	// Deleting again is a no-op.
	count, err = store.DeleteSeries(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMemoryStore_ClosedStoreRejectsOperations(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := testKey()

	require.NoError(t, store.Close())

	_, err := store.Upsert(ctx, key, []models.Bar{testBar(key, time.Now(), 100)})
	assert.Error(t, err)

	_, err = store.QueryRange(ctx, key, time.Time{}, time.Now())
	assert.Error(t, err)
}

func TestMemoryStore_ConcurrentUpserts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := testKey()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	done := make(chan error, 10)
	for g := 0; g < 10; g++ {
		go func(g int) {
			bars := []models.Bar{testBar(key, base.Add(time.Duration(g)*time.Minute), 100)}
			_, err := store.Upsert(ctx, key, bars)
			done <- err
		}(g)
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-done)
	}

	ov, err := store.GetOverview(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, ov)
	assert.Equal(t, 10, ov.Count)
}
