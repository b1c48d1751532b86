package csvio

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-bar-manager/internal/models"
	"github.com/johnayoung/go-bar-manager/internal/storage"
)

func testSeriesKey() models.SeriesKey {
	return models.SeriesKey{
		Symbol:   "BTCUSDT",
		Exchange: models.ExchangeBinance,
		Interval: models.IntervalMinute,
	}
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bars.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestImporter_Import(t *testing.T) {
	store := storage.NewMemoryStore()
	im := NewImporter(store, time.UTC, nil)
	ctx := context.Background()
	key := testSeriesKey()

	path := writeCSV(t, `datetime,open,high,low,close,volume,turnover,open_interest
2024-01-01 09:30:00,100,105,99,103,1000,103000,0
2024-01-01 09:31:00,103,106,102,104,1500,156000,0
`)

	ov, err := im.Import(ctx, path, key, "UTC", DefaultColumnMap(), "")
	require.NoError(t, err)
	require.NotNil(t, ov)
	assert.Equal(t, 2, ov.Count)
	assert.Equal(t, time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC), ov.Start)
	assert.Equal(t, time.Date(2024, 1, 1, 9, 31, 0, 0, time.UTC), ov.End)

	bars, err := store.QueryRange(ctx, key, ov.Start, ov.End.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Close.Equal(decimal.NewFromInt(103)))
	assert.True(t, bars[1].Volume.Equal(decimal.NewFromInt(1500)))
}

func TestImporter_DuplicateDatetimeLastRowWins(t *testing.T) {
	store := storage.NewMemoryStore()
	im := NewImporter(store, time.UTC, nil)
	ctx := context.Background()
	key := testSeriesKey()

	// Two rows share 09:30; blank volume parses as zero.
	path := writeCSV(t, `datetime,open,high,low,close,volume,turnover,open_interest
2024-01-01 09:30:00,100,105,99,103,1000,,0
2024-01-01 09:31:00,103,106,102,104,1500,,0
2024-01-01 09:30:00,100,107,99,106,1100,,0
`)

	ov, err := im.Import(ctx, path, key, "UTC", DefaultColumnMap(), "")
	require.NoError(t, err)
	require.NotNil(t, ov)
	assert.Equal(t, 2, ov.Count)

	bars, err := store.QueryRange(ctx, key, ov.Start, ov.End.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Close.Equal(decimal.NewFromInt(106)))
	assert.True(t, bars[0].Turnover.IsZero())
}

func TestImporter_CustomColumnNamesAndFormat(t *testing.T) {
	store := storage.NewMemoryStore()
	im := NewImporter(store, time.UTC, nil)
	ctx := context.Background()
	key := testSeriesKey()

	path := writeCSV(t, `time,o,h,l,c,vol
2024/01/01 09:30,100,105,99,103,1000
`)

	cols := ColumnMap{
		Datetime: "time",
		Open:     "o",
		High:     "h",
		Low:      "l",
		Close:    "c",
		Volume:   "vol",
	}
	ov, err := im.Import(ctx, path, key, "UTC", cols, "%Y/%m/%d %H:%M")
	require.NoError(t, err)
	assert.Equal(t, 1, ov.Count)
	assert.Equal(t, time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC), ov.Start)
}

func TestImporter_TimezoneNormalization(t *testing.T) {
	store := storage.NewMemoryStore()
	im := NewImporter(store, time.UTC, nil)
	ctx := context.Background()
	key := testSeriesKey()

	path := writeCSV(t, `datetime,open,high,low,close,volume,turnover,open_interest
2024-01-01 09:30:00,100,105,99,103,1000,0,0
`)

	// 09:30 Shanghai is 01:30 UTC.
	ov, err := im.Import(ctx, path, key, "Asia/Shanghai", DefaultColumnMap(), "")
	require.NoError(t, err)
	assert.True(t, ov.Start.Equal(time.Date(2024, 1, 1, 1, 30, 0, 0, time.UTC)))
}

func TestImporter_MissingFile(t *testing.T) {
	store := storage.NewMemoryStore()
	im := NewImporter(store, time.UTC, nil)

	_, err := im.Import(context.Background(), "/nonexistent/bars.csv", testSeriesKey(), "UTC", DefaultColumnMap(), "")
	require.Error(t, err)

	var ferr *FileError
	assert.ErrorAs(t, err, &ferr)
}

func TestImporter_MissingRequiredColumn(t *testing.T) {
	store := storage.NewMemoryStore()
	im := NewImporter(store, time.UTC, nil)

	path := writeCSV(t, `datetime,open,high,low,volume
2024-01-01 09:30:00,100,105,99,1000
`)

	_, err := im.Import(context.Background(), path, testSeriesKey(), "UTC", DefaultColumnMap(), "")
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Row)
	assert.Equal(t, "close", perr.Column)
}

func TestImporter_BadRowReportsRowNumber(t *testing.T) {
	store := storage.NewMemoryStore()
	im := NewImporter(store, time.UTC, nil)
	ctx := context.Background()
	key := testSeriesKey()

	path := writeCSV(t, `datetime,open,high,low,close,volume,turnover,open_interest
2024-01-01 09:30:00,100,105,99,103,1000,0,0
2024-01-01 09:31:00,not-a-number,106,102,104,1500,0,0
`)

	_, err := im.Import(ctx, path, key, "UTC", DefaultColumnMap(), "")
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.Row)
	assert.Equal(t, "open", perr.Column)

	// The clean row before the bad one stays committed.
	ov, err := store.GetOverview(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, ov)
	assert.Equal(t, 1, ov.Count)
}

func TestImporter_UnknownTimezone(t *testing.T) {
	store := storage.NewMemoryStore()
	im := NewImporter(store, time.UTC, nil)

	path := writeCSV(t, "datetime,open,high,low,close\n")

	_, err := im.Import(context.Background(), path, testSeriesKey(), "Mars/Olympus", DefaultColumnMap(), "")
	require.Error(t, err)

	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "timezone", verr.Field)
}

func TestImporter_EmptyFile(t *testing.T) {
	store := storage.NewMemoryStore()
	im := NewImporter(store, time.UTC, nil)

	path := writeCSV(t, "")

	_, err := im.Import(context.Background(), path, testSeriesKey(), "UTC", DefaultColumnMap(), "")
	require.Error(t, err)

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.Row)
}
