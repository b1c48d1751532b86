// Package manager exposes the unified historical-data API consumed by
// presentation layers: overview listing, CSV import/export, range loads,
// downloads, incremental refresh, and series deletion.
//
// The engine is a stateless facade. It validates inputs before any I/O
// and delegates to the store, the CSV codecs, and the downloader; any
// front end (CLI, GUI, web) binds its own event handling to these plain
// synchronous methods.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/johnayoung/go-bar-manager/internal/csvio"
	"github.com/johnayoung/go-bar-manager/internal/downloader"
	"github.com/johnayoung/go-bar-manager/internal/models"
	"github.com/johnayoung/go-bar-manager/internal/storage"
)

// Engine is the data-management facade.
type Engine struct {
	store      storage.BarStore
	importer   *csvio.Importer
	exporter   *csvio.Exporter
	downloader *downloader.Downloader
	logger     *slog.Logger
}

// New wires an Engine from its collaborators. The downloader may be nil
// when no provider is configured; download operations then fail with a
// validation error instead of a nil dereference.
func New(
	store storage.BarStore,
	importer *csvio.Importer,
	exporter *csvio.Exporter,
	dl *downloader.Downloader,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		importer:   importer,
		exporter:   exporter,
		downloader: dl,
		logger:     logger,
	}
}

// GetOverviews returns one overview per stored series, sorted by symbol
// for stable presentation.
func (e *Engine) GetOverviews(ctx context.Context) ([]models.Overview, error) {
	overviews, err := e.store.ListOverviews(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(overviews, func(i, j int) bool {
		if overviews[i].Symbol != overviews[j].Symbol {
			return overviews[i].Symbol < overviews[j].Symbol
		}
		return overviews[i].SeriesKey.String() < overviews[j].SeriesKey.String()
	})
	return overviews, nil
}

// ImportFromCSV loads the file at path into the series and returns its
// overview after the import.
func (e *Engine) ImportFromCSV(
	ctx context.Context,
	path string,
	key models.SeriesKey,
	tzName string,
	cols csvio.ColumnMap,
	dtFormat string,
) (*models.Overview, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if key.Interval == models.IntervalTick {
		return nil, &models.ValidationError{Field: "interval", Message: "csv import does not support tick data"}
	}
	return e.importer.Import(ctx, path, key, tzName, cols, dtFormat)
}

// ExportToCSV writes the series range [start, end) to path. A false
// result with a nil error means the destination file could not be opened
// for writing and the caller should ask the user to close it and retry.
func (e *Engine) ExportToCSV(
	ctx context.Context,
	path string,
	key models.SeriesKey,
	start, end time.Time,
) (bool, error) {
	if err := validateRange(key, start, end); err != nil {
		return false, err
	}
	return e.exporter.Export(ctx, path, key, start, end)
}

// LoadBars returns the bars of the series with start <= datetime < end in
// ascending order.
func (e *Engine) LoadBars(
	ctx context.Context,
	key models.SeriesKey,
	start, end time.Time,
) ([]models.Bar, error) {
	if err := validateRange(key, start, end); err != nil {
		return nil, err
	}
	return e.store.QueryRange(ctx, key, start, end)
}

// DeleteBars removes the whole series and returns the number of bars
// deleted. Deleting an unknown series returns 0.
func (e *Engine) DeleteBars(ctx context.Context, key models.SeriesKey) (int, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	return e.store.DeleteSeries(ctx, key)
}

// DownloadBars fetches bars from the configured provider starting at
// since and returns the number persisted.
func (e *Engine) DownloadBars(
	ctx context.Context,
	symbol string,
	exchange models.Exchange,
	interval models.Interval,
	since time.Time,
	progress downloader.ProgressFunc,
) (int, error) {
	if e.downloader == nil {
		return 0, &models.ValidationError{Field: "provider", Message: "no data provider configured"}
	}
	return e.downloader.DownloadBars(ctx, symbol, exchange, interval, since, progress)
}

// DownloadTicks fetches trade ticks from the configured provider starting
// at since and returns the number persisted.
func (e *Engine) DownloadTicks(
	ctx context.Context,
	symbol string,
	exchange models.Exchange,
	since time.Time,
	progress downloader.ProgressFunc,
) (int, error) {
	if e.downloader == nil {
		return 0, &models.ValidationError{Field: "provider", Message: "no data provider configured"}
	}
	return e.downloader.DownloadTicks(ctx, symbol, exchange, since, progress)
}

// RefreshAll re-downloads every known series starting from its stored
// end, so a refresh is always a forward-only incremental fetch. It
// returns the total number of bars added across all series. A series
// whose download fails is reported through progress and skipped; the
// refresh continues with the next one. Cancellation stops between
// series.
func (e *Engine) RefreshAll(ctx context.Context, progress downloader.ProgressFunc) (int, error) {
	if e.downloader == nil {
		return 0, &models.ValidationError{Field: "provider", Message: "no data provider configured"}
	}

	overviews, err := e.GetOverviews(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, ov := range overviews {
		if ctx.Err() != nil {
			return total, nil
		}

		var n int
		var err error
		if ov.Interval == models.IntervalTick {
			n, err = e.downloader.DownloadTicks(ctx, ov.Symbol, ov.Exchange, ov.End, progress)
		} else {
			n, err = e.downloader.DownloadBars(ctx, ov.Symbol, ov.Exchange, ov.Interval, ov.End, progress)
		}
		total += n
		if err != nil {
			e.logger.Warn("refresh failed for series", "series", ov.SeriesKey.String(), "error", err)
			continue
		}
	}
	return total, nil
}

func validateRange(key models.SeriesKey, start, end time.Time) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if !start.Before(end) {
		return &models.ValidationError{
			Field:   "range",
			Message: fmt.Sprintf("start %s must be before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339)),
		}
	}
	return nil
}
