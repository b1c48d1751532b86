// Package downloader pulls historical bars and ticks from a market-data
// provider in paginated windows and persists them through the bar store.
//
// Each download call loops fetch -> normalize -> persist until the
// provider reports no more data, the provider fails, or the caller's
// context is cancelled. Cancellation is cooperative and checked once per
// page boundary; an in-flight fetch is never interrupted early.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/johnayoung/go-bar-manager/internal/models"
	"github.com/johnayoung/go-bar-manager/internal/provider"
	"github.com/johnayoung/go-bar-manager/internal/storage"
)

// ProgressFunc receives human-readable progress and warning messages
// during a download. Callbacks run synchronously at page boundaries and
// must not block; a panic inside a callback is swallowed so it can never
// break the download loop.
type ProgressFunc func(msg string)

// Downloader fetches historical data from a provider into a BarStore.
type Downloader struct {
	bars   provider.BarProvider
	ticks  provider.TickProvider
	store  storage.BarStore
	refLoc *time.Location
	logger *slog.Logger
}

// New creates a Downloader. The tick provider may be nil when tick
// downloads are not needed.
func New(bars provider.BarProvider, ticks provider.TickProvider, store storage.BarStore, refLoc *time.Location, logger *slog.Logger) *Downloader {
	if refLoc == nil {
		refLoc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{bars: bars, ticks: ticks, store: store, refLoc: refLoc, logger: logger}
}

// DownloadBars fetches bars for the series from since onward and returns
// the number of bars persisted.
//
// Bars whose datetime is not after the latest bar already stored for the
// series are dropped, so a refresh starting at the stored end never
// duplicates. A provider failure surfaces one message through progress
// and returns the partial count with the error; cancellation between
// pages returns the partial count with a nil error.
func (d *Downloader) DownloadBars(
	ctx context.Context,
	symbol string,
	exchange models.Exchange,
	interval models.Interval,
	since time.Time,
	progress ProgressFunc,
) (int, error) {
	key := models.SeriesKey{Symbol: symbol, Exchange: exchange, Interval: interval}
	if err := key.Validate(); err != nil {
		return 0, err
	}
	if interval == models.IntervalTick {
		return 0, &models.ValidationError{Field: "interval", Message: "tick data downloads via DownloadTicks"}
	}
	if d.bars == nil {
		return 0, errors.New("no bar provider configured")
	}

	fetch := func(ctx context.Context, req provider.PageRequest) (*provider.PageResponse, error) {
		return d.bars.FetchBarsPage(ctx, req)
	}
	return d.run(ctx, key, since, progress, fetch)
}

// DownloadTicks fetches trade ticks for the symbol from since onward and
// persists them as zero-duration bars. Semantics match DownloadBars.
func (d *Downloader) DownloadTicks(
	ctx context.Context,
	symbol string,
	exchange models.Exchange,
	since time.Time,
	progress ProgressFunc,
) (int, error) {
	key := models.SeriesKey{Symbol: symbol, Exchange: exchange, Interval: models.IntervalTick}
	if err := key.Validate(); err != nil {
		return 0, err
	}
	if d.ticks == nil {
		return 0, errors.New("no tick provider configured")
	}

	fetch := func(ctx context.Context, req provider.PageRequest) (*provider.PageResponse, error) {
		return d.ticks.FetchTicksPage(ctx, req)
	}
	return d.run(ctx, key, since, progress, fetch)
}

// run drives the fetch/normalize/persist loop shared by bar and tick
// downloads.
func (d *Downloader) run(
	ctx context.Context,
	key models.SeriesKey,
	since time.Time,
	progress ProgressFunc,
	fetch func(context.Context, provider.PageRequest) (*provider.PageResponse, error),
) (int, error) {
	jobID := uuid.NewString()
	logger := d.logger.With("job_id", jobID, "series", key.String())

	if ctx.Err() != nil {
		logger.Info("download cancelled before start")
		return 0, nil
	}

	// The overlap floor starts at the latest bar already stored; nothing
	// at or below it is ever reinserted.
	floor := time.Time{}
	overview, err := d.store.GetOverview(ctx, key)
	if err != nil {
		return 0, err
	}
	if overview != nil {
		floor = overview.End
	}

	cursor := since
	inserted := 0
	pages := 0

	logger.Info("download started", "since", since, "stored_end", floor)

	for {
		// Cancellation is checked only here, at the page boundary.
		if ctx.Err() != nil {
			logger.Info("download cancelled", "inserted", inserted, "pages", pages)
			d.emit(progress, fmt.Sprintf("download of %s cancelled after %d bars", key, inserted))
			return inserted, nil
		}

		page, err := fetch(ctx, provider.PageRequest{
			Symbol:   key.Symbol,
			Exchange: key.Exchange,
			Interval: key.Interval,
			Since:    cursor,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Info("download cancelled mid-fetch", "inserted", inserted, "pages", pages)
				d.emit(progress, fmt.Sprintf("download of %s cancelled after %d bars", key, inserted))
				return inserted, nil
			}
			logger.Error("download failed", "error", err, "inserted", inserted, "pages", pages)
			d.emit(progress, fmt.Sprintf("download of %s failed after %d bars: %v", key, inserted, err))
			return inserted, err
		}
		pages++

		if len(page.Bars) == 0 {
			break
		}

		// Normalize: reference timezone, then drop overlap with storage.
		next := cursor
		fresh := page.Bars[:0]
		for i := range page.Bars {
			bar := page.Bars[i]
			bar.Datetime = bar.Datetime.In(d.refLoc)
			if bar.Datetime.After(next) {
				next = bar.Datetime
			}
			if !floor.IsZero() && !bar.Datetime.After(floor) {
				continue
			}
			fresh = append(fresh, bar)
		}

		if len(fresh) > 0 {
			n, err := d.store.Upsert(ctx, key, fresh)
			if err != nil {
				logger.Error("persist failed", "error", err, "inserted", inserted)
				d.emit(progress, fmt.Sprintf("download of %s failed after %d bars: %v", key, inserted, err))
				return inserted, err
			}
			inserted += n
			floor = fresh[len(fresh)-1].Datetime
			d.emit(progress, fmt.Sprintf("%s: %d bars downloaded, latest %s",
				key, inserted, floor.Format("2006-01-02 15:04:05")))
		}

		if !page.HasMore {
			break
		}
		if !next.After(cursor) {
			// Provider did not advance; stop rather than spin.
			logger.Warn("provider page did not advance cursor", "cursor", cursor)
			break
		}
		cursor = next.Add(time.Millisecond)
	}

	logger.Info("download complete", "inserted", inserted, "pages", pages)
	return inserted, nil
}

// emit invokes the progress callback, ignoring a nil callback and
// recovering from any panic it raises.
func (d *Downloader) emit(progress ProgressFunc, msg string) {
	if progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("progress callback panicked", "panic", r)
		}
	}()
	progress(msg)
}
