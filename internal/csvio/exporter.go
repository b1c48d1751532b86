package csvio

import (
	"context"
	"encoding/csv"
	"log/slog"
	"os"
	"time"

	"github.com/johnayoung/go-bar-manager/internal/models"
	"github.com/johnayoung/go-bar-manager/internal/storage"
)

// ExportDatetimeLayout is the fixed datetime layout written on export.
const ExportDatetimeLayout = "2006-01-02 15:04:05"

// exportHeader is the fixed output column order.
var exportHeader = []string{
	"datetime", "open", "high", "low", "close", "volume", "turnover", "open_interest",
}

// Exporter serializes a bounded series range to a delimited file.
type Exporter struct {
	store  storage.BarStore
	refLoc *time.Location
	logger *slog.Logger
}

// NewExporter creates an Exporter reading from store. Datetimes are
// rendered in refLoc (the reference timezone).
func NewExporter(store storage.BarStore, refLoc *time.Location, logger *slog.Logger) *Exporter {
	if refLoc == nil {
		refLoc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: store, refLoc: refLoc, logger: logger}
}

// Export writes the bars of key with start <= datetime < end to path.
//
// The first return value is false, with a nil error, when the destination
// cannot be opened for writing, typically because another program holds
// the file. That is a recoverable, user-facing condition the caller should
// present with a retry hint; store failures return a non-nil error.
func (ex *Exporter) Export(
	ctx context.Context,
	path string,
	key models.SeriesKey,
	start, end time.Time,
) (bool, error) {
	bars, err := ex.store.QueryRange(ctx, key, start, end)
	if err != nil {
		return false, err
	}

	f, err := os.Create(path)
	if err != nil {
		ex.logger.Warn("export destination cannot be opened", "path", path, "error", err)
		return false, nil
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(exportHeader); err != nil {
		return false, &FileError{Path: path, Err: err}
	}

	for i := range bars {
		bar := &bars[i]
		record := []string{
			bar.Datetime.In(ex.refLoc).Format(ExportDatetimeLayout),
			bar.Open.String(),
			bar.High.String(),
			bar.Low.String(),
			bar.Close.String(),
			bar.Volume.String(),
			bar.Turnover.String(),
			bar.OpenInterest.String(),
		}
		if err := w.Write(record); err != nil {
			return false, &FileError{Path: path, Err: err}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return false, &FileError{Path: path, Err: err}
	}

	ex.logger.Info("csv export complete", "path", path, "series", key.String(), "bars", len(bars))
	return true, nil
}
