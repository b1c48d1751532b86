// Package csvio provides streaming CSV import and export of historical
// bars. Import resolves semantic columns through a user-supplied header
// mapping and normalizes datetimes into the reference timezone; export
// writes a fixed column order understood by the importer.
package csvio

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-bar-manager/internal/models"
	"github.com/johnayoung/go-bar-manager/internal/storage"
)

// DefaultDatetimeFormat is the strptime-style format used when the caller
// does not supply one.
const DefaultDatetimeFormat = "%Y-%m-%d %H:%M:%S"

// importBatchSize bounds how many rows are buffered before a store upsert.
const importBatchSize = 1000

// ColumnMap names the file header for each semantic bar column. Datetime,
// Open, High, Low and Close are required; the remaining columns fall back
// to zero when unmapped or blank.
type ColumnMap struct {
	Datetime     string
	Open         string
	High         string
	Low          string
	Close        string
	Volume       string
	Turnover     string
	OpenInterest string
}

// DefaultColumnMap maps each semantic column to its own name, matching the
// export format.
func DefaultColumnMap() ColumnMap {
	return ColumnMap{
		Datetime:     "datetime",
		Open:         "open",
		High:         "high",
		Low:          "low",
		Close:        "close",
		Volume:       "volume",
		Turnover:     "turnover",
		OpenInterest: "open_interest",
	}
}

// ParseError reports a malformed CSV row or field. Row numbering is
// 1-based and counts the header row, matching what a user sees in a
// spreadsheet. Rows upserted before the failing one stay committed.
type ParseError struct {
	Row    int
	Column string
	Err    error
}

// Error implements the error interface for ParseError.
func (e *ParseError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("csv row %d, column %q: %v", e.Row, e.Column, e.Err)
	}
	return fmt.Sprintf("csv row %d: %v", e.Row, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// FileError reports a file that cannot be opened or read.
type FileError struct {
	Path string
	Err  error
}

// Error implements the error interface for FileError.
func (e *FileError) Error() string {
	return fmt.Sprintf("file %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *FileError) Unwrap() error {
	return e.Err
}

// Importer streams delimited files into a BarStore.
type Importer struct {
	store  storage.BarStore
	refLoc *time.Location
	logger *slog.Logger
}

// NewImporter creates an Importer writing into store, normalizing parsed
// datetimes into refLoc (the reference timezone).
func NewImporter(store storage.BarStore, refLoc *time.Location, logger *slog.Logger) *Importer {
	if refLoc == nil {
		refLoc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: store, refLoc: refLoc, logger: logger}
}

// Import stream-parses the file at path into the series identified by key
// and returns the series overview after the whole file is applied.
//
// The header row resolves each semantic column via cols; every data row's
// datetime field is parsed with dtFormat (strptime-style, see
// TranslateTimeFormat) in the tzName timezone and converted to the
// reference timezone. Blank volume, turnover and open-interest fields
// default to zero; a blank or unparseable OHLC field is a fatal ParseError
// carrying the row number. Rows flushed before a fatal row error remain
// committed.
func (im *Importer) Import(
	ctx context.Context,
	path string,
	key models.SeriesKey,
	tzName string,
	cols ColumnMap,
	dtFormat string,
) (*models.Overview, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, &models.ValidationError{Field: "timezone", Message: fmt.Sprintf("unknown timezone %q", tzName)}
	}

	if dtFormat == "" {
		dtFormat = DefaultDatetimeFormat
	}
	layout, err := TranslateTimeFormat(dtFormat)
	if err != nil {
		return nil, &models.ValidationError{Field: "datetime_format", Message: err.Error()}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &FileError{Path: path, Err: err}
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, &ParseError{Row: 1, Err: fmt.Errorf("file has no header row")}
	}
	if err != nil {
		return nil, &ParseError{Row: 1, Err: err}
	}

	idx, err := resolveColumns(header, cols)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	batch := make([]models.Bar, 0, importBatchSize)
	row := 1
	total := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := im.store.Upsert(ctx, key, batch); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			return nil, &ParseError{Row: row, Err: err}
		}

		bar, perr := parseRow(record, idx, key, layout, loc, im.refLoc, row)
		if perr != nil {
			// Commit what parsed cleanly before surfacing the row error.
			if ferr := flush(); ferr != nil {
				return nil, ferr
			}
			return nil, perr
		}

		batch = append(batch, *bar)
		if len(batch) >= importBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}

	overview, err := im.store.GetOverview(ctx, key)
	if err != nil {
		return nil, err
	}
	if overview == nil {
		overview = &models.Overview{SeriesKey: key}
	}

	im.logger.Info("csv import complete",
		"path", path,
		"series", key.String(),
		"rows", total,
		"count", overview.Count,
		"duration", time.Since(start))

	return overview, nil
}

// columnIndexes holds the resolved file-column index per semantic column.
// -1 marks an optional column that is absent from the file.
type columnIndexes struct {
	datetime     int
	open         int
	high         int
	low          int
	closePx      int
	volume       int
	turnover     int
	openInterest int
}

func resolveColumns(header []string, cols ColumnMap) (*columnIndexes, error) {
	find := func(name string) int {
		if name == "" {
			return -1
		}
		for i, h := range header {
			if h == name {
				return i
			}
		}
		return -1
	}

	idx := &columnIndexes{
		datetime:     find(cols.Datetime),
		open:         find(cols.Open),
		high:         find(cols.High),
		low:          find(cols.Low),
		closePx:      find(cols.Close),
		volume:       find(cols.Volume),
		turnover:     find(cols.Turnover),
		openInterest: find(cols.OpenInterest),
	}

	required := []struct {
		name string
		pos  int
	}{
		{cols.Datetime, idx.datetime},
		{cols.Open, idx.open},
		{cols.High, idx.high},
		{cols.Low, idx.low},
		{cols.Close, idx.closePx},
	}
	for _, req := range required {
		if req.pos < 0 {
			return nil, &ParseError{Row: 1, Column: req.name,
				Err: fmt.Errorf("required column not found in header")}
		}
	}
	return idx, nil
}

func parseRow(
	record []string,
	idx *columnIndexes,
	key models.SeriesKey,
	layout string,
	srcLoc, refLoc *time.Location,
	row int,
) (*models.Bar, *ParseError) {
	field := func(pos int) string {
		if pos < 0 || pos >= len(record) {
			return ""
		}
		return record[pos]
	}

	dtText := field(idx.datetime)
	dt, err := time.ParseInLocation(layout, dtText, srcLoc)
	if err != nil {
		return nil, &ParseError{Row: row, Column: "datetime", Err: err}
	}

	requiredPrice := func(pos int, column string) (decimal.Decimal, *ParseError) {
		text := field(pos)
		if text == "" {
			return decimal.Zero, &ParseError{Row: row, Column: column, Err: fmt.Errorf("required field is blank")}
		}
		v, err := decimal.NewFromString(text)
		if err != nil {
			return decimal.Zero, &ParseError{Row: row, Column: column, Err: err}
		}
		return v, nil
	}

	optional := func(pos int, column string) (decimal.Decimal, *ParseError) {
		text := field(pos)
		if text == "" {
			return decimal.Zero, nil
		}
		v, err := decimal.NewFromString(text)
		if err != nil {
			return decimal.Zero, &ParseError{Row: row, Column: column, Err: err}
		}
		return v, nil
	}

	bar := models.Bar{
		Symbol:   key.Symbol,
		Exchange: key.Exchange,
		Interval: key.Interval,
		Datetime: dt.In(refLoc),
	}

	var perr *ParseError
	if bar.Open, perr = requiredPrice(idx.open, "open"); perr != nil {
		return nil, perr
	}
	if bar.High, perr = requiredPrice(idx.high, "high"); perr != nil {
		return nil, perr
	}
	if bar.Low, perr = requiredPrice(idx.low, "low"); perr != nil {
		return nil, perr
	}
	if bar.Close, perr = requiredPrice(idx.closePx, "close"); perr != nil {
		return nil, perr
	}
	if bar.Volume, perr = optional(idx.volume, "volume"); perr != nil {
		return nil, perr
	}
	if bar.Turnover, perr = optional(idx.turnover, "turnover"); perr != nil {
		return nil, perr
	}
	if bar.OpenInterest, perr = optional(idx.openInterest, "open_interest"); perr != nil {
		return nil, perr
	}

	if err := bar.Validate(); err != nil {
		return nil, &ParseError{Row: row, Err: err}
	}
	return &bar, nil
}
