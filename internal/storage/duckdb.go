// DuckDB-backed BarStore implementation. Uses a single-connection pool as
// recommended for DuckDB's single-writer model, a composite primary key on
// (symbol, exchange, interval, timestamp), and INSERT OR REPLACE inside a
// transaction so each upsert batch is atomic.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-bar-manager/internal/models"
)

// DuckDBStore implements BarStore on a DuckDB database. The dbPath can be
// ":memory:" for an in-memory database or a file path for persistence.
type DuckDBStore struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

// NewDuckDBStore opens a DuckDB database at dbPath.
func NewDuckDBStore(dbPath string, logger *slog.Logger) (*DuckDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer pattern as recommended for DuckDB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStore{db: db, dbPath: dbPath, logger: logger}, nil
}

// Initialize implements BarStore. Creates the bars table and its indexes.
// Safe to call multiple times.
func (d *DuckDBStore) Initialize(ctx context.Context) error {
	d.logger.Info("initializing DuckDB bar store", "db_path", d.dbPath)

	schema := `
	CREATE TABLE IF NOT EXISTS bars (
		symbol VARCHAR NOT NULL,
		exchange VARCHAR NOT NULL,
		interval VARCHAR NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		open DOUBLE NOT NULL,
		high DOUBLE NOT NULL,
		low DOUBLE NOT NULL,
		close DOUBLE NOT NULL,
		volume DOUBLE NOT NULL,
		turnover DOUBLE NOT NULL,
		open_interest DOUBLE NOT NULL,
		CONSTRAINT bars_pk PRIMARY KEY (symbol, exchange, interval, timestamp),
		CONSTRAINT bars_ohlc_valid CHECK (high >= open AND high >= close AND low <= open AND low <= close),
		CONSTRAINT bars_prices_positive CHECK (open > 0 AND high > 0 AND low > 0 AND close > 0),
		CONSTRAINT bars_volume_non_negative CHECK (volume >= 0 AND turnover >= 0 AND open_interest >= 0)
	)`
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return NewStorageError("initialize", "bars", fmt.Errorf("failed to create bars table: %w", err))
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_bars_series ON bars (symbol, exchange, interval)",
		"CREATE INDEX IF NOT EXISTS idx_bars_timestamp ON bars (timestamp)",
	}
	for _, q := range indexes {
		if _, err := d.db.ExecContext(ctx, q); err != nil {
			return NewStorageError("initialize", "bars", fmt.Errorf("failed to create index: %w", err))
		}
	}

	return nil
}

// Close implements BarStore.
func (d *DuckDBStore) Close() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// Upsert implements BarStore. The batch is validated and deduplicated
// (later entries win) before a single transaction applies it with
// INSERT OR REPLACE; a failed transaction rolls back every row so the
// derived overview never runs ahead of the stored bars.
func (d *DuckDBStore) Upsert(ctx context.Context, key models.SeriesKey, bars []models.Bar) (int, error) {
	if err := key.Validate(); err != nil {
		return 0, NewStorageError("upsert", "bars", err)
	}
	if len(bars) == 0 {
		return 0, nil
	}

	// Normalize the batch by datetime; later entries win.
	byTime := make(map[time.Time]models.Bar, len(bars))
	order := make([]time.Time, 0, len(bars))
	for i := range bars {
		if bars[i].Key() != key {
			return 0, NewStorageError("upsert", "bars",
				&models.ValidationError{Field: "key", Message: "bar " + bars[i].Key().String() + " does not belong to series " + key.String()})
		}
		if err := bars[i].Validate(); err != nil {
			return 0, NewStorageError("upsert", "bars", err)
		}
		ts := bars[i].Datetime.UTC()
		if _, seen := byTime[ts]; !seen {
			order = append(order, ts)
		}
		bar := bars[i]
		bar.Datetime = ts
		byTime[ts] = bar
	}

	start := time.Now()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewStorageError("upsert", "bars", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bars
		(symbol, exchange, interval, timestamp, open, high, low, close, volume, turnover, open_interest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, NewStorageError("upsert", "bars", fmt.Errorf("failed to prepare insert: %w", err))
	}
	defer stmt.Close()

	for _, ts := range order {
		bar := byTime[ts]
		if _, err := stmt.ExecContext(ctx,
			bar.Symbol,
			string(bar.Exchange),
			string(bar.Interval),
			bar.Datetime,
			bar.Open.InexactFloat64(),
			bar.High.InexactFloat64(),
			bar.Low.InexactFloat64(),
			bar.Close.InexactFloat64(),
			bar.Volume.InexactFloat64(),
			bar.Turnover.InexactFloat64(),
			bar.OpenInterest.InexactFloat64(),
		); err != nil {
			return 0, NewStorageError("upsert", "bars", fmt.Errorf("failed to insert bar %s: %w", bar.String(), err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, NewStorageError("upsert", "bars", fmt.Errorf("failed to commit: %w", err))
	}

	d.logger.Debug("upserted bars",
		"series", key.String(),
		"count", len(order),
		"duration", time.Since(start))

	return len(order), nil
}

// QueryRange implements BarStore with the half-open [start, end) contract.
func (d *DuckDBStore) QueryRange(ctx context.Context, key models.SeriesKey, start, end time.Time) ([]models.Bar, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT timestamp, open, high, low, close, volume, turnover, open_interest
		FROM bars
		WHERE symbol = ? AND exchange = ? AND interval = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC`,
		key.Symbol, string(key.Exchange), string(key.Interval), start, end)
	if err != nil {
		return nil, NewStorageError("query", "bars", err)
	}
	defer rows.Close()

	var out []models.Bar
	for rows.Next() {
		bar := models.Bar{Symbol: key.Symbol, Exchange: key.Exchange, Interval: key.Interval}
		var open, high, low, closePx, volume, turnover, openInterest float64
		if err := rows.Scan(&bar.Datetime, &open, &high, &low, &closePx, &volume, &turnover, &openInterest); err != nil {
			return nil, NewStorageError("query", "bars", fmt.Errorf("failed to scan row: %w", err))
		}
		bar.Datetime = bar.Datetime.UTC()
		bar.Open = decimal.NewFromFloat(open)
		bar.High = decimal.NewFromFloat(high)
		bar.Low = decimal.NewFromFloat(low)
		bar.Close = decimal.NewFromFloat(closePx)
		bar.Volume = decimal.NewFromFloat(volume)
		bar.Turnover = decimal.NewFromFloat(turnover)
		bar.OpenInterest = decimal.NewFromFloat(openInterest)
		out = append(out, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("query", "bars", err)
	}
	return out, nil
}

// ListOverviews implements BarStore. Overviews are derived with a single
// aggregate query and never stored independently.
func (d *DuckDBStore) ListOverviews(ctx context.Context) ([]models.Overview, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT symbol, exchange, interval, COUNT(*), MIN(timestamp), MAX(timestamp)
		FROM bars
		GROUP BY symbol, exchange, interval`)
	if err != nil {
		return nil, NewStorageError("overview", "bars", err)
	}
	defer rows.Close()

	var out []models.Overview
	for rows.Next() {
		var ov models.Overview
		var exchange, interval string
		if err := rows.Scan(&ov.Symbol, &exchange, &interval, &ov.Count, &ov.Start, &ov.End); err != nil {
			return nil, NewStorageError("overview", "bars", fmt.Errorf("failed to scan row: %w", err))
		}
		ov.Exchange = models.Exchange(exchange)
		ov.Interval = models.Interval(interval)
		ov.Start = ov.Start.UTC()
		ov.End = ov.End.UTC()
		out = append(out, ov)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("overview", "bars", err)
	}
	return out, nil
}

// GetOverview implements BarStore.
func (d *DuckDBStore) GetOverview(ctx context.Context, key models.SeriesKey) (*models.Overview, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(timestamp), MAX(timestamp)
		FROM bars
		WHERE symbol = ? AND exchange = ? AND interval = ?`,
		key.Symbol, string(key.Exchange), string(key.Interval))

	var count int
	var start, end sql.NullTime
	if err := row.Scan(&count, &start, &end); err != nil {
		return nil, NewStorageError("overview", "bars", err)
	}
	if count == 0 {
		return nil, nil
	}
	return &models.Overview{
		SeriesKey: key,
		Count:     count,
		Start:     start.Time.UTC(),
		End:       end.Time.UTC(),
	}, nil
}

// DeleteSeries implements BarStore. Idempotent.
func (d *DuckDBStore) DeleteSeries(ctx context.Context, key models.SeriesKey) (int, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM bars WHERE symbol = ? AND exchange = ? AND interval = ?`,
		key.Symbol, string(key.Exchange), string(key.Interval))
	if err != nil {
		return 0, NewStorageError("delete", "bars", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		// DuckDB always reports affected rows; treat failure as zero.
		return 0, nil
	}
	return int(affected), nil
}
