// Package storage defines the persistence layer for historical bar data.
// A BarStore owns all Bar and Overview data; every other component reads
// and mutates series exclusively through its operations.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-bar-manager/internal/models"
)

// BarStore is the keyed time-series store for OHLCV bars.
//
// Bars are unique per (symbol, exchange, interval, datetime); Upsert
// replaces on conflict and never duplicates. Overviews are derived from
// the stored bar set and become visible only after the mutation that
// produced them has completed.
type BarStore interface {
	// Upsert applies bars to the series identified by key and returns the
	// number of bars inserted or replaced. Input bars need not be sorted
	// or deduplicated; later entries win on duplicate datetimes. The call
	// is atomic: on error no bar is applied and the overview is unchanged.
	// Bars whose own key differs from key are rejected.
	Upsert(ctx context.Context, key models.SeriesKey, bars []models.Bar) (int, error)

	// QueryRange returns the bars of a series with start <= datetime < end,
	// sorted ascending by datetime.
	QueryRange(ctx context.Context, key models.SeriesKey, start, end time.Time) ([]models.Bar, error)

	// ListOverviews returns one overview per series holding at least one
	// bar, in unspecified order.
	ListOverviews(ctx context.Context) ([]models.Overview, error)

	// GetOverview returns the overview for key, or nil if the series is
	// empty or unknown.
	GetOverview(ctx context.Context, key models.SeriesKey) (*models.Overview, error)

	// DeleteSeries removes all bars and the overview for key and returns
	// the number of bars removed. Deleting an unknown key returns 0.
	DeleteSeries(ctx context.Context, key models.SeriesKey) (int, error)

	// Initialize prepares the backend (schema, indexes). Idempotent.
	Initialize(ctx context.Context) error

	// Close releases the backend. The store must not be used afterwards.
	Close() error
}

// StorageError represents a persistence failure. A failed mutation never
// leaves an overview ahead of the stored bars.
type StorageError struct {
	// Op is the storage operation that failed (e.g. "upsert", "query").
	Op string

	// Table is the backend table involved, if any.
	Table string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a StorageError with the provided details.
func NewStorageError(op, table string, err error) *StorageError {
	return &StorageError{Op: op, Table: table, Err: err}
}
