// In-memory BarStore implementation. Thread-safe, used by tests and as a
// throwaway backend for ad-hoc runs; semantics match the DuckDB backend.
package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-bar-manager/internal/models"
)

// MemoryStore is an in-memory implementation of BarStore. All methods are
// safe for concurrent use; bars are copied in and out so callers can never
// mutate stored state.
type MemoryStore struct {
	mu sync.RWMutex

	// series: map[key][datetime] -> Bar
	series map[models.SeriesKey]map[time.Time]models.Bar

	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series: make(map[models.SeriesKey]map[time.Time]models.Bar),
	}
}

// Initialize implements BarStore. It is a no-op for the memory backend.
func (m *MemoryStore) Initialize(ctx context.Context) error {
	return nil
}

// Close implements BarStore.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Upsert implements BarStore. Validation runs over the whole batch before
// any bar is applied, so a rejected batch leaves the series untouched.
func (m *MemoryStore) Upsert(ctx context.Context, key models.SeriesKey, bars []models.Bar) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewStorageError("upsert", "bars", err)
	}
	if err := key.Validate(); err != nil {
		return 0, NewStorageError("upsert", "bars", err)
	}
	if len(bars) == 0 {
		return 0, nil
	}

	for i := range bars {
		if bars[i].Key() != key {
			return 0, NewStorageError("upsert", "bars",
				&models.ValidationError{Field: "key", Message: "bar " + bars[i].Key().String() + " does not belong to series " + key.String()})
		}
		if err := bars[i].Validate(); err != nil {
			return 0, NewStorageError("upsert", "bars", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, NewStorageError("upsert", "bars", errors.New("store is closed"))
	}

	byTime := m.series[key]
	if byTime == nil {
		byTime = make(map[time.Time]models.Bar, len(bars))
		m.series[key] = byTime
	}

	// Later entries in the batch win on duplicate datetimes; the count
	// reports distinct datetimes touched, matching the SQL backend.
	touched := make(map[time.Time]bool, len(bars))
	for _, bar := range bars {
		ts := bar.Datetime.UTC()
		bar.Datetime = ts
		byTime[ts] = bar
		touched[ts] = true
	}

	return len(touched), nil
}

// QueryRange implements BarStore with the half-open [start, end) contract.
func (m *MemoryStore) QueryRange(ctx context.Context, key models.SeriesKey, start, end time.Time) ([]models.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("query", "bars", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewStorageError("query", "bars", errors.New("store is closed"))
	}

	byTime := m.series[key]
	out := make([]models.Bar, 0, len(byTime))
	for ts, bar := range byTime {
		if !ts.Before(start) && ts.Before(end) {
			out = append(out, bar)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Datetime.Before(out[j].Datetime)
	})
	return out, nil
}

// ListOverviews implements BarStore.
func (m *MemoryStore) ListOverviews(ctx context.Context) ([]models.Overview, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("overview", "bars", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewStorageError("overview", "bars", errors.New("store is closed"))
	}

	out := make([]models.Overview, 0, len(m.series))
	for key, byTime := range m.series {
		if len(byTime) == 0 {
			continue
		}
		out = append(out, computeOverview(key, byTime))
	}
	return out, nil
}

// GetOverview implements BarStore.
func (m *MemoryStore) GetOverview(ctx context.Context, key models.SeriesKey) (*models.Overview, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("overview", "bars", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewStorageError("overview", "bars", errors.New("store is closed"))
	}

	byTime := m.series[key]
	if len(byTime) == 0 {
		return nil, nil
	}
	ov := computeOverview(key, byTime)
	return &ov, nil
}

// DeleteSeries implements BarStore. Idempotent.
func (m *MemoryStore) DeleteSeries(ctx context.Context, key models.SeriesKey) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewStorageError("delete", "bars", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, NewStorageError("delete", "bars", errors.New("store is closed"))
	}

	count := len(m.series[key])
	delete(m.series, key)
	return count, nil
}

// computeOverview derives the overview from a series map. Caller holds the
// lock.
func computeOverview(key models.SeriesKey, byTime map[time.Time]models.Bar) models.Overview {
	ov := models.Overview{SeriesKey: key, Count: len(byTime)}
	first := true
	for ts := range byTime {
		if first {
			ov.Start, ov.End = ts, ts
			first = false
			continue
		}
		if ts.Before(ov.Start) {
			ov.Start = ts
		}
		if ts.After(ov.End) {
			ov.End = ts
		}
	}
	return ov
}
