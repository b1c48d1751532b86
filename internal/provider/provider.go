// Package provider defines the market-data provider interfaces the
// downloader consumes, plus a Binance REST implementation. A provider is
// an opaque paginated source: it fetches one page of bars or ticks at a
// time and reports whether more data remains.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-bar-manager/internal/models"
)

// PageRequest asks for one page of data starting at Since. The provider
// returns data with datetime >= Since; overlap trimming is the
// downloader's job.
type PageRequest struct {
	Symbol   string
	Exchange models.Exchange
	Interval models.Interval
	Since    time.Time

	// Limit caps the page size. Zero means the provider default.
	Limit int
}

// Validate checks the request parameters before any network I/O.
func (r *PageRequest) Validate() error {
	if r.Symbol == "" {
		return &models.ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if _, err := models.ParseExchange(string(r.Exchange)); err != nil {
		return err
	}
	if _, err := models.ParseInterval(string(r.Interval)); err != nil {
		return err
	}
	if r.Since.IsZero() {
		return &models.ValidationError{Field: "since", Message: "since cannot be zero"}
	}
	if r.Limit < 0 {
		return &models.ValidationError{Field: "limit", Message: "limit cannot be negative"}
	}
	return nil
}

// PageResponse is one page of provider data in chronological order.
type PageResponse struct {
	Bars []models.Bar

	// HasMore indicates the provider holds further data past this page.
	HasMore bool
}

// BarProvider fetches OHLCV bars in paginated windows.
type BarProvider interface {
	FetchBarsPage(ctx context.Context, req PageRequest) (*PageResponse, error)
}

// TickProvider fetches trade ticks as degenerate zero-duration bars.
type TickProvider interface {
	FetchTicksPage(ctx context.Context, req PageRequest) (*PageResponse, error)
}

// ProviderError represents a remote fetch failure. Retryable errors
// (network, timeout, throttling, 5xx) are retried by the adapter before
// surfacing; the downloader treats any surfaced ProviderError as terminal
// for the current call.
type ProviderError struct {
	Op        string
	Status    int
	Err       error
	Retryable bool
}

// Error implements the error interface for ProviderError.
func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s failed with status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}
