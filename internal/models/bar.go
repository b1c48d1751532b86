// Package models provides the core data structures for historical bar
// management: OHLCV bars, series keys, and per-series overviews, together
// with the closed exchange and interval enumerations and their validation.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange identifies a supported trading venue. The set is closed:
// values outside the constants below are rejected by ParseExchange.
type Exchange string

// Supported exchanges.
const (
	ExchangeBinance Exchange = "BINANCE"
	ExchangeSSE     Exchange = "SSE"
	ExchangeSZSE    Exchange = "SZSE"
	ExchangeCFFEX   Exchange = "CFFEX"
	ExchangeSHFE    Exchange = "SHFE"
	ExchangeLocal   Exchange = "LOCAL"
)

var exchanges = map[Exchange]bool{
	ExchangeBinance: true,
	ExchangeSSE:     true,
	ExchangeSZSE:    true,
	ExchangeCFFEX:   true,
	ExchangeSHFE:    true,
	ExchangeLocal:   true,
}

// ParseExchange validates s against the closed exchange set.
func ParseExchange(s string) (Exchange, error) {
	e := Exchange(s)
	if !exchanges[e] {
		return "", &ValidationError{Field: "exchange", Message: fmt.Sprintf("unknown exchange %q", s)}
	}
	return e, nil
}

// Exchanges returns all supported exchange values.
func Exchanges() []Exchange {
	out := make([]Exchange, 0, len(exchanges))
	for e := range exchanges {
		out = append(out, e)
	}
	return out
}

// Interval identifies the time span a bar covers. Tick is the degenerate
// zero-duration case used for trade-by-trade data.
type Interval string

// Supported intervals.
const (
	IntervalMinute Interval = "1m"
	IntervalHour   Interval = "1h"
	IntervalDaily  Interval = "d"
	IntervalTick   Interval = "tick"
)

var intervals = map[Interval]time.Duration{
	IntervalMinute: time.Minute,
	IntervalHour:   time.Hour,
	IntervalDaily:  24 * time.Hour,
	IntervalTick:   0,
}

// ParseInterval validates s against the closed interval set.
func ParseInterval(s string) (Interval, error) {
	i := Interval(s)
	if _, ok := intervals[i]; !ok {
		return "", &ValidationError{Field: "interval", Message: fmt.Sprintf("unknown interval %q", s)}
	}
	return i, nil
}

// Duration returns the time span of one bar at this interval.
// Tick returns zero.
func (i Interval) Duration() time.Duration {
	return intervals[i]
}

// ValidationError represents a bar or request validation error with the
// field that failed and a descriptive message.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// SeriesKey identifies one logical time series. It is comparable and safe
// to use as a map key.
type SeriesKey struct {
	Symbol   string
	Exchange Exchange
	Interval Interval
}

// String returns the key in "symbol.EXCHANGE.interval" form.
func (k SeriesKey) String() string {
	return fmt.Sprintf("%s.%s.%s", k.Symbol, k.Exchange, k.Interval)
}

// Validate checks that the key names a non-empty symbol and known
// exchange/interval values.
func (k SeriesKey) Validate() error {
	if k.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if !exchanges[k.Exchange] {
		return &ValidationError{Field: "exchange", Message: fmt.Sprintf("unknown exchange %q", string(k.Exchange))}
	}
	if _, ok := intervals[k.Interval]; !ok {
		return &ValidationError{Field: "interval", Message: fmt.Sprintf("unknown interval %q", string(k.Interval))}
	}
	return nil
}

// Bar represents one OHLCV sample. Datetime is stored normalized to the
// reference timezone; (Symbol, Exchange, Interval, Datetime) is the unique
// key for storage, with upsert-replace semantics on conflict.
type Bar struct {
	Symbol       string          `json:"symbol" db:"symbol"`
	Exchange     Exchange        `json:"exchange" db:"exchange"`
	Interval     Interval        `json:"interval" db:"interval"`
	Datetime     time.Time       `json:"datetime" db:"timestamp"`
	Open         decimal.Decimal `json:"open" db:"open"`
	High         decimal.Decimal `json:"high" db:"high"`
	Low          decimal.Decimal `json:"low" db:"low"`
	Close        decimal.Decimal `json:"close" db:"close"`
	Volume       decimal.Decimal `json:"volume" db:"volume"`
	Turnover     decimal.Decimal `json:"turnover" db:"turnover"`
	OpenInterest decimal.Decimal `json:"open_interest" db:"open_interest"`
}

// Key returns the series key this bar belongs to.
func (b *Bar) Key() SeriesKey {
	return SeriesKey{Symbol: b.Symbol, Exchange: b.Exchange, Interval: b.Interval}
}

// Validate performs full validation of the bar: key fields, non-zero
// datetime, positive prices, non-negative volume fields, and the OHLC
// relationship low <= open,close <= high.
func (b *Bar) Validate() error {
	if err := b.Key().Validate(); err != nil {
		return err
	}
	if b.Datetime.IsZero() {
		return &ValidationError{Field: "datetime", Message: "datetime cannot be zero"}
	}

	zero := decimal.Zero
	if b.Open.LessThanOrEqual(zero) {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if b.High.LessThanOrEqual(zero) {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if b.Low.LessThanOrEqual(zero) {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if b.Close.LessThanOrEqual(zero) {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}
	if b.Volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}
	if b.Turnover.LessThan(zero) {
		return &ValidationError{Field: "turnover", Message: "turnover must be greater than or equal to 0"}
	}
	if b.OpenInterest.LessThan(zero) {
		return &ValidationError{Field: "open_interest", Message: "open interest must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(b.Open, b.Close)
	if b.High.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", b.High, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(b.Open, b.Close)
	if b.Low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", b.Low, minOpenClose),
		}
	}

	return nil
}

// String implements fmt.Stringer.
func (b *Bar) String() string {
	return fmt.Sprintf("Bar{%s @ %s O: %s, H: %s, L: %s, C: %s, V: %s}",
		b.Key(), b.Datetime.Format(time.RFC3339), b.Open, b.High, b.Low, b.Close, b.Volume)
}

// Overview is the derived aggregate for one series: the number of stored
// bars and the earliest/latest datetimes. It is recomputed from the stored
// bar set on every mutation and never authoritative on its own.
type Overview struct {
	SeriesKey
	Count int       `json:"count"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
