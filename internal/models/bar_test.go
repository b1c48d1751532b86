package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBar() Bar {
	return Bar{
		Symbol:   "BTCUSDT",
		Exchange: ExchangeBinance,
		Interval: IntervalMinute,
		Datetime: time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC),
		Open:     decimal.NewFromInt(100),
		High:     decimal.NewFromInt(105),
		Low:      decimal.NewFromInt(99),
		Close:    decimal.NewFromInt(103),
		Volume:   decimal.NewFromInt(1000),
	}
}

func TestBar_Validate(t *testing.T) {
	bar := validBar()
	require.NoError(t, bar.Validate())
}

func TestBar_ValidateOHLCRelationship(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Bar)
		field  string
	}{
		{
			name:   "high below close",
			mutate: func(b *Bar) { b.High = decimal.NewFromInt(102) },
			field:  "high",
		},
		{
			name:   "low above open",
			mutate: func(b *Bar) { b.Low = decimal.NewFromInt(101) },
			field:  "low",
		},
		{
			name:   "zero open price",
			mutate: func(b *Bar) { b.Open = decimal.Zero },
			field:  "open",
		},
		{
			name:   "negative volume",
			mutate: func(b *Bar) { b.Volume = decimal.NewFromInt(-1) },
			field:  "volume",
		},
		{
			name:   "negative open interest",
			mutate: func(b *Bar) { b.OpenInterest = decimal.NewFromInt(-5) },
			field:  "open_interest",
		},
		{
			name:   "zero datetime",
			mutate: func(b *Bar) { b.Datetime = time.Time{} },
			field:  "datetime",
		},
		{
			name:   "empty symbol",
			mutate: func(b *Bar) { b.Symbol = "" },
			field:  "symbol",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bar := validBar()
			tt.mutate(&bar)

			err := bar.Validate()
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestBar_ValidateDojiAtBoundary(t *testing.T) {
	// open == close == high == low is a legal bar.
	bar := validBar()
	price := decimal.NewFromInt(100)
	bar.Open, bar.High, bar.Low, bar.Close = price, price, price, price
	require.NoError(t, bar.Validate())
}

func TestParseExchange(t *testing.T) {
	ex, err := ParseExchange("BINANCE")
	require.NoError(t, err)
	assert.Equal(t, ExchangeBinance, ex)

	_, err = ParseExchange("NASDAQ")
	require.Error(t, err)

	_, err = ParseExchange("")
	require.Error(t, err)
}

func TestParseInterval(t *testing.T) {
	iv, err := ParseInterval("1m")
	require.NoError(t, err)
	assert.Equal(t, IntervalMinute, iv)
	assert.Equal(t, time.Minute, iv.Duration())

	tick, err := ParseInterval("tick")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), tick.Duration())

	_, err = ParseInterval("5m")
	require.Error(t, err)
}

func TestSeriesKey_Validate(t *testing.T) {
	key := SeriesKey{Symbol: "BTCUSDT", Exchange: ExchangeBinance, Interval: IntervalHour}
	require.NoError(t, key.Validate())
	assert.Equal(t, "BTCUSDT.BINANCE.1h", key.String())

	assert.Error(t, SeriesKey{Symbol: "", Exchange: ExchangeBinance, Interval: IntervalHour}.Validate())
	assert.Error(t, SeriesKey{Symbol: "X", Exchange: "BOGUS", Interval: IntervalHour}.Validate())
	assert.Error(t, SeriesKey{Symbol: "X", Exchange: ExchangeBinance, Interval: "7d"}.Validate())
}
