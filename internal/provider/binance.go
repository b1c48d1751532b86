// Binance REST adapter for the provider interfaces.
//
// Fetches klines and aggregate trades over the public REST API with rate
// limiting and retry, and signs requests for endpoints that require
// authentication. The adapter normalizes every timestamp it returns to
// the reference timezone.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/johnayoung/go-bar-manager/internal/models"
)

const (
	binanceBaseURL = "https://api.binance.com"

	klinesEndpoint    = "/api/v3/klines"
	aggTradesEndpoint = "/api/v3/aggTrades"
	pingEndpoint      = "/api/v3/ping"

	// Request configuration.
	maxRowsPerRequest = 1000
	requestTimeout    = 30 * time.Second

	// Rate limiting configuration.
	maxRequestsPerSecond = 10
	rateLimitBurst       = 1

	// Retry configuration.
	maxRetries        = 3
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
)

var binanceIntervals = map[models.Interval]string{
	models.IntervalMinute: "1m",
	models.IntervalHour:   "1h",
	models.IntervalDaily:  "1d",
}

// BinanceAdapter implements BarProvider and TickProvider against the
// Binance spot REST API.
type BinanceAdapter struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	apiKey      string
	apiSecret   string
	refLoc      *time.Location
	logger      *slog.Logger
}

// BinanceOption configures a BinanceAdapter.
type BinanceOption func(*BinanceAdapter)

// WithBaseURL points the adapter at a different REST endpoint, e.g. a test
// server.
func WithBaseURL(u string) BinanceOption {
	return func(b *BinanceAdapter) { b.baseURL = u }
}

// WithCredentials supplies the API key and secret used for signed
// endpoints.
func WithCredentials(key, secret string) BinanceOption {
	return func(b *BinanceAdapter) { b.apiKey, b.apiSecret = key, secret }
}

// WithReferenceLocation sets the timezone all returned datetimes are
// normalized to. Defaults to UTC.
func WithReferenceLocation(loc *time.Location) BinanceOption {
	return func(b *BinanceAdapter) {
		if loc != nil {
			b.refLoc = loc
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) BinanceOption {
	return func(b *BinanceAdapter) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBinanceAdapter creates a Binance adapter with sane transport, rate
// limit, and retry defaults.
func NewBinanceAdapter(opts ...BinanceOption) *BinanceAdapter {
	b := &BinanceAdapter{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(maxRequestsPerSecond), rateLimitBurst),
		baseURL:     binanceBaseURL,
		refLoc:      time.UTC,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FetchBarsPage implements BarProvider. One call fetches at most one
// provider page; HasMore is set when the page came back full.
func (b *BinanceAdapter) FetchBarsPage(ctx context.Context, req PageRequest) (*PageResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	granularity, ok := binanceIntervals[req.Interval]
	if !ok {
		return nil, &models.ValidationError{Field: "interval",
			Message: fmt.Sprintf("interval %q has no kline granularity", string(req.Interval))}
	}

	limit := req.Limit
	if limit <= 0 || limit > maxRowsPerRequest {
		limit = maxRowsPerRequest
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("interval", granularity)
	params.Set("startTime", strconv.FormatInt(req.Since.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(limit))

	body, err := b.doRequest(ctx, "fetch_bars", klinesEndpoint, params, false)
	if err != nil {
		return nil, err
	}

	// Each kline row is a JSON array:
	// [openTime, open, high, low, close, volume, closeTime, quoteVolume, ...]
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &ProviderError{Op: "fetch_bars", Err: fmt.Errorf("failed to parse klines response: %w", err)}
	}

	bars := make([]models.Bar, 0, len(rows))
	for _, row := range rows {
		bar, err := b.convertKline(row, req)
		if err != nil {
			b.logger.Warn("skipping malformed kline", "symbol", req.Symbol, "error", err)
			continue
		}
		bars = append(bars, *bar)
	}

	b.logger.Debug("fetched klines",
		"symbol", req.Symbol,
		"interval", granularity,
		"since", req.Since,
		"count", len(bars))

	return &PageResponse{Bars: bars, HasMore: len(rows) == limit}, nil
}

// FetchTicksPage implements TickProvider. Aggregate trades map to
// degenerate zero-duration bars with open=high=low=close=price.
func (b *BinanceAdapter) FetchTicksPage(ctx context.Context, req PageRequest) (*PageResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 || limit > maxRowsPerRequest {
		limit = maxRowsPerRequest
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("startTime", strconv.FormatInt(req.Since.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(limit))

	body, err := b.doRequest(ctx, "fetch_ticks", aggTradesEndpoint, params, false)
	if err != nil {
		return nil, err
	}

	var trades []struct {
		Price    string `json:"p"`
		Quantity string `json:"q"`
		Time     int64  `json:"T"`
	}
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, &ProviderError{Op: "fetch_ticks", Err: fmt.Errorf("failed to parse aggTrades response: %w", err)}
	}

	bars := make([]models.Bar, 0, len(trades))
	for _, trade := range trades {
		price, err := decimal.NewFromString(trade.Price)
		if err != nil {
			b.logger.Warn("skipping malformed trade", "symbol", req.Symbol, "error", err)
			continue
		}
		qty, err := decimal.NewFromString(trade.Quantity)
		if err != nil {
			b.logger.Warn("skipping malformed trade", "symbol", req.Symbol, "error", err)
			continue
		}

		bars = append(bars, models.Bar{
			Symbol:   req.Symbol,
			Exchange: req.Exchange,
			Interval: models.IntervalTick,
			Datetime: time.UnixMilli(trade.Time).In(b.refLoc),
			Open:     price,
			High:     price,
			Low:      price,
			Close:    price,
			Volume:   qty,
			Turnover: price.Mul(qty),
		})
	}

	return &PageResponse{Bars: bars, HasMore: len(trades) == limit}, nil
}

// HealthCheck verifies the REST endpoint is reachable.
func (b *BinanceAdapter) HealthCheck(ctx context.Context) error {
	_, err := b.doRequest(ctx, "ping", pingEndpoint, url.Values{}, false)
	return err
}

// doRequest performs one GET with rate limiting and classified retry.
// When signed is true the query is HMAC-signed and the API key header is
// attached.
func (b *BinanceAdapter) doRequest(ctx context.Context, op, endpoint string, params url.Values, signed bool) ([]byte, error) {
	var query string
	if signed {
		signedQuery, err := SignQuery(params, b.apiSecret, time.Now())
		if err != nil {
			return nil, &ProviderError{Op: op, Err: err}
		}
		query = signedQuery
	} else {
		query = CleanParams(params).Encode()
	}

	requestURL := b.baseURL + endpoint
	if query != "" {
		requestURL += "?" + query
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialRetryDelay
	policy.MaxInterval = maxRetryDelay

	var body []byte
	operation := func() error {
		if err := b.rateLimiter.Wait(ctx); err != nil {
			return backoff.Permanent(&ProviderError{Op: op, Err: err})
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return backoff.Permanent(&ProviderError{Op: op, Err: err})
		}
		if signed && b.apiKey != "" {
			req.Header.Set("X-MBX-APIKEY", b.apiKey)
		}

		resp, err := b.httpClient.Do(req)
		if err != nil {
			perr := &ProviderError{Op: op, Err: err, Retryable: isRetryableTransport(err)}
			if !perr.Retryable {
				return backoff.Permanent(perr)
			}
			return perr
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &ProviderError{Op: op, Err: err, Retryable: true}
		}

		if resp.StatusCode != http.StatusOK {
			perr := &ProviderError{
				Op:        op,
				Status:    resp.StatusCode,
				Err:       fmt.Errorf("unexpected response: %s", truncate(data, 200)),
				Retryable: isRetryableStatus(resp.StatusCode),
			}
			if !perr.Retryable {
				return backoff.Permanent(perr)
			}
			return perr
		}

		body = data
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) {
			return nil, perr
		}
		return nil, &ProviderError{Op: op, Err: err}
	}
	return body, nil
}

// convertKline converts one kline row into a Bar.
func (b *BinanceAdapter) convertKline(row []json.RawMessage, req PageRequest) (*models.Bar, error) {
	if len(row) < 8 {
		return nil, fmt.Errorf("kline row has %d fields, want at least 8", len(row))
	}

	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return nil, fmt.Errorf("invalid open time: %w", err)
	}

	dec := func(raw json.RawMessage, name string) (decimal.Decimal, error) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, fmt.Errorf("invalid %s: %w", name, err)
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid %s: %w", name, err)
		}
		return v, nil
	}

	bar := models.Bar{
		Symbol:   req.Symbol,
		Exchange: req.Exchange,
		Interval: req.Interval,
		Datetime: time.UnixMilli(openTime).In(b.refLoc),
	}

	var err error
	if bar.Open, err = dec(row[1], "open"); err != nil {
		return nil, err
	}
	if bar.High, err = dec(row[2], "high"); err != nil {
		return nil, err
	}
	if bar.Low, err = dec(row[3], "low"); err != nil {
		return nil, err
	}
	if bar.Close, err = dec(row[4], "close"); err != nil {
		return nil, err
	}
	if bar.Volume, err = dec(row[5], "volume"); err != nil {
		return nil, err
	}
	if bar.Turnover, err = dec(row[7], "turnover"); err != nil {
		return nil, err
	}

	return &bar, nil
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func isRetryableTransport(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
