package datasource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"stock_crawler/config"
	"stock_crawler/logger"
	"stock_crawler/models"
)

// ErrUnknownSource is returned when the configured provider has no adapter
var ErrUnknownSource = errors.New("unknown data source")

// Source is a remote market-data provider
type Source interface {
	// Name identifies the provider in stored rows and envelopes
	Name() string

	// FetchStockData returns daily records for symbol within [start, end].
	// Zero dates default to the last 30 days ending today. Throttling or
	// transport failures that survive the retry budget yield an empty slice
	// and a nil error; permanent upstream failures yield a *ProviderError.
	FetchStockData(ctx context.Context, symbol string, start, end time.Time) ([]models.StockData, error)

	// FetchLatest returns the most recent record over the last few days
	FetchLatest(ctx context.Context, symbol string) (*models.StockData, error)

	// FetchRaw calls the provider function verbatim and wraps the response,
	// successful or not, in an envelope ready for archiving.
	FetchRaw(ctx context.Context, symbol, function string, params map[string]string) models.StockPriceRaw

	// DefaultFunction is the function used for daily raw archiving
	DefaultFunction() string

	// IsAvailable reports whether the provider is reachable; a throttled
	// provider counts as available.
	IsAvailable(ctx context.Context) bool
}

// Options carries the dependencies shared by every adapter
type Options struct {
	Policy     RetryPolicy
	HTTPClient *http.Client
	BaseURL    string
	Log        *logger.Entry
	Now        func() time.Time
}

func (o Options) withDefaults(component string, timeout time.Duration) Options {
	if o.HTTPClient == nil {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		o.HTTPClient = &http.Client{Timeout: timeout}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Log = logger.OrDiscard(o.Log, component)
	return o
}

// NewSource builds the adapter selected by DEFAULT_DATA_SOURCE
func NewSource(cfg *config.Config, log *logger.Log) (Source, error) {
	policy := RetryPolicy{
		RequestDelay: cfg.APIRequestDelay,
		MaxRetries:   cfg.APIMaxRetries,
		RetryDelay:   cfg.APIRetryDelay,
	}
	client := &http.Client{Timeout: cfg.APITimeout}

	switch cfg.DefaultDataSource {
	case config.SourceYFinance:
		return NewYahooFinance(Options{
			Policy:     policy,
			HTTPClient: client,
			Log:        log.WithComponent("yfinance"),
		}), nil
	case config.SourceAlphaVantage:
		return NewAlphaVantage(cfg.AlphaVantageAPIKey, Options{
			Policy:     policy,
			HTTPClient: client,
			Log:        log.WithComponent("alphavantage"),
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, cfg.DefaultDataSource)
	}
}

// resolveWindow applies the default window and validates start <= end
func resolveWindow(now time.Time, start, end time.Time) (time.Time, time.Time, error) {
	if end.IsZero() {
		end = now
	}
	end = models.DateOf(end)
	if start.IsZero() {
		start = end.AddDate(0, 0, -30)
	}
	start = models.DateOf(start)
	if start.After(end) {
		return start, end, fmt.Errorf("start date %s is after end date %s",
			start.Format(models.DateLayout), end.Format(models.DateLayout))
	}
	return start, end, nil
}

// latestOf returns the record with the greatest date
func latestOf(records []models.StockData) *models.StockData {
	if len(records) == 0 {
		return nil
	}
	latest := records[0]
	for _, r := range records[1:] {
		if r.Date.After(latest.Date) {
			latest = r
		}
	}
	return &latest
}
