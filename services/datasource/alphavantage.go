package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v6"

	"stock_crawler/config"
	"stock_crawler/logger"
	"stock_crawler/models"
)

const alphaVantageURL = "https://www.alphavantage.co/query"

// compact output covers roughly the last 100 trading days
const compactWindow = 140 * 24 * time.Hour

// AlphaVantage fetches daily bars from the Alpha Vantage query API
type AlphaVantage struct {
	apiKey string
	opts   Options
}

// NewAlphaVantage returns an adapter; an API key is mandatory
func NewAlphaVantage(apiKey string, opts Options) (*AlphaVantage, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("alphavantage: API key is required")
	}
	opts = opts.withDefaults("alphavantage", 0)
	if opts.BaseURL == "" {
		opts.BaseURL = alphaVantageURL
	}
	return &AlphaVantage{apiKey: apiKey, opts: opts}, nil
}

func (a *AlphaVantage) Name() string { return config.SourceAlphaVantage }

func (a *AlphaVantage) DefaultFunction() string { return "TIME_SERIES_DAILY" }

type avDailyBar struct {
	Open   string `json:"1. open"`
	High   string `json:"2. high"`
	Low    string `json:"3. low"`
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

type avDailyResponse struct {
	Series map[string]avDailyBar `json:"Time Series (Daily)"`
}

type avOverview struct {
	MarketCapitalization string `json:"MarketCapitalization"`
	PERatio              string `json:"PERatio"`
}

// FetchStockData returns daily bars within [start, end]
func (a *AlphaVantage) FetchStockData(ctx context.Context, symbol string, start, end time.Time) ([]models.StockData, error) {
	symbol = models.NormalizeSymbol(symbol)
	log := a.opts.Log.WithFields(logger.Fields{"symbol": symbol})

	start, end, err := resolveWindow(a.opts.Now(), start, end)
	if err != nil {
		return nil, &ProviderError{Source: a.Name(), Symbol: symbol, Outcome: OutcomePermanent, Message: err.Error()}
	}

	outputSize := "compact"
	if a.opts.Now().Sub(start) > compactWindow {
		outputSize = "full"
	}

	params := url.Values{
		"function":   {"TIME_SERIES_DAILY"},
		"symbol":     {symbol},
		"outputsize": {outputSize},
		"apikey":     {a.apiKey},
	}
	r, attempts := a.query(ctx, "TIME_SERIES_DAILY "+symbol, params)
	if r.Outcome != OutcomeSuccess {
		return nil, a.failure(ctx, log, symbol, r, attempts)
	}

	var payload avDailyResponse
	if err := json.Unmarshal(r.Body, &payload); err != nil {
		return nil, &ProviderError{Source: a.Name(), Symbol: symbol, Outcome: OutcomePermanent, Attempts: attempts, Message: "malformed response: " + err.Error()}
	}
	if len(payload.Series) == 0 {
		log.Warn("no time series in response")
		return []models.StockData{}, nil
	}

	records := make([]models.StockData, 0, len(payload.Series))
	for day, bar := range payload.Series {
		date, err := models.ParseDate(day)
		if err != nil {
			log.WithFields(logger.Fields{"date": day}).Debug("skipping unparseable date")
			continue
		}
		if date.Before(start) || date.After(end) {
			continue
		}
		record := models.StockData{
			Symbol:     symbol,
			Date:       date,
			OpenPrice:  parseDecimal(bar.Open),
			HighPrice:  parseDecimal(bar.High),
			LowPrice:   parseDecimal(bar.Low),
			ClosePrice: parseDecimal(bar.Close),
			DataSource: a.Name(),
		}
		// TIME_SERIES_DAILY is unadjusted; the close doubles as adjusted close
		record.AdjClosePrice = record.ClosePrice
		if v, err := strconv.ParseInt(strings.TrimSpace(bar.Volume), 10, 64); err == nil {
			record.Volume = null.IntFrom(v)
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Date.Before(records[j].Date) })

	if len(records) > 0 {
		a.applyOverview(ctx, log, symbol, records)
	}
	for i := range records {
		records[i].Normalize()
	}

	log.WithFields(logger.Fields{
		"records": len(records),
		"start":   start.Format(models.DateLayout),
		"end":     end.Format(models.DateLayout),
	}).Debug("fetched daily series")
	return records, nil
}

// applyOverview copies market cap and P/E onto every record; failures only warn
func (a *AlphaVantage) applyOverview(ctx context.Context, log *logger.Entry, symbol string, records []models.StockData) {
	params := url.Values{
		"function": {"OVERVIEW"},
		"symbol":   {symbol},
		"apikey":   {a.apiKey},
	}
	r, _ := a.query(ctx, "OVERVIEW "+symbol, params)
	if r.Outcome != OutcomeSuccess {
		log.Warnf("company overview unavailable: %s", r.Message)
		return
	}

	var overview avOverview
	if err := json.Unmarshal(r.Body, &overview); err != nil {
		log.WithError(err).Warn("malformed company overview")
		return
	}
	marketCap := parseDecimal(overview.MarketCapitalization)
	pe := parseDecimal(overview.PERatio)
	for i := range records {
		records[i].MarketCap = marketCap
		records[i].PERatio = pe
	}
}

// FetchLatest returns the newest bar over the last five days
func (a *AlphaVantage) FetchLatest(ctx context.Context, symbol string) (*models.StockData, error) {
	end := models.DateOf(a.opts.Now())
	records, err := a.FetchStockData(ctx, symbol, end.AddDate(0, 0, -5), end)
	if err != nil {
		return nil, err
	}
	return latestOf(records), nil
}

// FetchRaw calls an arbitrary function and wraps the response in an envelope
func (a *AlphaVantage) FetchRaw(ctx context.Context, symbol, function string, params map[string]string) models.StockPriceRaw {
	symbol = models.NormalizeSymbol(symbol)
	if function == "" {
		function = a.DefaultFunction()
	}
	function = strings.ToUpper(function)

	query := url.Values{
		"function": {function},
		"symbol":   {symbol},
	}
	for k, v := range params {
		query.Set(k, v)
	}
	query.Set("apikey", a.apiKey)

	env := models.StockPriceRaw{
		StockCode:       symbol,
		TimeGranularity: alphaVantageGranularity(function, query.Get("interval")),
		CrawlSaveTime:   a.opts.Now().UTC(),
		DataSource:      a.Name(),
		APIFunction:     models.StringPtr(function),
		APIParams:       models.StringPtr(paramsJSON(query)),
	}

	r, attempts := a.query(ctx, function+" "+symbol, query)
	return finishEnvelope(env, r, attempts, func(body []byte) (string, bool) {
		first, last, ok := alphaVantageRange(body)
		if !ok {
			return "", !strings.HasPrefix(function, "TIME_SERIES")
		}
		return models.DateRange(first, last), true
	})
}

// IsAvailable makes a single unretried call
func (a *AlphaVantage) IsAvailable(ctx context.Context) bool {
	params := url.Values{
		"function":   {"TIME_SERIES_DAILY"},
		"symbol":     {"AAPL"},
		"outputsize": {"compact"},
		"apikey":     {a.apiKey},
	}
	r := a.inspect(httpGet(ctx, a.opts.HTTPClient, a.opts.BaseURL, params), params)
	if r.Throttled {
		a.opts.Log.Info("provider reachable but throttled")
		return true
	}
	if r.Outcome != OutcomeSuccess {
		a.opts.Log.Warnf("provider unavailable: %s", r.Message)
		return false
	}
	_, _, ok := alphaVantageRange(r.Body)
	return ok
}

func (a *AlphaVantage) query(ctx context.Context, label string, params url.Values) (Response, int) {
	return a.opts.Policy.Do(ctx, a.opts.Log, label, func(ctx context.Context) Response {
		return a.inspect(httpGet(ctx, a.opts.HTTPClient, a.opts.BaseURL, params), params)
	})
}

// inspect refines a transport-level success using the notices Alpha Vantage
// embeds in HTTP 200 bodies. A premium notice answering outputsize=full will
// not clear with time, so it is permanent there.
func (a *AlphaVantage) inspect(r Response, params url.Values) Response {
	if r.Outcome != OutcomeSuccess {
		return r
	}

	var notices struct {
		ErrorMessage string `json:"Error Message"`
		Note         string `json:"Note"`
		Information  string `json:"Information"`
	}
	if err := json.Unmarshal(r.Body, &notices); err != nil {
		r.Outcome = OutcomePermanent
		r.Message = "malformed response: " + err.Error()
		return r
	}

	switch {
	case notices.ErrorMessage != "":
		r.Outcome = OutcomePermanent
		r.Message = notices.ErrorMessage
	case params.Get("outputsize") == "full" && isPremiumNotice(notices.Note+" "+notices.Information):
		r.Outcome = OutcomePermanent
		r.Message = "premium endpoint: " + strings.TrimSpace(notices.Note+" "+notices.Information)
	case isRateLimitNotice(notices.Note), isRateLimitNotice(notices.Information):
		r.Outcome = OutcomeRetryable
		r.Throttled = true
		r.Message = "rate limit: " + strings.TrimSpace(notices.Note+" "+notices.Information)
	case notices.Information != "":
		r.Outcome = OutcomePermanent
		r.Message = notices.Information
	}
	return r
}

func (a *AlphaVantage) failure(ctx context.Context, log *logger.Entry, symbol string, r Response, attempts int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Outcome == OutcomeRetryable {
		log.WithFields(logger.Fields{"attempts": attempts, "throttled": r.Throttled}).
			Warnf("giving up after retries: %s", r.Message)
		return nil
	}
	return &ProviderError{
		Source:     a.Name(),
		Symbol:     symbol,
		Outcome:    r.Outcome,
		StatusCode: r.StatusCode,
		Attempts:   attempts,
		Message:    r.Message,
	}
}

func isRateLimitNotice(msg string) bool {
	msg = strings.ToLower(msg)
	if msg == "" {
		return false
	}
	for _, marker := range []string{"call frequency", "rate limit", "premium", "requests per"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func isPremiumNotice(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "premium")
}

func alphaVantageGranularity(function, interval string) string {
	switch {
	case strings.Contains(function, "INTRADAY"):
		minutes, err := strconv.Atoi(strings.TrimSuffix(strings.ToLower(interval), "min"))
		if err != nil || minutes <= 0 {
			minutes = 5
		}
		return models.IntradayGranularity(minutes)
	case strings.Contains(function, "WEEKLY"):
		return models.GranularityWeekly
	case strings.Contains(function, "MONTHLY"):
		return models.GranularityMonthly
	default:
		return models.GranularityDaily
	}
}

// alphaVantageRange returns the first and last keys of the time-series object
func alphaVantageRange(body []byte) (string, string, bool) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return "", "", false
	}
	for key, raw := range top {
		if !strings.Contains(key, "Time Series") {
			continue
		}
		var series map[string]json.RawMessage
		if err := json.Unmarshal(raw, &series); err != nil || len(series) == 0 {
			return "", "", false
		}
		keys := make([]string, 0, len(series))
		for k := range series {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys[0], keys[len(keys)-1], true
	}
	return "", "", false
}
