package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"

	"stock_crawler/config"
	"stock_crawler/logger"
	"stock_crawler/models"
)

const yahooFinanceURL = "https://query1.finance.yahoo.com"

// YahooFinance fetches daily bars from the Yahoo Finance chart API
type YahooFinance struct {
	opts Options
}

// NewYahooFinance returns an adapter; no credentials are needed
func NewYahooFinance(opts Options) *YahooFinance {
	opts = opts.withDefaults("yfinance", 0)
	if opts.BaseURL == "" {
		opts.BaseURL = yahooFinanceURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &YahooFinance{opts: opts}
}

func (y *YahooFinance) Name() string { return config.SourceYFinance }

func (y *YahooFinance) DefaultFunction() string { return "chart" }

type yahooChartResponse struct {
	Chart struct {
		Result []yahooChartResult `json:"result"`
		Error  *yahooError        `json:"error"`
	} `json:"chart"`
}

type yahooChartResult struct {
	Meta struct {
		Symbol    string `json:"symbol"`
		Currency  string `json:"currency"`
		GMTOffset int64  `json:"gmtoffset"`
	} `json:"meta"`
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []*float64 `json:"open"`
			High   []*float64 `json:"high"`
			Low    []*float64 `json:"low"`
			Close  []*float64 `json:"close"`
			Volume []*float64 `json:"volume"`
		} `json:"quote"`
		AdjClose []struct {
			AdjClose []*float64 `json:"adjclose"`
		} `json:"adjclose"`
	} `json:"indicators"`
}

type yahooError struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type yahooQuoteResponse struct {
	QuoteResponse struct {
		Result []struct {
			Symbol     string   `json:"symbol"`
			MarketCap  *float64 `json:"marketCap"`
			TrailingPE *float64 `json:"trailingPE"`
			ForwardPE  *float64 `json:"forwardPE"`
		} `json:"result"`
		Error *yahooError `json:"error"`
	} `json:"quoteResponse"`
}

// FetchStockData returns daily bars within [start, end]
func (y *YahooFinance) FetchStockData(ctx context.Context, symbol string, start, end time.Time) ([]models.StockData, error) {
	symbol = models.NormalizeSymbol(symbol)
	log := y.opts.Log.WithFields(logger.Fields{"symbol": symbol})

	start, end, err := resolveWindow(y.opts.Now(), start, end)
	if err != nil {
		return nil, &ProviderError{Source: y.Name(), Symbol: symbol, Outcome: OutcomePermanent, Message: err.Error()}
	}

	params := url.Values{
		"period1":              {strconv.FormatInt(start.Unix(), 10)},
		"period2":              {strconv.FormatInt(end.AddDate(0, 0, 1).Unix(), 10)},
		"interval":             {"1d"},
		"events":               {"div,split"},
		"includeAdjustedClose": {"true"},
	}
	r, attempts := y.query(ctx, "chart "+symbol, y.chartURL(symbol), params)
	if r.Outcome != OutcomeSuccess {
		return nil, y.failure(ctx, log, symbol, r, attempts)
	}

	var payload yahooChartResponse
	if err := json.Unmarshal(r.Body, &payload); err != nil {
		return nil, &ProviderError{Source: y.Name(), Symbol: symbol, Outcome: OutcomePermanent, Attempts: attempts, Message: "malformed response: " + err.Error()}
	}
	if len(payload.Chart.Result) == 0 {
		log.Warn("no chart data in response")
		return []models.StockData{}, nil
	}

	records := y.parseChart(symbol, payload.Chart.Result[0], start, end)
	if len(records) > 0 {
		y.applyQuote(ctx, log, symbol, records)
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

// parseChart turns the columnar chart arrays into records, dropping bars
// without prices and bars outside the window. Later bars for the same date
// replace earlier ones.
func (y *YahooFinance) parseChart(symbol string, result yahooChartResult, start, end time.Time) []models.StockData {
	if len(result.Indicators.Quote) == 0 {
		return []models.StockData{}
	}
	quote := result.Indicators.Quote[0]
	var adj []*float64
	if len(result.Indicators.AdjClose) > 0 {
		adj = result.Indicators.AdjClose[0].AdjClose
	}

	at := func(values []*float64, i int) *float64 {
		if i < len(values) {
			return values[i]
		}
		return nil
	}

	byDate := make(map[time.Time]int)
	records := make([]models.StockData, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		open, closePrice := at(quote.Open, i), at(quote.Close, i)
		if open == nil && closePrice == nil {
			continue
		}
		date := models.DateOf(time.Unix(ts+result.Meta.GMTOffset, 0).UTC())
		if date.Before(start) || date.After(end) {
			continue
		}

		record := models.StockData{
			Symbol:        symbol,
			Date:          date,
			OpenPrice:     floatDecimal(open),
			HighPrice:     floatDecimal(at(quote.High, i)),
			LowPrice:      floatDecimal(at(quote.Low, i)),
			ClosePrice:    floatDecimal(closePrice),
			AdjClosePrice: floatDecimal(at(adj, i)),
			DataSource:    y.Name(),
		}
		if !record.AdjClosePrice.Valid {
			record.AdjClosePrice = record.ClosePrice
		}
		if v := at(quote.Volume, i); v != nil {
			record.Volume = null.IntFrom(int64(*v))
		}

		if idx, ok := byDate[date]; ok {
			records[idx] = record
			continue
		}
		byDate[date] = len(records)
		records = append(records, record)
	}
	return records
}

// applyQuote copies market cap and P/E onto every record; failures only warn
func (y *YahooFinance) applyQuote(ctx context.Context, log *logger.Entry, symbol string, records []models.StockData) {
	r, _ := y.query(ctx, "quote "+symbol, y.opts.BaseURL+"/v7/finance/quote", url.Values{"symbols": {symbol}})
	if r.Outcome != OutcomeSuccess {
		log.Warnf("quote summary unavailable: %s", r.Message)
		return
	}

	var payload yahooQuoteResponse
	if err := json.Unmarshal(r.Body, &payload); err != nil || len(payload.QuoteResponse.Result) == 0 {
		log.Warn("quote summary missing from response")
		return
	}
	q := payload.QuoteResponse.Result[0]

	var marketCap, pe decimal.NullDecimal
	if q.MarketCap != nil {
		marketCap = decimal.NewNullDecimal(decimal.NewFromFloat(*q.MarketCap).Round(2))
	}
	switch {
	case q.TrailingPE != nil:
		pe = floatDecimal(q.TrailingPE)
	case q.ForwardPE != nil:
		pe = floatDecimal(q.ForwardPE)
	}
	for i := range records {
		records[i].MarketCap = marketCap
		records[i].PERatio = pe
	}
}

// FetchLatest returns the newest bar over the last five days
func (y *YahooFinance) FetchLatest(ctx context.Context, symbol string) (*models.StockData, error) {
	end := models.DateOf(y.opts.Now())
	records, err := y.FetchStockData(ctx, symbol, end.AddDate(0, 0, -5), end)
	if err != nil {
		return nil, err
	}
	return latestOf(records), nil
}

// FetchRaw calls the chart (default) or quote endpoint and wraps the response
func (y *YahooFinance) FetchRaw(ctx context.Context, symbol, function string, params map[string]string) models.StockPriceRaw {
	symbol = models.NormalizeSymbol(symbol)
	function = strings.ToLower(strings.TrimSpace(function))
	if function == "" {
		function = y.DefaultFunction()
	}

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}

	var endpoint string
	switch function {
	case "quote":
		endpoint = y.opts.BaseURL + "/v7/finance/quote"
		query.Set("symbols", symbol)
	default:
		endpoint = y.chartURL(symbol)
		if query.Get("period1") == "" && query.Get("range") == "" {
			query.Set("range", "1mo")
		}
		if query.Get("interval") == "" {
			query.Set("interval", "1d")
		}
	}

	env := models.StockPriceRaw{
		StockCode:       symbol,
		TimeGranularity: yahooGranularity(query.Get("interval")),
		CrawlSaveTime:   y.opts.Now().UTC(),
		DataSource:      y.Name(),
		APIFunction:     models.StringPtr(function),
		APIParams:       models.StringPtr(paramsJSON(query)),
	}

	r, attempts := y.query(ctx, function+" "+symbol, endpoint, query)
	return finishEnvelope(env, r, attempts, func(body []byte) (string, bool) {
		if function == "quote" {
			return "", true
		}
		return yahooRange(body)
	})
}

// IsAvailable makes a single unretried call
func (y *YahooFinance) IsAvailable(ctx context.Context) bool {
	params := url.Values{"range": {"1d"}, "interval": {"1d"}}
	r := y.inspect(httpGet(ctx, y.opts.HTTPClient, y.chartURL("AAPL"), params))
	if r.Throttled {
		y.opts.Log.Info("provider reachable but throttled")
		return true
	}
	if r.Outcome != OutcomeSuccess {
		y.opts.Log.Warnf("provider unavailable: %s", r.Message)
		return false
	}
	var payload yahooChartResponse
	if err := json.Unmarshal(r.Body, &payload); err != nil {
		return false
	}
	return len(payload.Chart.Result) > 0
}

func (y *YahooFinance) chartURL(symbol string) string {
	return y.opts.BaseURL + "/v8/finance/chart/" + url.PathEscape(symbol)
}

func (y *YahooFinance) query(ctx context.Context, label, endpoint string, params url.Values) (Response, int) {
	return y.opts.Policy.Do(ctx, y.opts.Log, label, func(ctx context.Context) Response {
		return y.inspect(httpGet(ctx, y.opts.HTTPClient, endpoint, params))
	})
}

// inspect extracts Yahoo's error descriptions and plain-text throttle pages
func (y *YahooFinance) inspect(r Response) Response {
	if r.Outcome == OutcomeSuccess && bytes.HasPrefix(bytes.TrimSpace(r.Body), []byte("Too Many Requests")) {
		r.Outcome = OutcomeRetryable
		r.Throttled = true
		r.Message = "rate limited: Too Many Requests"
		return r
	}

	var payload struct {
		Chart struct {
			Error *yahooError `json:"error"`
		} `json:"chart"`
		Finance struct {
			Error *yahooError `json:"error"`
		} `json:"finance"`
	}
	if len(r.Body) == 0 || json.Unmarshal(r.Body, &payload) != nil {
		if r.Outcome == OutcomeSuccess {
			r.Outcome = OutcomePermanent
			r.Message = "malformed response"
		}
		return r
	}

	upstream := payload.Chart.Error
	if upstream == nil {
		upstream = payload.Finance.Error
	}
	if upstream != nil {
		r.Message = strings.TrimSpace(upstream.Code + ": " + upstream.Description)
		if r.Outcome == OutcomeSuccess {
			r.Outcome = OutcomePermanent
		}
	}
	return r
}

func (y *YahooFinance) failure(ctx context.Context, log *logger.Entry, symbol string, r Response, attempts int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Outcome == OutcomeRetryable {
		log.WithFields(logger.Fields{"attempts": attempts, "throttled": r.Throttled}).
			Warnf("giving up after retries: %s", r.Message)
		return nil
	}
	return &ProviderError{
		Source:     y.Name(),
		Symbol:     symbol,
		Outcome:    r.Outcome,
		StatusCode: r.StatusCode,
		Attempts:   attempts,
		Message:    r.Message,
	}
}

func yahooGranularity(interval string) string {
	interval = strings.ToLower(strings.TrimSpace(interval))
	switch interval {
	case "", "1d", "5d":
		return models.GranularityDaily
	case "1wk":
		return models.GranularityWeekly
	case "1mo", "3mo":
		return models.GranularityMonthly
	}
	switch {
	case strings.HasSuffix(interval, "m"):
		if n, err := strconv.Atoi(strings.TrimSuffix(interval, "m")); err == nil && n > 0 {
			return models.IntradayGranularity(n)
		}
	case strings.HasSuffix(interval, "h"):
		if n, err := strconv.Atoi(strings.TrimSuffix(interval, "h")); err == nil && n > 0 {
			return models.IntradayGranularity(n * 60)
		}
	}
	return models.GranularityDaily
}

// yahooRange returns "first to last" over the chart timestamps
func yahooRange(body []byte) (string, bool) {
	var payload yahooChartResponse
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Chart.Result) == 0 {
		return "", false
	}
	result := payload.Chart.Result[0]
	if len(result.Timestamp) == 0 {
		return "", false
	}
	day := func(ts int64) string {
		return time.Unix(ts+result.Meta.GMTOffset, 0).UTC().Format(models.DateLayout)
	}
	return models.DateRange(day(result.Timestamp[0]), day(result.Timestamp[len(result.Timestamp)-1])), true
}
