package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stock_crawler/models"
)

const avDailyBody = `{
	"Meta Data": {"2. Symbol": "IBM"},
	"Time Series (Daily)": {
		"2024-01-04": {"1. open": "101.0", "2. high": "102.0", "3. low": "100.0", "4. close": "101.5", "5. volume": "2000"},
		"2024-01-03": {"1. open": "100.0", "2. high": "101.0", "3. low": "99.0", "4. close": "100.5", "5. volume": "1000"},
		"2024-01-02": {"1. open": "99.0", "2. high": "100.0", "3. low": "98.0", "4. close": "99.5", "5. volume": "1500"},
		"2023-12-29": {"1. open": "98.0", "2. high": "99.0", "3. low": "97.0", "4. close": "98.5", "5. volume": "900"}
	}
}`

const avOverviewBody = `{"Symbol": "IBM", "MarketCapitalization": "1000000", "PERatio": "25.5"}`

func fixedNow() time.Time {
	return time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)
}

func newTestAlphaVantage(t *testing.T, handler http.HandlerFunc, rec *sleepRecorder) *AlphaVantage {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	av, err := NewAlphaVantage("demo-key-1234", Options{
		Policy:  RetryPolicy{MaxRetries: 3, RetryDelay: time.Second, Sleep: rec.sleep},
		BaseURL: server.URL,
		Now:     fixedNow,
	})
	if err != nil {
		t.Fatal(err)
	}
	return av
}

func TestAlphaVantageFetchStockData(t *testing.T) {
	rec := &sleepRecorder{}
	av := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "demo-key-1234" {
			t.Errorf("missing api key in %s", r.URL)
		}
		switch r.URL.Query().Get("function") {
		case "TIME_SERIES_DAILY":
			if got := r.URL.Query().Get("outputsize"); got != "compact" {
				t.Errorf("outputsize = %q, want compact", got)
			}
			fmt.Fprint(w, avDailyBody)
		case "OVERVIEW":
			fmt.Fprint(w, avOverviewBody)
		default:
			http.Error(w, "unexpected function", http.StatusBadRequest)
		}
	}, rec)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records, err := av.FetchStockData(context.Background(), "ibm", start, fixedNow())
	if err != nil {
		t.Fatalf("FetchStockData: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}

	var dates []string
	for _, r := range records {
		dates = append(dates, r.Date.Format(models.DateLayout))
	}
	if !reflect.DeepEqual(dates, []string{"2024-01-02", "2024-01-03", "2024-01-04"}) {
		t.Errorf("dates = %v", dates)
	}

	r := records[1]
	if r.Symbol != "IBM" || r.DataSource != "alphavantage" {
		t.Errorf("record identity = %s/%s", r.Symbol, r.DataSource)
	}
	if !r.ClosePrice.Decimal.Equal(decimal.RequireFromString("100.5")) || r.Volume.Int64 != 1000 {
		t.Errorf("close=%s volume=%d", r.ClosePrice.Decimal, r.Volume.Int64)
	}
	if !r.PERatio.Valid || !r.PERatio.Decimal.Equal(decimal.RequireFromString("25.5")) {
		t.Errorf("pe = %+v", r.PERatio)
	}
	// 1000 * 100.5 / 1000000
	if !r.TurnoverRate.Valid || !r.TurnoverRate.Decimal.Equal(decimal.RequireFromString("0.1005")) {
		t.Errorf("turnover = %+v", r.TurnoverRate)
	}
}

func TestAlphaVantageRateLimitExhaustsRetries(t *testing.T) {
	rec := &sleepRecorder{}
	var hits int32
	av := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, `{"Note": "Thank you for using Alpha Vantage! Our standard API call frequency is 5 calls per minute."}`)
	}, rec)

	records, err := av.FetchStockData(context.Background(), "IBM", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("err = %v, want nil on exhausted retries", err)
	}
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Errorf("hits = %d, want 3", hits)
	}
	if got := rec.recorded(); !reflect.DeepEqual(got, []time.Duration{time.Second, 2 * time.Second}) {
		t.Errorf("waits = %v", got)
	}
}

func TestAlphaVantageErrorMessageIsPermanent(t *testing.T) {
	rec := &sleepRecorder{}
	var hits int32
	av := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, `{"Error Message": "Invalid API call. Please retry or visit the documentation."}`)
	}, rec)

	_, err := av.FetchStockData(context.Background(), "NOPE", time.Time{}, time.Time{})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProviderError", err)
	}
	if pe.Outcome != OutcomePermanent || !strings.Contains(pe.Message, "Invalid API call") {
		t.Errorf("provider error = %+v", pe)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}

func TestAlphaVantagePremiumNoticeOnFullOutputIsPermanent(t *testing.T) {
	rec := &sleepRecorder{}
	var hits int32
	av := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Query().Get("outputsize") != "full" {
			t.Errorf("outputsize = %q, want full", r.URL.Query().Get("outputsize"))
		}
		fmt.Fprint(w, `{"Information": "Thank you for using Alpha Vantage! The outputsize=full parameter value is a premium feature for the TIME_SERIES_DAILY endpoint."}`)
	}, rec)

	// more than 140 days before fixedNow
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := av.FetchStockData(context.Background(), "IBM", start, fixedNow())
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Outcome != OutcomePermanent {
		t.Fatalf("err = %v, want permanent *ProviderError", err)
	}
	if !strings.Contains(pe.Message, "premium") {
		t.Errorf("message = %q", pe.Message)
	}
	if atomic.LoadInt32(&hits) != 1 || len(rec.recorded()) != 0 {
		t.Errorf("hits=%d waits=%v, want a single unretried call", hits, rec.recorded())
	}
}

func TestAlphaVantagePremiumNoticeOnCompactIsThrottling(t *testing.T) {
	var hits int32
	av := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, `{"Information": "Please subscribe to any of the premium plans to remove the daily rate limits."}`)
	}, &sleepRecorder{})

	records, err := av.FetchStockData(context.Background(), "IBM", time.Time{}, time.Time{})
	if err != nil || len(records) != 0 {
		t.Fatalf("records=%d err=%v, want empty result after retries", len(records), err)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Errorf("hits = %d, want 3", hits)
	}
}

func TestAlphaVantageRejectsInvertedWindow(t *testing.T) {
	var hits int32
	av := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}, &sleepRecorder{})

	end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := av.FetchStockData(context.Background(), "IBM", end.AddDate(0, 0, 1), end)
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Outcome != OutcomePermanent {
		t.Fatalf("err = %v, want permanent ProviderError", err)
	}
	if hits != 0 {
		t.Errorf("hits = %d, want no request", hits)
	}
}

func TestAlphaVantageFetchRaw(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		av := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, avDailyBody)
		}, &sleepRecorder{})

		env := av.FetchRaw(context.Background(), "ibm", "", map[string]string{"outputsize": "compact"})
		if env.ResponseStatus != models.StatusSuccess {
			t.Fatalf("status = %s (%s)", env.ResponseStatus, models.Deref(env.ErrorMessage))
		}
		if env.StockCode != "IBM" || env.TimeGranularity != models.GranularityDaily {
			t.Errorf("identity = %s/%s", env.StockCode, env.TimeGranularity)
		}
		if got := models.Deref(env.PriceDateRange); got != "2023-12-29 to 2024-01-04" {
			t.Errorf("range = %q", got)
		}
		if models.Deref(env.APIFunction) != "TIME_SERIES_DAILY" {
			t.Errorf("function = %q", models.Deref(env.APIFunction))
		}

		var params map[string]string
		if err := json.Unmarshal([]byte(models.Deref(env.APIParams)), &params); err != nil {
			t.Fatal(err)
		}
		if params["apikey"] != "***1234" || params["outputsize"] != "compact" {
			t.Errorf("params = %v", params)
		}
		if !env.CrawlSaveTime.Equal(fixedNow()) {
			t.Errorf("crawl time = %v", env.CrawlSaveTime)
		}
	})

	t.Run("provider error keeps payload", func(t *testing.T) {
		body := `{"Error Message": "Invalid API call."}`
		av := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		}, &sleepRecorder{})

		env := av.FetchRaw(context.Background(), "BAD", "TIME_SERIES_DAILY", nil)
		if env.ResponseStatus != models.StatusError {
			t.Fatalf("status = %s", env.ResponseStatus)
		}
		if models.Deref(env.ErrorMessage) != "Invalid API call." {
			t.Errorf("error message = %q", models.Deref(env.ErrorMessage))
		}
		if env.ResponseJSON != body {
			t.Errorf("payload = %q, want verbatim body", env.ResponseJSON)
		}
	})

	t.Run("intraday without series is partial", func(t *testing.T) {
		av := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"Meta Data": {}}`)
		}, &sleepRecorder{})

		env := av.FetchRaw(context.Background(), "IBM", "TIME_SERIES_INTRADAY", map[string]string{"interval": "15min"})
		if env.ResponseStatus != models.StatusPartial {
			t.Errorf("status = %s", env.ResponseStatus)
		}
		if env.TimeGranularity != "intraday_15min" {
			t.Errorf("granularity = %s", env.TimeGranularity)
		}
	})
}

func TestAlphaVantageIsAvailable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"healthy", http.StatusOK, avDailyBody, true},
		{"throttled note", http.StatusOK, `{"Information": "You have reached the API rate limit for today."}`, true},
		{"http 429", http.StatusTooManyRequests, ``, true},
		{"bad key", http.StatusOK, `{"Error Message": "the parameter apikey is invalid"}`, false},
		{"server error", http.StatusInternalServerError, ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits int32
			av := newTestAlphaVantage(t, func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&hits, 1)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}, &sleepRecorder{})

			if got := av.IsAvailable(context.Background()); got != tt.want {
				t.Errorf("IsAvailable() = %v, want %v", got, tt.want)
			}
			if hits != 1 {
				t.Errorf("hits = %d, probe must not retry", hits)
			}
		})
	}
}

func TestIsRateLimitNotice(t *testing.T) {
	tests := map[string]bool{
		"":                                       false,
		"Our standard API call frequency is 5":   true,
		"API rate limit reached":                 true,
		"This is a premium endpoint":             true,
		"The **demo** API key is for demo only.": false,
	}
	for msg, want := range tests {
		if got := isRateLimitNotice(msg); got != want {
			t.Errorf("isRateLimitNotice(%q) = %v, want %v", msg, got, want)
		}
	}
}
