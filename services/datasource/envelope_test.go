package datasource

import (
	"errors"
	"testing"
	"time"

	"stock_crawler/models"
)

func TestFailedFetchEnvelope(t *testing.T) {
	at := time.Date(2024, 1, 5, 7, 0, 0, 0, time.FixedZone("EST", -5*3600))

	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"provider error", &ProviderError{Source: "yfinance", Symbol: "NOPE", Outcome: OutcomePermanent, StatusCode: 404, Message: "No data found, symbol may be delisted"}, "No data found, symbol may be delisted"},
		{"plain error", errors.New("connection reset"), "connection reset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := FailedFetchEnvelope("yfinance", "nope", "chart", tt.err, at)
			if env.StockCode != "NOPE" || env.ResponseStatus != models.StatusError || env.TimeGranularity != models.GranularityDaily {
				t.Errorf("envelope = %+v", env)
			}
			if env.ErrorMessage == nil || *env.ErrorMessage != tt.wantMsg {
				t.Errorf("error message = %v, want %q", env.ErrorMessage, tt.wantMsg)
			}
			if env.ResponseJSON != errorPayload(tt.wantMsg) {
				t.Errorf("payload = %s", env.ResponseJSON)
			}
			if env.CrawlSaveTime.Location() != time.UTC || !env.CrawlSaveTime.Equal(at) {
				t.Errorf("crawl time = %v", env.CrawlSaveTime)
			}
		})
	}
}
