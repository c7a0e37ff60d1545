package datasource

import (
	"errors"
	"fmt"
	"time"

	"stock_crawler/models"
)

// finishEnvelope fills the response part of a raw envelope.
// rangeOf extracts the covered date range from a successful body; ok=false
// marks a body that parsed but carried no price data.
func finishEnvelope(env models.StockPriceRaw, r Response, attempts int, rangeOf func(body []byte) (dateRange string, ok bool)) models.StockPriceRaw {
	if r.Outcome == OutcomeSuccess {
		env.ResponseJSON = string(r.Body)
		dateRange, ok := rangeOf(r.Body)
		if !ok {
			env.ResponseStatus = models.StatusPartial
			env.ErrorMessage = models.StringPtr("response contains no price data")
			return env
		}
		env.ResponseStatus = models.StatusSuccess
		env.PriceDateRange = models.StringPtr(dateRange)
		return env
	}

	msg := r.Message
	if msg == "" {
		msg = "request failed"
	}
	if r.Outcome == OutcomeRetryable {
		msg = fmt.Sprintf("%s (gave up after %d attempt(s))", msg, attempts)
	}

	env.ResponseStatus = models.StatusError
	env.ErrorMessage = models.StringPtr(msg)
	if len(r.Body) > 0 {
		env.ResponseJSON = string(r.Body)
	} else {
		env.ResponseJSON = errorPayload(msg)
	}
	return env
}

// FailedFetchEnvelope records a daily fetch that failed as an error envelope,
// without calling the provider again.
func FailedFetchEnvelope(source, symbol, function string, err error, at time.Time) models.StockPriceRaw {
	msg := err.Error()
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		msg = pe.Message
	}
	return models.StockPriceRaw{
		StockCode:       models.NormalizeSymbol(symbol),
		TimeGranularity: models.GranularityDaily,
		CrawlSaveTime:   at.UTC(),
		ResponseJSON:    errorPayload(msg),
		DataSource:      source,
		APIFunction:     models.StringPtr(function),
		ResponseStatus:  models.StatusError,
		ErrorMessage:    models.StringPtr(msg),
	}
}
