package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// maxBodyBytes caps how much of a response is read
const maxBodyBytes = 32 << 20

// httpGet performs one GET and classifies the transport-level result:
// transport errors, 429 and 5xx are retryable, other 4xx are permanent.
func httpGet(ctx context.Context, client *http.Client, rawURL string, query url.Values) Response {
	fullURL := rawURL
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return Response{Outcome: OutcomePermanent, Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Response{Outcome: OutcomeRetryable, Message: redact(err.Error(), query)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{Outcome: OutcomeRetryable, StatusCode: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	r := Response{StatusCode: resp.StatusCode, Body: body}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		r.Outcome = OutcomeRetryable
		r.Throttled = true
		r.Message = "rate limited (HTTP 429)"
	case resp.StatusCode >= 500:
		r.Outcome = OutcomeRetryable
		r.Message = fmt.Sprintf("server error: %s", http.StatusText(resp.StatusCode))
	case resp.StatusCode >= 400:
		r.Outcome = OutcomePermanent
		r.Message = fmt.Sprintf("client error: %s", http.StatusText(resp.StatusCode))
	default:
		r.Outcome = OutcomeSuccess
	}
	return r
}

// redact removes the api key from error messages that echo the request URL
func redact(msg string, query url.Values) string {
	if key := query.Get("apikey"); key != "" {
		msg = strings.ReplaceAll(msg, key, maskKey(key))
	}
	return msg
}

// maskKey keeps only the last four characters of a secret
func maskKey(key string) string {
	if len(key) <= 4 {
		return "***"
	}
	return "***" + key[len(key)-4:]
}

// paramsJSON serializes request parameters for the envelope, masking secrets
func paramsJSON(params url.Values) string {
	flat := make(map[string]string, len(params))
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := params.Get(k)
		if k == "apikey" {
			v = maskKey(v)
		}
		flat[k] = v
	}
	data, _ := json.Marshal(flat)
	return string(data)
}

// errorPayload is stored when a call produced no body at all
func errorPayload(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

// parseDecimal parses provider number strings; "None", "-" and blanks are absent
func parseDecimal(value string) decimal.NullDecimal {
	value = strings.TrimSpace(value)
	switch strings.ToLower(value) {
	case "", "none", "-", "null", "n/a":
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// floatDecimal converts an optional float to a decimal rounded to 6 places
func floatDecimal(v *float64) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(*v).Round(6))
}
