package models

import (
	"fmt"
	"strings"
	"time"
)

// Response statuses stored with raw envelopes
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusPartial = "partial"
)

// Time granularities stored with raw envelopes
const (
	GranularityDaily   = "daily"
	GranularityWeekly  = "weekly"
	GranularityMonthly = "monthly"
)

// StockPriceRaw is one archived provider call.
// Rows are append-only and carry no uniqueness constraint.
type StockPriceRaw struct {
	ID              uint      `gorm:"primaryKey" json:"id" bson:"-"`
	StockCode       string    `gorm:"type:varchar(20);not null;index;index:idx_stock_source,priority:1;index:idx_stock_source_time,priority:1" json:"stock_code" bson:"stock_code"`
	PriceDateRange  *string   `gorm:"type:varchar(100)" json:"price_date_range,omitempty" bson:"price_date_range,omitempty"`
	TimeGranularity string    `gorm:"type:varchar(50);not null;index:idx_granularity" json:"time_granularity" bson:"time_granularity"`
	CrawlSaveTime   time.Time `gorm:"not null;index:idx_crawl_time;index:idx_stock_source_time,priority:3" json:"crawl_save_time" bson:"crawl_save_time"`
	ResponseJSON    string    `gorm:"column:response_json;type:text;not null" json:"response_json" bson:"response_json"`
	DataSource      string    `gorm:"type:varchar(50);not null;index;index:idx_stock_source,priority:2;index:idx_stock_source_time,priority:2" json:"data_source" bson:"data_source"`
	APIFunction     *string   `gorm:"column:api_function;type:varchar(100)" json:"api_function,omitempty" bson:"api_function,omitempty"`
	APIParams       *string   `gorm:"column:api_params;type:text" json:"api_params,omitempty" bson:"api_params,omitempty"`
	ResponseStatus  string    `gorm:"type:varchar(20);not null;default:success" json:"response_status" bson:"response_status"`
	ErrorMessage    *string   `gorm:"type:text" json:"error_message,omitempty" bson:"error_message,omitempty"`
}

// TableName pins the table name used by the schema
func (StockPriceRaw) TableName() string {
	return "stock_price_raw"
}

// Succeeded reports whether the envelope holds a successful response
func (r StockPriceRaw) Succeeded() bool {
	return r.ResponseStatus == StatusSuccess
}

// IntradayGranularity names an intraday granularity, e.g. intraday_5min
func IntradayGranularity(minutes int) string {
	return fmt.Sprintf("intraday_%dmin", minutes)
}

// DateRange formats a coverage range as "first to last"
func DateRange(first, last string) string {
	return first + " to " + last
}

// StringPtr returns a pointer to s, or nil for an empty string
func StringPtr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or an empty string
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
