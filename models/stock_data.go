package models

import (
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DateLayout is the calendar-date format used across the crawler
const DateLayout = "2006-01-02"

// StockData represents one daily observation for a symbol.
// (symbol, date) is unique; rows are upserted, never deleted.
type StockData struct {
	ID            uint                `gorm:"primaryKey" json:"id"`
	Symbol        string              `gorm:"type:varchar(20);not null;uniqueIndex:idx_symbol_date,priority:1" json:"symbol"`
	Date          time.Time           `gorm:"type:date;not null;uniqueIndex:idx_symbol_date,priority:2;index:idx_date" json:"date"`
	OpenPrice     decimal.NullDecimal `gorm:"type:numeric(20,6)" json:"open_price"`
	HighPrice     decimal.NullDecimal `gorm:"type:numeric(20,6)" json:"high_price"`
	LowPrice      decimal.NullDecimal `gorm:"type:numeric(20,6)" json:"low_price"`
	ClosePrice    decimal.NullDecimal `gorm:"type:numeric(20,6)" json:"close_price"`
	AdjClosePrice decimal.NullDecimal `gorm:"type:numeric(20,6)" json:"adj_close_price"`
	Volume        null.Int            `gorm:"type:bigint" json:"volume"`
	MarketCap     decimal.NullDecimal `gorm:"type:numeric(24,2)" json:"market_cap"`
	PERatio       decimal.NullDecimal `gorm:"column:pe_ratio;type:numeric(20,6)" json:"pe_ratio"`
	TurnoverRate  decimal.NullDecimal `gorm:"type:numeric(24,12)" json:"turnover_rate"`
	DataSource    string              `gorm:"type:varchar(50);not null" json:"data_source"`
	CreatedAt     time.Time           `gorm:"not null;index:idx_created_at" json:"created_at"`
	UpdatedAt     time.Time           `gorm:"not null" json:"updated_at"`
}

// TableName pins the table name used by the schema
func (StockData) TableName() string {
	return "stock_data"
}

// Key returns the identity of the record
func (s StockData) Key() string {
	return s.Symbol + "|" + s.Date.Format(DateLayout)
}

// Normalize upper-cases the symbol, truncates the date to midnight UTC and
// recomputes the turnover rate from the value fields.
func (s *StockData) Normalize() {
	s.Symbol = NormalizeSymbol(s.Symbol)
	s.Date = DateOf(s.Date)
	s.TurnoverRate = ComputeTurnoverRate(s.Volume, s.ClosePrice, s.MarketCap)
}

// ValueColumns lists the columns overwritten when an existing row is upserted
func ValueColumns() []string {
	return []string{
		"open_price",
		"high_price",
		"low_price",
		"close_price",
		"adj_close_price",
		"volume",
		"market_cap",
		"pe_ratio",
		"turnover_rate",
		"data_source",
		"updated_at",
	}
}

// ComputeTurnoverRate returns volume*close/marketCap.
// The result is absent when any input is missing or the market cap is zero.
func ComputeTurnoverRate(volume null.Int, closePrice, marketCap decimal.NullDecimal) decimal.NullDecimal {
	if !volume.Valid || !closePrice.Valid || !marketCap.Valid {
		return decimal.NullDecimal{}
	}
	if marketCap.Decimal.IsZero() {
		return decimal.NullDecimal{}
	}
	traded := decimal.NewFromInt(volume.Int64).Mul(closePrice.Decimal)
	return decimal.NewNullDecimal(traded.Div(marketCap.Decimal))
}

// NormalizeSymbol trims and upper-cases a ticker
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// DateOf returns the calendar date of t as midnight UTC
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into a midnight UTC date.
// Longer timestamp strings are accepted and cut to their date part.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if len(value) > len(DateLayout) {
		value = value[:len(DateLayout)]
	}
	return time.Parse(DateLayout, value)
}

// MigrateStockModels runs database migrations for the crawler tables
func MigrateStockModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&StockData{},
		&StockPriceRaw{},
	)
}
