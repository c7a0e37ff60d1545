package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stock_crawler/logger"
	"stock_crawler/models"
)

// ErrInvalidRecord is returned when a record lacks its identity fields
var ErrInvalidRecord = errors.New("invalid stock record")

const upsertBatchSize = 500

// PriceStore persists daily records in the stock_data table
type PriceStore struct {
	db  *gorm.DB
	log *logger.Entry
}

// SymbolStats summarizes the stored history of one symbol
type SymbolStats struct {
	Symbol    string    `json:"symbol"`
	Records   int64     `json:"records"`
	FirstDate time.Time `json:"first_date"`
	LastDate  time.Time `json:"last_date"`
}

// Stats summarizes the whole table
type Stats struct {
	TotalRecords int64         `json:"total_records"`
	Symbols      []SymbolStats `json:"symbols"`
}

func NewPriceStore(db *gorm.DB, log *logger.Entry) *PriceStore {
	return &PriceStore{db: db, log: logger.OrDiscard(log, "price_store")}
}

// SaveStockData upserts records on (symbol, date) inside one transaction and
// returns the number of rows written. Duplicates within the batch collapse to
// the last occurrence. On error nothing from the batch is kept.
func (s *PriceStore) SaveStockData(ctx context.Context, records []models.StockData) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	rows, err := dedupe(records)
	if err != nil {
		return 0, err
	}

	started := time.Now()
	upsert := func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "symbol"}, {Name: "date"}},
				DoUpdates: clause.AssignmentColumns(models.ValueColumns()),
			}).CreateInBatches(&rows, upsertBatchSize).Error
		})
	}

	err = upsert()
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// a concurrent writer inserted the same key first; the retry updates it
		s.log.Warn("duplicate key during upsert, retrying once")
		for i := range rows {
			rows[i].ID = 0
		}
		err = upsert()
	}
	if err != nil {
		return 0, fmt.Errorf("failed to save stock data: %w", err)
	}

	logger.LogDuration(s.log, "save_stock_data", started, logger.Fields{"records": len(rows)})
	return len(rows), nil
}

func dedupe(records []models.StockData) ([]models.StockData, error) {
	index := make(map[string]int, len(records))
	rows := make([]models.StockData, 0, len(records))
	for _, r := range records {
		r.Normalize()
		if r.Symbol == "" || r.Date.IsZero() {
			return nil, fmt.Errorf("%w: symbol and date are required", ErrInvalidRecord)
		}
		r.ID = 0
		if i, ok := index[r.Key()]; ok {
			rows[i] = r
			continue
		}
		index[r.Key()] = len(rows)
		rows = append(rows, r)
	}
	return rows, nil
}

// GetLatestDate returns the newest stored date for symbol, or nil when the
// symbol has no rows.
func (s *PriceStore) GetLatestDate(ctx context.Context, symbol string) (*time.Time, error) {
	var row models.StockData
	err := s.db.WithContext(ctx).
		Select("date").
		Where("symbol = ?", models.NormalizeSymbol(symbol)).
		Order("date DESC").
		Limit(1).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest date: %w", err)
	}
	latest := models.DateOf(row.Date)
	return &latest, nil
}

// GetStockData returns records for symbol ordered by date ascending.
// Zero bounds leave that side of the range open.
func (s *PriceStore) GetStockData(ctx context.Context, symbol string, start, end time.Time) ([]models.StockData, error) {
	query := s.db.WithContext(ctx).Where("symbol = ?", models.NormalizeSymbol(symbol))
	if !start.IsZero() {
		query = query.Where("date >= ?", models.DateOf(start))
	}
	if !end.IsZero() {
		query = query.Where("date <= ?", models.DateOf(end))
	}

	var records []models.StockData
	if err := query.Order("date ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to get stock data: %w", err)
	}
	return records, nil
}

// GetRecent returns the newest limit records for symbol, newest first
func (s *PriceStore) GetRecent(ctx context.Context, symbol string, limit int) ([]models.StockData, error) {
	if limit <= 0 {
		limit = 10
	}
	var records []models.StockData
	err := s.db.WithContext(ctx).
		Where("symbol = ?", models.NormalizeSymbol(symbol)).
		Order("date DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get recent stock data: %w", err)
	}
	return records, nil
}

// Stats returns per-symbol counts and date ranges
func (s *PriceStore) Stats(ctx context.Context) (*Stats, error) {
	db := s.db.WithContext(ctx)

	stats := &Stats{Symbols: []SymbolStats{}}
	if err := db.Model(&models.StockData{}).Count(&stats.TotalRecords).Error; err != nil {
		return nil, fmt.Errorf("failed to count stock data: %w", err)
	}

	// dates come back as strings on sqlite and as timestamps on postgres
	var rows []struct {
		Symbol    string
		Records   int64
		FirstDate string
		LastDate  string
	}
	err := db.Model(&models.StockData{}).
		Select("symbol, COUNT(*) AS records, MIN(date) AS first_date, MAX(date) AS last_date").
		Group("symbol").
		Order("symbol").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate stock data: %w", err)
	}

	for _, r := range rows {
		first, err := models.ParseDate(r.FirstDate)
		if err != nil {
			return nil, fmt.Errorf("unexpected date %q for %s: %w", r.FirstDate, r.Symbol, err)
		}
		last, err := models.ParseDate(r.LastDate)
		if err != nil {
			return nil, fmt.Errorf("unexpected date %q for %s: %w", r.LastDate, r.Symbol, err)
		}
		stats.Symbols = append(stats.Symbols, SymbolStats{
			Symbol:    r.Symbol,
			Records:   r.Records,
			FirstDate: first,
			LastDate:  last,
		})
	}
	return stats, nil
}
