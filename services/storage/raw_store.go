package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"stock_crawler/config"
	"stock_crawler/logger"
	"stock_crawler/models"
)

// Archiver stores raw provider envelopes
type Archiver interface {
	// SaveRaw appends one envelope; failures are logged and reported as false
	SaveRaw(ctx context.Context, env models.StockPriceRaw) bool

	// LatestRaw returns the newest successful envelope for stockCode, or nil.
	// Empty dataSource or granularity match any value.
	LatestRaw(ctx context.Context, stockCode, dataSource, granularity string) (*models.StockPriceRaw, error)

	Close(ctx context.Context) error
}

// NewArchiver returns the archive backend selected by RAW_ARCHIVE_BACKEND
func NewArchiver(ctx context.Context, cfg *config.Config, db *gorm.DB, log *logger.Log) (Archiver, error) {
	switch cfg.RawArchiveBackend {
	case config.ArchiveMongo:
		return NewMongoArchive(ctx, cfg.MongoURI, cfg.MongoDatabase, log.WithComponent("mongo_archive"))
	case config.ArchiveSQL, "":
		return NewRawStore(db, log.WithComponent("raw_store")), nil
	default:
		return nil, fmt.Errorf("unknown raw archive backend %q", cfg.RawArchiveBackend)
	}
}

// RawStore archives envelopes in the stock_price_raw table
type RawStore struct {
	db  *gorm.DB
	log *logger.Entry
}

func NewRawStore(db *gorm.DB, log *logger.Entry) *RawStore {
	return &RawStore{db: db, log: logger.OrDiscard(log, "raw_store")}
}

func (s *RawStore) SaveRaw(ctx context.Context, env models.StockPriceRaw) bool {
	env, err := prepareEnvelope(env)
	if err != nil {
		s.log.WithError(err).Error("rejected raw envelope")
		return false
	}

	if err := s.db.WithContext(ctx).Create(&env).Error; err != nil {
		s.log.WithError(err).WithFields(logger.Fields{
			"stock_code":  env.StockCode,
			"data_source": env.DataSource,
		}).Error("failed to save raw envelope")
		return false
	}

	s.log.WithFields(logger.Fields{
		"stock_code":  env.StockCode,
		"data_source": env.DataSource,
		"status":      env.ResponseStatus,
		"date_range":  models.Deref(env.PriceDateRange),
	}).Debug("saved raw envelope")
	return true
}

func (s *RawStore) LatestRaw(ctx context.Context, stockCode, dataSource, granularity string) (*models.StockPriceRaw, error) {
	query := s.db.WithContext(ctx).
		Where("stock_code = ? AND response_status = ?", models.NormalizeSymbol(stockCode), models.StatusSuccess)
	if dataSource != "" {
		query = query.Where("data_source = ?", dataSource)
	}
	if granularity != "" {
		query = query.Where("time_granularity = ?", granularity)
	}

	var env models.StockPriceRaw
	err := query.Order("crawl_save_time DESC").Order("id DESC").Take(&env).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest raw envelope: %w", err)
	}
	return &env, nil
}

// Close is a no-op; the pool belongs to the caller
func (s *RawStore) Close(context.Context) error { return nil }

// prepareEnvelope normalizes an envelope and checks its required fields
func prepareEnvelope(env models.StockPriceRaw) (models.StockPriceRaw, error) {
	env.ID = 0
	env.StockCode = models.NormalizeSymbol(env.StockCode)
	env.CrawlSaveTime = env.CrawlSaveTime.UTC()
	if env.ResponseStatus == "" {
		env.ResponseStatus = models.StatusSuccess
	}

	switch {
	case env.StockCode == "":
		return env, errors.New("stock code is required")
	case strings.TrimSpace(env.DataSource) == "":
		return env, errors.New("data source is required")
	case strings.TrimSpace(env.TimeGranularity) == "":
		return env, errors.New("time granularity is required")
	case env.ResponseJSON == "":
		return env, errors.New("response payload is required")
	case env.CrawlSaveTime.IsZero():
		return env, errors.New("crawl save time is required")
	}
	return env, nil
}
