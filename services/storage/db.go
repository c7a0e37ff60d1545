package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"stock_crawler/config"
	"stock_crawler/logger"
	"stock_crawler/models"
)

// Open connects to the database named by the configuration and verifies the
// connection with a ping.
func Open(cfg *config.Config, log *logger.Log) (*gorm.DB, error) {
	if log == nil {
		log = logger.Discard()
	}
	entry := log.WithComponent("storage")

	dsn := cfg.DatabaseURL()
	dialector, isSQLite, err := dialectorFor(dsn)
	if err != nil {
		return nil, err
	}

	entry.WithFields(logger.Fields{"url": cfg.MaskedDatabaseURL()}).Info("Connecting to database")

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         log.GormLogger(),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}

	if isSQLite {
		// a single writer avoids "database is locked" and keeps :memory: on one connection
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
	if cfg.DBConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	entry.Info("Database connection verified successfully")
	return db, nil
}

// dialectorFor picks the gorm driver from the URL scheme
func dialectorFor(dsn string) (gorm.Dialector, bool, error) {
	scheme, rest, ok := strings.Cut(dsn, ":")
	if !ok {
		return nil, false, fmt.Errorf("invalid database url: missing scheme")
	}

	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		if _, err := url.Parse(dsn); err != nil {
			return nil, false, fmt.Errorf("invalid database url: %w", err)
		}
		return postgres.Open(dsn), false, nil
	case "sqlite", "sqlite3":
		// sqlite://relative.db, sqlite:///abs/path.db and sqlite://:memory:
		path := strings.TrimPrefix(rest, "//")
		if path == "" {
			return nil, false, fmt.Errorf("invalid database url: missing sqlite path")
		}
		return sqlite.Open(path), true, nil
	case "file":
		return sqlite.Open(dsn), true, nil
	default:
		return nil, false, fmt.Errorf("unsupported database scheme %q", scheme)
	}
}

// InitSchema creates or migrates the crawler tables
func InitSchema(db *gorm.DB) error {
	if err := models.MigrateStockModels(db); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Ping checks the database is reachable
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
