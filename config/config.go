package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate for unusable settings
var ErrInvalidConfig = errors.New("invalid configuration")

// Supported data sources
const (
	SourceYFinance     = "yfinance"
	SourceAlphaVantage = "alphavantage"
)

// Supported raw archive backends
const (
	ArchiveSQL   = "sql"
	ArchiveMongo = "mongo"
)

// Config holds every setting of the crawler. It is built once at start-up
// and handed to the components that need it.
type Config struct {
	// Database
	DatabaseURLOverride string
	DBDriver            string
	DBHost              string
	DBPort              string
	DBUser              string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	DBMaxOpenConns      int
	DBMaxIdleConns      int
	DBConnMaxLifetime   time.Duration

	// Scheduling and symbols
	FetchSchedule string
	StockSymbols  string
	LookbackDays  int

	// Data source
	DefaultDataSource  string
	AlphaVantageAPIKey string
	APIRequestDelay    time.Duration
	APIMaxRetries      int
	APIRetryDelay      time.Duration
	APITimeout         time.Duration
	MarketCalendar     string

	// Raw archive
	ArchiveRaw        bool
	RawArchiveBackend string
	MongoURI          string
	MongoDatabase     string

	// Status API
	StatusAddr   string
	APIJWTSecret string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string
}

// source resolves a setting from the environment first, then the optional
// YAML file, then the default.
type source struct {
	file map[string]string
}

// LoadConfig loads environment variables (and .env / CONFIG_FILE if present)
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	src := source{file: map[string]string{}}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		values, err := loadYAML(path)
		if err != nil {
			return nil, err
		}
		src.file = values
	}

	return src.build()
}

func (s source) build() (*Config, error) {
	cfg := &Config{
		DatabaseURLOverride: s.getEnv("DATABASE_URL", ""),
		DBDriver:            strings.ToLower(s.getEnv("DB_DRIVER", "postgres")),
		DBHost:              s.getEnv("DB_HOST", "localhost"),
		DBPort:              s.getEnv("DB_PORT", "5432"),
		DBUser:              s.getEnv("DB_USER", "postgres"),
		DBPassword:          s.getEnv("DB_PASSWORD", ""),
		DBName:              s.getEnv("DB_NAME", "stock_data"),
		DBSSLMode:           s.getEnv("DB_SSLMODE", "disable"),
		FetchSchedule:       s.getEnv("FETCH_SCHEDULE", "0 0 * * *"),
		StockSymbols:        s.getEnv("STOCK_SYMBOLS", "AAPL,MSFT,GOOGL,AMZN,TSLA"),
		DefaultDataSource:   strings.ToLower(s.getEnv("DEFAULT_DATA_SOURCE", SourceYFinance)),
		AlphaVantageAPIKey:  s.getEnv("ALPHAVANTAGE_API_KEY", ""),
		MarketCalendar:      strings.ToLower(s.getEnv("MARKET_CALENDAR", "")),
		RawArchiveBackend:   strings.ToLower(s.getEnv("RAW_ARCHIVE_BACKEND", ArchiveSQL)),
		MongoURI:            s.getEnv("MONGODB_URI", ""),
		MongoDatabase:       s.getEnv("MONGODB_DATABASE", "stock_crawler"),
		StatusAddr:          s.getEnv("STATUS_ADDR", ""),
		APIJWTSecret:        s.getEnv("API_JWT_SECRET", ""),
		LogLevel:            s.getEnv("LOG_LEVEL", "info"),
		LogFormat:           strings.ToLower(s.getEnv("LOG_FORMAT", "text")),
		LogFile:             s.getEnv("LOG_FILE", ""),
	}

	var err error
	if cfg.DBMaxOpenConns, err = s.getInt("DB_MAX_OPEN_CONNS", 10); err != nil {
		return nil, err
	}
	if cfg.DBMaxIdleConns, err = s.getInt("DB_MAX_IDLE_CONNS", 5); err != nil {
		return nil, err
	}
	if cfg.DBConnMaxLifetime, err = s.getDuration("DB_CONN_MAX_LIFETIME", time.Hour); err != nil {
		return nil, err
	}
	if cfg.LookbackDays, err = s.getInt("LOOKBACK_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.APIRequestDelay, err = s.getDuration("API_REQUEST_DELAY", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.APIMaxRetries, err = s.getInt("API_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.APIRetryDelay, err = s.getDuration("API_RETRY_DELAY", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.APITimeout, err = s.getDuration("API_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.ArchiveRaw, err = s.getBool("ARCHIVE_RAW", false); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings that would otherwise fail deep inside a cycle
func (c *Config) Validate() error {
	if len(c.SymbolsList()) == 0 {
		return fmt.Errorf("%w: STOCK_SYMBOLS is empty", ErrInvalidConfig)
	}
	if c.APIMaxRetries <= 0 {
		return fmt.Errorf("%w: API_MAX_RETRIES must be greater than 0", ErrInvalidConfig)
	}
	if c.APIRequestDelay < 0 || c.APIRetryDelay < 0 {
		return fmt.Errorf("%w: API delays cannot be negative", ErrInvalidConfig)
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("%w: API_TIMEOUT must be greater than 0", ErrInvalidConfig)
	}
	if c.LookbackDays <= 0 {
		return fmt.Errorf("%w: LOOKBACK_DAYS must be greater than 0", ErrInvalidConfig)
	}

	switch c.DefaultDataSource {
	case SourceYFinance:
	case SourceAlphaVantage:
		if c.AlphaVantageAPIKey == "" {
			return fmt.Errorf("%w: ALPHAVANTAGE_API_KEY is required for the alphavantage source", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown data source %q", ErrInvalidConfig, c.DefaultDataSource)
	}

	switch c.RawArchiveBackend {
	case ArchiveSQL:
	case ArchiveMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("%w: MONGODB_URI is required for the mongo archive", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown raw archive backend %q", ErrInvalidConfig, c.RawArchiveBackend)
	}

	if c.DatabaseURLOverride == "" && c.DBDriver != "postgres" && c.DBDriver != "sqlite" {
		return fmt.Errorf("%w: unknown DB_DRIVER %q", ErrInvalidConfig, c.DBDriver)
	}

	return nil
}

// DatabaseURL returns DATABASE_URL when set, otherwise a URL built from the
// individual DB_* fields.
func (c *Config) DatabaseURL() string {
	if c.DatabaseURLOverride != "" {
		return c.DatabaseURLOverride
	}

	if c.DBDriver == "sqlite" {
		return "sqlite://" + c.DBName + ".db"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

// MaskedDatabaseURL returns the database URL with the password hidden
func (c *Config) MaskedDatabaseURL() string {
	raw := c.DatabaseURL()
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// SymbolsList returns the tracked symbols, upper-cased and de-duplicated
func (c *Config) SymbolsList() []string {
	seen := make(map[string]bool)
	var symbols []string
	for _, s := range strings.Split(c.StockSymbols, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		symbols = append(symbols, s)
	}
	return symbols
}

// loadYAML reads a flat YAML mapping of option names to values
func loadYAML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
	}

	values := make(map[string]string, len(raw))
	for key, value := range raw {
		if value == nil {
			continue
		}
		switch v := value.(type) {
		case []interface{}:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			values[strings.ToUpper(key)] = strings.Join(parts, ",")
		default:
			values[strings.ToUpper(key)] = fmt.Sprint(v)
		}
	}
	return values, nil
}

// getEnv gets an environment variable or returns a default value
func (s source) getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value, ok := s.file[key]; ok && value != "" {
		return value
	}
	return defaultValue
}

func (s source) getInt(key string, defaultValue int) (int, error) {
	value := s.getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer: %q", ErrInvalidConfig, key, value)
	}
	return n, nil
}

func (s source) getBool(key string, defaultValue bool) (bool, error) {
	value := s.getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean: %q", ErrInvalidConfig, key, value)
	}
	return b, nil
}

// getDuration accepts Go durations ("1500ms", "2s") and plain numbers of seconds
func (s source) getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := s.getEnv(key, "")
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a duration: %q", ErrInvalidConfig, key, value)
	}
	return d, nil
}
