package controllers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"stock_crawler/models"
	"stock_crawler/services/crawler"
	"stock_crawler/services/storage"
)

const maxPriceLimit = 1000

// PriceReader is the read side of the price store
type PriceReader interface {
	Stats(ctx context.Context) (*storage.Stats, error)
	GetStockData(ctx context.Context, symbol string, start, end time.Time) ([]models.StockData, error)
	GetRecent(ctx context.Context, symbol string, limit int) ([]models.StockData, error)
}

// RawReader is the read side of the raw archive
type RawReader interface {
	LatestRaw(ctx context.Context, stockCode, dataSource, granularity string) (*models.StockPriceRaw, error)
}

// Syncer exposes the sync cycle to the API
type Syncer interface {
	LastSummary() *crawler.Summary
	TriggerSync()
}

// StatusController serves crawler status and stored data
type StatusController struct {
	prices  PriceReader
	raw     RawReader
	syncer  Syncer
	ping    func(ctx context.Context) error
	symbols []string
	source  string
}

// NewStatusController creates a new status controller
func NewStatusController(prices PriceReader, raw RawReader, syncer Syncer, ping func(ctx context.Context) error, symbols []string, source string) *StatusController {
	return &StatusController{
		prices:  prices,
		raw:     raw,
		syncer:  syncer,
		ping:    ping,
		symbols: symbols,
		source:  source,
	}
}

// Health reports the process is up
// GET /health
func (sc *StatusController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Stock crawler is running",
	})
}

// Ready reports whether the database answers
// GET /ready
func (sc *StatusController) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := sc.ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// GetSymbols returns the tracked symbols and the active data source
// GET /api/v1/symbols
func (sc *StatusController) GetSymbols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data":        sc.symbols,
		"data_source": sc.source,
	})
}

// GetStats returns per-symbol record counts and date coverage
// GET /api/v1/stats
func (sc *StatusController) GetStats(c *gin.Context) {
	stats, err := sc.prices.Stats(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

// GetPrices returns stored records for a symbol. With from/to the window is
// returned oldest first; otherwise the newest records come first.
// GET /api/v1/stocks/:symbol/prices?limit=&from=&to=
func (sc *StatusController) GetPrices(c *gin.Context) {
	symbol := models.NormalizeSymbol(c.Param("symbol"))

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "30"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxPriceLimit {
		limit = maxPriceLimit
	}

	from, ok := parseDateParam(c, "from")
	if !ok {
		return
	}
	to, ok := parseDateParam(c, "to")
	if !ok {
		return
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must not be after to"})
		return
	}

	var records []models.StockData
	if from.IsZero() && to.IsZero() {
		records, err = sc.prices.GetRecent(c.Request.Context(), symbol, limit)
	} else {
		records, err = sc.prices.GetStockData(c.Request.Context(), symbol, from, to)
		if len(records) > limit {
			records = records[:limit]
		}
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch prices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"count":  len(records),
		"data":   records,
	})
}

// GetLatestRaw returns the newest successful raw envelope for a symbol
// GET /api/v1/stocks/:symbol/raw/latest?source=&granularity=
func (sc *StatusController) GetLatestRaw(c *gin.Context) {
	symbol := models.NormalizeSymbol(c.Param("symbol"))
	source := c.Query("source")
	granularity := c.DefaultQuery("granularity", models.GranularityDaily)

	env, err := sc.raw.LatestRaw(c.Request.Context(), symbol, source, granularity)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load raw data"})
		return
	}
	if env == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No raw data found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": env})
}

// GetLastSync returns the summary of the most recent cycle
// GET /api/v1/sync/last
func (sc *StatusController) GetLastSync(c *gin.Context) {
	summary := sc.syncer.LastSummary()
	if summary == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No sync cycle has completed yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

// TriggerSync queues a sync cycle
// POST /api/v1/sync
func (sc *StatusController) TriggerSync(c *gin.Context) {
	sc.syncer.TriggerSync()
	c.JSON(http.StatusAccepted, gin.H{
		"status":  "queued",
		"message": "Sync cycle queued",
	})
}

func parseDateParam(c *gin.Context, name string) (time.Time, bool) {
	value := strings.TrimSpace(c.Query(name))
	if value == "" {
		return time.Time{}, true
	}
	d, err := time.Parse(models.DateLayout, value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a date in YYYY-MM-DD format"})
		return time.Time{}, false
	}
	return d, true
}
