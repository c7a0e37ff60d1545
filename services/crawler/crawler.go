package crawler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/scmhub/calendar"

	"stock_crawler/logger"
	"stock_crawler/models"
	"stock_crawler/services/datasource"
	"stock_crawler/services/storage"
)

// PriceStore is the part of the gateway the crawler needs
type PriceStore interface {
	GetLatestDate(ctx context.Context, symbol string) (*time.Time, error)
	SaveStockData(ctx context.Context, records []models.StockData) (int, error)
}

// Options configures a Crawler
type Options struct {
	Symbols      []string
	LookbackDays int
	ArchiveRaw   bool
	Calendar     string // MIC code such as "xnys"; empty disables the trading-day check
	Now          func() time.Time
	Log          *logger.Entry
}

// Summary reports one sync cycle
type Summary struct {
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Duration    string            `json:"duration"`
	Symbols     int               `json:"symbols"`
	Processed   int               `json:"processed"`
	Skipped     int               `json:"skipped"`
	Saved       int               `json:"saved"`
	Archived    int               `json:"archived"`
	Failed      map[string]string `json:"failed,omitempty"`
	Interrupted bool              `json:"interrupted,omitempty"`
}

// Crawler runs incremental sync cycles over the tracked symbols, one symbol
// at a time.
type Crawler struct {
	source  datasource.Source
	store   PriceStore
	archive storage.Archiver
	cal     *calendar.Calendar
	opts    Options
	log     *logger.Entry

	mu   sync.RWMutex
	last *Summary
}

// New builds a crawler; archive may be nil when raw archiving is disabled
func New(source datasource.Source, store PriceStore, archive storage.Archiver, opts Options) (*Crawler, error) {
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 30
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ArchiveRaw && archive == nil {
		return nil, fmt.Errorf("raw archiving enabled without an archive")
	}

	c := &Crawler{
		source:  source,
		store:   store,
		archive: archive,
		opts:    opts,
		log:     logger.OrDiscard(opts.Log, "crawler"),
	}

	if opts.Calendar != "" {
		c.cal = calendar.GetCalendar(opts.Calendar)
		if c.cal == nil {
			return nil, fmt.Errorf("unknown market calendar %q", opts.Calendar)
		}
	}
	return c, nil
}

// Window returns the fetch window for a symbol given its latest stored date.
// New symbols get [today-lookback, today]; known symbols resume the day after
// their latest date. ok is false when the symbol is already up to date.
func Window(latest *time.Time, today time.Time, lookbackDays int) (start, end time.Time, ok bool) {
	end = models.DateOf(today)
	if latest == nil {
		return end.AddDate(0, 0, -lookbackDays), end, true
	}
	start = models.DateOf(*latest).AddDate(0, 0, 1)
	if start.After(end) {
		return start, end, false
	}
	return start, end, true
}

// RunCycle syncs every tracked symbol. A failing symbol is logged and recorded
// in the summary without stopping the cycle. Cancelling ctx stops the cycle
// between symbols; the symbol in flight is allowed to finish.
func (c *Crawler) RunCycle(ctx context.Context) Summary {
	summary := Summary{
		StartedAt: c.opts.Now().UTC(),
		Symbols:   len(c.opts.Symbols),
		Failed:    map[string]string{},
	}
	c.log.WithFields(logger.Fields{
		"symbols": summary.Symbols,
		"source":  c.source.Name(),
	}).Info("Starting sync cycle")

	for _, symbol := range c.opts.Symbols {
		if ctx.Err() != nil {
			summary.Interrupted = true
			c.log.Warn("Shutdown requested, stopping cycle before next symbol")
			break
		}

		// the request in flight completes; pending backoff waits end on shutdown
		inflight := datasource.WithWaitCancel(context.WithoutCancel(ctx), ctx)
		result := c.syncSymbol(inflight, symbol)
		if result.archived {
			summary.Archived++
		}
		if result.err != nil {
			summary.Failed[symbol] = result.err.Error()
			c.log.WithError(result.err).WithFields(logger.Fields{"symbol": symbol}).Error("Symbol sync failed")
			continue
		}
		summary.Processed++
		summary.Saved += result.saved
		if result.skipped {
			summary.Skipped++
		}
	}

	summary.FinishedAt = c.opts.Now().UTC()
	summary.Duration = summary.FinishedAt.Sub(summary.StartedAt).String()

	c.log.WithFields(logger.Fields{
		"processed": summary.Processed,
		"skipped":   summary.Skipped,
		"saved":     summary.Saved,
		"failed":    len(summary.Failed),
		"archived":  summary.Archived,
		"duration":  summary.Duration,
	}).Info("Sync cycle completed")

	c.mu.Lock()
	last := summary
	c.last = &last
	c.mu.Unlock()
	return summary
}

// LastSummary returns the summary of the most recent cycle, or nil
func (c *Crawler) LastSummary() *Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return nil
	}
	s := *c.last
	return &s
}

type symbolResult struct {
	saved    int
	skipped  bool
	archived bool
	err      error
}

func (c *Crawler) syncSymbol(ctx context.Context, symbol string) symbolResult {
	log := c.log.WithFields(logger.Fields{"symbol": symbol})

	latest, err := c.store.GetLatestDate(ctx, symbol)
	if err != nil {
		return symbolResult{err: err}
	}

	start, end, ok := Window(latest, c.opts.Now(), c.opts.LookbackDays)
	if !ok {
		log.Debug("Already up to date, skipping fetch")
		return symbolResult{skipped: true}
	}
	if c.cal != nil && !c.hasBusinessDay(start, end) {
		log.WithFields(logger.Fields{
			"start": start.Format(models.DateLayout),
			"end":   end.Format(models.DateLayout),
		}).Debug("No trading day in window, skipping fetch")
		return symbolResult{skipped: true}
	}

	log.WithFields(logger.Fields{
		"start": start.Format(models.DateLayout),
		"end":   end.Format(models.DateLayout),
	}).Info("Fetching")

	records, err := c.source.FetchStockData(ctx, symbol, start, end)
	if err != nil {
		result := symbolResult{err: err}
		if c.opts.ArchiveRaw {
			env := datasource.FailedFetchEnvelope(c.source.Name(), symbol, c.source.DefaultFunction(), err, c.opts.Now())
			result.archived = c.archive.SaveRaw(ctx, env)
		}
		return result
	}

	var result symbolResult
	if c.opts.ArchiveRaw {
		env := c.source.FetchRaw(ctx, symbol, c.source.DefaultFunction(), nil)
		result.archived = c.archive.SaveRaw(ctx, env)
	}

	if len(records) == 0 {
		log.Info("No new records")
		return result
	}

	saved, err := c.store.SaveStockData(ctx, records)
	if err != nil {
		result.err = err
		return result
	}
	result.saved = saved
	log.WithFields(logger.Fields{"saved": saved}).Info("Saved records")
	return result
}

// hasBusinessDay reports whether the market calendar has a session in [start, end]
func (c *Crawler) hasBusinessDay(start, end time.Time) bool {
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		local := time.Date(d.Year(), d.Month(), d.Day(), 12, 0, 0, 0, c.cal.Loc)
		if c.cal.IsBusinessDay(local) {
			return true
		}
	}
	return false
}
