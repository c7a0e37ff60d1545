package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"stock_crawler/config"
	"stock_crawler/controllers"
	"stock_crawler/logger"
	"stock_crawler/middleware"
	"stock_crawler/routes"
	"stock_crawler/scheduler"
	"stock_crawler/services/crawler"
	"stock_crawler/services/datasource"
	"stock_crawler/services/storage"
)

// needs selects which parts of the application a command initializes
type needs struct {
	source  bool
	probe   bool
	archive bool
	crawler bool
}

// app holds the wired components of one process
type app struct {
	cfg     *config.Config
	log     *logger.Log
	db      *gorm.DB
	prices  *storage.PriceStore
	archive storage.Archiver
	source  datasource.Source
	crawler *crawler.Crawler
	sched   *scheduler.Scheduler
	server  *http.Server
}

// newApp loads configuration and opens what the command needs. Any error
// here is an initialization failure.
func newApp(ctx context.Context, n needs) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logger.New(logger.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log}

	log.WithFields(logger.Fields{"database": cfg.MaskedDatabaseURL()}).Info("Connecting to database")
	a.db, err = storage.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := storage.InitSchema(a.db); err != nil {
		a.close(ctx)
		return nil, err
	}
	a.prices = storage.NewPriceStore(a.db, log.WithComponent("price_store"))

	if n.archive || n.crawler {
		a.archive, err = storage.NewArchiver(ctx, cfg, a.db, log)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
	}

	if n.source || n.crawler {
		a.source, err = datasource.NewSource(cfg, log)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		if n.probe && !a.source.IsAvailable(ctx) {
			a.close(ctx)
			return nil, fmt.Errorf("data source %s is not reachable", a.source.Name())
		}
	}

	if n.crawler {
		a.crawler, err = crawler.New(a.source, a.prices, a.archive, crawler.Options{
			Symbols:      cfg.SymbolsList(),
			LookbackDays: cfg.LookbackDays,
			ArchiveRaw:   cfg.ArchiveRaw,
			Calendar:     cfg.MarketCalendar,
			Log:          log.WithComponent("crawler"),
		})
		if err != nil {
			a.close(ctx)
			return nil, err
		}
	}

	return a, nil
}

func (a *app) syncJob(ctx context.Context) {
	a.crawler.RunCycle(ctx)
}

// LastSummary returns the summary of the most recent cycle
func (a *app) LastSummary() *crawler.Summary {
	return a.crawler.LastSummary()
}

// TriggerSync queues a cycle behind any cycle already running
func (a *app) TriggerSync() {
	a.sched.Trigger("manual-sync", a.syncJob)
}

// startScheduler runs a first cycle in the background and registers the
// recurring one.
func (a *app) startScheduler() error {
	a.sched = scheduler.NewScheduler(a.log.WithComponent("scheduler"))
	if err := a.sched.AddCronJob(a.cfg.FetchSchedule, "sync", a.syncJob); err != nil {
		return err
	}
	a.sched.Trigger("initial-sync", a.syncJob)
	a.sched.Start()
	return nil
}

// startStatusServer serves the status API on STATUS_ADDR, if set
func (a *app) startStatusServer() {
	if a.cfg.StatusAddr == "" {
		return
	}

	if a.cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(a.log.WithComponent("http")))

	status := controllers.NewStatusController(
		a.prices,
		a.archive,
		a,
		func(ctx context.Context) error { return storage.Ping(ctx, a.db) },
		a.cfg.SymbolsList(),
		a.source.Name(),
	)
	routes.SetupRoutes(router, status, a.cfg.APIJWTSecret)

	a.server = &http.Server{
		Addr:              a.cfg.StatusAddr,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		a.log.WithFields(logger.Fields{"addr": a.cfg.StatusAddr}).Info("Status API listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("Status API stopped")
		}
	}()
}

// shutdown stops the HTTP server, then the scheduler (waiting for the
// running cycle), then closes the archive and the database.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.WithError(err).Warn("Status API forced to shutdown")
		}
	}
	if a.sched != nil {
		a.sched.Stop()
	}
	a.close(ctx)
	a.log.Info("Shutdown completed")
}

func (a *app) close(ctx context.Context) {
	if a.archive != nil {
		if err := a.archive.Close(ctx); err != nil {
			a.log.WithError(err).Warn("Failed to close raw archive")
		}
	}
	if a.db != nil {
		if err := storage.Close(a.db); err != nil {
			a.log.WithError(err).Warn("Failed to close database")
			return
		}
		a.log.Info("Database connection closed")
	}
}
