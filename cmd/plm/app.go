package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/tomking_plm/internal/broker"
	"github.com/eddiefleurent/tomking_plm/internal/config"
	"github.com/eddiefleurent/tomking_plm/internal/dashboard"
	"github.com/eddiefleurent/tomking_plm/internal/feed"
	"github.com/eddiefleurent/tomking_plm/internal/mock"
	"github.com/eddiefleurent/tomking_plm/internal/models"
	"github.com/eddiefleurent/tomking_plm/internal/orders"
	"github.com/eddiefleurent/tomking_plm/internal/portfolio"
	"github.com/eddiefleurent/tomking_plm/internal/reconcile"
	"github.com/eddiefleurent/tomking_plm/internal/retry"
	"github.com/eddiefleurent/tomking_plm/internal/scheduler"
	"github.com/eddiefleurent/tomking_plm/internal/storage"
	"github.com/eddiefleurent/tomking_plm/internal/storage/history"
	"github.com/eddiefleurent/tomking_plm/internal/storage/redisstore"
	"github.com/eddiefleurent/tomking_plm/internal/storage/s3store"
	"github.com/eddiefleurent/tomking_plm/internal/strategy"
	"github.com/sirupsen/logrus"
)

const (
	shutdownTimeout = 30 * time.Second
	paperFillDelay  = 2 * time.Second
)

// App holds the wired components.
type App struct {
	cfg       *config.Config
	logger    logrus.FieldLogger
	book      *portfolio.Book
	bridge    *reconcile.Bridge
	lifecycle *scheduler.Lifecycle
	scheduler *scheduler.Scheduler
	dashboard *dashboard.Server
	feed      *feed.Feed
	opener    *feed.Opener
	closers   []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*App, error) {
	app := &App{cfg: cfg, logger: logger, book: portfolio.NewBook(logger)}
	ok := false
	defer func() {
		if !ok {
			app.close()
		}
	}()

	var (
		histSource dashboard.HistorySource
		archive    scheduler.Archiver
	)
	if cfg.History.Enabled {
		hist, err := history.Open(cfg.History.Path, logger)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, hist.Close)
		app.book.Subscribe(hist.Observer())
		histSource = hist
		archive = hist
	}

	store, closeStore, err := newBlobStore(ctx, cfg.Persistence)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		app.closers = append(app.closers, closeStore)
	}
	persister := storage.NewPersister(store, logger)
	if err := restore(ctx, persister, app.book, logger); err != nil {
		return nil, err
	}

	var (
		raw     broker.Broker
		pricing models.PricingFunc
		paper   *mock.PaperBroker
	)
	if cfg.Feed.Enabled {
		rdb, err := redisstore.NewClient(ctx, redisConfig(cfg.Feed.Redis))
		if err != nil {
			return nil, fmt.Errorf("feed: %w", err)
		}
		app.closers = append(app.closers, rdb.Close)
		app.feed = feed.New(rdb, feed.Config{
			FillsChannel: cfg.Feed.FillsChannel,
			OpensChannel: cfg.Feed.OpensChannel,
			PositionsKey: cfg.Feed.PositionsKey,
			MarksKey:     cfg.Feed.MarksKey,
			OrdersKey:    cfg.Feed.OrdersKey,
		}, logger)
		raw, pricing = app.feed, app.feed.Quote
	} else {
		paper = mock.NewPaperBroker(logger)
		seeded := paper.SeedLegs(app.book.OpenPositions())
		logger.WithField("legs", seeded).Info("Paper broker seeded from restored positions")
		raw, pricing = paper, paper.Quote
	}

	cb := broker.NewCircuitBreakerBrokerWithSettings(raw, cfg.CircuitBreakerSettings(), logger)
	app.bridge = reconcile.NewBridge(app.book, cb, logger, cfg.ReconcileConfig())
	if paper != nil {
		paper.SetFillSink(app.bridge, paperFillDelay)
	}
	if app.feed != nil {
		app.opener = feed.NewOpener(app.book, app.bridge, logger)
	}

	evaluator, err := strategy.NewEvaluator(cfg.ExitTargets(), logger)
	if err != nil {
		return nil, fmt.Errorf("exit targets: %w", err)
	}
	closer := orders.NewManager(app.book, retry.NewClient(cb, logger, cfg.RetryConfig()), logger, cfg.CloseManagerConfig())

	app.lifecycle = &scheduler.Lifecycle{
		Book:       app.book,
		Snapshots:  persister,
		Reconciler: app.bridge,
		Archive:    archive,
		Exits:      evaluator,
		Closer:     closer,
		Pricing:    pricing,
		InSession:  cfg.IsWithinTradingHours,
		Logger:     logger.WithField("component", "lifecycle"),
		Retain:     cfg.Persistence.Retain,
	}
	app.scheduler = scheduler.New(ctx, logger)
	if err := app.lifecycle.Register(app.scheduler, scheduler.Specs{
		Snapshot:  cfg.Persistence.Schedule,
		Reconcile: cfg.Reconcile.Schedule,
		Purge:     cfg.Schedule.Purge,
		ExitCheck: cfg.Schedule.ExitCheck,
	}); err != nil {
		return nil, err
	}

	if cfg.Dashboard.Enabled {
		app.dashboard = dashboard.NewServer(dashboard.Config{
			Listen:    cfg.Dashboard.Listen,
			AuthToken: cfg.Dashboard.AuthToken,
		}, app.book, app.bridge, histSource, logger)
	}

	ok = true
	return app, nil
}

// Run starts every component and blocks until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if _, err := a.bridge.ReconcileNow(ctx); err != nil {
		a.logger.WithError(err).Warn("Startup reconciliation failed; new entries stay blocked until a pass succeeds")
	}
	a.scheduler.Start()

	errCh := make(chan error, 2)
	if a.dashboard != nil {
		go func() {
			if err := a.dashboard.Start(); err != nil {
				errCh <- fmt.Errorf("dashboard: %w", err)
			}
		}()
	}
	if a.feed != nil {
		go func() {
			if err := a.feed.Run(ctx, a.bridge, a.opener); err != nil {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received, stopping manager...")
	case runErr = <-errCh:
		a.logger.WithError(runErr).Error("Component failed, stopping manager...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.shutdown(shutdownCtx))
}

func (a *App) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.dashboard != nil {
		if err := a.dashboard.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dashboard shutdown: %w", err))
		}
	}
	if err := a.lifecycle.FinalSnapshot(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("Close failed")
		}
	}
	a.closers = nil
}

// newBlobStore builds the configured snapshot backend. The returned close
// function may be nil.
func newBlobStore(ctx context.Context, cfg config.PersistenceConfig) (storage.BlobStore, func() error, error) {
	switch cfg.Backend {
	case "file":
		store, err := storage.NewFileStore(cfg.File.Path)
		return store, nil, err
	case "s3":
		store, err := s3store.New(ctx, s3store.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			Prefix:         cfg.S3.Prefix,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		return store, nil, err
	case "redis":
		rdb, err := redisstore.NewClient(ctx, redisConfig(cfg.Redis))
		if err != nil {
			return nil, nil, err
		}
		return redisstore.New(rdb, cfg.Redis.Prefix), rdb.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}

func redisConfig(c config.RedisConfig) redisstore.Config {
	return redisstore.Config{
		Addr:       c.Addr,
		Password:   c.Password,
		Prefix:     c.Prefix,
		DB:         c.DB,
		PoolSize:   c.PoolSize,
		MaxRetries: c.MaxRetries,
		TLSEnabled: c.TLSEnabled,
	}
}

// restore loads the newest snapshot into book. A missing snapshot starts an
// empty book; an incompatible one stops startup.
func restore(ctx context.Context, persister *storage.Persister, book *portfolio.Book, logger logrus.FieldLogger) error {
	res, err := persister.LoadLatest(ctx)
	if errors.Is(err, storage.ErrNoSnapshot) {
		logger.Info("No snapshot found, starting with an empty book")
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	added := 0
	for _, p := range res.Positions {
		if err := book.Add(p); err != nil {
			logger.WithError(err).WithField("position_id", p.ID).Error("Restored position rejected by the book")
			continue
		}
		added++
	}
	logger.WithFields(logrus.Fields{
		"key":         res.Key,
		"taken_at":    res.TakenAt,
		"positions":   added,
		"unrecovered": len(res.Unrecovered),
	}).Info("Book restored from snapshot")
	return nil
}
