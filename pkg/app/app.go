// Package app wires the taxsync components together and owns their
// lifecycle.
package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jdziat/taxsync/pkg/api"
	"github.com/jdziat/taxsync/pkg/audit"
	"github.com/jdziat/taxsync/pkg/config"
	"github.com/jdziat/taxsync/pkg/core"
	"github.com/jdziat/taxsync/pkg/crawler"
	"github.com/jdziat/taxsync/pkg/monitoring"
	"github.com/jdziat/taxsync/pkg/queue"
	"github.com/jdziat/taxsync/pkg/ratecache"
	"github.com/jdziat/taxsync/pkg/rateupdate"
	"github.com/jdziat/taxsync/pkg/schedule"
	"github.com/jdziat/taxsync/pkg/scheduler"
	"github.com/jdziat/taxsync/pkg/storage"
	"github.com/jdziat/taxsync/pkg/worker"
)

// ComplianceScheduleID is the recurring job that runs accuracy checks.
const ComplianceScheduleID = "compliance-daily"

// App is the composition root.
type App struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	db      *gorm.DB
	ownsDB  bool
	Broker  *storage.GormStorage
	Queue   *queue.Queue
	Worker  *worker.Worker
	Cache   *ratecache.Service
	Crawler *crawler.Client
	Audit   *audit.Logger

	Updater    *rateupdate.Updater
	Notifier   *rateupdate.Notifier
	Compliance *rateupdate.ComplianceChecker
	Scheduler  *scheduler.Scheduler
	Monitor    *monitoring.Service
	Stats      *monitoring.StatsCollector

	pubsub *gochannel.GoChannel
	router *gin.Engine

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	server  *http.Server
}

type options struct {
	logger     *zap.SugaredLogger
	db         *gorm.DB
	store      ratecache.Store
	sender     rateupdate.Sender
	httpClient *http.Client
	memory     monitoring.MemoryFunc
	memorySet  bool
}

// Option configures New.
type Option func(*options)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithDB uses an existing broker database instead of opening one from the
// configuration. The caller keeps ownership of it.
func WithDB(db *gorm.DB) Option {
	return func(o *options) { o.db = db }
}

// WithCacheStore replaces the configured cache store.
func WithCacheStore(s ratecache.Store) Option {
	return func(o *options) { o.store = s }
}

// WithSender sets how email notifications are delivered. The default logs
// them.
func WithSender(s rateupdate.Sender) Option {
	return func(o *options) { o.sender = s }
}

// WithHTTPClient sets the client used to reach the crawler.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithMemory replaces the host memory source of the health check. nil
// disables the check.
func WithMemory(fn monitoring.MemoryFunc) Option {
	return func(o *options) {
		o.memory = fn
		o.memorySet = true
	}
}

// New builds every component from cfg. Nothing is started.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	a := &App{cfg: cfg, logger: logger.With("component", "app")}

	a.db = o.db
	if a.db == nil {
		db, err := storage.Open(cfg.Broker.Driver, cfg.Broker.DSN,
			storage.MaxOpenConns(cfg.Broker.MaxOpenConns),
			storage.MaxIdleConns(cfg.Broker.MaxIdleConns),
			storage.WithQueryLogger(logger),
			storage.WithSlowQueryThreshold(cfg.Broker.SlowQuery))
		if err != nil {
			return nil, err
		}
		a.db = db
		a.ownsDB = true
	}

	store := o.store
	if store == nil {
		var err error
		if store, err = newCacheStore(cfg.Cache); err != nil {
			a.closeDB()
			return nil, err
		}
	}

	crawlerOpts := []crawler.Option{crawler.WithLogger(logger)}
	if o.httpClient != nil {
		crawlerOpts = append(crawlerOpts, crawler.WithHTTPClient(o.httpClient))
	}
	cl, err := crawler.New(crawler.Config{
		BaseURL:           cfg.Crawler.BaseURL,
		Timeout:           cfg.Crawler.Timeout,
		RequestsPerSecond: cfg.Crawler.RequestsPerSecond,
		Burst:             cfg.Crawler.Burst,
	}, crawlerOpts...)
	if err != nil {
		_ = store.Close()
		a.closeDB()
		return nil, err
	}
	a.Crawler = cl

	a.Broker = storage.NewGormStorage(a.db)
	a.Queue = queue.New(a.Broker,
		queue.WithLogger(logger),
		queue.WithEnqueueTimeout(cfg.Broker.EnqueueTimeout))

	a.Cache = ratecache.NewService(store, cl,
		ratecache.WithLogger(logger),
		ratecache.WithTTL(cfg.Cache.TTL),
		ratecache.WithStoreTimeout(cfg.Cache.Timeout),
		ratecache.WithFetchTimeout(cfg.Crawler.Timeout))

	a.Audit = audit.NewLogger(a.db,
		audit.WithLogger(logger),
		audit.WithAnomalyThreshold(cfg.Audit.AnomalyThreshold))

	a.pubsub = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, zapWatermill{logger.With("component", "pubsub")})

	a.Updater = rateupdate.NewUpdater(cl, a.Cache, a.Audit,
		rateupdate.WithLogger(logger),
		rateupdate.WithTrackedStates(cfg.Scheduler.TrackedStates),
		rateupdate.WithPublisher(a.pubsub))
	a.Notifier = rateupdate.NewNotifier(a.pubsub, a.Queue, o.sender, logger)
	a.Compliance = rateupdate.NewComplianceChecker(cl, a.Cache, a.Audit, cfg.Scheduler.TrackedStates, logger)

	a.Scheduler = scheduler.New(a.Queue, scheduler.Config{
		Daily:               cfg.Scheduler.Daily,
		Weekly:              cfg.Scheduler.Weekly,
		Monthly:             cfg.Scheduler.Monthly,
		Quarterly:           cfg.Scheduler.Quarterly,
		InitialUpdateOnBoot: cfg.Scheduler.InitialUpdateOnBoot,
		TrackedStates:       cfg.Scheduler.TrackedStates,
	}, scheduler.WithLogger(logger), scheduler.WithManualUpdateTimeout(cfg.Scheduler.ManualUpdateTimeout))

	statsStore := monitoring.NewGormStatsStorage(a.db)
	a.Stats = monitoring.NewStatsCollector(a.Queue, statsStore, monitoring.WithCollectorLogger(logger))

	monOpts := []monitoring.Option{
		monitoring.WithBroker(a.Queue),
		monitoring.WithCache(a.Cache),
		monitoring.WithAudit(a.Audit),
		monitoring.WithScheduler(a.Scheduler),
		monitoring.WithStats(statsStore),
		monitoring.WithLogger(logger),
	}
	if o.memorySet {
		monOpts = append(monOpts, monitoring.WithMemory(o.memory))
	}
	a.Monitor = monitoring.NewService(monOpts...)
	a.Audit.OnDegraded(a.Monitor.AuditDegraded)

	if err := a.registerProcessors(); err != nil {
		_ = a.Cache.Close()
		a.closeDB()
		return nil, err
	}

	a.Worker = worker.NewWorker(a.Queue, a.workerOptions(logger)...)

	a.router = api.NewRouter(api.NewHandler(api.Deps{
		Queues:    a.Queue,
		Cache:     a.Cache,
		Scheduler: a.Scheduler,
		Audit:     a.Audit,
		Monitor:   a.Monitor,
		Logger:    logger,
	}))
	return a, nil
}

func newCacheStore(cfg config.CacheConfig) (ratecache.Store, error) {
	if cfg.Store == config.CacheStoreValkey {
		return ratecache.NewValkeyStore(ratecache.ValkeyConfig{
			Addr:        cfg.Addr,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: cfg.Timeout,
		})
	}
	return ratecache.NewMemoryStore(), nil
}

func (a *App) registerProcessors() error {
	if err := a.Queue.RegisterProcessor(core.QueueTaxRateUpdate, a.Updater.Process); err != nil {
		return err
	}
	if err := a.Queue.RegisterProcessor(core.QueueEmailNotifications, a.Notifier.Deliver); err != nil {
		return err
	}
	return a.Queue.RegisterProcessor(core.QueueComplianceMonitoring, a.Compliance.Check)
}

func (a *App) workerOptions(logger *zap.SugaredLogger) []worker.WorkerOption {
	opts := []worker.WorkerOption{
		worker.WithLogger(logger),
		worker.WithPollInterval(a.cfg.Worker.PollInterval),
	}
	for _, name := range a.Queue.ProcessedQueues() {
		opts = append(opts, worker.WorkerQueue(name, worker.Concurrency(a.cfg.Worker.Concurrency)))
	}
	return opts
}

// Router returns the HTTP handler.
func (a *App) Router() http.Handler {
	return a.router
}

// Migrate creates or updates every table.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.Broker.Migrate(ctx); err != nil {
		return errors.Wrap(err, "migrate broker")
	}
	if err := a.Audit.Migrate(ctx); err != nil {
		return errors.Wrap(err, "migrate audit")
	}
	if err := monitoring.NewGormStatsStorage(a.db).MigrateStats(ctx); err != nil {
		return errors.Wrap(err, "migrate stats")
	}
	return nil
}

// Start launches the worker, the notifier, the stats collector and the
// scheduler. It does not serve HTTP; see Serve.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	changes, err := a.Notifier.Subscribe(runCtx)
	if err != nil {
		cancel()
		return err
	}

	a.loops.Add(3)
	go func() {
		defer a.loops.Done()
		_ = a.Worker.Start(runCtx)
	}()
	go func() {
		defer a.loops.Done()
		a.Notifier.Consume(runCtx, changes)
	}()
	go func() {
		defer a.loops.Done()
		a.Stats.Start(runCtx)
	}()
	a.Stats.WaitReady()

	abort := func(err error) error {
		a.Scheduler.Stop()
		cancel()
		a.loops.Wait()
		return err
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		return abort(err)
	}
	if err := a.scheduleCompliance(); err != nil {
		return abort(err)
	}

	if a.cfg.Cache.WarmupOnStart {
		a.loops.Add(1)
		go func() {
			defer a.loops.Done()
			if _, err := a.Cache.WarmupCache(runCtx); err != nil {
				a.logger.Warnw("cache warmup failed", "error", err)
			}
		}()
	}

	a.running = true
	a.logger.Infow("taxsync started", "queues", a.Queue.ProcessedQueues(), "scheduler", a.Scheduler.State())
	return nil
}

func (a *App) scheduleCompliance() error {
	expr := a.cfg.Scheduler.ComplianceCron
	if expr == "" {
		return nil
	}
	sched, err := schedule.ParseCron(expr)
	if err != nil {
		return errors.Wrap(err, "compliance schedule")
	}
	return a.Queue.ScheduleRecurringJob(ComplianceScheduleID, core.QueueComplianceMonitoring, sched, rateupdate.CheckPayload{})
}

// Serve runs Start, serves HTTP on the configured address and shuts down
// when ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Infow("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Shutdown stops HTTP, then the scheduler, drains every processed queue,
// stops the workers and closes the broker and the cache store.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.server = nil
	running := a.running
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	var errs error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "stop http"))
		}
	}

	if running {
		a.Scheduler.Stop()
		a.Queue.RemoveRecurringJob(ComplianceScheduleID)

		for _, name := range a.Queue.ProcessedQueues() {
			if err := a.Queue.DrainQueue(ctx, name); err != nil {
				a.logger.Warnw("queue not drained", "queue", name, "error", err)
				errs = errors.CombineErrors(errs, err)
			}
		}

		cancel()
		a.loops.Wait()
	}

	if err := a.pubsub.Close(); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "close pubsub"))
	}
	if err := a.Audit.Flush(ctx); err != nil {
		a.logger.Warnw("audit backlog not flushed", "error", err)
	}
	if a.ownsDB {
		if err := a.Broker.Close(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "close broker"))
		}
	}
	if err := a.Cache.Close(); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "close cache store"))
	}

	a.logger.Info("taxsync stopped")
	return errs
}

func (a *App) closeDB() {
	if !a.ownsDB {
		return
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
