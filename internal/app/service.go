package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"uptime/internal/api"
	"uptime/internal/check"
	"uptime/internal/clock"
	"uptime/internal/config"
	"uptime/internal/domain"
	"uptime/internal/engine"
	"uptime/internal/incident"
	"uptime/internal/logging"
	"uptime/internal/metrics"
	"uptime/internal/notify"
	"uptime/internal/notifyqueue"
	"uptime/internal/probe"
	"uptime/internal/retention"
	"uptime/internal/scheduler"
	"uptime/internal/store"

	"github.com/google/uuid"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable uptime service.
type Service struct {
	source    config.ConfigSource
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	store     store.Store
	redis     *store.RedisCoordinator
	metrics   *metrics.Metrics
	manager   *Manager
	scheduler *scheduler.Scheduler
	pruner    *retention.Pruner
	httpSrv   *http.Server
	commands  interface{ Close() error }
	notifyQ   interface{ Close() error }
	notifyPub notifyqueue.Producer
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	service, err := newServiceFromConfig(context.Background(), cfg, logger, clk)
	if err != nil {
		closeLog()
		return nil, err
	}
	service.source = source
	service.closeLog = closeLog
	return service, nil
}

// newServiceFromConfig wires all components for a loaded snapshot.
func newServiceFromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger, clk clock.Clock) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	service := &Service{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		clock:   clk,
	}

	steps := []func(context.Context) error{
		service.buildStore,
		service.seedCatalog,
		service.buildRedis,
		service.buildNotifyQueue,
		service.buildPipeline,
		service.buildNotifyWorker,
		service.buildHTTPServer,
		service.buildCommandSubscriber,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			service.cleanupInitResources()
			return nil, err
		}
	}
	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 2)
	var background sync.WaitGroup

	if s.httpSrv != nil {
		go func() {
			s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen)
			if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("http server failed: %w", err)
			}
		}()
	}

	background.Add(1)
	go func() {
		defer background.Done()
		if err := s.scheduler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("scheduler failed: %w", err)
		}
	}()

	s.pruner.Start(runCtx)

	if s.cfg.Store.WatchCatalog {
		background.Add(1)
		go func() {
			defer background.Done()
			if err := store.WatchCatalog(runCtx, s.cfg.Store.CatalogFile, s.logger, s.applyCatalog); err != nil {
				s.logger.Error("catalog watch stopped", "error", err.Error())
			}
		}()
	}

	if s.cfg.Service.ReloadEnabled && s.source != (config.ConfigSource{}) {
		background.Add(1)
		go func() {
			defer background.Done()
			s.reloadLoop(runCtx)
		}()
	}

	s.readyFlag.Store(true)
	s.logger.Info("uptime service started", "mode", s.cfg.Service.Mode, "store", s.cfg.Store.Driver, "workers", s.cfg.Scheduler.Workers)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
	case <-sigChan:
	case runErr = <-errChan:
	}
	s.readyFlag.Store(false)
	cancel()
	background.Wait()
	if err := s.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Ready reports whether service accepts traffic.
func (s *Service) Ready() bool {
	return s.readyFlag.Load()
}

// CheckNow runs one monitor immediately through the scheduler.
func (s *Service) CheckNow(ctx context.Context, monitorID string) (domain.CheckResult, error) {
	return s.scheduler.RunNow(ctx, monitorID)
}

// TestChannel sends test notification to one channel.
func (s *Service) TestChannel(ctx context.Context, channelID string) (domain.DeliveryOutcome, error) {
	return s.manager.TestChannel(ctx, channelID)
}

// Refresh asks scheduler to re-read active monitors.
func (s *Service) Refresh() {
	s.scheduler.RequestRefresh()
}

// Handler exposes HTTP router for in-process tests.
func (s *Service) Handler() http.Handler {
	if s.httpSrv == nil {
		return http.NotFoundHandler()
	}
	return s.httpSrv.Handler
}

func (s *Service) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.Service.ReloadIntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reloadConfig(); err != nil {
				s.logger.Error("reload failed", "error", err.Error())
			}
		}
	}
}

// reloadConfig swaps dispatcher built from a fresh snapshot.
// Params: none.
// Returns: load error or restart-required error.
func (s *Service) reloadConfig() error {
	nextCfg, err := config.LoadSnapshot(s.source)
	if err != nil {
		return err
	}
	if nextCfg.Service.Mode != s.cfg.Service.Mode {
		return errors.New("service.mode change requires restart")
	}
	if reflect.DeepEqual(nextCfg.Notify, s.cfg.Notify) {
		return nil
	}
	if !reflect.DeepEqual(nextCfg.Notify.Queue, s.cfg.Notify.Queue) {
		return errors.New("notify.queue change requires restart")
	}
	dispatcher, err := s.buildDispatcher(nextCfg.Notify)
	if err != nil {
		return err
	}
	s.manager.SetDispatcher(dispatcher)
	s.cfg.Notify = nextCfg.Notify
	s.logger.Info("notification configuration reloaded")
	return nil
}

// applyCatalog hands a reloaded catalog to the store and refreshes the schedule.
func (s *Service) applyCatalog(catalog store.Catalog) {
	seeder, ok := s.store.(store.Seeder)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := seeder.ApplyCatalog(ctx, catalog); err != nil {
		s.logger.Error("catalog apply failed", "error", err.Error())
		return
	}
	if s.scheduler != nil {
		s.scheduler.RequestRefresh()
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: joined close errors.
func (s *Service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	closeStep := func(name string, err error) {
		if err == nil {
			return
		}
		s.logger.Error(name+" failed", "error", err.Error())
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}

	if s.httpSrv != nil {
		closeStep("http shutdown", s.httpSrv.Shutdown(ctx))
	}
	if s.commands != nil {
		closeStep("nats commands close", s.commands.Close())
	}
	s.pruner.Stop()
	if s.notifyQ != nil {
		closeStep("notify queue worker close", s.notifyQ.Close())
	}
	if s.notifyPub != nil {
		closeStep("notify queue producer close", s.notifyPub.Close())
	}
	if s.redis != nil {
		closeStep("redis close", s.redis.Close())
	}
	closeStep("store close", s.store.Close())
	s.logger.Info("uptime service stopped")
	if s.closeLog != nil {
		s.closeLog()
	}
	return errors.Join(errs...)
}

// cleanupInitResources closes partially initialized resources on startup failures.
func (s *Service) cleanupInitResources() {
	if s.commands != nil {
		_ = s.commands.Close()
		s.commands = nil
	}
	if s.notifyQ != nil {
		_ = s.notifyQ.Close()
		s.notifyQ = nil
	}
	if s.notifyPub != nil {
		_ = s.notifyPub.Close()
		s.notifyPub = nil
	}
	if s.redis != nil {
		_ = s.redis.Close()
		s.redis = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
}

// buildStore opens base store by driver and layers NATS incident store in nats mode.
func (s *Service) buildStore(ctx context.Context) error {
	var base store.Store
	switch s.cfg.Store.Driver {
	case config.StoreDriverMemory:
		base = store.NewMemoryStore()
	default:
		sqlStore, err := store.OpenSQLStore(ctx, s.cfg.Store.Driver, s.cfg.Store.DSN, s.logger)
		if err != nil {
			return err
		}
		base = sqlStore
	}

	if !isNATSMode(s.cfg) {
		s.store = base
		return nil
	}
	incidents, err := store.NewNATSIncidentStore(s.cfg.NATS)
	if err != nil {
		_ = base.Close()
		return err
	}
	s.store = store.WithIncidents(base, incidents, incidents.Close)
	return nil
}

// seedCatalog loads catalog file into store when configured.
func (s *Service) seedCatalog(ctx context.Context) error {
	if s.cfg.Store.CatalogFile == "" {
		return nil
	}
	catalog, err := store.LoadCatalog(s.cfg.Store.CatalogFile)
	if err != nil {
		return err
	}
	seeder, ok := s.store.(store.Seeder)
	if !ok {
		return fmt.Errorf("store driver %q does not accept catalog files", s.cfg.Store.Driver)
	}
	if err := seeder.ApplyCatalog(ctx, catalog); err != nil {
		return fmt.Errorf("apply catalog: %w", err)
	}
	s.logger.Info("catalog loaded", "path", s.cfg.Store.CatalogFile, "monitors", len(catalog.Monitors), "rules", len(catalog.Rules), "channels", len(catalog.Channels))
	return nil
}

// buildRedis connects shared coordinator for cooldowns and probe leases.
func (s *Service) buildRedis(ctx context.Context) error {
	if !s.cfg.Redis.Enabled {
		return nil
	}
	coordinator, err := store.NewRedisCoordinator(ctx, s.cfg.Redis)
	if err != nil {
		return err
	}
	s.redis = coordinator
	return nil
}

// buildNotifyQueue connects async notification producer in nats mode.
func (s *Service) buildNotifyQueue(context.Context) error {
	if !isNATSMode(s.cfg) || !s.cfg.Notify.Queue.Enabled {
		return nil
	}
	producer, err := notifyqueue.NewNATSProducer(s.cfg.Notify.Queue)
	if err != nil {
		return err
	}
	s.notifyPub = producer
	return nil
}

// buildNotifyWorker consumes queued jobs once the pipeline exists.
func (s *Service) buildNotifyWorker(context.Context) error {
	if s.notifyPub == nil {
		return nil
	}
	worker, err := notifyqueue.NewNATSWorker(s.cfg.Notify.Queue, s.logger, func(ctx context.Context, job notifyqueue.Job) error {
		return s.manager.ProcessQueuedNotification(ctx, job)
	})
	if err != nil {
		return err
	}
	s.notifyQ = worker
	return nil
}

// buildDispatcher creates dispatcher for a notify config snapshot.
func (s *Service) buildDispatcher(cfg config.NotifyConfig) (*notify.Dispatcher, error) {
	opts := []notify.Option{notify.WithObserver(s.metrics), notify.WithClock(s.clock)}
	if s.notifyPub != nil {
		opts = append(opts, notify.WithQueue(s.notifyPub))
	}
	return notify.NewDispatcher(cfg, s.store, s.store, s.logger, opts...)
}

// buildPipeline wires probe, evaluator, tracker, engine, dispatcher, scheduler, and pruner.
func (s *Service) buildPipeline(context.Context) error {
	policy, err := check.ParseStatusPolicy(s.cfg.Probe.FailureStatus)
	if err != nil {
		return fmt.Errorf("probe.failure_status: %w", err)
	}
	dispatcher, err := s.buildDispatcher(s.cfg.Notify)
	if err != nil {
		return err
	}

	var limiter engine.Limiter
	if s.cfg.Rules.Limiter == config.LimiterRedis && s.redis != nil {
		limiter = s.redis
	}

	s.manager = NewManager(ManagerDeps{
		Store: s.store,
		Prober: probe.NewExecutor(probe.Config{
			UserAgent:       s.cfg.Probe.UserAgent,
			MaxBodyBytes:    s.cfg.Probe.MaxBodyBytes,
			FollowRedirects: s.cfg.Probe.FollowRedirects,
			MaxRedirects:    s.cfg.Probe.MaxRedirects,
			TLSSkipVerify:   s.cfg.Probe.TLSSkipVerify,
		}, probe.WithClock(s.clock)),
		Evaluator:  check.NewEvaluator(policy, uuid.NewString),
		Tracker:    incident.NewTracker(s.store, incident.Policy{ResolveAfter: s.cfg.Incident.ResolveAfter}, s.clock),
		Engine:     engine.New(s.store, s.store, limiter, s.cfg.Rules, s.clock),
		Dispatcher: dispatcher,
		Observer:   s.metrics,
		Logger:     s.logger,
		Clock:      s.clock,
	})

	schedulerOpts := []scheduler.Option{
		scheduler.WithClock(s.clock),
		scheduler.WithLogger(s.logger),
		scheduler.WithObserver(s.metrics),
	}
	if s.cfg.Scheduler.LeaseEnabled && s.redis != nil {
		schedulerOpts = append(schedulerOpts, scheduler.WithLeaser(s.redis, time.Duration(s.cfg.Scheduler.LeaseTTLSec)*time.Second))
	}
	s.scheduler = scheduler.New(s.cfg.Scheduler, s.store, s.manager, schedulerOpts...)

	pruner, err := retention.New(s.store, s.cfg.Store, s.clock, s.logger, s.metrics)
	if err != nil {
		return err
	}
	s.pruner = pruner
	return nil
}

// buildHTTPServer wires health, metrics, and control API.
func (s *Service) buildHTTPServer(context.Context) error {
	if !s.cfg.HTTP.Enabled {
		return nil
	}
	router := api.NewRouter(s.cfg.HTTP, api.RouterDeps{
		Controller: s,
		Ready:      s.Ready,
		Metrics:    s.metrics.Handler(),
		Logger:     s.logger,
	})
	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildCommandSubscriber serves control commands over NATS in nats mode.
func (s *Service) buildCommandSubscriber(context.Context) error {
	if !isNATSMode(s.cfg) {
		return nil
	}
	commands, err := api.NewNATSCommands(s.cfg.NATS, s, s.logger)
	if err != nil {
		return err
	}
	s.commands = commands
	return nil
}

func isNATSMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeNATS
}
