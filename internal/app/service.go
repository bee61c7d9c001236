package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"flapjack/internal/alertqueue"
	"flapjack/internal/clock"
	"flapjack/internal/config"
	"flapjack/internal/domain"
	"flapjack/internal/ingest"
	"flapjack/internal/logging"
	"flapjack/internal/maintenance"
	"flapjack/internal/metrics"
	"flapjack/internal/notifier"
	"flapjack/internal/processor"
	"flapjack/internal/resolver"
	"flapjack/internal/store"
)

var (
	// ErrConfig marks startup failures in configuration handling.
	ErrConfig = errors.New("configuration error")
	// ErrStoreUnavailable marks an unreachable store at startup.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable flapjack service.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	store     store.Store
	maint     *maintenance.Manager
	pipeline  *Pipeline
	admin     *Admin
	httpSrv   *http.Server
	receiver  interface{ Close() error }
	producer  alertqueue.Producer
	workers   []alertqueue.Worker
	scheduler *cron.Cron
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds the service instance from a config source.
// Params: config source and clock implementation.
// Returns: initialized service, ErrConfig, or ErrStoreUnavailable.
func NewService(source config.Source, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	entityStore, err := buildStore(cfg, clk)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	maintManager := maintenance.NewManager(entityStore, logger, clk)
	routeResolver := resolver.New(entityStore, logger, clk)
	checkProcessor := processor.New(entityStore, maintManager, routeResolver, processor.Options{
		InitialFailureDelay: cfg.Processor.InitialFailureDelay,
		RepeatFailureDelay:  cfg.Processor.RepeatFailureDelay,
		AutoCreateChecks:    cfg.Processor.AutoCreateChecks,
		NewCheckMaintenance: cfg.Processor.NewCheckScheduledMaintenanceDuration,
		StateRetention:      cfg.Processor.StateRetention,
	}, logger, clk)

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		store:    entityStore,
		maint:    maintManager,
		clock:    clk,
	}

	if err := service.buildAlertQueues(); err != nil {
		service.cleanupInitResources()
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	service.pipeline = NewPipeline(checkProcessor, routeResolver, service.producer, cfg.Gateways, logger, clk)
	service.admin = NewAdmin(entityStore, maintManager, routeResolver, service.pipeline, logger, clk)

	service.buildHTTPServer(registry)
	if err := service.buildReceiver(); err != nil {
		service.cleanupInitResources()
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if err := service.buildScheduler(); err != nil {
		service.cleanupInitResources()
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return service, nil
}

// Admin exposes the control surface for gateways and the CLI wrapper.
// Params: none.
// Returns: admin facade.
func (s *Service) Admin() *Admin {
	return s.admin
}

// Run starts the service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.scheduler != nil {
		s.scheduler.Start()
	}
	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order: intake first,
// then workers (bounded by the shutdown grace), then shared backends.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(httpCtx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.receiver != nil {
		if err := s.receiver.Close(); err != nil {
			s.logger.Error("event receiver close failed", "error", err.Error())
			markErr(fmt.Errorf("event receiver close: %w", err))
		}
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}

	grace := time.Duration(s.cfg.Notifier.ShutdownGraceSec) * time.Second
	if err := s.closeWorkersWithGrace(grace); err != nil {
		markErr(err)
	}

	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			s.logger.Error("alert producer close failed", "error", err.Error())
			markErr(fmt.Errorf("alert producer close: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// closeWorkersWithGrace drains dispatcher workers, abandoning in-flight
// handler calls after the grace period; abandoned alerts stay on-queue for
// the next startup.
// Params: grace duration.
// Returns: first drain error.
func (s *Service) closeWorkersWithGrace(grace time.Duration) error {
	if len(s.workers) == 0 {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		var firstErr error
		for _, worker := range s.workers {
			if err := worker.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		done <- firstErr
	}()
	select {
	case err := <-done:
		if err != nil {
			s.logger.Error("alert worker close failed", "error", err.Error())
			return fmt.Errorf("alert worker close: %w", err)
		}
		return nil
	case <-time.After(grace):
		s.logger.Warn("alert workers abandoned after shutdown grace", "grace", grace.String())
		return nil
	}
}

// cleanupInitResources closes partially initialized resources on startup
// failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.receiver != nil {
		_ = s.receiver.Close()
		s.receiver = nil
	}
	for _, worker := range s.workers {
		_ = worker.Close()
	}
	s.workers = nil
	if s.producer != nil {
		_ = s.producer.Close()
		s.producer = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildHTTPServer wires health, ready, metrics, and ingest endpoints.
// Params: prometheus registry.
// Returns: none.
func (s *Service) buildHTTPServer(registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Ingest.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.Ingest.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	if s.cfg.Ingest.HTTP.Enabled {
		mux.Handle(s.cfg.Ingest.HTTP.EventsPath, ingest.NewHTTPHandler(s.pipeline, s.cfg.Ingest.HTTP.MaxBodyBytes))
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Ingest.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// buildReceiver starts the NATS event queue consumer when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildReceiver() error {
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	receiver, err := ingest.NewNATSReceiver(s.cfg.Ingest.NATS, s.pipeline, s.logger)
	if err != nil {
		return err
	}
	s.receiver = receiver
	return nil
}

// buildAlertQueues starts the alert producer and per-medium worker pools.
// Params: none.
// Returns: setup error.
func (s *Service) buildAlertQueues() error {
	if len(s.cfg.Gateways) == 0 {
		s.logger.Warn("no gateways configured, alerts will be dropped")
		return nil
	}

	producer, err := alertqueue.NewNATSProducer(s.cfg.Ingest.NATS.URL)
	if err != nil {
		return err
	}
	s.producer = producer

	dispatcher, err := notifier.NewDispatcher(s.cfg.Gateways, s.buildHandlers(), s.logger)
	if err != nil {
		_ = producer.Close()
		s.producer = nil
		return err
	}

	backoffBase := time.Second
	maxBackoff := time.Duration(s.cfg.Notifier.MaxBackoffSec) * time.Second
	for medium, gateway := range s.cfg.Gateways {
		worker, err := alertqueue.NewNATSWorker(s.cfg.Ingest.NATS.URL, alertqueue.WorkerOptions{
			Queue:       gateway.Queue,
			Workers:     gateway.Workers,
			MaxAttempts: s.cfg.Notifier.MaxAttempts,
			BackoffBase: backoffBase,
			MaxBackoff:  maxBackoff,
			AckWait:     time.Duration(gateway.TimeoutSec+5) * time.Second,
			Clock:       s.clock,
		}, s.logger, func(ctx context.Context, job alertqueue.Job) error {
			return dispatcher.Dispatch(ctx, job)
		})
		if err != nil {
			return fmt.Errorf("start %s workers: %w", medium, err)
		}
		s.workers = append(s.workers, worker)
	}
	return nil
}

// buildHandlers constructs one handler per configured gateway medium.
// Params: none.
// Returns: handler list for the dispatcher registry.
func (s *Service) buildHandlers() []notifier.Handler {
	var handlers []notifier.Handler
	for medium, gateway := range s.cfg.Gateways {
		switch domain.MediumType(medium) {
		case domain.MediumEmail:
			handlers = append(handlers, notifier.NewSESHandler(gateway, s.logger))
		case domain.MediumJabber:
			handlers = append(handlers, notifier.NewTelegramHandler(gateway))
		default:
			handlers = append(handlers, notifier.NewShoutrrrHandler(domain.MediumType(medium), gateway))
		}
	}
	return handlers
}

// buildScheduler wires the cron housekeeping job.
// Params: none.
// Returns: schedule parse error.
func (s *Service) buildScheduler() error {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(s.cfg.Service.HousekeepingSchedule, func() {
		if err := s.housekeep(context.Background()); err != nil {
			s.logger.Error("housekeeping failed", "error", err.Error())
		}
	})
	if err != nil {
		return fmt.Errorf("parse housekeeping schedule %q: %w", s.cfg.Service.HousekeepingSchedule, err)
	}
	s.scheduler = scheduler
	return nil
}

// housekeep expires past maintenance windows and trims state history.
// Params: context.
// Returns: first store error.
func (s *Service) housekeep(ctx context.Context) error {
	checkIDs, err := s.store.SetMembers(ctx, domain.ClassCheck, domain.CheckRegistryID, domain.FieldMembers)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, checkID := range checkIDs {
		err := s.store.Lock(ctx, adminLockClasses, func(ctx context.Context) error {
			if _, err := s.maint.ExpirePast(ctx, checkID, now); err != nil {
				return err
			}
			if s.cfg.Processor.StateRetention > 0 {
				return s.store.SortedTrim(ctx, domain.ClassCheck, checkID, domain.FieldStates, s.cfg.Processor.StateRetention)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// buildStore creates the entity store backend from config.
// Params: config snapshot and clock.
// Returns: selected store backend.
func buildStore(cfg config.Config, _ clock.Clock) (store.Store, error) {
	if cfg.Store.Backend == config.StoreBackendMemory {
		return store.NewMemoryStore(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return store.NewRedisStore(ctx, cfg.Store.URL)
}
