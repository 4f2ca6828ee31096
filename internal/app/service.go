package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"permitalert/internal/clock"
	"permitalert/internal/config"
	"permitalert/internal/ingest"
	"permitalert/internal/logging"
	"permitalert/internal/metrics"
	"permitalert/internal/notify"
	"permitalert/internal/store"
	"permitalert/internal/transport"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable permit alert service.
type Service struct {
	source    config.ConfigSource
	cfgMu     sync.RWMutex
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	metrics   *metrics.Metrics
	store     store.NotificationStore
	inApp     *transport.InAppPublisher
	pipeline  *Pipeline
	httpSrv   *http.Server
	natsSub   interface{ Close() error }
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

	logger, closeLog, err := logging.New(cfg.Log, cfg.Service.Name)
	if err != nil {
		return nil, err
	}

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		metrics:  metrics.New(),
		clock:    clk,
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.store = st

	if err := service.buildInAppPublisher(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	dispatcher, err := buildDispatcher(cfg, service.dispatcherDeps())
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.pipeline = NewPipeline(cfg, PipelineOptions{
		Clock:      clk,
		Logger:     logger,
		Metrics:    service.metrics,
		Dispatcher: dispatcher,
	})

	if err := service.buildHTTPServer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	logger.Info("service initialized",
		"mode", cfg.Service.Mode,
		"store", cfg.Store.Backend,
		"rules", service.pipeline.Matcher().RuleCount(),
		"channels", len(dispatcher.Channels()),
	)
	return service, nil
}

// Pipeline exposes permit processing pipeline.
func (s *Service) Pipeline() *Pipeline {
	return s.pipeline
}

// Handler exposes HTTP router.
func (s *Service) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	cfg := s.config()
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.runEvery(shutdownCtx, time.Duration(cfg.Service.SweepIntervalSec)*time.Second, func(runCtx context.Context) {
		results, err := s.pipeline.Sweep(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sweep failed", "error", err.Error())
			return
		}
		if len(results) > 0 {
			s.logger.Info("sweep finished", "retried", len(results))
		}
	})
	s.runEvery(shutdownCtx, time.Duration(cfg.Service.DigestIntervalSec)*time.Second, func(runCtx context.Context) {
		if sent := s.pipeline.FlushDigests(runCtx); sent > 0 {
			s.logger.Info("digests flushed", "sent", sent)
		}
	})
	if cfg.Service.ReloadEnabled {
		s.runEvery(shutdownCtx, time.Duration(cfg.Service.ReloadIntervalSec)*time.Second, func(runCtx context.Context) {
			if err := s.reloadConfig(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("reload failed", "error", err.Error())
			}
		})
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

// runEvery starts ticker goroutine bound to context.
// Params: context, interval (non-positive disables), and job.
// Returns: none.
func (s *Service) runEvery(ctx context.Context, interval time.Duration, job func(context.Context)) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				job(ctx)
			}
		}
	}()
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}
	if s.inApp != nil {
		if err := s.inApp.Close(); err != nil {
			s.logger.Error("in-app publisher close failed", "error", err.Error())
			markErr(fmt.Errorf("in-app publisher close: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	s.logger.Info("service stopped")
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.inApp != nil {
		_ = s.inApp.Close()
		s.inApp = nil
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

// buildHTTPServer wires router with health, ingest, and metrics endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	httpCfg := s.cfg.Ingest.HTTP
	mux := http.NewServeMux()
	mux.HandleFunc(httpCfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(httpCfg.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(httpCfg.MetricsPath, s.metrics.Handler())

	if httpCfg.Enabled {
		handler := ingest.NewHTTPHandler(s.pipeline, httpCfg.MaxBodyBytes, s.metrics)
		mux.Handle(httpCfg.IngestPath, handler)
		if httpCfg.IngestBatchPath != "" && httpCfg.IngestBatchPath != httpCfg.IngestPath {
			mux.Handle(httpCfg.IngestBatchPath, handler)
		}
	}

	s.httpSrv = &http.Server{
		Addr:              httpCfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts NATS ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if isSingleMode(s.cfg) || !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.pipeline, s.metrics, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildInAppPublisher connects in-app feed publisher in nats mode.
// Params: none.
// Returns: connect error.
func (s *Service) buildInAppPublisher() error {
	inApp := s.cfg.Notify.InApp
	if isSingleMode(s.cfg) || !inApp.Enabled || !inApp.Publish {
		return nil
	}
	publisher, err := transport.NewInAppPublisher(s.cfg.Ingest.NATS.URL, inApp.SubjectPrefix)
	if err != nil {
		return err
	}
	s.inApp = publisher
	return nil
}

// dispatcherDeps collects collaborators reused across dispatcher rebuilds.
func (s *Service) dispatcherDeps() dispatcherDeps {
	deps := dispatcherDeps{
		store:   s.store,
		clock:   s.clock,
		logger:  s.logger,
		metrics: s.metrics,
	}
	if s.inApp != nil {
		deps.inApp = s.inApp
	}
	return deps
}

// reloadConfig atomically reloads and applies new config snapshot.
// Params: context for cancellation.
// Returns: reload or apply error.
func (s *Service) reloadConfig(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nextCfg, err := config.LoadSnapshot(s.source)
	if err != nil {
		return err
	}
	current := s.config()
	if isSingleMode(nextCfg) != isSingleMode(current) {
		return fmt.Errorf("service.mode change requires restart")
	}
	if nextCfg.Store.Backend != current.Store.Backend || nextCfg.Store.SQLitePath != current.Store.SQLitePath {
		return fmt.Errorf("store change requires restart")
	}

	var nextDispatcher *notify.Dispatcher
	if nextCfg.Notify != current.Notify || nextCfg.Service.SweepConcurrency != current.Service.SweepConcurrency ||
		nextCfg.Service.ClaimLeaseSec != current.Service.ClaimLeaseSec {
		nextDispatcher, err = buildDispatcher(nextCfg, s.dispatcherDeps())
		if err != nil {
			return err
		}
	}

	s.pipeline.ApplyConfig(nextCfg)
	if nextDispatcher != nil {
		s.pipeline.SetDispatcher(nextDispatcher)
	}
	s.cfgMu.Lock()
	s.cfg = nextCfg
	s.cfgMu.Unlock()
	s.logger.Info("configuration reloaded", "rules", s.pipeline.Matcher().RuleCount(), "dispatcher_rebuilt", nextDispatcher != nil)
	return nil
}

// config returns current snapshot.
func (s *Service) config() config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
