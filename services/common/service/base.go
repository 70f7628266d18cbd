// Package service provides the HTTP service foundation shared by relay
// services: router, health and info endpoints, and background workers.
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/microcredit_relay/internal/logging"
)

const healthCheckTimeout = 5 * time.Second

// HealthCheck checks one dependency. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// BaseConfig contains shared configuration for all services.
type BaseConfig struct {
	ID      string
	Name    string
	Version string
	Logger  *logging.Logger
	Router  *mux.Router
}

// BaseService provides:
// - Safe stop channel management (sync.Once prevents double-close panic)
// - Optional hydration hook run on Start
// - Ticker and cron workers
// - Statistics provider for /info
type BaseService struct {
	id      string
	name    string
	version string
	router  *mux.Router
	logger  *logging.Logger

	stopCh   chan struct{}
	stopOnce sync.Once

	hydrate func(context.Context) error
	statsFn func() map[string]any

	workers []func(context.Context)
	cron    *cron.Cron

	checks          map[string]HealthCheck
	healthMu        sync.RWMutex
	failing         map[string]string
	lastHealthCheck time.Time
	startTime       time.Time
}

// NewBase constructs a BaseService from shared config.
func NewBase(cfg BaseConfig) *BaseService {
	router := cfg.Router
	if router == nil {
		router = mux.NewRouter()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &BaseService{
		id:      cfg.ID,
		name:    cfg.Name,
		version: cfg.Version,
		router:  router,
		logger:  logger,
		stopCh:  make(chan struct{}),
		checks:  make(map[string]HealthCheck),
		failing: make(map[string]string),
	}
}

// ID returns the service id.
func (b *BaseService) ID() string { return b.id }

// Name returns the service name.
func (b *BaseService) Name() string { return b.name }

// Version returns the service version.
func (b *BaseService) Version() string { return b.version }

// Router returns the service router.
func (b *BaseService) Router() *mux.Router { return b.router }

// Logger returns the service logger.
func (b *BaseService) Logger() *logging.Logger { return b.logger }

// WithHydrate sets an optional hook executed during Start, before workers
// are launched.
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets a statistics provider for the /info endpoint.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// AddHealthCheck registers a dependency check reported by /health.
func (b *BaseService) AddHealthCheck(name string, check HealthCheck) *BaseService {
	b.checks[name] = check
	return b
}

// =============================================================================
// Background Workers
// =============================================================================

// AddWorker registers a background worker started after hydrate completes.
// Workers should return when ctx is done or StopChan closes.
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

// AddTickerWorker registers a periodic background worker.
func (b *BaseService) AddTickerWorker(interval time.Duration, fn func(context.Context) error) *BaseService {
	worker := func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					b.logger.Error(ctx, "worker error", err, nil)
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// AddCronWorker schedules fn with a cron spec ("@every 1m", "*/5 * * * *").
// Runs of one job never overlap.
func (b *BaseService) AddCronWorker(spec string, fn func(context.Context) error) error {
	if b.cron == nil {
		b.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	}
	_, err := b.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-b.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		if err := fn(ctx); err != nil {
			b.logger.Error(ctx, "cron worker error", err, map[string]interface{}{"schedule": spec})
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	return nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} {
	return b.stopCh
}

// Start runs hydrate once, then spins workers and the cron scheduler.
func (b *BaseService) Start(ctx context.Context) error {
	b.healthMu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.healthMu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}

	for _, w := range b.workers {
		go w(ctx)
	}
	if b.cron != nil {
		b.cron.Start()
	}
	b.logger.Info(ctx, "service started", map[string]interface{}{
		"version": b.version,
		"workers": b.WorkerCount(),
	})
	return nil
}

// Stop signals workers and waits for running cron jobs. Idempotent.
func (b *BaseService) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		if b.cron != nil {
			<-b.cron.Stop().Done()
		}
	})
	return nil
}

// WorkerCount returns the number of registered workers and cron jobs.
func (b *BaseService) WorkerCount() int {
	n := len(b.workers)
	if b.cron != nil {
		n += len(b.cron.Entries())
	}
	return n
}

// =============================================================================
// Health
// =============================================================================

// CheckHealth runs every registered check and caches the result.
func (b *BaseService) CheckHealth(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	failing := make(map[string]string)
	for name, check := range b.checks {
		if err := check(ctx); err != nil {
			failing[name] = err.Error()
		}
	}

	b.healthMu.Lock()
	b.failing = failing
	b.lastHealthCheck = time.Now()
	b.healthMu.Unlock()
}

// HealthStatus refreshes and returns "healthy" or "degraded".
func (b *BaseService) HealthStatus(ctx context.Context) string {
	b.CheckHealth(ctx)
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	if len(b.failing) > 0 {
		return "degraded"
	}
	return "healthy"
}

// HealthDetails describes the most recent health state.
func (b *BaseService) HealthDetails() map[string]any {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()

	names := make([]string, 0, len(b.checks))
	for name := range b.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	for _, name := range names {
		if msg, ok := b.failing[name]; ok {
			checks[name] = msg
		} else {
			checks[name] = "ok"
		}
	}

	details := map[string]any{"checks": checks}
	if !b.lastHealthCheck.IsZero() {
		details["last_check"] = b.lastHealthCheck.Format(time.RFC3339)
	}
	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	details["uptime"] = uptime.Round(time.Second).String()
	return details
}
