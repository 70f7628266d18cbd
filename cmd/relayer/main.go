// Package main runs the microcredit meta-transaction relay.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/microcredit_relay/internal/chain"
	"github.com/R3E-Network/microcredit_relay/internal/config"
	"github.com/R3E-Network/microcredit_relay/internal/database/migrations"
	"github.com/R3E-Network/microcredit_relay/internal/logging"
	"github.com/R3E-Network/microcredit_relay/internal/middleware"
	"github.com/R3E-Network/microcredit_relay/services/metarelay"
	"github.com/R3E-Network/microcredit_relay/services/metarelay/store"
)

const (
	memoryStoreRecords = 10000
	rpcDialTimeout     = 30 * time.Second
	shutdownTimeout    = 30 * time.Second
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(metarelay.ServiceID, cfg.LogLevel, cfg.LogFormat)

	auditStore, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	router := mux.NewRouter()
	router.Use(middleware.MetricsMiddleware())

	var apiMiddleware []mux.MiddlewareFunc
	limiter, attachLimiter := newLimiter(cfg, logger)
	if limiter != nil {
		apiMiddleware = append(apiMiddleware, limiter.Handler)
	}

	svc, err := metarelay.New(metarelay.Config{
		Relay: cfg,
		Clients: chain.NewPool(chain.DialerWithConfig(chain.Config{
			Timeout:      rpcDialTimeout,
			PollInterval: cfg.ReceiptPoll,
		})),
		Store:  auditStore,
		Logger: logger,
		Router: router,

		APIMiddleware: apiMiddleware,
	})
	if err != nil {
		log.Fatalf("Failed to create relay: %v", err)
	}
	attachLimiter(svc)

	if !cfg.HasRelayerKey() {
		logger.Warn(ctx, "RELAYER_PRIVATE_KEY not set; only the local chain can be relayed", map[string]interface{}{
			"local_rpc_url": cfg.LocalRPCURL,
		})
	}

	var handler http.Handler = router
	handler = middleware.NewCORSMiddleware(cfg.AllowedOrigins()).Handler(handler)
	handler = middleware.NewTracingMiddleware(logger).Handler(handler)
	handler = middleware.RecoveryMiddleware(logger)(handler)

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Failed to start relay: %v", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Relay handlers block until the receipt is mined.
		WriteTimeout: cfg.ConfirmTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info(ctx, "relay listening", map[string]interface{}{
			"addr":    cfg.Addr,
			"relayer": relayerMode(cfg),
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info(ctx, "shutting down", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "shutdown error", err, nil)
	}
	if err := svc.Stop(); err != nil {
		logger.Error(ctx, "relay stop error", err, nil)
	}
	logger.Info(ctx, "relay stopped", nil)
}

// openStore returns the Postgres audit store when DATABASE_URL is set and the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (store.Store, func()) {
	if cfg.DatabaseURL == "" {
		logger.Info(ctx, "audit store: memory", map[string]interface{}{"max_records": memoryStoreRecords})
		return store.NewMemoryStore(memoryStoreRecords), func() {}
	}

	if err := migrations.Up(cfg.DatabaseURL); err != nil {
		log.Fatalf("Failed to migrate audit database: %v", err)
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open audit database: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to reach audit database: %v", err)
	}
	logger.Info(ctx, "audit store: postgres", nil)
	return store.NewPostgresStore(db), func() { _ = db.Close() }
}

// newLimiter builds the per-client rate limiter for /api/meta: Redis-backed
// when REDIS_URL is set so replicas share counters, in-process otherwise. A
// zero rate disables limiting. The returned func registers the limiter's
// health check or cleanup worker on the relay.
func newLimiter(cfg *config.Config, logger *logging.Logger) (*middleware.RateLimiter, func(*metarelay.Service)) {
	if cfg.RateLimitRPS == 0 {
		return nil, func(*metarelay.Service) {}
	}

	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxyList())
	if err != nil {
		log.Fatalf("Invalid RELAY_TRUSTED_PROXIES: %v", err)
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		client := redis.NewClient(opts)
		limit := cfg.RateLimitRPS
		if cfg.RateLimitBurst > limit {
			limit = cfg.RateLimitBurst
		}
		rl := middleware.NewRateLimiter(middleware.NewRedisLimiter(client, limit, time.Second), limit, "second", logger).
			TrustProxies(proxies)
		return rl, func(svc *metarelay.Service) {
			svc.AddHealthCheck("redis", func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			})
		}
	}

	local := middleware.NewLocalLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
	rl := middleware.NewRateLimiter(local, cfg.RateLimitRPS, "second", logger).TrustProxies(proxies)
	return rl, func(svc *metarelay.Service) {
		svc.AddTickerWorker(time.Minute, func(context.Context) error {
			local.Cleanup(10 * time.Minute)
			return nil
		})
	}
}

func relayerMode(cfg *config.Config) string {
	if cfg.HasRelayerKey() {
		return "private-key"
	}
	return "node-account"
}
