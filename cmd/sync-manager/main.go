// cmd/sync-manager/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"apptrack-sync/internal/common/config"
	"apptrack-sync/internal/common/crypto"
	"apptrack-sync/internal/common/database"
	"apptrack-sync/internal/common/logger"
	"apptrack-sync/internal/common/observability"
	"apptrack-sync/internal/providers/commonapp"
	"apptrack-sync/internal/server"
	"apptrack-sync/internal/store"
	engine "apptrack-sync/internal/sync"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	zapLog := logger.New("info", "console")
	defer zapLog.Sync()

	// Wrap zap logger with our logger interface
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting sync manager...")

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("config load failed", zap.Error(err))
	}

	obs := observability.New("sync-manager")
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rdb.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")

	st := store.New(pg.DB)

	// --- Init Elasticsearch with retry (optional) ---
	if cfg.Database.Elasticsearch.Enabled() {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping()
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")

		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		st.Universities.EnableFuzzySearch(esClient.Client, cfg.Database.Elasticsearch.Index)
		zapLog.Info("Elasticsearch connected, fuzzy university search enabled")
	} else {
		zapLog.Info("Elasticsearch not configured, university lookups are exact-match only")
	}

	sealer, err := crypto.NewTokenSealer(cfg.Security.TokenKey)
	if err != nil {
		zapLog.Fatal("token sealer init failed", zap.Error(err))
	}

	// --- Sync engine ---
	manager := engine.NewManager(cfg, log)
	deduper := engine.NewEventDeduper(rdb.Client, config.GetDuration(cfg.Sync.WebhookDedupTTLMs))
	locks := engine.NewSyncLocks(rdb.Client, config.GetDuration(cfg.Sync.LockTTLMs))
	retries := engine.NewRetryManager(rdb.Client, cfg.Providers, log)
	resolver := engine.NewResolver(engine.NewStrategyRegistry(), st.Applications, log)
	orchestrator := engine.NewOrchestrator(manager, resolver, retries, locks, st, cfg, obs, log)

	// --- Register Providers ---
	if pc, ok := cfg.Providers[commonapp.ProviderName]; ok && pc.Enabled {
		client := commonapp.NewClient(pc, sealer, st.Integrations, config.GetDuration(cfg.Sync.TokenRefreshBufferMs), log)
		svc := commonapp.NewService(pc, client, st, sealer, deduper, log)
		if err := manager.Register(svc); err != nil {
			zapLog.Fatal("failed to register commonapp provider", zap.Error(err))
		}
		zapLog.Info("Provider registered", zap.String("provider", commonapp.ProviderName))
	}

	if len(manager.Names()) == 0 {
		zapLog.Warn("No providers registered, sync endpoints will reject all requests")
	}

	// --- HTTP Server with graceful shutdown ---
	srv := server.New(manager, orchestrator, log)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Retry executor ---
	go orchestrator.RunRetryLoop(runCtx)

	if err := server.Run(runCtx, cfg.Server.Address, srv, log); err != nil {
		zapLog.Error("http server failed", zap.Error(err))
	}

	zapLog.Info("Shutdown signal received, draining sync jobs...")
	orchestrator.Wait()
	zapLog.Info("Sync manager stopped")
}
