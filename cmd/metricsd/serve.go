package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohamedkhairy/upbit-metrics/internal/api"
	"github.com/mohamedkhairy/upbit-metrics/internal/config"
	"github.com/mohamedkhairy/upbit-metrics/internal/data"
	"github.com/mohamedkhairy/upbit-metrics/internal/freshness"
	"github.com/mohamedkhairy/upbit-metrics/internal/ingest"
	"github.com/mohamedkhairy/upbit-metrics/internal/publisher"
	"github.com/mohamedkhairy/upbit-metrics/internal/pubsub"
	"github.com/mohamedkhairy/upbit-metrics/internal/query"
	"github.com/mohamedkhairy/upbit-metrics/internal/registry"
	"github.com/mohamedkhairy/upbit-metrics/internal/state"
	"github.com/mohamedkhairy/upbit-metrics/internal/storage"
	"github.com/mohamedkhairy/upbit-metrics/pkg/logger"
	"github.com/spf13/cobra"
)

const memorySnapshotsPerSymbol = 12 * 3600

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run ingestion, the snapshot publisher and the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	logger.Info("Starting metrics service",
		logger.String("environment", cfg.Environment),
		logger.String("provider", cfg.Upbit.Provider),
		logger.Int("port", cfg.API.Port),
		logger.Bool("database", cfg.Database.Enabled),
		logger.Bool("redis", cfg.Redis.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]api.HealthCheck{}

	// Storage
	var (
		snapshotStore storage.SnapshotStore = storage.NewMemorySnapshotStore(memorySnapshotsPerSymbol)
		symbolStore   storage.SymbolStore   = storage.NewMemorySymbolStore()
		storeName                           = "memory"
	)
	if cfg.Database.Enabled {
		db, err := storage.Open(cfg.Database)
		if err != nil {
			return err
		}
		if err := storage.Migrate(ctx, db); err != nil {
			db.Close()
			return err
		}
		ts := storage.NewTimescaleSnapshotStore(db, storage.WriteConfigFromDatabase(cfg.Database))
		if err := ts.Start(); err != nil {
			db.Close()
			return err
		}
		snapshotStore = ts
		symbolStore = storage.NewPostgresSymbolStore(db, cfg.API.QueryTimeout)
		storeName = "timescale"
		checks["database"] = db.PingContext
	}
	defer func() {
		if err := snapshotStore.Close(); err != nil {
			logger.Error("Failed to close snapshot store", logger.ErrorField(err))
		}
	}()

	sinks := []publisher.Sink{publisher.NewStoreSink(storeName, snapshotStore)}
	if cfg.Redis.Enabled {
		redisClient, err := pubsub.NewRedisClient(cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		sinks = append(sinks, pubsub.NewSnapshotCache(redisClient, cfg.Redis))
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	// Engine
	changes := make(chan string, 1024)
	reg := registry.New(state.ConfigFromEngine(cfg.Engine), cfg.Engine.RemoveGrace, registry.WithNotify(changes))
	restoreSymbols(ctx, reg, symbolStore, cfg.Upbit.Symbols)

	guard := freshness.NewGuard(cfg.Engine.DefaultFreshness)
	pub := publisher.New(reg, guard, cfg.Publisher, cfg.Engine, changes, sinks...)

	provider, err := data.NewProviderFactory().CreateProvider(cfg.Upbit.Provider, providerConfig(cfg.Upbit))
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	checks["provider"] = func(ctx context.Context) error {
		if !provider.IsConnected() {
			return data.ErrProviderNotConnected
		}
		return nil
	}

	facade := query.New(reg, guard, cfg.Engine,
		query.WithSymbolStore(symbolStore),
		query.WithSnapshotStore(snapshotStore),
		query.WithSubscriber(provider),
		query.WithSmoothing(pub),
	)

	pipeline := ingest.NewPipeline(provider, data.NewUpbitNormalizer(), reg)
	if err := pipeline.Start(ctx, reg.ActiveCodes()); err != nil {
		return err
	}
	defer pipeline.Stop()

	if err := pub.Start(ctx); err != nil {
		return err
	}
	defer pub.Stop()

	go sweepLoop(ctx, reg, cfg.Engine.RemoveGrace)
	go storage.NewRetention(snapshotStore, cfg.Retention).Run(ctx)

	// HTTP
	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.API.Port),
		Handler: api.NewRouter(api.RouterConfig{
			Metrics:      api.NewMetricsHandler(facade, cfg.API.QueryTimeout),
			Health:       api.NewHealthHandler(checks),
			Auth:         api.NewAuthManager(cfg.API.JWTSecret),
			RateLimitRPS: cfg.API.RateLimitRPS,
			RateBurst:    cfg.API.RateBurst,
		}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting API server", logger.Int("port", cfg.API.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down metrics service")
	case err := <-serverErr:
		logger.Error("API server failed", logger.ErrorField(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down API server", logger.ErrorField(err))
	}

	logger.Info("Metrics service stopped")
	return nil
}

func providerConfig(cfg config.UpbitConfig) data.ProviderConfig {
	return data.ProviderConfig{
		WSURL:             cfg.WebSocketURL,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxReconnectDelay: cfg.MaxReconnectDelay,
		PingPeriod:        cfg.PingPeriod,
		BufferSize:        cfg.BufferSize,
		ReplayFile:        cfg.ReplayFile,
		ReplayInterval:    cfg.ReplayInterval,
		ReplayLoop:        cfg.ReplayLoop,
	}
}

// restoreSymbols loads the symbol table into the registry. An empty or
// unreachable table is seeded from UPBIT_SYMBOLS.
func restoreSymbols(ctx context.Context, reg *registry.Registry, store storage.SymbolStore, seed []string) {
	symbols, err := store.List(ctx, nil)
	if err != nil {
		logger.Warn("Failed to load symbol table, seeding from config", logger.ErrorField(err))
	}

	if len(symbols) > 0 {
		for _, sym := range symbols {
			if err := reg.Restore(sym); err != nil {
				logger.Warn("Skipping invalid stored symbol", logger.Symbol(sym.Code), logger.ErrorField(err))
			}
		}
		logger.Info("Restored monitored symbols", logger.Int("count", len(symbols)))
		return
	}

	for _, code := range seed {
		sym, err := reg.Add(code)
		if err != nil {
			logger.Warn("Skipping invalid seed symbol", logger.String("symbol", code), logger.ErrorField(err))
			continue
		}
		if err := store.Upsert(ctx, sym); err != nil {
			logger.Warn("Failed to persist seed symbol", logger.Symbol(sym.Code), logger.ErrorField(err))
		}
	}
}

func sweepLoop(ctx context.Context, reg *registry.Registry, grace time.Duration) {
	if grace <= 0 {
		grace = time.Second
	}
	ticker := time.NewTicker(grace)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := reg.Sweep(); n > 0 {
				logger.Debug("Released removed symbol cells", logger.Int("count", n))
			}
		}
	}
}
