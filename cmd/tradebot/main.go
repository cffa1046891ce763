// Package main wires the candle-to-position pipeline together and serves
// the operational HTTP surface. Construction order follows the event
// flow: ingest, features, regime, strategy, risk, execution, position.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/events"
	"github.com/atlas-desktop/trading-backend/internal/exchange"
	"github.com/atlas-desktop/trading-backend/internal/execution"
	"github.com/atlas-desktop/trading-backend/internal/features"
	"github.com/atlas-desktop/trading-backend/internal/httpapi"
	"github.com/atlas-desktop/trading-backend/internal/ingest"
	"github.com/atlas-desktop/trading-backend/internal/logging"
	"github.com/atlas-desktop/trading-backend/internal/position"
	"github.com/atlas-desktop/trading-backend/internal/regime"
	"github.com/atlas-desktop/trading-backend/internal/risk"
	"github.com/atlas-desktop/trading-backend/internal/strategy"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var tradedSymbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}

var defaultLeverageBands = []types.LeverageBand{
	{MaxSigmaNorm: 1.0, Leverage: 8},
	{MaxSigmaNorm: 2.0, Leverage: 5},
	{MaxSigmaNorm: 3.0, Leverage: 3},
}

func main() {
	configPath := flag.String("config", "", "path to a tradebot.yaml config file")
	dryRun := flag.Bool("dry-run", false, "run against in-memory repositories and a simulated exchange client")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tradebot: load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := logging.New(cfg.NodeEnv, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tradebot: build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting tradebot",
		zap.String("nodeEnv", cfg.NodeEnv),
		zap.Bool("dryRun", *dryRun),
		zap.Strings("symbols", tradedSymbols),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	if !cfg.MetricsEnabled {
		registry = nil
	}

	repos, closeRepos, err := buildRepositories(ctx, cfg, *dryRun, logger)
	if err != nil {
		logger.Fatal("failed to build repositories", zap.Error(err))
	}
	defer closeRepos()

	if err := seedParamVersion(ctx, repos.ParamVersions, cfg.ParamsVersionID); err != nil {
		logger.Fatal("failed to seed param version", zap.Error(err))
	}

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		logger.Info("caching latest regime decisions in redis", zap.String("addr", redisAddr))
		repos.Regimes = data.NewCachedRegimes(repos.Regimes, redisAddr, 5*time.Minute)
	}

	exchangeClient := buildExchangeClient(cfg, logger, *dryRun)

	bus := events.New(events.Queued, logger, registerer(registry))

	poller := ingest.New(logger, exchangeClient, repos.Candles, repos.Audits, bus)
	poller.Symbols = tradedSymbols
	poller.Timeframes = []types.Timeframe{types.Timeframe1m, types.Timeframe5m}

	features.New(logger, repos.Candles, repos.Features, repos.Audits, bus)
	regime.New(logger, repos.Regimes, repos.Audits, bus, cfg.Regime)

	breakout := strategy.NewBreakoutEngine(repos.Candles, cfg.Sizing)
	continuation := strategy.NewContinuationEngine(repos.Candles, cfg.Sizing)
	reversal := strategy.NewReversalEngine(repos.Candles, cfg.Sizing)
	strategy.New(logger, repos.Regimes, repos.ParamVersions, repos.Audits, bus, breakout, continuation, reversal)

	risk.New(logger, repos.Regimes, repos.Positions, repos.ParamVersions, repos.Audits, bus, cfg.Risk, cfg.AccountEquity)

	execution.New(logger, exchangeClient, repos.Orders, repos.Fills, repos.Positions, repos.Audits, bus)
	position.New(logger, repos.Positions, repos.ParamVersions, repos.Audits, bus)

	httpServer := httpapi.New(logger, repos.Positions, repos.Regimes, registry, httpapi.Config{
		Addr:     fmt.Sprintf(":%d", cfg.HTTPPort),
		Symbols:  tradedSymbols,
		TOTPSeed: os.Getenv("TRADEBOT_ADMIN_TOTP_SEED"),
	})

	go poller.Run(ctx)
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error("operational http server error", zap.Error(err))
		}
	}()

	logger.Info("tradebot running", zap.String("http", fmt.Sprintf("http://localhost:%d", cfg.HTTPPort)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	cancel()
	drainBus(bus, 5*time.Second)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("error stopping http server", zap.Error(err))
	}

	logger.Info("tradebot stopped")
}

// drainBus waits for the queued bus to empty its backlog, bounded by
// timeout, so in-flight events finish delivering before repositories close.
func drainBus(bus *events.Bus, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for bus.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(25 * time.Millisecond)
	}
}

func registerer(registry *prometheus.Registry) prometheus.Registerer {
	if registry == nil {
		return nil
	}
	return registry
}

func seedParamVersion(ctx context.Context, repo data.ParamVersionRepository, id string) error {
	if id == "" {
		id = "baseline"
	}
	_, found, err := repo.ActiveAt(ctx, types.NowMs())
	if err != nil {
		return fmt.Errorf("lookup active param version: %w", err)
	}
	if found {
		return nil
	}
	return repo.Insert(ctx, types.ParamVersion{
		ID:            id,
		EffectiveFrom: 0,
		Kb:            1.2,
		Ks:            0.9,
		LeverageBands: defaultLeverageBands,
		CooldownRules: types.CooldownRules{PerSymbolMs: 5 * 60 * 1000, PerEngineMs: 2 * 60 * 1000},
		PortfolioCaps: types.PortfolioCaps{Max: 5, MaxDefensive: 2},
	})
}

func buildExchangeClient(cfg *config.Config, logger *zap.Logger, dryRun bool) exchange.Client {
	if dryRun {
		return exchange.NewSimulated(logger)
	}
	return exchange.New(exchange.Config{
		BaseURL:      cfg.ExchangeBaseURL,
		APIKey:       cfg.ExchangeAPIKey,
		APISecret:    cfg.ExchangeAPISecret,
		RecvWindowMs: cfg.RecvWindowMs,
	}, logger)
}

// buildRepositories returns the Repositories bundle components are
// constructed from, alongside a func that closes the underlying store.
func buildRepositories(ctx context.Context, cfg *config.Config, dryRun bool, logger *zap.Logger) (data.Repositories, func(), error) {
	if dryRun {
		mem := data.NewMemoryStore()
		return data.NewMemoryRepositories(mem), func() {}, nil
	}

	if cfg.DatabaseURL != "" {
		store, err := data.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return data.Repositories{}, func() {}, fmt.Errorf("postgres store: %w", err)
		}
		logger.Info("connected to postgres")
		return store.Repositories(), store.Close, nil
	}

	store, err := data.NewSQLiteStore("./tradebot.db")
	if err != nil {
		return data.Repositories{}, func() {}, fmt.Errorf("sqlite store: %w", err)
	}
	logger.Info("no DATABASE_URL set, using embedded sqlite store", zap.String("path", "./tradebot.db"))
	return store.Repositories(), func() { _ = store.Close() }, nil
}
