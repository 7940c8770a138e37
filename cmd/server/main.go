package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/voragate/gateway/cmd"
	"github.com/voragate/gateway/internal/budget"
	"github.com/voragate/gateway/internal/config"
	"github.com/voragate/gateway/internal/discovery"
	"github.com/voragate/gateway/internal/gateway"
	"github.com/voragate/gateway/internal/hardware"
	"github.com/voragate/gateway/internal/platform/logger"
	"github.com/voragate/gateway/internal/platform/otel"
	"github.com/voragate/gateway/internal/ratelimit"
	"github.com/voragate/gateway/internal/registry"
	"github.com/voragate/gateway/internal/server"
	"github.com/voragate/gateway/internal/store"
	"github.com/voragate/gateway/internal/store/cache"
	"github.com/voragate/gateway/internal/store/sqlite"
	"github.com/voragate/gateway/internal/swap"
)

const checkpointEvery = 30 * time.Second

func main() {
	logger.Init(logger.FromEnv())
	log := logger.Get()
	defer logger.Sync()

	cmd.CheckForUpdates()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	shutdownTracing, err := otel.InitTracer("voragate", log, os.Stdout)
	if err != nil {
		log.Fatal("tracing init failed", zap.Error(err))
	}

	repo, err := sqlite.NewSQLiteStorage(cfg.Store.DSN)
	if err != nil {
		log.Fatal("store init failed", zap.Error(err), zap.String("dsn", cfg.Store.DSN))
	}
	defer func() { _ = repo.Close() }()

	var cacheSvc cache.CacheService
	if cfg.Redis.Enabled {
		redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal("redis connect failed", zap.Error(err), zap.String("addr", cfg.Redis.Addr))
		}
		cacheSvc = redisCache
	} else {
		cacheSvc = cache.NewMemoryCache()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Accounting pipeline. The ingestor flushes ledger entries in batches;
	// the tracker rebuilds its windows from the ledger before serving.
	ingestor := budget.NewIngestor(log, repo)
	ingestor.Start(ctx)
	defer ingestor.Stop()

	tracker := budget.NewTracker(cfg.Budgets, ingestor, log)
	if err := tracker.Restore(ctx, repo.Ledger()); err != nil {
		log.Warn("budget restore failed, starting with empty windows", zap.Error(err))
	}

	limiter := ratelimit.New(ratelimit.Limits{
		Window:      cfg.RateLimit.Window(),
		MaxRequests: cfg.RateLimit.MaxRequests,
		MaxUnits:    cfg.RateLimit.MaxUnits,
	}, log)
	if err := limiter.Restore(ctx, cacheSvc); err != nil {
		log.Warn("rate window restore failed", zap.Error(err))
	}
	go checkpointLoop(ctx, limiter, cacheSvc, log)

	rescan := time.Duration(cfg.Hardware.RescanDays) * 24 * time.Hour
	prober := &hardware.SystemProber{ModelDir: cfg.Hardware.ModelDir}
	classifier := hardware.NewClassifier(prober, repo.Profiles(), rescan, log)
	if err := classifier.Load(ctx); err != nil {
		log.Fatal("hardware classification failed", zap.Error(err))
	}

	reg := registry.New(log)
	service := gateway.New(reg, limiter, tracker, classifier, cfg.Router, log)

	registered := service.BootstrapProviders(cfg.Providers, log)
	log.Info("providers registered", zap.Int("count", registered))
	if err := service.RestoreOverrides(ctx, repo.Overrides(), log); err != nil {
		log.Warn("override restore failed", zap.Error(err))
	}

	if runtimeURL := localRuntimeURL(cfg); runtimeURL != "" {
		poller := discovery.NewPoller(
			discovery.NewOllamaSource(runtimeURL), reg, "llm", 5*time.Minute, log,
		)
		go poller.Run(ctx)
	}

	swaps := buildSwapController(ctx, cfg, reg, repo, service, classifier, log)
	monitor := swap.NewMonitor(
		swaps, prober,
		30*time.Second,
		time.Duration(cfg.Swap.IdleUpgradeMinutes)*time.Minute,
		log,
	)
	go monitor.Run(ctx)

	srv := server.New(cfg, log, service, swaps)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("gateway listening", zap.String("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", zap.Error(err))
	}
	if err := limiter.Checkpoint(shutdownCtx, cacheSvc); err != nil {
		log.Warn("final rate checkpoint failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}
}

// buildSwapController configures one model ladder per local workload and
// loads each category's largest fitting model.
func buildSwapController(
	ctx context.Context,
	cfg *config.Config,
	reg *registry.Registry,
	repo store.Repository,
	service *gateway.Service,
	classifier *hardware.Classifier,
	log *zap.Logger,
) *swap.Controller {
	var loader swap.Loader = swap.NoopLoader{}
	if runtimeURL := localRuntimeURL(cfg); runtimeURL != "" {
		loader = swap.NewOllamaLoader(runtimeURL)
	}

	ctrl := swap.NewController(loader, reg, repo.Swaps(), service.InFlight, cfg.Swap, log)

	profile, _ := classifier.Current(ctx)
	tier := profile.EffectiveTier()

	workloads := make(map[string]bool)
	for _, p := range cfg.Providers {
		if p.Local && p.Workload != "" {
			workloads[p.Workload] = true
		}
	}
	for w := range workloads {
		ladder := hardware.ModelLadder(hardware.Purpose(w), tier)
		if len(ladder) == 0 {
			continue
		}
		ctrl.Configure(w, ladder)
	}

	if err := ctrl.Bootstrap(ctx); err != nil {
		log.Warn("model bootstrap incomplete", zap.Error(err))
	}
	return ctrl
}

// localRuntimeURL returns the base URL of the first enabled local provider,
// which doubles as the model runtime for swaps and discovery.
func localRuntimeURL(cfg *config.Config) string {
	for _, p := range cfg.Providers {
		if p.Enabled && p.Local && p.BaseURL != "" {
			return p.BaseURL
		}
	}
	return ""
}

func checkpointLoop(ctx context.Context, l *ratelimit.Limiter, c cache.CacheService, log *zap.Logger) {
	ticker := time.NewTicker(checkpointEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Checkpoint(ctx, c); err != nil {
				log.Warn("rate checkpoint failed", zap.Error(err))
			}
		}
	}
}
