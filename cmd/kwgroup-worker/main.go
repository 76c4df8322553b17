// Package main provides the kwgroup worker entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/thebtf/kwgroup/internal/config"
	"github.com/thebtf/kwgroup/internal/db/gorm"
	"github.com/thebtf/kwgroup/internal/embedding"
	"github.com/thebtf/kwgroup/internal/grouping"
	"github.com/thebtf/kwgroup/internal/keywords"
	"github.com/thebtf/kwgroup/internal/watcher"
	"github.com/thebtf/kwgroup/internal/worker"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	dataDir := flag.String("data-dir", "", "Data directory (default: ~/.kwgroup)")
	port := flag.Int("port", 0, "HTTP port (default: settings or 37877)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directory")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	if *dataDir != "" {
		cfg.DBPath = filepath.Join(*dataDir, "kwgroup.db")
		cfg.RulesPath = filepath.Join(*dataDir, "rules.yaml")
	}
	if *port > 0 {
		cfg.WorkerPort = *port
	}

	store, err := gorm.NewStore(gorm.Config{
		Driver:   cfg.DBDriver,
		Path:     cfg.DBPath,
		DSN:      cfg.DBDSN,
		MaxConns: cfg.MaxConns,
		LogLevel: logger.Silent,
	})
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("Failed to open database")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	base, err := newEmbedder(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.EmbeddingBackend).Msg("Failed to create embedder")
	}
	emb, cached, closeCache := withCache(ctx, cfg, store, base)
	defer closeCache()

	rules, err := keywords.LoadRules(cfg.RulesPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.RulesPath).Msg("Invalid keyword rules, continuing without aliases")
		rules = nil
	}
	normalizer := keywords.NewNormalizer(rules, cfg.IgnoredKeywords)

	validator, err := keywords.NewValidator(cfg.MaxKeywordTokens)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load tokenizer")
	}

	engine := grouping.NewEngine(emb, grouping.Options{
		Validator:         validator,
		KStrategy:         cfg.KStrategy,
		Timeout:           cfg.GroupingTimeout,
		Seed:              cfg.GroupingSeed,
		MaxK:              cfg.GroupingMaxK,
		SmallSetThreshold: cfg.SmallSetThreshold,
		MaxIterations:     cfg.GroupingMaxIterations,
		Restarts:          cfg.GroupingRestarts,
	}, grouping.NewMetrics())

	deps := worker.Deps{
		Store:      store,
		Engine:     engine,
		Normalizer: normalizer,
		Validator:  validator,
	}
	if cached != nil {
		deps.Cache = cached
	}
	svc, err := worker.NewService(Version, cfg, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create worker")
	}

	stopWatchers := startWatchers(cfg, svc)
	defer stopWatchers()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("Shutting down worker")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Worker shutdown incomplete")
		}
		cancel()
	}()

	log.Info().
		Str("version", Version).
		Str("db", store.Driver()).
		Str("model", engine.ModelVersion()).
		Str("k_strategy", cfg.KStrategy).
		Uint64("seed", cfg.GroupingSeed).
		Msg("Starting kwgroup worker")

	if err := svc.Start(); err != nil {
		log.Fatal().Err(err).Msg("Worker server error")
	}
}

func newEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	switch cfg.EmbeddingBackend {
	case config.BackendHash, "":
		return embedding.NewHashEmbedder(cfg.EmbeddingDimensions)
	case config.BackendHTTP:
		return embedding.NewHTTPEmbedder(embedding.HTTPConfig{
			URL:         cfg.EmbeddingURL,
			Model:       cfg.EmbeddingModel,
			APIStyle:    cfg.EmbeddingAPIStyle,
			APIKey:      cfg.EmbeddingAPIKey,
			BatchSize:   cfg.EmbeddingBatchSize,
			Concurrency: cfg.EmbeddingConcurrency,
			MaxRetries:  cfg.EmbeddingMaxRetries,
			RateLimit:   cfg.EmbeddingRateLimit,
			Timeout:     cfg.EmbeddingTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", cfg.EmbeddingBackend)
	}
}

// withCache wraps inner with the configured vector cache. A cache that
// cannot be reached is skipped with a warning.
func withCache(ctx context.Context, cfg *config.Config, store *gorm.Store, inner embedding.Embedder) (embedding.Embedder, *embedding.CachedEmbedder, func()) {
	noop := func() {}

	switch cfg.CacheBackend {
	case config.CacheDB:
		cacheStore := gorm.NewEmbeddingCacheStore(store, inner.ModelVersion(), cfg.CacheTTL)
		go pruneLoop(ctx, cacheStore)
		cached := embedding.NewCachedEmbedder(inner, cacheStore)
		return cached, cached, noop

	case config.CacheRedis:
		rc := embedding.NewRedisCache(cfg.RedisAddr, cfg.CacheTTL)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rc.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unavailable, embedding cache disabled")
			_ = rc.Close()
			return inner, nil, noop
		}
		cached := embedding.NewCachedEmbedder(inner, rc)
		return cached, cached, func() { _ = rc.Close() }

	default:
		return inner, nil, noop
	}
}

func pruneLoop(ctx context.Context, cache *gorm.EmbeddingCacheStore) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if n, err := cache.Prune(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to prune embedding cache")
		} else if n > 0 {
			log.Info().Int64("removed", n).Msg("Pruned expired embeddings")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// startWatchers reloads keyword rules in place and exits for restart when
// settings change.
func startWatchers(cfg *config.Config, svc *worker.Service) func() {
	var stops []func()

	rulesWatcher, err := watcher.New(cfg.RulesPath, func() {
		if err := svc.ReloadRules(cfg.RulesPath); err != nil {
			log.Warn().Err(err).Str("path", cfg.RulesPath).Msg("Failed to reload keyword rules, keeping previous rules")
		}
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create rules watcher")
	} else if err := rulesWatcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start rules watcher")
	} else {
		stops = append(stops, func() { _ = rulesWatcher.Stop() })
	}

	settingsPath := config.SettingsPath()
	settingsWatcher, err := watcher.New(settingsPath, func() {
		log.Warn().Str("path", settingsPath).Msg("Settings file changed, exiting for restart...")
		time.Sleep(100 * time.Millisecond) // Give logs time to flush
		os.Exit(0)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create settings watcher")
	} else if err := settingsWatcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start settings watcher")
	} else {
		log.Info().Str("path", settingsPath).Msg("Settings file watcher started")
		stops = append(stops, func() { _ = settingsWatcher.Stop() })
	}

	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}
