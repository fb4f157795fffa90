// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/pickarr/internal/api"
	"github.com/autobrr/pickarr/internal/buildinfo"
	"github.com/autobrr/pickarr/internal/config"
	"github.com/autobrr/pickarr/internal/database"
	"github.com/autobrr/pickarr/internal/decision"
	"github.com/autobrr/pickarr/internal/domain"
	"github.com/autobrr/pickarr/internal/indexer"
	"github.com/autobrr/pickarr/internal/metrics"
	"github.com/autobrr/pickarr/internal/models"
	"github.com/autobrr/pickarr/internal/search"
	"github.com/autobrr/pickarr/internal/services/finder"
	"github.com/autobrr/pickarr/internal/services/monitor"
	"github.com/autobrr/pickarr/internal/telemetry"
)

type Application struct {
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

func (app *Application) loadConfig() (*config.AppConfig, error) {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("PICKARR__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("PICKARR__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}
	if app.pprofFlag {
		cfg.Config.PprofEnabled = true
	}

	cfg.ApplyLogConfig()
	return cfg, nil
}

// core is everything a search needs, shared by the server and the one-shot
// CLI commands.
type core struct {
	cfg             *config.AppConfig
	db              *database.DB
	registry        *indexer.Registry
	profiles        *decision.FileProfileStore
	reputationStore *models.ReputationStore
	reputation      *decision.CachedReputation
	cacheMaintainer monitor.CacheMaintainer
	finder          *finder.Service

	closers []func() error
}

// buildCore wires storage, indexers and the decision engine. m may be nil.
func buildCore(ctx context.Context, cfg *config.AppConfig, m *metrics.Metrics) (*core, error) {
	c := &core{cfg: cfg}

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize database")
	}
	c.db = db
	c.closers = append(c.closers, db.Close)

	profiles, err := decision.NewFileProfileStore(cfg.GetProfilesPath())
	if err != nil {
		c.Close()
		return nil, errors.Wrap(err, "failed to load quality profiles")
	}
	c.profiles = profiles

	c.reputationStore = models.NewReputationStore(db)
	var reputation decision.ReputationLookup
	if cfg.Config.Reputation.Enabled {
		layered := decision.NewLayeredReputation(
			decision.NewSQLReputation(c.reputationStore),
			decision.NewStaticReputation(cfg.Config.Reputation.Groups),
		)
		c.reputation = decision.NewCachedReputation(layered,
			time.Duration(cfg.Config.Reputation.CacheTTLSeconds)*time.Second,
			cfg.Config.Reputation.FuzzyDistance)
		reputation = c.reputation
	}

	var guardOpts []indexer.GuardOption
	var listener indexer.StateListener = logCircuitChange
	if m != nil {
		guardOpts = append(guardOpts, indexer.WithObserver(m))
		listener = func(service string, from, to indexer.CircuitState) {
			logCircuitChange(service, from, to)
			m.StateChanged(service, from, to)
		}
	}
	guard := indexer.ConfigureGuard(cfg.Config, listener, guardOpts...)

	c.registry = indexer.NewRegistry(guard)
	c.registry.Replace(indexer.BuildClients(cfg.Config.Indexers, guard))

	searchCfg := searchConfig(cfg.Config.Search)
	aggOpts := []search.Option{}
	cache, maintainer, closeCache := newSearchCache(ctx, cfg.Config.Search, searchCfg.CacheTTL, db)
	if cache != nil {
		aggOpts = append(aggOpts, search.WithCache(cache))
	}
	if closeCache != nil {
		c.closers = append(c.closers, closeCache)
	}
	c.cacheMaintainer = maintainer
	if m != nil {
		aggOpts = append(aggOpts, search.WithRecorder(m))
	}
	aggregator := search.NewAggregator(searchCfg, aggOpts...)

	engine := decision.NewEngine(decision.WithWeights(decision.Weights{
		Tier:       cfg.Config.Scoring.TierWeight,
		Reputation: cfg.Config.Scoring.ReputationWeight,
		Seeders:    cfg.Config.Scoring.SeederWeight,
	}))

	finderOpts := []finder.Option{finder.WithDefaultProfile(cfg.Config.DefaultProfile)}
	if reputation != nil {
		finderOpts = append(finderOpts, finder.WithReputation(reputation))
	}
	c.finder = finder.NewService(c.registry, aggregator, engine, profiles, finderOpts...)

	log.Info().
		Int("indexers", len(c.registry.List())).
		Str("profiles", profiles.Path()).
		Str("cache", cfg.Config.Search.CacheBackend).
		Msg("search core ready")

	return c, nil
}

func (c *core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
}

func searchConfig(cfg domain.SearchConfig) search.Config {
	return search.Config{
		Deadline:        cfg.Deadline(),
		ClientTimeout:   cfg.ClientTimeout(),
		MaxConcurrency:  cfg.MaxConcurrency,
		SizeTolerance:   cfg.SizeTolerance,
		RelevanceFilter: cfg.RelevanceFilter,
		CacheTTL:        cfg.CacheTTL(),
	}
}

// newSearchCache returns the configured cache backend. An unreachable redis
// falls back to the in-memory cache.
func newSearchCache(ctx context.Context, cfg domain.SearchConfig, ttl time.Duration, db *database.DB) (search.Cache, monitor.CacheMaintainer, func() error) {
	if ttl <= 0 {
		ttl = search.DefaultConfig().CacheTTL
	}

	switch strings.ToLower(cfg.CacheBackend) {
	case "", "none":
		return nil, nil, nil
	case "sqlite":
		store := models.NewSearchCacheStore(db)
		return search.NewSQLCache(store), store, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, using in-memory search cache")
			_ = client.Close()
			return search.NewMemoryCache(ttl), nil, nil
		}
		return search.NewRedisCache(client), nil, client.Close
	default:
		return search.NewMemoryCache(ttl), nil, nil
	}
}

func logCircuitChange(service string, from, to indexer.CircuitState) {
	evt := log.Info()
	if to == indexer.CircuitOpen {
		evt = log.Warn()
	}
	evt.Str("indexer", service).Str("from", string(from)).Str("to", string(to)).Msg("circuit breaker state changed")
}

func (app *Application) runServer() {
	cfg, err := app.loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	log.Info().Str("version", buildinfo.Version).Msg("Starting pickarr")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "pickarr", buildinfo.Version, telemetry.Endpoint(cfg.Config.TracingEndpoint))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing")
	}

	metricsCollector := metrics.New()

	c, err := buildCore(ctx, cfg, metricsCollector)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize search core")
	}

	if err := c.profiles.Watch(ctx); err != nil {
		log.Warn().Err(err).Msg("Quality profiles will not reload automatically")
	}

	cfg.RegisterReloadListener(func(conf *domain.Config) {
		clients := indexer.BuildClients(conf.Indexers, c.registry.Guard())
		c.registry.Replace(clients)
		log.Info().Int("indexers", len(clients)).Msg("Indexers reloaded from config")
	})

	var monitorService *monitor.Service
	if interval := cfg.Config.Monitor.CheckInterval(); interval > 0 {
		monitorService = monitor.NewService(monitor.Config{CheckInterval: interval}, c.registry, c.cacheMaintainer)
		monitorService.Start(ctx)
	}

	deps := &api.Dependencies{
		Config:          cfg,
		Version:         buildinfo.Version,
		Finder:          c.finder,
		Monitor:         monitorService,
		ProfileReloader: c.profiles,
		ReputationStore: c.reputationStore,
	}
	if c.reputation != nil {
		deps.ReputationCache = c.reputation
	}
	httpServer := api.NewServer(deps)

	errorChannel := make(chan error, 2)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	var metricsServer *metrics.Server
	if cfg.Config.MetricsEnabled {
		metricsServer = metrics.NewServer(metricsCollector, cfg.Config.MetricsHost, cfg.Config.MetricsPort)
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil {
				errorChannel <- err
			}
		}()
	}

	if cfg.Config.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof server on :6060")
			log.Info().Msg("Access profiling at: http://localhost:6060/debug/pprof/")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Error().Err(err).Msg("Profiling server failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
		exitCode = 1
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		exitCode = 1
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("got error during metrics server shutdown")
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("failed to flush traces")
	}

	c.Close()
	os.Exit(exitCode)
}
