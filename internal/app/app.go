// Package app assembles the pipeline and its backends from a Config. It is
// shared by the server, the worker and lanternctl.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/lantern/backend/internal/config"
	"github.com/OFFIS-RIT/lantern/backend/internal/db"
	"github.com/OFFIS-RIT/lantern/backend/internal/metrics"
	"github.com/OFFIS-RIT/lantern/backend/internal/storage"
	"github.com/OFFIS-RIT/lantern/backend/pkg/analyst"
	"github.com/OFFIS-RIT/lantern/backend/pkg/correlation"
	"github.com/OFFIS-RIT/lantern/backend/pkg/docstore"
	"github.com/OFFIS-RIT/lantern/backend/pkg/entity"
	"github.com/OFFIS-RIT/lantern/backend/pkg/graphdb"
	"github.com/OFFIS-RIT/lantern/backend/pkg/identity"
	"github.com/OFFIS-RIT/lantern/backend/pkg/leaselock"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"
	"github.com/OFFIS-RIT/lantern/backend/pkg/pipeline"
	"github.com/OFFIS-RIT/lantern/backend/pkg/recon"
	"github.com/OFFIS-RIT/lantern/backend/pkg/store"
	"github.com/OFFIS-RIT/lantern/backend/pkg/store/memory"
	pgxstore "github.com/OFFIS-RIT/lantern/backend/pkg/store/pgx"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

type App struct {
	Config   *config.Config
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	// Pool, Redis and Graph are nil when not configured.
	Pool  *pgxpool.Pool
	Redis redis.UniversalClient
	Graph graphdb.Driver

	Locker      leaselock.Locker
	Index       *entity.Index
	Linker      *identity.Linker
	Documents   *docstore.Store
	Recon       *recon.Collector
	Correlation *correlation.Engine
	Analyst     *analyst.Engine
	Coordinator *pipeline.Coordinator

	closers []func()
}

// New connects every configured backend and builds the engines. On error
// everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	if cfg.DatabaseURL != "" {
		a.Pool, err = db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.Pool.Close)
	}

	if cfg.LockBackend == config.LockRedis {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Redis = rdb
		a.closers = append(a.closers, func() { _ = rdb.Close() })
	}

	if cfg.Neo4j.URI != "" {
		driver, err := graphdb.NewNeo4jDriver(ctx, cfg.Neo4j)
		if err != nil {
			return nil, err
		}
		a.Graph = driver
		a.closers = append(a.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = driver.Close(ctx)
		})
	}

	switch cfg.LockBackend {
	case config.LockPostgres:
		if a.Pool == nil {
			return nil, fmt.Errorf("postgres lock backend needs a database")
		}
		a.Locker = leaselock.New(a.Pool)
	case config.LockRedis:
		a.Locker = leaselock.NewRedis(a.Redis)
	default:
		a.Locker = leaselock.NewLocal()
	}

	var entities store.EntityStorage = memory.NewEntityStorage()
	if a.Pool != nil {
		entities = pgxstore.NewEntityStorage(a.Pool)
	}
	a.Index = entity.NewIndex(entity.NewIndexParams{Storage: entities, Locker: a.Locker})
	a.Linker = identity.NewLinker(a.Index)

	archive, err := a.archive(ctx)
	if err != nil {
		return nil, err
	}
	a.Documents = docstore.NewStore(docstore.NewStoreParams{Archive: archive, Locker: a.Locker})
	a.Recon = recon.NewCollector(recon.CollectorParams{
		Archiver:          a.Documents,
		DefaultConfidence: cfg.Policy.Correlation.DefaultConfidence,
	})

	a.Correlation, err = correlation.NewEngine(correlationParams(cfg.Policy, a.Linker, a.Graph))
	if err != nil {
		return nil, err
	}
	a.Analyst, err = analyst.NewEngine(analystParams(cfg.Policy))
	if err != nil {
		return nil, err
	}

	a.Coordinator, err = pipeline.NewCoordinator(pipeline.CoordinatorParams{
		Engines: pipeline.Engines{
			Recon:      a.Recon,
			Correlator: a.Correlation,
			Analyzer:   a.Analyst,
			Advisor:    pipeline.RuleAdvisor{CriticalScore: cfg.Policy.Advisory.CriticalScore},
		},
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay,
		Metrics:     a.Metrics,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("[App] Initialized", "locks", cfg.LockBackend, "archive", cfg.ArchiveBackend,
		"postgres", a.Pool != nil, "neo4j", a.Graph != nil)
	return a, nil
}

func (a *App) archive(ctx context.Context) (docstore.Archive, error) {
	if a.Config.ArchiveBackend != config.ArchiveS3 {
		return docstore.NewMemoryArchive(), nil
	}
	client, err := storage.NewS3Client(ctx, a.Config.S3)
	if err != nil {
		return nil, err
	}
	return storage.NewS3Archive(client, a.Config.S3.Bucket, a.Config.S3.Prefix), nil
}

func correlationParams(p config.Policy, linker *identity.Linker, driver graphdb.Driver) correlation.EngineParams {
	c := p.Correlation
	params := correlation.EngineParams{
		Resolver:              linker,
		Driver:                driver,
		CriticalRelationships: p.Critical(),
		ParallelResolutions:   c.ParallelResolutions,
		PersistAttempts:       c.PersistAttempts,
		PersistBackoff:        time.Duration(c.PersistBackoffMs) * time.Millisecond,
		MinLoopLength:         c.MinLoopLength,
		MaxLoopLength:         c.MaxLoopLength,
		MaxLoops:              c.MaxLoops,
		DefaultConfidence:     c.DefaultConfidence,
	}
	switch {
	case c.DisableOrphanLinks:
		params.OrphanPolicies = []correlation.OrphanPolicy{}
	case c.OrphanMaxLinks > 0:
		params.OrphanPolicies = []correlation.OrphanPolicy{correlation.SharedAttributePolicy{MaxLinks: c.OrphanMaxLinks}}
	}
	return params
}

func analystParams(p config.Policy) analyst.EngineParams {
	params := analyst.EngineParams{
		CustomRules: p.CustomRules,
		Thresholds:  p.Thresholds,
	}
	if p.Scoring.Statistical != "none" {
		params.Scorer = analyst.ZScoreScorer{HalfPopulation: p.Scoring.HalfPopulation}
	}
	return params
}

// Close releases the backends in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
