package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"example/mixreport-api/app/abuse"
	"example/mixreport-api/app/config"
	"example/mixreport-api/app/engine"
	"example/mixreport-api/app/entitlement"
	"example/mixreport-api/app/jobs"
	"example/mixreport-api/app/ledger"
	"example/mixreport-api/app/metrics"
	"example/mixreport-api/app/migration"
	"example/mixreport-api/auth"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// pendingTTL is how long an anonymous result waits for its sign-in.
const pendingTTL = 30 * 24 * time.Hour

// Build wires every service from configuration. With no Postgres or Redis
// configured the in-memory stores are used, which only suits local runs.
// The returned func releases connections.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg *prometheus.Registry) (Deps, *sql.DB, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (Deps, *sql.DB, func(), error) {
		cleanup()
		return Deps{}, nil, func() {}, err
	}

	m := metrics.New(reg)

	db, err := OpenDB(ctx, cfg.DB)
	if err != nil {
		return fail(err)
	}
	if db != nil {
		closers = append(closers, func() { db.Close() })
		logger.Info("connected to postgres")
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { rdb.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fail(fmt.Errorf("redis ping: %w", err))
		}
	}

	var store ledger.Store = ledger.NewMemory()
	var repo jobs.Repository = jobs.NewMemoryRepository()
	if db != nil {
		store = ledger.NewPostgres(db)
		repo = jobs.NewPostgresRepository(db)
	} else {
		logger.Warn("POSTGRES_URL not set, using in-memory ledger and jobs")
	}

	gate := abuse.NewGate(reputation(cfg, logger), abuse.GateOptions{
		Cache:    verdictCache(rdb),
		CacheTTL: cfg.Abuse.CacheTTL,
		Limiters: abuse.NewLimiters(cfg.Abuse.RequestsPerMinute, cfg.Abuse.Burst),
		Logger:   logger.Named("abuse"),
		Metrics:  m,
	})
	resolver := entitlement.NewResolver(store, gate, cfg.Quota, entitlement.Options{
		Logger:  logger.Named("entitlement"),
		Metrics: m,
	})

	eng, err := buildEngine(ctx, cfg.Engine, db)
	if err != nil {
		return fail(err)
	}

	var slots migration.Slots = migration.NewMemorySlots()
	if rdb != nil {
		slots = migration.NewRedisSlots(rdb, pendingTTL)
	}
	coordinator := migration.NewCoordinator(slots, resolver, repo, logger.Named("migration"), m)

	orchestrator := jobs.NewOrchestrator(resolver, eng, repo, jobs.Options{
		Compressor:    jobs.NewFFmpegCompressor(cfg.Upload.FFmpegPath, cfg.Upload.TargetBitrate),
		CompressAbove: cfg.Upload.CompressAbove,
		Capturer:      coordinator,
		Logger:        logger.Named("jobs"),
		Metrics:       m,
	})

	d := Deps{
		Config:    cfg,
		Ledger:    store,
		Resolver:  resolver,
		Jobs:      orchestrator,
		Migration: coordinator,
		Billing:   NewBilling(store, cfg.Stripe, logger.Named("billing")),
		Gatherer:  reg,
		Logger:    logger,
	}
	if cfg.Auth.Issuer != "" {
		v, err := auth.NewVerifier(cfg.Auth)
		if err != nil {
			return fail(err)
		}
		d.Verifier = v
	} else if !cfg.Auth.Disabled {
		return fail(errors.New("AUTH0_ISSUER must be set unless AUTH_DISABLED=true"))
	}
	return d, db, cleanup, nil
}

// reputation picks the IP reputation source. Outside local development a
// missing source stays nil so the gate denies anonymous traffic.
func reputation(cfg *config.Config, logger *zap.Logger) abuse.Reputation {
	if cfg.Abuse.ReputationURL != "" {
		return abuse.NewHTTPReputation(cfg.Abuse.ReputationURL, cfg.Abuse.ReputationKey, &http.Client{Timeout: 5 * time.Second})
	}
	if cfg.Env == "local" {
		logger.Warn("IP_REPUTATION_URL not set, trusting every origin in local mode")
		return abuse.NoReputation{}
	}
	logger.Warn("IP_REPUTATION_URL not set, anonymous requests will be denied")
	return nil
}

func verdictCache(rdb *redis.Client) abuse.Cache {
	if rdb == nil {
		return nil
	}
	return abuse.NewRedisCache(rdb)
}

func buildEngine(ctx context.Context, cfg config.EngineConfig, db *sql.DB) (engine.Engine, error) {
	switch cfg.Mode {
	case "queue":
		if db == nil {
			return nil, errors.New("ENGINE_MODE=queue needs Postgres for status rows")
		}
		return engine.NewQueueEngineFromEnv(ctx, cfg.UploadsBucket, cfg.QueueURL, db)
	default:
		return engine.NewHTTPEngine(cfg.BaseURL, cfg.APIKey, cfg.Timeout), nil
	}
}
