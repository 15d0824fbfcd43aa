package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"complaintflow/auth"
	"complaintflow/complaint"
	"complaintflow/config"
	"complaintflow/db"
	"complaintflow/dispute"
	"complaintflow/followup"
	"complaintflow/height"
	"complaintflow/metrics"
	"complaintflow/outbox"
	"complaintflow/params"
	"complaintflow/settlement"
)

// app holds every wired component of a running process.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	registry *prometheus.Registry
	metrics  *metrics.Engine

	params     *params.Service
	complaints *complaint.Service
	auth       *auth.Service
	ledger     *settlement.Ledger
	followUps  *followup.Service
	disputes   *dispute.Service
	relay      *outbox.Relay

	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database_url is required")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, pool: pool}
	a.closers = append(a.closers, closerFunc(func() error { pool.Close(); return nil }))

	a.registry, a.metrics, err = newMetrics()
	if err != nil {
		a.Close()
		return nil, err
	}

	src, err := heightSource(cfg.Height)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.params = params.NewService(pool, params.NewRepository(pool), logger)
	complaintStore := complaint.NewRepository(pool)
	a.complaints = complaint.NewService(complaintStore)
	registry := complaint.NewCachedRegistry(a.complaints, cfg.Cache.ComplaintTTL)

	users := auth.NewRepository(pool)
	a.auth = auth.NewService(users, cfg.Auth.JWTSecret)
	roles := auth.NewDirectory(users, cfg.Cache.RoleTTL)

	a.ledger = settlement.NewLedger(pool, settlement.NewRepository(pool), logger)
	events := outbox.NewWriter()

	a.followUps = followup.NewService(pool, followup.NewRepository(), followup.Deps{
		Params:   a.params,
		Registry: registry,
		Roles:    roles,
		Events:   events,
		Height:   src,
		Metrics:  a.metrics,
	}, logger)

	a.disputes = dispute.NewService(pool, dispute.NewRepository(), dispute.Deps{
		Params:    a.params,
		Registry:  registry,
		FollowUps: a.followUps,
		Ledger:    a.ledger,
		Events:    events,
		Height:    src,
		Metrics:   a.metrics,
	}, logger)

	publisher, err := a.publisher()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.relay = outbox.NewRelay(pool, outbox.NewStore(), publisher, outbox.RelayConfig{
		BatchSize:    cfg.Outbox.BatchSize,
		PollInterval: cfg.Outbox.PollInterval,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
	}, logger, a.metrics)
	return a, nil
}

// publisher prefers Kafka and falls back to logging events when no brokers
// are configured.
func (a *app) publisher() (outbox.Publisher, error) {
	if len(a.cfg.Kafka.Brokers) == 0 {
		a.logger.Warn("no kafka brokers configured, outbox events will only be logged")
		log := a.logger.With("component", "outbox-log")
		return outbox.LogPublisher{Log: log.Info}, nil
	}
	kp, err := outbox.NewKafkaPublisher(outbox.KafkaConfig{
		Brokers: a.cfg.Kafka.Brokers,
		Topic:   a.cfg.Kafka.Topic,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, kp)
	return kp, nil
}

// bootstrap seeds the parameter store and installs the bootstrap authority.
// Both steps are idempotent across restarts.
func (a *app) bootstrap(ctx context.Context) error {
	seed := params.Defaults()
	if a.cfg.ParamsFile != "" {
		p, err := params.LoadFile(a.cfg.ParamsFile)
		if err != nil {
			return err
		}
		seed = p
	}
	if _, err := a.params.Seed(ctx, seed); err != nil {
		return fmt.Errorf("seed params: %w", err)
	}
	if a.cfg.Auth.BootstrapAuthority == "" {
		return nil
	}
	_, err := a.params.SetAuthority(ctx, a.cfg.Auth.BootstrapAuthority)
	switch {
	case err == nil:
		a.logger.Info("authority installed", "principal", a.cfg.Auth.BootstrapAuthority)
	case errors.Is(err, params.ErrAuthorityAlreadySet):
	default:
		return fmt.Errorf("set authority: %w", err)
	}
	return nil
}

func (a *app) server() *Server {
	return &Server{
		authService:      a.auth,
		complaintService: a.complaints,
		followUpService:  a.followUps,
		disputeService:   a.disputes,
		paramsService:    a.params,
		accountService:   a.ledger,
		db:               a.pool,
		gatherer:         a.registry,
		voteLimiter:      newKeyedLimiter(a.cfg.HTTP.VoteRate, a.cfg.HTTP.VoteBurst, 10*time.Minute),
		logger:           a.logger,
	}
}

// Close releases resources in reverse order of acquisition.
// newMetrics builds the registry served on /metrics with runtime collectors
// and the engine instruments.
func newMetrics() (*prometheus.Registry, *metrics.Engine, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewEngine(registry)
	if err != nil {
		return nil, nil, fmt.Errorf("register metrics: %w", err)
	}
	return registry, m, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

func heightSource(cfg config.HeightConfig) (height.Source, error) {
	if cfg.Mode == "counter" {
		return height.NewCounter(0), nil
	}
	genesis, err := cfg.GenesisTime()
	if err != nil {
		return nil, err
	}
	return height.NewClock(genesis, cfg.BlockInterval), nil
}
