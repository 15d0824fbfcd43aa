package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"complaintflow/metrics"
)

// Publisher delivers one event downstream.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
}

// Relay drains pending outbox rows to a Publisher. Delivery is at least once:
// a crash between publish and commit republishes the batch.
type Relay struct {
	pool      TxBeginner
	store     Store
	publisher Publisher
	cfg       RelayConfig
	logger    *slog.Logger
	metrics   *metrics.Engine
}

func NewRelay(pool TxBeginner, store Store, publisher Publisher, cfg RelayConfig, logger *slog.Logger, m *metrics.Engine) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		pool:      pool,
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "outbox"),
		metrics:   m,
	}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll; otherwise the relay waits PollInterval.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "relay started", "batch", r.cfg.BatchSize, "interval", r.cfg.PollInterval)
	defer r.logger.Info("relay stopped")

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := r.ProcessBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			r.logger.ErrorContext(ctx, "relay batch failed", "error", err)
		}
		if n >= r.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessBatch claims and publishes one batch, returning how many events it
// handled.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	events, err := r.store.ClaimPending(ctx, tx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	for _, e := range events {
		if perr := r.publisher.Publish(ctx, e); perr != nil {
			dead := e.Attempts+1 >= r.cfg.MaxAttempts
			if err := r.store.MarkFailed(ctx, tx, e.ID, perr.Error(), dead); err != nil {
				return 0, err
			}
			if dead {
				r.metrics.RecordDead()
				r.logger.WarnContext(ctx, "outbox event abandoned", "id", e.ID, "topic", e.Topic, "attempts", e.Attempts+1, "error", perr)
			}
			continue
		}
		if err := r.store.MarkProcessed(ctx, tx, e.ID); err != nil {
			return 0, err
		}
		r.metrics.RecordPublished(e.Topic)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit batch: %w", err)
	}
	return len(events), nil
}
