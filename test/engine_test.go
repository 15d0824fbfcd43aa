package test

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"complaintflow/auth"
	"complaintflow/complaint"
	"complaintflow/dispute"
	"complaintflow/followup"
	"complaintflow/height"
	"complaintflow/metrics"
	"complaintflow/outbox"
	"complaintflow/params"
	"complaintflow/settlement"
)

// engine wires every service against a live pool the way cmd/api does, with
// a manually advanced height and a logging publisher.
type engine struct {
	pool       *pgxpool.Pool
	height     *height.Counter
	metrics    *metrics.Engine
	params     *params.Service
	complaints *complaint.Service
	users      *auth.PGRepository
	ledger     *settlement.Ledger
	followUps  *followup.Service
	disputes   *dispute.Service
	relay      *outbox.Relay
	published  *countingPublisher
	authority  string
}

type countingPublisher struct {
	n chan struct{}
}

func (p *countingPublisher) Publish(_ context.Context, _ outbox.Event) error {
	select {
	case p.n <- struct{}{}:
	default:
	}
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, ctx context.Context, pool *pgxpool.Pool, seed params.Params) *engine {
	t.Helper()
	logger := quietLogger()
	m, err := metrics.NewEngine(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	e := &engine{
		pool:      pool,
		height:    height.NewCounter(1),
		metrics:   m,
		published: &countingPublisher{n: make(chan struct{}, 1)},
	}
	e.params = params.NewService(pool, params.NewRepository(pool), logger)
	if _, err := e.params.Seed(ctx, seed); err != nil {
		t.Fatalf("seed params: %v", err)
	}
	e.complaints = complaint.NewService(complaint.NewRepository(pool))
	e.users = auth.NewRepository(pool)
	e.ledger = settlement.NewLedger(pool, settlement.NewRepository(pool), logger)
	registry := complaint.NewCachedRegistry(e.complaints, time.Minute)
	events := outbox.NewWriter()

	e.followUps = followup.NewService(pool, followup.NewRepository(), followup.Deps{
		Params:   e.params,
		Registry: registry,
		Roles:    auth.NewDirectory(e.users, time.Minute),
		Events:   events,
		Height:   e.height,
		Metrics:  e.metrics,
	}, logger)
	e.disputes = dispute.NewService(pool, dispute.NewRepository(), dispute.Deps{
		Params:    e.params,
		Registry:  registry,
		FollowUps: e.followUps,
		Ledger:    e.ledger,
		Events:    events,
		Height:    e.height,
		Metrics:   e.metrics,
	}, logger)
	e.relay = outbox.NewRelay(pool, outbox.NewStore(), e.published, outbox.RelayConfig{
		BatchSize:    100,
		PollInterval: 100 * time.Millisecond,
	}, logger, e.metrics)

	e.authority = e.user(t, ctx, "authority", auth.RoleAgent)
	if _, err := e.params.SetAuthority(ctx, e.authority); err != nil {
		t.Fatalf("set authority: %v", err)
	}
	return e
}

// user creates a principal and returns its id.
func (e *engine) user(t *testing.T, ctx context.Context, name string, role auth.Role) string {
	t.Helper()
	u, err := e.users.CreateUser(ctx, auth.CreateUserParams{
		Email:    fmt.Sprintf("%s+%d@example.com", name, time.Now().UnixNano()),
		FullName: name,
		Role:     role,
	})
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u.ID
}

// complaint registers id and returns its committed content hash.
func (e *engine) complaint(t *testing.T, ctx context.Context, id uint64) []byte {
	t.Helper()
	sum := sha256.Sum256([]byte(fmt.Sprintf("complaint-%d", id)))
	if _, err := e.complaints.Register(ctx, id, sum[:]); err != nil {
		t.Fatalf("register complaint %d: %v", id, err)
	}
	return sum[:]
}

func (e *engine) totalBalance(t *testing.T, ctx context.Context) uint64 {
	t.Helper()
	var total int64
	if err := e.pool.QueryRow(ctx, `SELECT COALESCE(SUM(balance), 0) FROM accounts`).Scan(&total); err != nil {
		t.Fatalf("sum balances: %v", err)
	}
	return uint64(total)
}
