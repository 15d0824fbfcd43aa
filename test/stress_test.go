package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"complaintflow/auth"
	"complaintflow/params"
	"complaintflow/test/actors"
	"complaintflow/test/chaos"
	"complaintflow/test/infra"
	"complaintflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 30*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors per complaint")
	flComplaints  = flag.Int("complaints", 4, "number of complaints under contention")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "terminate random backends during the run")
)

func TestEngineConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}
	seed := *flSeed
	rand.Seed(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	if *flDSN == "" && os.Getenv(infra.DSNEnv) == "" && !dockerAvailable(ctx) {
		t.Skipf("no docker and no %s; skipping stress run", infra.DSNEnv)
	}
	pgC, dsn, err := infra.StartPostgres16(ctx, *flDSN)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, pgC.Shared())
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	cfg := params.Defaults()
	cfg.MaxFollowUps = 3
	cfg.VotingPeriod = 20
	cfg.ResolutionFee = 10
	cfg.PenaltyAmount = 5
	cfg.MaxDisputes = 200
	e := newEngine(t, ctx, pool, cfg)

	const authorityFloat = 1_000_000
	if _, err := e.ledger.Deposit(ctx, e.authority, authorityFloat); err != nil {
		t.Fatalf("fund authority: %v", err)
	}
	deposited := uint64(authorityFloat)

	type cast struct {
		hash   []byte
		agents []string
		raiser string
		voters []string
	}
	casts := make(map[uint64]cast, *flComplaints)
	for c := 1; c <= *flComplaints; c++ {
		id := uint64(c)
		cs := cast{hash: e.complaint(t, ctx, id)}
		for i := 0; i < *flConcurrency; i++ {
			cs.agents = append(cs.agents, e.user(t, ctx, fmt.Sprintf("agent-%d-%d", c, i), auth.RoleAgent))
			cs.voters = append(cs.voters, e.user(t, ctx, fmt.Sprintf("voter-%d-%d", c, i), auth.RoleCustomer))
		}
		cs.raiser = e.user(t, ctx, fmt.Sprintf("raiser-%d", c), auth.RoleCustomer)
		if _, err := e.ledger.Deposit(ctx, cs.raiser, 20); err != nil {
			t.Fatalf("fund raiser: %v", err)
		}
		deposited += 20
		casts[id] = cs
	}

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	tally := &actors.Tally{}

	for id, cs := range casts {
		id, cs := id, cs
		for i, agent := range cs.agents {
			agent := agent
			hash := cs.hash
			if i%3 == 2 {
				hash = append([]byte{^cs.hash[0]}, cs.hash[1:]...)
			}
			g.Go(func() error { return actors.Agent(ctx2, e.followUps, tally, id, agent, hash, stop) })
		}
		g.Go(func() error { return actors.Raiser(ctx2, e.disputes, tally, id, cs.raiser, string(auth.RoleCustomer), stop) })
		for _, voter := range cs.voters {
			voter := voter
			g.Go(func() error { return actors.Voter(ctx2, e.disputes, tally, id, voter, e.authority, stop) })
		}
		g.Go(func() error { return actors.Arbiter(ctx2, e.disputes, tally, id, e.authority, stop) })
	}
	g.Go(func() error { return actors.Clock(ctx2, e.height, stop) })
	relayCtx, stopRelay := context.WithCancel(ctx2)
	defer stopRelay()
	g.Go(func() error { return e.relay.Run(relayCtx) })
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if checkOracles(t, ctx2, pool, seed) {
				failed = true
				break loop
			}
		}
	}

	close(stop)
	stopRelay()
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
	if failed {
		return
	}
	checkOracles(t, ctx, pool, seed)

	if got := e.totalBalance(t, ctx); got != deposited {
		t.Fatalf("balances not conserved: have %d, deposited %d (seed=%d)", got, deposited, seed)
	}
	t.Logf("ok=%d rejected=%d failed=%d seed=%d",
		tally.OK.Load(), tally.Rejections.Load(), tally.Failures.Load(), seed)
	if !*flChaos && tally.Failures.Load() > 0 {
		t.Fatalf("%d unexpected actor failures without chaos (seed=%d)", tally.Failures.Load(), seed)
	}
}

func checkOracles(t *testing.T, ctx context.Context, pool *pgxpool.Pool, seed int64) bool {
	t.Helper()
	name, row, err := oracles.Run(ctx, pool)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		t.Fatalf("oracle error: %v", err)
	}
	if name != "" {
		dumpRecent(t, ctx, pool)
		t.Errorf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
		return true
	}
	return false
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"disputes", `SELECT id, complaint_id, status, votes_yes, votes_no, resolution, closes_at FROM disputes ORDER BY id DESC LIMIT 50`},
		{"open_disputes", `SELECT complaint_id, dispute_id FROM open_disputes`},
		{"verification_status", `SELECT complaint_id, overall_status, follow_up_count, match_score FROM verification_status`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
