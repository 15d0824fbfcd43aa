package settlement

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"complaintflow/test/fakes"
)

type memRepo struct {
	balances  map[string]uint64
	locked    []string
	transfers []Transfer
}

func newMemRepo() *memRepo {
	return &memRepo{balances: map[string]uint64{}}
}

func (m *memRepo) LockAccount(_ context.Context, _ pgx.Tx, principal string) (Account, error) {
	m.locked = append(m.locked, principal)
	return Account{Principal: principal, Balance: m.balances[principal]}, nil
}

func (m *memRepo) SetBalance(_ context.Context, _ pgx.Tx, principal string, balance uint64) error {
	m.balances[principal] = balance
	return nil
}

func (m *memRepo) InsertTransfer(_ context.Context, _ pgx.Tx, t Transfer) error {
	m.transfers = append(m.transfers, t)
	return nil
}

func (m *memRepo) GetAccount(_ context.Context, principal string) (Account, error) {
	return Account{Principal: principal, Balance: m.balances[principal]}, nil
}

func newTestLedger() (*Ledger, *memRepo, *fakes.Pool) {
	repo := newMemRepo()
	pool := &fakes.Pool{}
	l := NewLedger(pool, repo, nil).WithClock(func() time.Time {
		return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	})
	seq := 0
	l.idGenerator = func() string {
		seq++
		return fmt.Sprintf("transfer-%d", seq)
	}
	return l, repo, pool
}

func TestTransfer_MovesBalance(t *testing.T) {
	l, repo, _ := newTestLedger()
	repo.balances["authority"] = 500

	err := l.Transfer(context.Background(), &fakes.Tx{}, 100, "authority", "raiser")
	require.NoError(t, err)

	assert.Equal(t, uint64(400), repo.balances["authority"])
	assert.Equal(t, uint64(100), repo.balances["raiser"])
	require.Len(t, repo.transfers, 1)
	assert.Equal(t, Transfer{
		ID:        "transfer-1",
		Amount:    100,
		From:      "authority",
		To:        "raiser",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, repo.transfers[0])
}

func TestTransfer_LocksInPrincipalOrder(t *testing.T) {
	l, repo, _ := newTestLedger()
	repo.balances["zed"] = 10

	require.NoError(t, l.Transfer(context.Background(), &fakes.Tx{}, 5, "zed", "amy"))
	assert.Equal(t, []string{"amy", "zed"}, repo.locked)
}

func TestTransfer_InsufficientFunds(t *testing.T) {
	l, repo, _ := newTestLedger()
	repo.balances["authority"] = 99

	err := l.Transfer(context.Background(), &fakes.Tx{}, 100, "authority", "raiser")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, uint64(99), repo.balances["authority"])
	assert.Empty(t, repo.transfers)
}

func TestTransfer_NoOps(t *testing.T) {
	l, repo, _ := newTestLedger()
	repo.balances["a"] = 10

	require.NoError(t, l.Transfer(context.Background(), &fakes.Tx{}, 0, "a", "b"))
	require.NoError(t, l.Transfer(context.Background(), &fakes.Tx{}, 10, "a", "a"))
	assert.Empty(t, repo.locked)
	assert.Empty(t, repo.transfers)

	err := l.Transfer(context.Background(), &fakes.Tx{}, 1, "", "b")
	assert.ErrorIs(t, err, ErrInvalidPrincipal)
}

func TestDeposit(t *testing.T) {
	l, repo, pool := newTestLedger()

	acct, err := l.Deposit(context.Background(), "authority", 250)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), acct.Balance)
	assert.True(t, pool.Last().Committed)

	acct, err = l.Balance(context.Background(), "authority")
	require.NoError(t, err)
	assert.Equal(t, uint64(250), acct.Balance)
	assert.Equal(t, uint64(250), repo.balances["authority"])

	_, err = l.Deposit(context.Background(), "authority", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Deposit(context.Background(), "", 1)
	assert.ErrorIs(t, err, ErrInvalidPrincipal)
}

func TestAmountsAboveInt64Rejected(t *testing.T) {
	l, repo, pool := newTestLedger()
	repo.balances["authority"] = math.MaxInt64

	err := l.Transfer(context.Background(), &fakes.Tx{}, math.MaxInt64+1, "authority", "raiser")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Empty(t, repo.locked)

	_, err = l.Deposit(context.Background(), "raiser", math.MaxUint64)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Empty(t, pool.Txs, "no transaction for a rejected amount")

	repo.balances["raiser"] = 1
	err = l.Transfer(context.Background(), &fakes.Tx{}, math.MaxInt64, "authority", "raiser")
	assert.ErrorIs(t, err, ErrBalanceOverflow)

	_, err = l.Deposit(context.Background(), "authority", 1)
	assert.ErrorIs(t, err, ErrBalanceOverflow)
	assert.Equal(t, uint64(math.MaxInt64), repo.balances["authority"])
}
