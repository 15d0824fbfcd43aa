package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger moves value between principals.
type Ledger struct {
	pool        TxBeginner
	repo        Repository
	logger      *slog.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewLedger(pool TxBeginner, repo Repository, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		pool:        pool,
		repo:        repo,
		logger:      logger.With("component", "settlement"),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Transfer moves amount from one principal to another inside tx. A zero
// amount or a self-transfer is a successful no-op. Accounts are locked in
// principal order so concurrent opposite transfers cannot deadlock.
func (l *Ledger) Transfer(ctx context.Context, tx pgx.Tx, amount uint64, from, to string) error {
	if from == "" || to == "" {
		return ErrInvalidPrincipal
	}
	if amount == 0 || from == to {
		return nil
	}
	if amount > math.MaxInt64 {
		return fmt.Errorf("%w: %d exceeds %d", ErrInvalidAmount, amount, int64(math.MaxInt64))
	}

	first, second := from, to
	if second < first {
		first, second = second, first
	}
	accts := make(map[string]Account, 2)
	for _, p := range []string{first, second} {
		acct, err := l.repo.LockAccount(ctx, tx, p)
		if err != nil {
			return err
		}
		accts[p] = acct
	}

	payer, payee := accts[from], accts[to]
	if payer.Balance < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, from, payer.Balance, amount)
	}
	if payee.Balance > math.MaxInt64-amount {
		return fmt.Errorf("%w for %s", ErrBalanceOverflow, to)
	}

	if err := l.repo.SetBalance(ctx, tx, from, payer.Balance-amount); err != nil {
		return err
	}
	if err := l.repo.SetBalance(ctx, tx, to, payee.Balance+amount); err != nil {
		return err
	}
	return l.repo.InsertTransfer(ctx, tx, Transfer{
		ID:        l.idGenerator(),
		Amount:    amount,
		From:      from,
		To:        to,
		CreatedAt: l.now().UTC(),
	})
}

// Deposit credits principal with amount in its own transaction.
func (l *Ledger) Deposit(ctx context.Context, principal string, amount uint64) (Account, error) {
	if principal == "" {
		return Account{}, ErrInvalidPrincipal
	}
	if amount == 0 {
		return Account{}, ErrInvalidAmount
	}
	if amount > math.MaxInt64 {
		return Account{}, fmt.Errorf("%w: %d exceeds %d", ErrInvalidAmount, amount, int64(math.MaxInt64))
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acct, err := l.repo.LockAccount(ctx, tx, principal)
	if err != nil {
		return Account{}, err
	}
	if acct.Balance > math.MaxInt64-amount {
		return Account{}, fmt.Errorf("%w for %s", ErrBalanceOverflow, principal)
	}
	acct.Balance += amount
	if err := l.repo.SetBalance(ctx, tx, principal, acct.Balance); err != nil {
		return Account{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Account{}, fmt.Errorf("settlement: commit deposit: %w", err)
	}

	l.logger.InfoContext(ctx, "deposit applied", "principal", principal, "amount", amount, "balance", acct.Balance)
	return acct, nil
}

// Balance returns the principal's current balance; unknown principals hold zero.
func (l *Ledger) Balance(ctx context.Context, principal string) (Account, error) {
	if principal == "" {
		return Account{}, ErrInvalidPrincipal
	}
	return l.repo.GetAccount(ctx, principal)
}
