// Package settlement is the value transfer ledger: principal balances and
// atomic transfers between them.
package settlement

import (
	"errors"
	"time"
)

var (
	// ErrInsufficientFunds signals the payer balance is below the amount.
	ErrInsufficientFunds = errors.New("settlement: insufficient funds")
	// ErrInvalidPrincipal signals an empty account principal.
	ErrInvalidPrincipal = errors.New("settlement: invalid principal")
	// ErrInvalidAmount signals a zero deposit or an amount above math.MaxInt64.
	ErrInvalidAmount = errors.New("settlement: invalid amount")
	// ErrBalanceOverflow signals a credit that would push a balance past math.MaxInt64.
	ErrBalanceOverflow = errors.New("settlement: balance overflow")
)

// Account mirrors the accounts table.
type Account struct {
	Principal string
	Balance   uint64
	UpdatedAt time.Time
}

// Transfer mirrors the transfers table.
type Transfer struct {
	ID        string
	Amount    uint64
	From      string
	To        string
	CreatedAt time.Time
}
