package store

import (
	"context"
	"errors"
	"time"

	"github.com/TamsynHenke39/payments-go/internal/models"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrCurrencyMismatch    = errors.New("currency mismatch")
	ErrSameAccount         = errors.New("cannot transfer to the same account")
	ErrIdempotencyConflict = errors.New("idempotency key race")
)

// Limits are the fixed service parameters every mutating operation validates
// against.
type Limits struct {
	Currency       string
	MaxTxCents     int64
	IdempotencyTTL time.Duration
}

// TransferParams describes one double-entry movement between two accounts.
// An empty IdempotencyKey bypasses the idempotency check entirely.
type TransferParams struct {
	FromAccountID  int64
	ToAccountID    int64
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	Route          string
}

// TransferResult reports the group id linking both legs plus the balances
// after commit. On replay the balances reflect current state, not a frozen
// snapshot of the first execution.
type TransferResult struct {
	TransferGroupID  string
	FromBalanceCents int64
	ToBalanceCents   int64
	Replayed         bool
}

// DepositParams credits a single account. Kind is models.EntryDeposit for
// funded deposits and models.EntryAdjustment for operator corrections.
type DepositParams struct {
	AccountID      int64
	AmountCents    int64
	Currency       string
	Kind           string
	IdempotencyKey string
	Route          string
}

// DepositResult reports the created entry and the new cached balance.
type DepositResult struct {
	EntryID         int64
	NewBalanceCents int64
	Replayed        bool
}

// LedgerStore is the contract every backend (SQLite, Postgres) must satisfy.
// Mutating operations are atomic: they fully apply or leave the store
// untouched, and any idempotency record commits in the same unit as the
// business mutation it covers.
type LedgerStore interface {
	// CreateOrGetAccount creates the user (by exact email match) and their
	// account in the service currency if either is absent.
	CreateOrGetAccount(ctx context.Context, email, name string) (*models.AccountResponse, error)
	GetAccount(ctx context.Context, accountID int64) (*models.AccountResponse, error)
	// ListEntries returns up to limit entries for the account, newest first.
	ListEntries(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error)

	Transfer(ctx context.Context, p TransferParams) (*TransferResult, error)
	Deposit(ctx context.Context, p DepositParams) (*DepositResult, error)
	// LookupDeposit returns the recorded outcome for (key, route) with the
	// account's current balance, refreshing last_seen_at, or nil when the
	// pair is unseen. Callers consult it before any work that must not be
	// repeated on replay; transfers need no such pre-check because their
	// replay resolves entirely inside Transfer.
	LookupDeposit(ctx context.Context, accountID int64, key, route string) (*DepositResult, error)

	// SumEntries rebuilds the balance from posted entries: credits minus
	// debits. It must reproduce the cached balance exactly.
	SumEntries(ctx context.Context, accountID int64) (int64, error)
	// PurgeExpiredIdempotencyKeys removes records whose expiry has passed
	// and returns how many were deleted.
	PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error)

	Close()
}

// ValidateAmount applies the validation shared by every mutating operation:
// the amount must be in [1, MaxTxCents] and the currency must equal the
// service currency.
func ValidateAmount(l Limits, amountCents int64, currency string) error {
	if currency != l.Currency {
		return ErrCurrencyMismatch
	}
	if amountCents < 1 || amountCents > l.MaxTxCents {
		return ErrInvalidAmount
	}
	return nil
}
