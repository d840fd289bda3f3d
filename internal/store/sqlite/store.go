package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/TamsynHenke39/payments-go/internal/models"
	"github.com/TamsynHenke39/payments-go/internal/store"
)

// Compile-time check: *Store must satisfy store.LedgerStore.
var _ store.LedgerStore = (*Store)(nil)

// Config holds the SQLite backend settings.
type Config struct {
	Path         string
	MaxOpenConns int
	PingTimeout  time.Duration
}

// Store is the SQLite-backed ledger. Mutating operations serialize on a
// store-level mutex (a whole-store write scope) in addition to SQLite's own
// transaction, which keeps the funds check and the balance write atomic with
// respect to other writers in this process.
type Store struct {
	db     *sql.DB
	limits store.Limits
	mu     sync.Mutex
}

// New opens (or creates) the database at cfg.Path and bootstraps the schema.
func New(ctx context.Context, cfg Config, limits store.Limits) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}

	dsn := cfg.Path
	if dsn != ":memory:" {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	}

	zap.L().Info("Opening SQLite database", zap.String("file", cfg.Path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}

	// A single connection is the strongest write-serialization guarantee
	// SQLite offers through database/sql; throughput is not a concern here.
	db.SetMaxOpenConns(1)
	if cfg.MaxOpenConns > 1 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{db: db, limits: limits}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		zap.L().Warn("Failed to close database connection", zap.Error(err))
	}
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		name TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		currency TEXT NOT NULL,
		balance_cents INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS ix_accounts_user_currency ON accounts(user_id, currency);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'posted',
		amount_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		transfer_group_id TEXT,
		related_entry_id INTEGER REFERENCES ledger_entries(id) ON DELETE SET NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS ix_ledger_account_created ON ledger_entries(account_id, created_at);
	CREATE INDEX IF NOT EXISTS ix_ledger_group ON ledger_entries(transfer_group_id);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		route TEXT NOT NULL,
		user_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
		result_ref TEXT,
		created_at TIMESTAMP NOT NULL,
		last_seen_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP,
		UNIQUE(key, route)
	);
	CREATE INDEX IF NOT EXISTS ix_idempotency_expires ON idempotency_keys(expires_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// CreateOrGetAccount creates the user and their account in the service
// currency if either is absent. Email matching is exact.
func (s *Store) CreateOrGetAccount(ctx context.Context, email, name string) (*models.AccountResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var userID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE email = ?`, email).Scan(&userID)
	if err == sql.ErrNoRows {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO users (email, name, created_at) VALUES (?, ?, ?)`, email, name, now)
		if err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		if userID, err = res.LastInsertId(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	var accountID, balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, balance_cents FROM accounts WHERE user_id = ? AND currency = ?`,
		userID, s.limits.Currency).Scan(&accountID, &balance)
	if err == sql.ErrNoRows {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (user_id, currency, balance_cents, created_at) VALUES (?, ?, 0, ?)`,
			userID, s.limits.Currency, now)
		if err != nil {
			return nil, fmt.Errorf("failed to create account: %w", err)
		}
		if accountID, err = res.LastInsertId(); err != nil {
			return nil, err
		}
		balance = 0
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &models.AccountResponse{
		UserID:       userID,
		AccountID:    accountID,
		Currency:     s.limits.Currency,
		BalanceCents: balance,
	}, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID int64) (*models.AccountResponse, error) {
	var acc models.AccountResponse
	acc.AccountID = accountID
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, currency, balance_cents FROM accounts WHERE id = ?`, accountID).
		Scan(&acc.UserID, &acc.Currency, &acc.BalanceCents)
	if err == sql.ErrNoRows {
		return nil, store.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account %d: %w", accountID, err)
	}
	return &acc, nil
}

// ListEntries returns up to limit entries for the account, newest first.
func (s *Store) ListEntries(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, kind, status, amount_cents, currency,
		       transfer_group_id, related_entry_id, created_at
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	entries := make([]models.LedgerEntry, 0, limit)
	for rows.Next() {
		var e models.LedgerEntry
		var group sql.NullString
		var related sql.NullInt64
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Status, &e.AmountCents,
			&e.Currency, &group, &related, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if group.Valid {
			e.TransferGroupID = &group.String
		}
		if related.Valid {
			e.RelatedEntryID = &related.Int64
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Transfer executes the atomic double-entry movement described by p.
func (s *Store) Transfer(ctx context.Context, p store.TransferParams) (*store.TransferResult, error) {
	if err := store.ValidateAmount(s.limits, p.AmountCents, p.Currency); err != nil {
		return nil, err
	}
	if p.FromAccountID == p.ToAccountID {
		return nil, store.ErrSameAccount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if p.IdempotencyKey != "" {
		ref, err := s.replayRef(ctx, tx, p.IdempotencyKey, p.Route, now)
		if err != nil {
			return nil, err
		}
		if ref != "" {
			fromBal, _, err := s.accountBalance(ctx, tx, p.FromAccountID)
			if err != nil {
				return nil, err
			}
			toBal, _, err := s.accountBalance(ctx, tx, p.ToAccountID)
			if err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit: %w", err)
			}
			return &store.TransferResult{
				TransferGroupID:  ref,
				FromBalanceCents: fromBal,
				ToBalanceCents:   toBal,
				Replayed:         true,
			}, nil
		}
	}

	// Balances read inside the write scope; anything read earlier is stale.
	fromBal, fromUser, err := s.accountBalance(ctx, tx, p.FromAccountID)
	if err != nil {
		return nil, err
	}
	toBal, _, err := s.accountBalance(ctx, tx, p.ToAccountID)
	if err != nil {
		return nil, err
	}

	if fromBal < p.AmountCents {
		return nil, store.ErrInsufficientFunds
	}

	groupID := uuid.NewString()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (account_id, kind, status, amount_cents, currency, transfer_group_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.FromAccountID, models.EntryTransferOut, models.StatusPosted, p.AmountCents, p.Currency, groupID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert debit leg: %w", err)
	}
	debitID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (account_id, kind, status, amount_cents, currency, transfer_group_id, related_entry_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ToAccountID, models.EntryTransferIn, models.StatusPosted, p.AmountCents, p.Currency, groupID, debitID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert credit leg: %w", err)
	}

	if err := s.adjustBalance(ctx, tx, p.FromAccountID, -p.AmountCents); err != nil {
		return nil, err
	}
	if err := s.adjustBalance(ctx, tx, p.ToAccountID, p.AmountCents); err != nil {
		return nil, err
	}

	if p.IdempotencyKey != "" {
		if err := s.insertIdempotency(ctx, tx, p.IdempotencyKey, p.Route, fromUser, groupID, now); err != nil {
			if errors.Is(err, store.ErrIdempotencyConflict) {
				// A racing writer committed first: discard our legs and
				// return the winner's outcome.
				tx.Rollback()
				return s.replayTransfer(ctx, p)
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &store.TransferResult{
		TransferGroupID:  groupID,
		FromBalanceCents: fromBal - p.AmountCents,
		ToBalanceCents:   toBal + p.AmountCents,
	}, nil
}

// Deposit appends one credit entry and bumps the cached balance.
func (s *Store) Deposit(ctx context.Context, p store.DepositParams) (*store.DepositResult, error) {
	if err := store.ValidateAmount(s.limits, p.AmountCents, p.Currency); err != nil {
		return nil, err
	}
	kind := p.Kind
	if kind == "" {
		kind = models.EntryDeposit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if p.IdempotencyKey != "" {
		ref, err := s.replayRef(ctx, tx, p.IdempotencyKey, p.Route, now)
		if err != nil {
			return nil, err
		}
		if ref != "" {
			bal, _, err := s.accountBalance(ctx, tx, p.AccountID)
			if err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit: %w", err)
			}
			entryID, _ := strconv.ParseInt(ref, 10, 64)
			return &store.DepositResult{EntryID: entryID, NewBalanceCents: bal, Replayed: true}, nil
		}
	}

	bal, userID, err := s.accountBalance(ctx, tx, p.AccountID)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (account_id, kind, status, amount_cents, currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.AccountID, kind, models.StatusPosted, p.AmountCents, p.Currency, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert entry: %w", err)
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if err := s.adjustBalance(ctx, tx, p.AccountID, p.AmountCents); err != nil {
		return nil, err
	}

	if p.IdempotencyKey != "" {
		ref := strconv.FormatInt(entryID, 10)
		if err := s.insertIdempotency(ctx, tx, p.IdempotencyKey, p.Route, userID, ref, now); err != nil {
			if errors.Is(err, store.ErrIdempotencyConflict) {
				tx.Rollback()
				return s.replayDeposit(ctx, p)
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &store.DepositResult{EntryID: entryID, NewBalanceCents: bal + p.AmountCents}, nil
}

// LookupDeposit answers a deposit replay without touching the ledger: it
// reads the recorded result_ref for (key, route), refreshes last_seen_at and
// pairs the entry id with the account's current balance. Returns nil when the
// pair is unseen.
func (s *Store) LookupDeposit(ctx context.Context, accountID int64, key, route string) (*store.DepositResult, error) {
	var ref string
	err := s.db.QueryRowContext(ctx,
		`SELECT result_ref FROM idempotency_keys WHERE key = ? AND route = ?`, key, route).Scan(&ref)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET last_seen_at = ? WHERE key = ? AND route = ?`,
		time.Now().UTC(), key, route); err != nil {
		return nil, fmt.Errorf("failed to touch idempotency key: %w", err)
	}
	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	entryID, _ := strconv.ParseInt(ref, 10, 64)
	return &store.DepositResult{EntryID: entryID, NewBalanceCents: acc.BalanceCents, Replayed: true}, nil
}

// SumEntries rebuilds the balance from posted entries.
func (s *Store) SumEntries(ctx context.Context, accountID int64) (int64, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return 0, err
	}
	var sum int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind = ? THEN -amount_cents ELSE amount_cents END), 0)
		FROM ledger_entries
		WHERE account_id = ? AND status = ?`,
		models.EntryTransferOut, accountID, models.StatusPosted).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum entries: %w", err)
	}
	return sum, nil
}

// PurgeExpiredIdempotencyKeys removes records whose expiry has passed.
func (s *Store) PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	return res.RowsAffected()
}

// --- internals ---

func (s *Store) accountBalance(ctx context.Context, tx *sql.Tx, accountID int64) (balance, userID int64, err error) {
	var currency string
	err = tx.QueryRowContext(ctx,
		`SELECT balance_cents, user_id, currency FROM accounts WHERE id = ?`, accountID).
		Scan(&balance, &userID, &currency)
	if err == sql.ErrNoRows {
		return 0, 0, store.ErrAccountNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load account %d: %w", accountID, err)
	}
	if currency != s.limits.Currency {
		return 0, 0, store.ErrCurrencyMismatch
	}
	return balance, userID, nil
}

func (s *Store) adjustBalance(ctx context.Context, tx *sql.Tx, accountID, delta int64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance_cents = balance_cents + ? WHERE id = ?`, delta, accountID); err != nil {
		return fmt.Errorf("failed to update balance of account %d: %w", accountID, err)
	}
	return nil
}

// replayRef returns the recorded result_ref for (key, route), refreshing
// last_seen_at, or "" when the pair is unseen.
func (s *Store) replayRef(ctx context.Context, tx *sql.Tx, key, route string, now time.Time) (string, error) {
	var ref sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT result_ref FROM idempotency_keys WHERE key = ? AND route = ?`, key, route).Scan(&ref)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("idempotency lookup failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE idempotency_keys SET last_seen_at = ? WHERE key = ? AND route = ?`, now, key, route); err != nil {
		return "", fmt.Errorf("failed to touch idempotency key: %w", err)
	}
	return ref.String, nil
}

func (s *Store) insertIdempotency(ctx context.Context, tx *sql.Tx, key, route string, userID int64, resultRef string, now time.Time) error {
	var expires interface{}
	if s.limits.IdempotencyTTL > 0 {
		expires = now.Add(s.limits.IdempotencyTTL)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, route, user_id, result_ref, created_at, last_seen_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, route, userID, resultRef, now, now, expires)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return store.ErrIdempotencyConflict
		}
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}
	return nil
}

// replayTransfer resolves a lost idempotency race by reading the winner's
// committed record.
func (s *Store) replayTransfer(ctx context.Context, p store.TransferParams) (*store.TransferResult, error) {
	var ref string
	err := s.db.QueryRowContext(ctx,
		`SELECT result_ref FROM idempotency_keys WHERE key = ? AND route = ?`,
		p.IdempotencyKey, p.Route).Scan(&ref)
	if err != nil {
		return nil, fmt.Errorf("idempotency race re-read failed: %w", err)
	}
	from, err := s.GetAccount(ctx, p.FromAccountID)
	if err != nil {
		return nil, err
	}
	to, err := s.GetAccount(ctx, p.ToAccountID)
	if err != nil {
		return nil, err
	}
	return &store.TransferResult{
		TransferGroupID:  ref,
		FromBalanceCents: from.BalanceCents,
		ToBalanceCents:   to.BalanceCents,
		Replayed:         true,
	}, nil
}

func (s *Store) replayDeposit(ctx context.Context, p store.DepositParams) (*store.DepositResult, error) {
	res, err := s.LookupDeposit(ctx, p.AccountID, p.IdempotencyKey, p.Route)
	if err != nil {
		return nil, fmt.Errorf("idempotency race re-read failed: %w", err)
	}
	if res == nil {
		return nil, fmt.Errorf("idempotency race re-read found no record for key %q", p.IdempotencyKey)
	}
	return res, nil
}
