package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/TamsynHenke39/payments-go/internal/models"
	"github.com/TamsynHenke39/payments-go/internal/store"
)

// Compile-time check: *Store must satisfy store.LedgerStore.
var _ store.LedgerStore = (*Store)(nil)

const uniqueViolation = "23505"

// Store is the Postgres-backed ledger. Serialization relies on row locks:
// mutating operations run in a RepeatableRead transaction and take
// SELECT ... FOR UPDATE on the affected accounts in ascending id order, so
// two transfers touching the same pair cannot deadlock.
type Store struct {
	db     *pgxpool.Pool
	limits store.Limits
}

// New connects to connString and bootstraps the schema.
func New(ctx context.Context, connString string, limits store.Limits) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{db: pool, limits: limits}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		currency TEXT NOT NULL,
		balance_cents BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS ix_accounts_user_currency ON accounts(user_id, currency);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id BIGSERIAL PRIMARY KEY,
		account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'posted',
		amount_cents BIGINT NOT NULL,
		currency TEXT NOT NULL,
		transfer_group_id TEXT,
		related_entry_id BIGINT REFERENCES ledger_entries(id) ON DELETE SET NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS ix_ledger_account_created ON ledger_entries(account_id, created_at);
	CREATE INDEX IF NOT EXISTS ix_ledger_group ON ledger_entries(transfer_group_id);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		id BIGSERIAL PRIMARY KEY,
		key TEXT NOT NULL,
		route TEXT NOT NULL,
		user_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
		result_ref TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at TIMESTAMPTZ,
		UNIQUE(key, route)
	);
	CREATE INDEX IF NOT EXISTS ix_idempotency_expires ON idempotency_keys(expires_at);
	`
	_, err := s.db.Exec(ctx, schema)
	return err
}

func (s *Store) CreateOrGetAccount(ctx context.Context, email, name string) (*models.AccountResponse, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID int64
	err = tx.QueryRow(ctx, `SELECT id FROM users WHERE email = $1`, email).Scan(&userID)
	if err == pgx.ErrNoRows {
		err = tx.QueryRow(ctx,
			`INSERT INTO users (email, name) VALUES ($1, $2)
			 ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
			 RETURNING id`, email, name).Scan(&userID)
	}
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}

	var accountID, balance int64
	err = tx.QueryRow(ctx,
		`SELECT id, balance_cents FROM accounts WHERE user_id = $1 AND currency = $2`,
		userID, s.limits.Currency).Scan(&accountID, &balance)
	if err == pgx.ErrNoRows {
		err = tx.QueryRow(ctx,
			`INSERT INTO accounts (user_id, currency, balance_cents) VALUES ($1, $2, 0) RETURNING id`,
			userID, s.limits.Currency).Scan(&accountID)
		balance = 0
	}
	if err != nil {
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
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
	err := s.db.QueryRow(ctx,
		`SELECT user_id, currency, balance_cents FROM accounts WHERE id = $1`, accountID).
		Scan(&acc.UserID, &acc.Currency, &acc.BalanceCents)
	if err == pgx.ErrNoRows {
		return nil, store.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	return &acc, nil
}

func (s *Store) ListEntries(ctx context.Context, accountID int64, limit int) ([]models.LedgerEntry, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 20
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, account_id, kind, status, amount_cents, currency,
		       transfer_group_id, related_entry_id, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("entries query failed: %w", err)
	}
	defer rows.Close()

	entries := make([]models.LedgerEntry, 0, limit)
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Status, &e.AmountCents,
			&e.Currency, &e.TransferGroupID, &e.RelatedEntryID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("entry scan failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Transfer executes the double-entry transfer within a transaction with
// deterministic locking.
func (s *Store) Transfer(ctx context.Context, p store.TransferParams) (*store.TransferResult, error) {
	if err := store.ValidateAmount(s.limits, p.AmountCents, p.Currency); err != nil {
		return nil, err
	}
	if p.FromAccountID == p.ToAccountID {
		return nil, store.ErrSameAccount
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if p.IdempotencyKey != "" {
		ref, err := s.replayRef(ctx, tx, p.IdempotencyKey, p.Route)
		if err != nil {
			return nil, err
		}
		if ref != "" {
			res, err := s.replayTransferBalances(ctx, tx, p, ref)
			if err != nil {
				return nil, err
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("tx commit failed: %w", err)
			}
			return res, nil
		}
	}

	// Acquire row locks in id order to prevent deadlocks.
	first, second := p.FromAccountID, p.ToAccountID
	if first > second {
		first, second = second, first
	}
	balances := map[int64]int64{}
	users := map[int64]int64{}
	for _, id := range []int64{first, second} {
		var bal, userID int64
		var currency string
		err = tx.QueryRow(ctx,
			`SELECT balance_cents, user_id, currency FROM accounts WHERE id = $1 FOR UPDATE`, id).
			Scan(&bal, &userID, &currency)
		if err == pgx.ErrNoRows {
			return nil, store.ErrAccountNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("lock acquisition failed: %w", err)
		}
		if currency != s.limits.Currency {
			return nil, store.ErrCurrencyMismatch
		}
		balances[id] = bal
		users[id] = userID
	}

	if balances[p.FromAccountID] < p.AmountCents {
		return nil, store.ErrInsufficientFunds
	}

	groupID := uuid.NewString()

	var debitID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (account_id, kind, status, amount_cents, currency, transfer_group_id)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		p.FromAccountID, models.EntryTransferOut, models.StatusPosted, p.AmountCents, p.Currency, groupID).Scan(&debitID)
	if err != nil {
		return nil, fmt.Errorf("debit leg insert failed: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (account_id, kind, status, amount_cents, currency, transfer_group_id, related_entry_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ToAccountID, models.EntryTransferIn, models.StatusPosted, p.AmountCents, p.Currency, groupID, debitID)
	if err != nil {
		return nil, fmt.Errorf("credit leg insert failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE accounts SET balance_cents = balance_cents - $1 WHERE id = $2`, p.AmountCents, p.FromAccountID)
	if err != nil {
		return nil, fmt.Errorf("debit balance update failed: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE accounts SET balance_cents = balance_cents + $1 WHERE id = $2`, p.AmountCents, p.ToAccountID)
	if err != nil {
		return nil, fmt.Errorf("credit balance update failed: %w", err)
	}

	if p.IdempotencyKey != "" {
		err = s.insertIdempotency(ctx, tx, p.IdempotencyKey, p.Route, users[p.FromAccountID], groupID)
		if errors.Is(err, store.ErrIdempotencyConflict) {
			// Lost the insert race: abandon our legs, read the winner.
			tx.Rollback(ctx)
			return s.lostRaceTransfer(ctx, p)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	return &store.TransferResult{
		TransferGroupID:  groupID,
		FromBalanceCents: balances[p.FromAccountID] - p.AmountCents,
		ToBalanceCents:   balances[p.ToAccountID] + p.AmountCents,
	}, nil
}

func (s *Store) Deposit(ctx context.Context, p store.DepositParams) (*store.DepositResult, error) {
	if err := store.ValidateAmount(s.limits, p.AmountCents, p.Currency); err != nil {
		return nil, err
	}
	kind := p.Kind
	if kind == "" {
		kind = models.EntryDeposit
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if p.IdempotencyKey != "" {
		ref, err := s.replayRef(ctx, tx, p.IdempotencyKey, p.Route)
		if err != nil {
			return nil, err
		}
		if ref != "" {
			acc, err := s.GetAccount(ctx, p.AccountID)
			if err != nil {
				return nil, err
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("tx commit failed: %w", err)
			}
			entryID, _ := strconv.ParseInt(ref, 10, 64)
			return &store.DepositResult{EntryID: entryID, NewBalanceCents: acc.BalanceCents, Replayed: true}, nil
		}
	}

	var bal, userID int64
	var currency string
	err = tx.QueryRow(ctx,
		`SELECT balance_cents, user_id, currency FROM accounts WHERE id = $1 FOR UPDATE`, p.AccountID).
		Scan(&bal, &userID, &currency)
	if err == pgx.ErrNoRows {
		return nil, store.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}
	if currency != s.limits.Currency {
		return nil, store.ErrCurrencyMismatch
	}

	var entryID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (account_id, kind, status, amount_cents, currency)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		p.AccountID, kind, models.StatusPosted, p.AmountCents, p.Currency).Scan(&entryID)
	if err != nil {
		return nil, fmt.Errorf("entry insert failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE accounts SET balance_cents = balance_cents + $1 WHERE id = $2`, p.AmountCents, p.AccountID)
	if err != nil {
		return nil, fmt.Errorf("balance update failed: %w", err)
	}

	if p.IdempotencyKey != "" {
		err = s.insertIdempotency(ctx, tx, p.IdempotencyKey, p.Route, userID, strconv.FormatInt(entryID, 10))
		if errors.Is(err, store.ErrIdempotencyConflict) {
			tx.Rollback(ctx)
			return s.lostRaceDeposit(ctx, p)
		}
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	return &store.DepositResult{EntryID: entryID, NewBalanceCents: bal + p.AmountCents}, nil
}

// LookupDeposit answers a deposit replay without touching the ledger: it
// reads the recorded result_ref for (key, route), refreshes last_seen_at and
// pairs the entry id with the account's current balance. Returns nil when the
// pair is unseen.
func (s *Store) LookupDeposit(ctx context.Context, accountID int64, key, route string) (*store.DepositResult, error) {
	var ref *string
	err := s.db.QueryRow(ctx,
		`SELECT result_ref FROM idempotency_keys WHERE key = $1 AND route = $2`, key, route).Scan(&ref)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	if _, err := s.db.Exec(ctx,
		`UPDATE idempotency_keys SET last_seen_at = now() WHERE key = $1 AND route = $2`, key, route); err != nil {
		return nil, fmt.Errorf("idempotency touch failed: %w", err)
	}
	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	res := &store.DepositResult{NewBalanceCents: acc.BalanceCents, Replayed: true}
	if ref != nil {
		res.EntryID, _ = strconv.ParseInt(*ref, 10, 64)
	}
	return res, nil
}

func (s *Store) SumEntries(ctx context.Context, accountID int64) (int64, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return 0, err
	}
	var sum int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind = $1 THEN -amount_cents ELSE amount_cents END), 0)
		FROM ledger_entries
		WHERE account_id = $2 AND status = $3`,
		models.EntryTransferOut, accountID, models.StatusPosted).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("entry sum failed: %w", err)
	}
	return sum, nil
}

func (s *Store) PurgeExpiredIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("idempotency purge failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- internals ---

func (s *Store) replayRef(ctx context.Context, tx pgx.Tx, key, route string) (string, error) {
	var ref *string
	err := tx.QueryRow(ctx,
		`SELECT result_ref FROM idempotency_keys WHERE key = $1 AND route = $2`, key, route).Scan(&ref)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("idempotency query failed: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE idempotency_keys SET last_seen_at = now() WHERE key = $1 AND route = $2`, key, route); err != nil {
		return "", fmt.Errorf("idempotency touch failed: %w", err)
	}
	if ref == nil {
		return "", nil
	}
	return *ref, nil
}

func (s *Store) replayTransferBalances(ctx context.Context, tx pgx.Tx, p store.TransferParams, ref string) (*store.TransferResult, error) {
	res := &store.TransferResult{TransferGroupID: ref, Replayed: true}
	for _, q := range []struct {
		id  int64
		dst *int64
	}{{p.FromAccountID, &res.FromBalanceCents}, {p.ToAccountID, &res.ToBalanceCents}} {
		err := tx.QueryRow(ctx,
			`SELECT balance_cents FROM accounts WHERE id = $1`, q.id).Scan(q.dst)
		if err == pgx.ErrNoRows {
			return nil, store.ErrAccountNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("balance query failed: %w", err)
		}
	}
	return res, nil
}

func (s *Store) insertIdempotency(ctx context.Context, tx pgx.Tx, key, route string, userID int64, resultRef string) error {
	var expires *time.Time
	if s.limits.IdempotencyTTL > 0 {
		t := time.Now().UTC().Add(s.limits.IdempotencyTTL)
		expires = &t
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO idempotency_keys (key, route, user_id, result_ref, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		key, route, userID, resultRef, expires)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return store.ErrIdempotencyConflict
		}
		return fmt.Errorf("key reservation failed: %w", err)
	}
	return nil
}

func (s *Store) lostRaceTransfer(ctx context.Context, p store.TransferParams) (*store.TransferResult, error) {
	zap.L().Info("Idempotency race lost, returning winner's transfer",
		zap.String("key", p.IdempotencyKey), zap.String("route", p.Route))
	var ref string
	err := s.db.QueryRow(ctx,
		`SELECT result_ref FROM idempotency_keys WHERE key = $1 AND route = $2`,
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

func (s *Store) lostRaceDeposit(ctx context.Context, p store.DepositParams) (*store.DepositResult, error) {
	zap.L().Info("Idempotency race lost, returning winner's deposit",
		zap.String("key", p.IdempotencyKey), zap.String("route", p.Route))
	res, err := s.LookupDeposit(ctx, p.AccountID, p.IdempotencyKey, p.Route)
	if err != nil {
		return nil, fmt.Errorf("idempotency race re-read failed: %w", err)
	}
	if res == nil {
		return nil, fmt.Errorf("idempotency race re-read found no record for key %q", p.IdempotencyKey)
	}
	return res, nil
}
