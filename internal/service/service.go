// Package service hosts the transfer and deposit engines. Both delegate the
// atomic validate-append-commit sequence to the ledger store; this layer adds
// what must happen outside the store's critical section: provider
// verification before the lock and event publishing after commit.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TamsynHenke39/payments-go/internal/events"
	"github.com/TamsynHenke39/payments-go/internal/models"
	"github.com/TamsynHenke39/payments-go/internal/payments"
	"github.com/TamsynHenke39/payments-go/internal/store"
)

// RouteTransfer scopes transfer idempotency keys. The (key, route) pair is
// the true identity of an attempt; the route component is never stripped.
const RouteTransfer = "POST /transfers"

// DepositRoute scopes deposit idempotency keys per account, so the same key
// against two accounts cannot collide.
func DepositRoute(accountID int64) string {
	return fmt.Sprintf("POST /accounts/%d/deposit", accountID)
}

type Service struct {
	store     store.LedgerStore
	verifier  payments.Verifier // nil when no provider is configured
	publisher events.Publisher
}

func New(s store.LedgerStore, verifier payments.Verifier, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Service{store: s, verifier: verifier, publisher: publisher}
}

// Transfer moves amountCents between two accounts as one double-entry unit.
func (s *Service) Transfer(ctx context.Context, req models.TransferRequest, idempotencyKey string) (*store.TransferResult, error) {
	res, err := s.store.Transfer(ctx, store.TransferParams{
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		IdempotencyKey: idempotencyKey,
		Route:          RouteTransfer,
	})
	if err != nil {
		return nil, err
	}

	if res.Replayed {
		zap.L().Info("Transfer replayed from idempotency record",
			zap.String("group_id", res.TransferGroupID),
			zap.String("key", idempotencyKey))
		return res, nil
	}

	zap.L().Info("Transfer posted",
		zap.String("group_id", res.TransferGroupID),
		zap.Int64("from_account", req.FromAccountID),
		zap.Int64("to_account", req.ToAccountID),
		zap.String("amount", models.AmountString(req.AmountCents)))

	s.publish(ctx, events.TransferCompleted{
		Type:            events.TypeTransferCompleted,
		TransferGroupID: res.TransferGroupID,
		FromAccountID:   req.FromAccountID,
		ToAccountID:     req.ToAccountID,
		AmountCents:     req.AmountCents,
		Amount:          models.AmountString(req.AmountCents),
		Currency:        req.Currency,
		OccurredAt:      time.Now().UTC(),
	})
	return res, nil
}

// Deposit credits a single account. In simulate mode it credits
// unconditionally; otherwise the provider must confirm the referenced
// payment succeeded with exactly the requested amount and currency before
// any balance is touched. Verification happens before the store lock so no
// external call runs inside the critical section.
func (s *Service) Deposit(ctx context.Context, accountID int64, req models.DepositRequest, idempotencyKey string) (*store.DepositResult, error) {
	// A known (key, route) pair answers from the record alone. The provider
	// is never re-polled on replay, so a caller that timed out can still
	// learn the outcome while the provider is unreachable.
	if idempotencyKey != "" {
		res, err := s.store.LookupDeposit(ctx, accountID, idempotencyKey, DepositRoute(accountID))
		if err != nil {
			return nil, err
		}
		if res != nil {
			zap.L().Info("Deposit replayed from idempotency record",
				zap.Int64("entry_id", res.EntryID),
				zap.String("key", idempotencyKey))
			return res, nil
		}
	}

	if !req.Simulate {
		if s.verifier == nil || req.PaymentRef == "" {
			return nil, payments.ErrNotConfigured
		}
		conf, err := s.verifier.Confirm(ctx, req.PaymentRef)
		if err != nil {
			return nil, fmt.Errorf("payment verification failed: %w", err)
		}
		if err := payments.Check(conf, req.AmountCents, req.Currency); err != nil {
			zap.L().Warn("Deposit rejected on provider mismatch",
				zap.Int64("account", accountID),
				zap.String("payment_ref", req.PaymentRef),
				zap.Error(err))
			return nil, err
		}
	}

	res, err := s.store.Deposit(ctx, store.DepositParams{
		AccountID:      accountID,
		AmountCents:    req.AmountCents,
		Currency:       req.Currency,
		Kind:           models.EntryDeposit,
		IdempotencyKey: idempotencyKey,
		Route:          DepositRoute(accountID),
	})
	if err != nil {
		return nil, err
	}

	if res.Replayed {
		zap.L().Info("Deposit replayed from idempotency record",
			zap.Int64("entry_id", res.EntryID),
			zap.String("key", idempotencyKey))
		return res, nil
	}

	zap.L().Info("Deposit posted",
		zap.Int64("entry_id", res.EntryID),
		zap.Int64("account", accountID),
		zap.Bool("simulated", req.Simulate),
		zap.String("amount", models.AmountString(req.AmountCents)))

	s.publish(ctx, events.DepositCompleted{
		Type:        events.TypeDepositCompleted,
		EntryID:     res.EntryID,
		AccountID:   accountID,
		AmountCents: req.AmountCents,
		Amount:      models.AmountString(req.AmountCents),
		Currency:    req.Currency,
		OccurredAt:  time.Now().UTC(),
	})
	return res, nil
}

func (s *Service) publish(ctx context.Context, event any) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		// Best-effort: the movement is committed either way.
		zap.L().Warn("Event publish failed", zap.Error(err))
	}
}
