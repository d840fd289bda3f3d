// Package events publishes post-commit notifications for downstream
// consumers. Publishing happens outside the store's critical section and is
// best-effort: a failed publish never rolls back a committed movement.
package events

import (
	"context"
	"time"
)

const (
	TypeTransferCompleted = "transfer_completed"
	TypeDepositCompleted  = "deposit_completed"
)

// TransferCompleted is emitted after both legs of a transfer commit.
type TransferCompleted struct {
	Type            string    `json:"type"`
	TransferGroupID string    `json:"transferGroupId"`
	FromAccountID   int64     `json:"fromAccountId"`
	ToAccountID     int64     `json:"toAccountId"`
	AmountCents     int64     `json:"amountCents"`
	Amount          string    `json:"amount"`
	Currency        string    `json:"currency"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// DepositCompleted is emitted after a deposit entry commits.
type DepositCompleted struct {
	Type        string    `json:"type"`
	EntryID     int64     `json:"entryId"`
	AccountID   int64     `json:"accountId"`
	AmountCents int64     `json:"amountCents"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// Publisher delivers one event to the configured sink.
type Publisher interface {
	Publish(ctx context.Context, event any) error
	Close() error
}

// Nop discards events; used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, any) error { return nil }
func (Nop) Close() error                       { return nil }
