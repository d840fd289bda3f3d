package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entry kinds. Direction is carried by the kind, never by the sign of the
// amount: deposit, transfer_in and adjustment credit an account,
// transfer_out debits it.
const (
	EntryDeposit     = "deposit"
	EntryTransferOut = "transfer_out"
	EntryTransferIn  = "transfer_in"
	EntryAdjustment  = "adjustment"
)

// Entry statuses.
const (
	StatusPending = "pending"
	StatusPosted  = "posted"
	StatusFailed  = "failed"
)

// LedgerEntry is one immutable leg of a money movement. Transfer legs share
// a TransferGroupID; the credit leg back-references its debit leg.
type LedgerEntry struct {
	ID              int64     `json:"id"`
	AccountID       int64     `json:"accountId"`
	Kind            string    `json:"type"`
	Status          string    `json:"status"`
	AmountCents     int64     `json:"amountCents"`
	Currency        string    `json:"currency"`
	TransferGroupID *string   `json:"transferGroupId,omitempty"`
	RelatedEntryID  *int64    `json:"relatedEntryId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// IsCredit reports whether an entry kind increases the account balance.
func IsCredit(kind string) bool {
	return kind == EntryDeposit || kind == EntryTransferIn || kind == EntryAdjustment
}

// AmountString renders minor units as a fixed-point decimal, e.g. 2500 -> "25.00".
func AmountString(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
