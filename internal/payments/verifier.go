// Package payments models the external payment provider as a query-only
// collaborator: the service never initiates charges here, it only verifies
// that a payment the client claims to have completed actually reached a
// terminal succeeded state with the expected amount and currency.
package payments

import (
	"context"
	"errors"
)

var (
	// ErrNotConfigured is returned when a confirmed deposit is requested but
	// no provider credentials are set. Callers must not credit in that case.
	ErrNotConfigured = errors.New("payment provider not configured")
	// ErrMismatch is returned when the provider's view of a payment does not
	// match the requested status, amount or currency.
	ErrMismatch = errors.New("payment confirmation mismatch")
)

// StatusSucceeded is the only terminal state that allows a credit.
const StatusSucceeded = "succeeded"

// Confirmation is the provider's view of one payment.
type Confirmation struct {
	Status      string
	AmountCents int64
	Currency    string
}

// Verifier looks up a payment by the provider's reference.
type Verifier interface {
	Confirm(ctx context.Context, paymentRef string) (*Confirmation, error)
}

// Check validates a confirmation against the requested amount and currency.
func Check(conf *Confirmation, amountCents int64, currency string) error {
	if conf.Status != StatusSucceeded {
		return &MismatchError{Field: "status", Expected: StatusSucceeded, Got: conf.Status}
	}
	if conf.AmountCents != amountCents {
		return &MismatchError{Field: "amount", Expected: amountCents, Got: conf.AmountCents}
	}
	if conf.Currency != currency {
		return &MismatchError{Field: "currency", Expected: currency, Got: conf.Currency}
	}
	return nil
}
