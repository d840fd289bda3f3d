package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TamsynHenke39/payments-go/internal/events"
	"github.com/TamsynHenke39/payments-go/internal/models"
	"github.com/TamsynHenke39/payments-go/internal/payments"
	"github.com/TamsynHenke39/payments-go/internal/store"
	"github.com/TamsynHenke39/payments-go/internal/store/sqlite"
)

type fakeVerifier struct {
	conf *payments.Confirmation
	err  error
}

func (f *fakeVerifier) Confirm(context.Context, string) (*payments.Confirmation, error) {
	return f.conf, f.err
}

// flakyVerifier confirms the first call and fails every later one, standing
// in for a provider that became unreachable between retries.
type flakyVerifier struct {
	calls int
	conf  *payments.Confirmation
}

func (f *flakyVerifier) Confirm(context.Context, string) (*payments.Confirmation, error) {
	f.calls++
	if f.calls > 1 {
		return nil, errors.New("provider unreachable")
	}
	return f.conf, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []any
}

func (c *capturePublisher) Publish(_ context.Context, event any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func (c *capturePublisher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func setupService(t *testing.T, verifier payments.Verifier) (*Service, store.LedgerStore, *capturePublisher) {
	t.Helper()
	limits := store.Limits{Currency: "USD", MaxTxCents: 50000, IdempotencyTTL: 24 * time.Hour}
	ledger, err := sqlite.New(context.Background(), sqlite.Config{Path: ":memory:"}, limits)
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(ledger.Close)
	pub := &capturePublisher{}
	return New(ledger, verifier, pub), ledger, pub
}

func seedAccount(t *testing.T, ledger store.LedgerStore, email string, balance int64) int64 {
	t.Helper()
	acc, err := ledger.CreateOrGetAccount(context.Background(), email, "")
	if err != nil {
		t.Fatalf("CreateOrGetAccount failed: %v", err)
	}
	if balance > 0 {
		if _, err := ledger.Deposit(context.Background(), store.DepositParams{
			AccountID:   acc.AccountID,
			AmountCents: balance,
			Currency:    "USD",
		}); err != nil {
			t.Fatalf("Seed deposit failed: %v", err)
		}
	}
	return acc.AccountID
}

func TestDeposit_SimulateCredits(t *testing.T) {
	svc, ledger, pub := setupService(t, nil)
	id := seedAccount(t, ledger, "alice@example.com", 0)

	res, err := svc.Deposit(context.Background(), id, models.DepositRequest{
		AmountCents: 10000,
		Currency:    "USD",
		Simulate:    true,
	}, "")
	if err != nil {
		t.Fatalf("Simulated deposit failed: %v", err)
	}
	if res.NewBalanceCents != 10000 {
		t.Errorf("Expected balance 10000, got %d", res.NewBalanceCents)
	}
	if pub.count() != 1 {
		t.Errorf("Expected one DepositCompleted event, got %d", pub.count())
	}
}

func TestDeposit_NoProviderNoSimulate(t *testing.T) {
	svc, ledger, _ := setupService(t, nil)
	id := seedAccount(t, ledger, "alice@example.com", 0)

	_, err := svc.Deposit(context.Background(), id, models.DepositRequest{
		AmountCents: 100,
		Currency:    "USD",
		Simulate:    false,
		PaymentRef:  "pi_123",
	}, "")
	if !errors.Is(err, payments.ErrNotConfigured) {
		t.Errorf("Expected ErrNotConfigured, got %v", err)
	}

	acc, _ := ledger.GetAccount(context.Background(), id)
	if acc.BalanceCents != 0 {
		t.Errorf("Balance must be untouched, got %d", acc.BalanceCents)
	}
}

func TestDeposit_ProviderMismatch(t *testing.T) {
	cases := []struct {
		name string
		conf payments.Confirmation
	}{
		{"not succeeded", payments.Confirmation{Status: "processing", AmountCents: 100, Currency: "USD"}},
		{"amount differs", payments.Confirmation{Status: payments.StatusSucceeded, AmountCents: 99, Currency: "USD"}},
		{"currency differs", payments.Confirmation{Status: payments.StatusSucceeded, AmountCents: 100, Currency: "EUR"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conf := tc.conf
			svc, ledger, pub := setupService(t, &fakeVerifier{conf: &conf})
			id := seedAccount(t, ledger, "alice@example.com", 0)

			_, err := svc.Deposit(context.Background(), id, models.DepositRequest{
				AmountCents: 100,
				Currency:    "USD",
				PaymentRef:  "pi_123",
			}, "")
			if !errors.Is(err, payments.ErrMismatch) {
				t.Fatalf("Expected ErrMismatch, got %v", err)
			}

			acc, _ := ledger.GetAccount(context.Background(), id)
			if acc.BalanceCents != 0 {
				t.Errorf("No credit may be applied on mismatch, balance %d", acc.BalanceCents)
			}
			if pub.count() != 0 {
				t.Errorf("No event may be published on mismatch")
			}
		})
	}
}

func TestDeposit_ProviderConfirmed(t *testing.T) {
	verifier := &fakeVerifier{conf: &payments.Confirmation{
		Status:      payments.StatusSucceeded,
		AmountCents: 2500,
		Currency:    "USD",
	}}
	svc, ledger, pub := setupService(t, verifier)
	id := seedAccount(t, ledger, "alice@example.com", 0)

	res, err := svc.Deposit(context.Background(), id, models.DepositRequest{
		AmountCents: 2500,
		Currency:    "USD",
		PaymentRef:  "pi_123",
	}, "dep-key-1")
	if err != nil {
		t.Fatalf("Confirmed deposit failed: %v", err)
	}
	if res.NewBalanceCents != 2500 {
		t.Errorf("Expected balance 2500, got %d", res.NewBalanceCents)
	}
	if pub.count() != 1 {
		t.Errorf("Expected one event, got %d", pub.count())
	}
}

func TestDeposit_ReplayAnswersWithoutProvider(t *testing.T) {
	verifier := &flakyVerifier{conf: &payments.Confirmation{
		Status:      payments.StatusSucceeded,
		AmountCents: 2500,
		Currency:    "USD",
	}}
	svc, ledger, pub := setupService(t, verifier)
	id := seedAccount(t, ledger, "alice@example.com", 0)

	req := models.DepositRequest{
		AmountCents: 2500,
		Currency:    "USD",
		PaymentRef:  "pi_123",
	}

	first, err := svc.Deposit(context.Background(), id, req, "dep-key-1")
	if err != nil {
		t.Fatalf("Confirmed deposit failed: %v", err)
	}

	// A retry with the same key must return the recorded outcome even though
	// the provider is now unreachable.
	second, err := svc.Deposit(context.Background(), id, req, "dep-key-1")
	if err != nil {
		t.Fatalf("Replay must not depend on the provider: %v", err)
	}
	if !second.Replayed {
		t.Error("Second call with same key must be a replay")
	}
	if second.EntryID != first.EntryID || second.NewBalanceCents != first.NewBalanceCents {
		t.Errorf("Replay mismatch: %+v vs %+v", second, first)
	}
	if verifier.calls != 1 {
		t.Errorf("Provider must be consulted exactly once, got %d calls", verifier.calls)
	}
	if pub.count() != 1 {
		t.Errorf("Replay must not publish a second event, got %d", pub.count())
	}
}

func TestTransfer_PublishesOnceAcrossReplays(t *testing.T) {
	svc, ledger, pub := setupService(t, nil)
	from := seedAccount(t, ledger, "alice@example.com", 1000)
	to := seedAccount(t, ledger, "bob@example.com", 0)

	req := models.TransferRequest{
		FromAccountID: from,
		ToAccountID:   to,
		AmountCents:   300,
		Currency:      "USD",
	}

	first, err := svc.Transfer(context.Background(), req, "tr-key-1")
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	second, err := svc.Transfer(context.Background(), req, "tr-key-1")
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}

	if second.TransferGroupID != first.TransferGroupID {
		t.Errorf("Replay group id mismatch: %s vs %s", second.TransferGroupID, first.TransferGroupID)
	}
	if pub.count() != 1 {
		t.Errorf("Replay must not publish a second event, got %d", pub.count())
	}
	if evt, ok := pub.events[0].(events.TransferCompleted); !ok {
		t.Errorf("Expected TransferCompleted, got %T", pub.events[0])
	} else if evt.Amount != "3.00" {
		t.Errorf("Expected decimal amount 3.00, got %s", evt.Amount)
	}
}
