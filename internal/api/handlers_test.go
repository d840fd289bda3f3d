package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/TamsynHenke39/payments-go/internal/config"
	"github.com/TamsynHenke39/payments-go/internal/models"
	"github.com/TamsynHenke39/payments-go/internal/service"
	"github.com/TamsynHenke39/payments-go/internal/store"
	"github.com/TamsynHenke39/payments-go/internal/store/sqlite"
)

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Currency:       "USD",
		MaxTxCents:     50000,
		IdempotencyTTL: 24 * time.Hour,
	}
	limits := store.Limits{
		Currency:       cfg.Currency,
		MaxTxCents:     cfg.MaxTxCents,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}
	ledger, err := sqlite.New(context.Background(), sqlite.Config{Path: ":memory:"}, limits)
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(ledger.Close)

	svc := service.New(ledger, nil, nil)
	srv := httptest.NewServer(NewRouter(NewHandler(ledger, svc, cfg)))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, payload any, idempotencyKey string) (*http.Response, []byte) {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("Failed to encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &body)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, idempotencyKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp, buf.Bytes()
}

func createAccount(t *testing.T, srv *httptest.Server, email string) models.AccountResponse {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/accounts",
		models.AccountCreateRequest{Email: email}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Account create returned %d: %s", resp.StatusCode, body)
	}
	var acc models.AccountResponse
	if err := json.Unmarshal(body, &acc); err != nil {
		t.Fatalf("Failed to decode account: %v", err)
	}
	return acc
}

func TestEndToEndScenario(t *testing.T) {
	srv := setupServer(t)

	a := createAccount(t, srv, "alice@example.com")
	b := createAccount(t, srv, "bob@example.com")
	if a.BalanceCents != 0 || b.BalanceCents != 0 {
		t.Fatal("New accounts must start at zero")
	}

	// Deposit 10000 into A in simulate mode.
	resp, body := doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/accounts/%d/deposit", srv.URL, a.AccountID),
		models.DepositRequest{AmountCents: 10000, Currency: "USD", Simulate: true}, "dep-1")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Deposit returned %d: %s", resp.StatusCode, body)
	}
	var dep models.DepositResponse
	if err := json.Unmarshal(body, &dep); err != nil {
		t.Fatalf("Failed to decode deposit: %v", err)
	}
	if dep.NewBalanceCents != 10000 {
		t.Errorf("Expected balance 10000, got %d", dep.NewBalanceCents)
	}

	// Transfer 2500 from A to B.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/transfers",
		models.TransferRequest{FromAccountID: a.AccountID, ToAccountID: b.AccountID, AmountCents: 2500, Currency: "USD"}, "tr-1")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Transfer returned %d: %s", resp.StatusCode, body)
	}
	var tr models.TransferResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		t.Fatalf("Failed to decode transfer: %v", err)
	}
	if tr.FromBalanceCents != 7500 || tr.ToBalanceCents != 2500 {
		t.Errorf("Expected 7500/2500, got %d/%d", tr.FromBalanceCents, tr.ToBalanceCents)
	}

	// Transaction list for A: transfer_out then deposit, newest first.
	resp, body = doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/accounts/%d/transactions?limit=10", srv.URL, a.AccountID), nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Transactions returned %d: %s", resp.StatusCode, body)
	}
	var txns models.TransactionsResponse
	if err := json.Unmarshal(body, &txns); err != nil {
		t.Fatalf("Failed to decode transactions: %v", err)
	}
	if len(txns.Items) != 2 {
		t.Fatalf("Expected 2 transactions, got %d", len(txns.Items))
	}
	if txns.Items[0].Kind != models.EntryTransferOut || txns.Items[1].Kind != models.EntryDeposit {
		t.Errorf("Expected [transfer_out, deposit], got [%s, %s]", txns.Items[0].Kind, txns.Items[1].Kind)
	}
}

func TestTransferHandler_Replay(t *testing.T) {
	srv := setupServer(t)
	a := createAccount(t, srv, "alice@example.com")
	b := createAccount(t, srv, "bob@example.com")

	doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/accounts/%d/deposit", srv.URL, a.AccountID),
		models.DepositRequest{AmountCents: 1000, Currency: "USD", Simulate: true}, "")

	req := models.TransferRequest{FromAccountID: a.AccountID, ToAccountID: b.AccountID, AmountCents: 400, Currency: "USD"}

	resp1, body1 := doJSON(t, http.MethodPost, srv.URL+"/api/v1/transfers", req, "retry-key")
	resp2, body2 := doJSON(t, http.MethodPost, srv.URL+"/api/v1/transfers", req, "retry-key")

	if resp1.StatusCode != http.StatusCreated {
		t.Fatalf("First attempt returned %d", resp1.StatusCode)
	}
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("Replay must return 200, got %d", resp2.StatusCode)
	}
	if !bytes.Equal(body1, body2) {
		t.Errorf("Replay body differs:\n%s\n%s", body1, body2)
	}
}

func TestDepositHandler_Errors(t *testing.T) {
	srv := setupServer(t)
	a := createAccount(t, srv, "alice@example.com")

	t.Run("unknown account", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/accounts/999/deposit",
			models.DepositRequest{AmountCents: 100, Currency: "USD", Simulate: true}, "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", resp.StatusCode)
		}
	})

	t.Run("not simulated without provider", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost,
			fmt.Sprintf("%s/api/v1/accounts/%d/deposit", srv.URL, a.AccountID),
			models.DepositRequest{AmountCents: 100, Currency: "USD", Simulate: false}, "")
		if resp.StatusCode != http.StatusNotImplemented {
			t.Errorf("Expected 501, got %d", resp.StatusCode)
		}
	})

	t.Run("bad amount", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPost,
			fmt.Sprintf("%s/api/v1/accounts/%d/deposit", srv.URL, a.AccountID),
			models.DepositRequest{AmountCents: 0, Currency: "USD", Simulate: true}, "")
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("Expected 422, got %d", resp.StatusCode)
		}
	})
}

func TestTransferHandler_Errors(t *testing.T) {
	srv := setupServer(t)
	a := createAccount(t, srv, "alice@example.com")
	b := createAccount(t, srv, "bob@example.com")

	doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/accounts/%d/deposit", srv.URL, a.AccountID),
		models.DepositRequest{AmountCents: 500, Currency: "USD", Simulate: true}, "")

	cases := []struct {
		name string
		req  models.TransferRequest
		want int
	}{
		{"self transfer", models.TransferRequest{FromAccountID: a.AccountID, ToAccountID: a.AccountID, AmountCents: 100, Currency: "USD"}, http.StatusUnprocessableEntity},
		{"insufficient funds", models.TransferRequest{FromAccountID: a.AccountID, ToAccountID: b.AccountID, AmountCents: 501, Currency: "USD"}, http.StatusUnprocessableEntity},
		{"unknown source", models.TransferRequest{FromAccountID: 999, ToAccountID: b.AccountID, AmountCents: 100, Currency: "USD"}, http.StatusNotFound},
		{"currency mismatch", models.TransferRequest{FromAccountID: a.AccountID, ToAccountID: b.AccountID, AmountCents: 100, Currency: "EUR"}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/transfers", tc.req, "")
			if resp.StatusCode != tc.want {
				t.Errorf("Expected %d, got %d: %s", tc.want, resp.StatusCode, body)
			}
		})
	}
}

func TestGetAccountHandler_NotFound(t *testing.T) {
	srv := setupServer(t)
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/accounts/12345", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}
