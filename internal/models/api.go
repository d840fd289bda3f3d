package models

// AccountCreateRequest creates (or reuses) a user by email and their account
// in the service currency.
type AccountCreateRequest struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// AccountResponse is the canonical account view returned by the API.
type AccountResponse struct {
	UserID       int64  `json:"userId"`
	AccountID    int64  `json:"accountId"`
	Currency     string `json:"currency"`
	BalanceCents int64  `json:"balanceCents"`
}

// TransferRequest is the payload from the client.
type TransferRequest struct {
	FromAccountID int64  `json:"fromAccountId"`
	ToAccountID   int64  `json:"toAccountId"`
	AmountCents   int64  `json:"amountCents"`
	Currency      string `json:"currency"`
}

// TransferResponse returns the group id linking the two legs plus both
// post-commit balances.
type TransferResponse struct {
	TransferGroupID  string `json:"transferGroupId"`
	FromBalanceCents int64  `json:"fromBalanceCents"`
	ToBalanceCents   int64  `json:"toBalanceCents"`
}

// DepositRequest credits an account either in simulate mode or against a
// confirmed provider payment reference.
type DepositRequest struct {
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	Simulate    bool   `json:"simulate"`
	PaymentRef  string `json:"paymentRef,omitempty"`
}

// DepositResponse returns the created entry id and the new cached balance.
type DepositResponse struct {
	EntryID         int64 `json:"transactionId"`
	NewBalanceCents int64 `json:"newBalanceCents"`
}

// TransactionsResponse lists ledger entries for one account, newest first.
type TransactionsResponse struct {
	AccountID int64         `json:"accountId"`
	Items     []LedgerEntry `json:"items"`
}
