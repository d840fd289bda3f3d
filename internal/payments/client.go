package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client verifies payments against the provider's REST API.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewClient returns a Verifier backed by the provider at baseURL. Both
// arguments are required; use a nil Verifier to run without a provider.
func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// providerIntent is the subset of the provider payload we act on. Amounts
// arrive in the smallest currency unit already.
type providerIntent struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	AmountReceived int64  `json:"amount_received"`
	Currency       string `json:"currency"`
}

// Confirm retrieves the payment identified by paymentRef.
func (c *Client) Confirm(ctx context.Context, paymentRef string) (*Confirmation, error) {
	url := fmt.Sprintf("%s/v1/payment_intents/%s", c.baseURL, paymentRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("provider request build failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		zap.L().Warn("Provider returned non-OK status",
			zap.String("payment_ref", paymentRef),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("provider returned status %d for payment %s", resp.StatusCode, paymentRef)
	}

	var intent providerIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, fmt.Errorf("provider response decode failed: %w", err)
	}

	return &Confirmation{
		Status:      intent.Status,
		AmountCents: intent.AmountReceived,
		Currency:    strings.ToUpper(intent.Currency),
	}, nil
}
