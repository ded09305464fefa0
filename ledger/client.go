// Package ledger implements the account ledger contract: balance reads,
// reservations against holds, and final postings.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cardauthd/retry"
)

// ErrInsufficientFunds indicates the account cannot cover the requested
// reservation.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// BalanceSnapshot is the ledger's view of an account at a point in time,
// including the FX conversion applied when the transaction currency differs
// from the account currency.
type BalanceSnapshot struct {
	AccountID       int64            `json:"accountId"`
	AccountSpaceID  *int64           `json:"accountSpaceId,omitempty"`
	Currency        string           `json:"currency"`
	AvailableBefore decimal.Decimal  `json:"availableBalanceBefore"`
	AvailableAfter  decimal.Decimal  `json:"availableBalanceAfter"`
	LedgerBalance   decimal.Decimal  `json:"ledgerBalance"`
	TotalHoldAmount decimal.Decimal  `json:"totalHoldAmount"`
	OriginalAmount  *decimal.Decimal `json:"originalAmount,omitempty"`
	ConvertedAmount *decimal.Decimal `json:"convertedAmount,omitempty"`
	ExchangeRate    *decimal.Decimal `json:"exchangeRate,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// Client is the ledger surface required by the authorization core. Reserve
// and Release are paired around the hold lifecycle; Post finalizes captured
// funds.
type Client interface {
	Balance(ctx context.Context, accountID int64, accountSpaceID *int64) (*BalanceSnapshot, error)
	Reserve(ctx context.Context, accountID int64, accountSpaceID *int64, holdID int64, amount decimal.Decimal, currency string) error
	Release(ctx context.Context, accountID int64, accountSpaceID *int64, holdID int64, amount decimal.Decimal, currency string) error
	Post(ctx context.Context, accountID int64, accountSpaceID *int64, holdID int64, amount decimal.Decimal, currency string) error
}

// HTTPClient talks to the ledger service over its REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	policy  retry.Policy
}

// NewHTTPClient constructs a ledger client with the supplied call budget.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, policy retry.Policy) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		policy:  policy,
	}
}

// Balance reads the current balance snapshot for an account or account space.
func (c *HTTPClient) Balance(ctx context.Context, accountID int64, accountSpaceID *int64) (*BalanceSnapshot, error) {
	path := fmt.Sprintf("/accounts/%d/balance", accountID)
	if accountSpaceID != nil {
		path = fmt.Sprintf("/accounts/%d/spaces/%d/balance", accountID, *accountSpaceID)
	}
	var snapshot BalanceSnapshot
	err := retry.Do(ctx, c.policy, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return false, err
		}
		c.setHeaders(req)
		resp, err := c.http.Do(req)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()
		if retriable, err := statusError(resp.StatusCode); err != nil {
			return retriable, err
		}
		if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
			return false, fmt.Errorf("ledger: decode balance: %w", err)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

type movementRequest struct {
	AccountID      int64           `json:"accountId"`
	AccountSpaceID *int64          `json:"accountSpaceId,omitempty"`
	HoldID         int64           `json:"holdId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
}

// Reserve places a hold-backed reservation against available funds.
func (c *HTTPClient) Reserve(ctx context.Context, accountID int64, accountSpaceID *int64, holdID int64, amount decimal.Decimal, currency string) error {
	return c.movement(ctx, "/holds/reserve", accountID, accountSpaceID, holdID, amount, currency)
}

// Release returns reserved funds to the available balance.
func (c *HTTPClient) Release(ctx context.Context, accountID int64, accountSpaceID *int64, holdID int64, amount decimal.Decimal, currency string) error {
	return c.movement(ctx, "/holds/release", accountID, accountSpaceID, holdID, amount, currency)
}

// Post converts reserved funds into a final debit.
func (c *HTTPClient) Post(ctx context.Context, accountID int64, accountSpaceID *int64, holdID int64, amount decimal.Decimal, currency string) error {
	return c.movement(ctx, "/holds/post", accountID, accountSpaceID, holdID, amount, currency)
}

func (c *HTTPClient) movement(ctx context.Context, path string, accountID int64, accountSpaceID *int64, holdID int64, amount decimal.Decimal, currency string) error {
	body, err := json.Marshal(movementRequest{
		AccountID:      accountID,
		AccountSpaceID: accountSpaceID,
		HoldID:         holdID,
		Amount:         amount,
		Currency:       currency,
	})
	if err != nil {
		return fmt.Errorf("ledger: encode movement: %w", err)
	}
	return retry.Do(ctx, c.policy, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return false, err
		}
		c.setHeaders(req)
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusUnprocessableEntity {
			return false, ErrInsufficientFunds
		}
		if retriable, err := statusError(resp.StatusCode); err != nil {
			return retriable, err
		}
		return false, nil
	})
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func statusError(code int) (bool, error) {
	switch {
	case code >= 200 && code < 300:
		return false, nil
	case code >= 500:
		return true, fmt.Errorf("ledger: status=%d", code)
	default:
		return false, fmt.Errorf("ledger: status=%d", code)
	}
}
