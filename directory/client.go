// Package directory implements the card directory contract: resolving card
// attributes by PAN hash or token.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cardauthd/models"
	"cardauthd/retry"
)

// ErrCardNotFound indicates the directory has no card for the supplied
// identifier.
var ErrCardNotFound = errors.New("directory: card not found")

// CardDetails carries the directory's view of a card, including the card- and
// product-level limits consumed by the limit evaluator.
type CardDetails struct {
	CardID                  int64             `json:"cardId"`
	MaskedPan               string            `json:"maskedPan"`
	PanHash                 string            `json:"panHash,omitempty"`
	Token                   string            `json:"token,omitempty"`
	BIN                     string            `json:"bin"`
	CardType                string            `json:"cardType"`
	CardBrand               string            `json:"cardBrand"`
	Status                  models.CardStatus `json:"status"`
	CardholderName          string            `json:"cardholderName"`
	ExpiryDate              time.Time         `json:"expiryDate"`
	IssueDate               time.Time         `json:"issueDate"`
	AccountID               int64             `json:"accountId"`
	AccountSpaceID          *int64            `json:"accountSpaceId,omitempty"`
	CustomerID              int64             `json:"customerId"`
	ThreeDsEnrollmentStatus string            `json:"threeDsEnrollmentStatus"`
	ProductCode             string            `json:"productCode"`
	IssuerCountry           string            `json:"issuerCountry"`

	TransactionLimit *decimal.Decimal `json:"transactionLimit,omitempty"`
	DailyLimit       *decimal.Decimal `json:"dailyLimit,omitempty"`
	MonthlyLimit     *decimal.Decimal `json:"monthlyLimit,omitempty"`
}

// Enrolled3DS reports whether the card is enrolled in 3-D Secure.
func (c *CardDetails) Enrolled3DS() bool {
	return c != nil && c.ThreeDsEnrollmentStatus == "Y"
}

// Client is the card directory surface required by the authorization core.
type Client interface {
	CardByPANHash(ctx context.Context, panHash string) (*CardDetails, error)
	CardByToken(ctx context.Context, token string) (*CardDetails, error)
}

// HTTPClient talks to the card directory service over its REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	policy  retry.Policy
}

// NewHTTPClient constructs a directory client with the supplied call budget.
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

// CardByPANHash resolves a card by the hash of its PAN.
func (c *HTTPClient) CardByPANHash(ctx context.Context, panHash string) (*CardDetails, error) {
	return c.get(ctx, "/cards/pan-hash/"+url.PathEscape(panHash))
}

// CardByToken resolves a card by its network token.
func (c *HTTPClient) CardByToken(ctx context.Context, token string) (*CardDetails, error) {
	return c.get(ctx, "/cards/token/"+url.PathEscape(token))
}

func (c *HTTPClient) get(ctx context.Context, path string) (*CardDetails, error) {
	var details CardDetails
	err := retry.Do(ctx, c.policy, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return false, err
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return false, ErrCardNotFound
		case resp.StatusCode >= 500:
			return true, fmt.Errorf("directory: status=%d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return false, fmt.Errorf("directory: status=%d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
			return false, fmt.Errorf("directory: decode response: %w", err)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return &details, nil
}
