// Package fx resolves currency conversion rates for cross-currency
// authorizations.
package fx

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

	"cardauthd/retry"
)

// ErrRateNotFound indicates no rate exists for the requested pair.
var ErrRateNotFound = errors.New("fx: rate not found")

// RateProvider resolves the rate multiplying a `from` amount into `to` units.
type RateProvider interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// HTTPClient fetches rates from an external FX service.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	policy  retry.Policy
}

// NewHTTPClient constructs an FX client with the supplied call budget.
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

// Rate fetches the conversion rate for one currency pair.
func (c *HTTPClient) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	endpoint := fmt.Sprintf("%s/rates?from=%s&to=%s", c.baseURL, url.QueryEscape(from), url.QueryEscape(to))
	var payload struct {
		Rate decimal.Decimal `json:"rate"`
	}
	err := retry.Do(ctx, c.policy, func(ctx context.Context) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
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
			return false, ErrRateNotFound
		case resp.StatusCode >= 500:
			return true, fmt.Errorf("fx: status=%d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return false, fmt.Errorf("fx: status=%d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return false, fmt.Errorf("fx: decode rate: %w", err)
		}
		return false, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	if payload.Rate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrRateNotFound
	}
	return payload.Rate, nil
}

// StaticTable is an in-memory rate provider keyed by "FROM/TO" pairs. It
// backs development environments and tests.
type StaticTable struct {
	rates map[string]decimal.Decimal
}

// NewStaticTable builds a provider over a fixed pair table.
func NewStaticTable(rates map[string]decimal.Decimal) *StaticTable {
	table := make(map[string]decimal.Decimal, len(rates))
	for pair, rate := range rates {
		table[strings.ToUpper(pair)] = rate
	}
	return &StaticTable{rates: table}
}

// DefaultStaticTable covers the major pairs used by development fixtures.
func DefaultStaticTable() *StaticTable {
	return NewStaticTable(map[string]decimal.Decimal{
		"EUR/USD": decimal.RequireFromString("1.10"),
		"USD/EUR": decimal.RequireFromString("0.91"),
		"GBP/USD": decimal.RequireFromString("1.27"),
		"USD/GBP": decimal.RequireFromString("0.79"),
		"EUR/GBP": decimal.RequireFromString("0.86"),
		"GBP/EUR": decimal.RequireFromString("1.16"),
		"JPY/USD": decimal.RequireFromString("0.0067"),
		"USD/JPY": decimal.RequireFromString("149.50"),
	})
}

// Rate resolves a pair from the table. Identical currencies convert at 1.
func (t *StaticTable) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	rate, ok := t.rates[strings.ToUpper(from+"/"+to)]
	if !ok {
		return decimal.Zero, ErrRateNotFound
	}
	return rate, nil
}
