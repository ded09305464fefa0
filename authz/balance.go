package authz

import (
	"context"

	"github.com/shopspring/decimal"

	"cardauthd/directory"
	"cardauthd/fx"
	"cardauthd/ledger"
	"cardauthd/models"
)

// BalanceChecker verifies available funds at the ledger, converting the
// transaction amount into the account currency when they differ.
type BalanceChecker struct {
	ledger ledger.Client
	rates  fx.RateProvider
}

// NewBalanceChecker wires the checker against a ledger and a rate provider.
func NewBalanceChecker(lc ledger.Client, rates fx.RateProvider) *BalanceChecker {
	return &BalanceChecker{ledger: lc, rates: rates}
}

// BalanceCheck is the checker's result: the snapshot persisted on the
// decision plus the amount the hold must reserve in the account currency.
type BalanceCheck struct {
	Snapshot        *ledger.BalanceSnapshot
	ReserveAmount   decimal.Decimal
	ReserveCurrency string
	ExchangeRate    *decimal.Decimal
}

// Check loads the account balance and verifies it covers the request amount.
func (b *BalanceChecker) Check(ctx context.Context, req *models.AuthorizationRequest, card *directory.CardDetails) (*BalanceCheck, error) {
	snapshot, err := b.ledger.Balance(ctx, card.AccountID, card.AccountSpaceID)
	if err != nil {
		return nil, Upstreamf(err, "balance lookup for account %d", card.AccountID)
	}

	amount := req.Amount
	result := &BalanceCheck{Snapshot: snapshot, ReserveCurrency: snapshot.Currency}
	if req.Currency != snapshot.Currency {
		rate, err := b.rates.Rate(ctx, req.Currency, snapshot.Currency)
		if err != nil {
			return nil, Upstreamf(err, "fx rate %s to %s", req.Currency, snapshot.Currency)
		}
		amount = req.Amount.Mul(rate).Round(4)
		original := req.Amount
		snapshot.OriginalAmount = &original
		snapshot.ConvertedAmount = &amount
		snapshot.ExchangeRate = &rate
		result.ExchangeRate = &rate
	}
	result.ReserveAmount = amount

	if amount.GreaterThan(snapshot.AvailableBefore) {
		snapshot.AvailableAfter = snapshot.AvailableBefore
		return result, Declinef(models.ReasonInsufficientFunds,
			"amount %s %s exceeds available balance %s", amount, snapshot.Currency, snapshot.AvailableBefore)
	}
	snapshot.AvailableAfter = snapshot.AvailableBefore.Sub(amount)
	return result, nil
}
