package authz

import (
	"context"
	"errors"
	"strings"
	"time"

	"cardauthd/directory"
	"cardauthd/models"
)

// CardValidator resolves a card for a request and checks that it may
// transact.
type CardValidator struct {
	directory directory.Client
	now       func() time.Time
}

// NewCardValidator wires the validator against a card directory.
func NewCardValidator(dir directory.Client) *CardValidator {
	return &CardValidator{directory: dir, now: time.Now}
}

// Validate resolves the request's card and applies status and expiry checks.
// It has no side effects.
func (v *CardValidator) Validate(ctx context.Context, req *models.AuthorizationRequest) (*directory.CardDetails, error) {
	card, err := v.lookup(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := v.checkStatus(card); err != nil {
		return nil, err
	}
	if err := v.checkExpiry(card); err != nil {
		return nil, err
	}
	return card, nil
}

func (v *CardValidator) lookup(ctx context.Context, req *models.AuthorizationRequest) (*directory.CardDetails, error) {
	var (
		card *directory.CardDetails
		err  error
	)
	switch {
	case req.PanHash != "":
		card, err = v.directory.CardByPANHash(ctx, req.PanHash)
	case req.Token != "":
		card, err = v.directory.CardByToken(ctx, req.Token)
	default:
		return nil, Validationf("request %d carries neither panHash nor token", req.RequestID)
	}
	if err != nil {
		if errors.Is(err, directory.ErrCardNotFound) {
			return nil, Declinef(models.ReasonInvalidCard, "card not found")
		}
		return nil, Upstreamf(err, "card directory lookup failed")
	}
	return card, nil
}

func (v *CardValidator) checkStatus(card *directory.CardDetails) error {
	switch card.Status {
	case models.CardActive:
		return nil
	case models.CardExpired:
		return Declinef(models.ReasonExpiredCard, "card %d is expired", card.CardID)
	case models.CardLost, models.CardStolen:
		return Declinef(models.ReasonCardLostStolen, "card %d reported %s", card.CardID, strings.ToLower(string(card.Status)))
	default:
		return Declinef(models.ReasonCardNotActive, "card %d status is %s", card.CardID, card.Status)
	}
}

func (v *CardValidator) checkExpiry(card *directory.CardDetails) error {
	if card.ExpiryDate.IsZero() {
		return nil
	}
	if !card.ExpiryDate.After(v.now().UTC()) {
		return Declinef(models.ReasonExpiredCard, "card %d expired on %s", card.CardID, card.ExpiryDate.Format("2006-01-02"))
	}
	return nil
}
