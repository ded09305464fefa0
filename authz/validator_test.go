package authz

import (
	"context"
	"testing"
	"time"

	"cardauthd/models"
)

func TestValidateResolvesByPANHashThenToken(t *testing.T) {
	card := testCard()
	v := NewCardValidator(newFakeDirectory(card))

	req := testRequest("10")
	got, err := v.Validate(context.Background(), req)
	if err != nil {
		t.Fatalf("validate by panHash: %v", err)
	}
	if got.CardID != card.CardID {
		t.Fatalf("got card %d, want %d", got.CardID, card.CardID)
	}

	req.PanHash = ""
	req.Token = "tok-501"
	if _, err := v.Validate(context.Background(), req); err != nil {
		t.Fatalf("validate by token: %v", err)
	}

	req.Token = ""
	if _, err := v.Validate(context.Background(), req); !IsKind(err, KindValidation) {
		t.Fatalf("expected validation error without identifiers, got %v", err)
	}
}

func TestValidateUnknownCardDeclines(t *testing.T) {
	v := NewCardValidator(newFakeDirectory())
	_, err := v.Validate(context.Background(), testRequest("10"))
	if !IsKind(err, KindDecline) {
		t.Fatalf("expected decline, got %v", err)
	}
	if ReasonOf(err) != models.ReasonInvalidCard {
		t.Fatalf("expected INVALID_CARD, got %s", ReasonOf(err))
	}
}

func TestValidateStatusMapping(t *testing.T) {
	cases := []struct {
		status models.CardStatus
		reason models.ReasonCode
	}{
		{models.CardExpired, models.ReasonExpiredCard},
		{models.CardLost, models.ReasonCardLostStolen},
		{models.CardStolen, models.ReasonCardLostStolen},
		{models.CardBlocked, models.ReasonCardNotActive},
		{models.CardInactive, models.ReasonCardNotActive},
		{models.CardPendingActivation, models.ReasonCardNotActive},
	}
	for _, tc := range cases {
		card := testCard()
		card.Status = tc.status
		v := NewCardValidator(newFakeDirectory(card))
		_, err := v.Validate(context.Background(), testRequest("10"))
		if ReasonOf(err) != tc.reason {
			t.Errorf("status %s: got reason %s, want %s", tc.status, ReasonOf(err), tc.reason)
		}
	}
}

func TestValidatePastExpiryDeclines(t *testing.T) {
	card := testCard()
	card.ExpiryDate = time.Now().UTC().Add(-24 * time.Hour)
	v := NewCardValidator(newFakeDirectory(card))
	_, err := v.Validate(context.Background(), testRequest("10"))
	if ReasonOf(err) != models.ReasonExpiredCard {
		t.Fatalf("expected EXPIRED_CARD, got %v", err)
	}
}
