package models

import "testing"

func TestHoldTransitions(t *testing.T) {
	for _, next := range []HoldStatus{HoldCaptured, HoldReleased, HoldExpired} {
		if err := ValidateHoldTransition(HoldActive, next); err != nil {
			t.Errorf("ACTIVE -> %s should be allowed: %v", next, err)
		}
	}
	terminals := []HoldStatus{HoldCaptured, HoldReleased, HoldExpired}
	for _, from := range terminals {
		for _, next := range []HoldStatus{HoldActive, HoldCaptured, HoldReleased, HoldExpired} {
			if err := ValidateHoldTransition(from, next); err == nil {
				t.Errorf("%s -> %s must be rejected", from, next)
			}
		}
	}
	if err := ValidateHoldTransition(HoldActive, HoldActive); err == nil {
		t.Error("self transition must be rejected")
	}
}

func TestDecisionTransitions(t *testing.T) {
	allowed := []struct{ from, to DecisionType }{
		{DecisionChallenge, DecisionApproved},
		{DecisionChallenge, DecisionDeclined},
		{DecisionApproved, DecisionDeclined},
		{DecisionPartial, DecisionDeclined},
	}
	for _, tc := range allowed {
		if err := ValidateDecisionTransition(tc.from, tc.to); err != nil {
			t.Errorf("%s -> %s should be allowed: %v", tc.from, tc.to, err)
		}
	}
	denied := []struct{ from, to DecisionType }{
		{DecisionDeclined, DecisionApproved},
		{DecisionDeclined, DecisionDeclined},
		{DecisionApproved, DecisionApproved},
		{DecisionApproved, DecisionChallenge},
		{DecisionChallenge, DecisionPartial},
	}
	for _, tc := range denied {
		if err := ValidateDecisionTransition(tc.from, tc.to); err == nil {
			t.Errorf("%s -> %s must be rejected", tc.from, tc.to)
		}
	}
}

func TestHoldStatusTerminal(t *testing.T) {
	if HoldActive.Terminal() {
		t.Error("ACTIVE is not terminal")
	}
	for _, s := range []HoldStatus{HoldCaptured, HoldReleased, HoldExpired} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}
