package authz

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"cardauthd/models"
)

func defaultEngine() *RiskEngine {
	return NewRiskEngine(70, 90,
		[]string{"7995", "5993", "5921", "7273", "7994", "5816", "5967"}, nil)
}

func TestAssessCleanRequestApproves(t *testing.T) {
	e := defaultEngine()
	got := e.Assess(testRequest("125.50"), testCard())
	assert.Equal(t, 0, got.Score)
	assert.Equal(t, RiskApprove, got.Recommendation)
	assert.Equal(t, "LOW", got.Level)
	assert.Empty(t, got.TriggeredRules)
}

func TestAssessHighValueThresholdsPerCurrency(t *testing.T) {
	e := defaultEngine()
	cases := []struct {
		currency string
		amount   string
		fires    bool
	}{
		{"USD", "999.99", false},
		{"USD", "1000", true},
		{"EUR", "900", true},
		{"EUR", "899.99", false},
		{"GBP", "800", true},
		{"JPY", "500", true},
		{"JPY", "499.99", false},
	}
	for _, tc := range cases {
		req := testRequest(tc.amount)
		req.Currency = tc.currency
		got := e.Assess(req, testCard())
		fired := contains(got.TriggeredRules, "high_value_transaction")
		assert.Equalf(t, tc.fires, fired, "%s %s", tc.amount, tc.currency)
	}
}

func TestAssessRoundAmount(t *testing.T) {
	e := defaultEngine()
	for amount, fires := range map[string]bool{
		"500":    true,
		"700":    true,
		"400":    false, // multiple of 100 but below the floor
		"650":    false,
		"500.01": false,
	} {
		got := e.Assess(testRequest(amount), testCard())
		assert.Equalf(t, fires, contains(got.TriggeredRules, "round_amount"), "amount %s", amount)
	}
}

func TestAssessUnusualCountryAndMCC(t *testing.T) {
	e := defaultEngine()
	req := testRequest("100")
	req.CountryCode = "BR"
	req.MCC = "7995"
	got := e.Assess(req, testCard())
	assert.Contains(t, got.TriggeredRules, "unusual_country")
	assert.Contains(t, got.TriggeredRules, "unusual_merchant_category")
	assert.Equal(t, 45, got.Score)
	assert.Equal(t, "MEDIUM", got.Level)
}

func TestAssessUnusualTimeWindow(t *testing.T) {
	e := defaultEngine()
	for hour, fires := range map[int]bool{0: false, 1: true, 3: true, 5: true, 6: false, 23: false} {
		req := testRequest("100")
		req.Timestamp = time.Date(2026, 3, 10, hour, 30, 0, 0, time.UTC)
		got := e.Assess(req, testCard())
		assert.Equalf(t, fires, contains(got.TriggeredRules, "unusual_time"), "hour %d", hour)
	}
}

func TestAssessECommerceWithout3DS(t *testing.T) {
	e := defaultEngine()

	req := testRequest("100")
	req.Channel = models.ChannelECommerce
	card := testCard()
	card.ThreeDsEnrollmentStatus = "N"
	got := e.Assess(req, card)
	assert.Contains(t, got.TriggeredRules, "ecommerce_without_3ds")

	// Enrolled card with 3DS data does not fire.
	card.ThreeDsEnrollmentStatus = "Y"
	req.ThreeDsData = `{"eci":"05"}`
	got = e.Assess(req, card)
	assert.NotContains(t, got.TriggeredRules, "ecommerce_without_3ds")

	// Enrolled but no 3DS data on the request still fires.
	req.ThreeDsData = ""
	got = e.Assess(req, card)
	assert.Contains(t, got.TriggeredRules, "ecommerce_without_3ds")
}

func TestAssessRecommendationThresholds(t *testing.T) {
	e := defaultEngine()

	// unusual_country +30, ecommerce_without_3ds +25, high_value +20 = 75.
	req := testRequest("1250.50")
	req.Channel = models.ChannelECommerce
	req.CountryCode = "BR"
	card := testCard()
	card.ThreeDsEnrollmentStatus = "N"
	got := e.Assess(req, card)
	assert.Equal(t, 75, got.Score)
	assert.Equal(t, RiskChallenge, got.Recommendation)
	assert.Equal(t, "HIGH", got.Level)

	// Adding unusual_merchant_category +15 and unusual_time +10 caps at 100.
	req.MCC = "7995"
	req.Timestamp = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	got = e.Assess(req, card)
	assert.Equal(t, 100, got.Score)
	assert.Equal(t, RiskDecline, got.Recommendation)
}

func TestAssessIsDeterministic(t *testing.T) {
	e := defaultEngine()
	req := testRequest("1000")
	req.MCC = "7995"
	first := e.Assess(req, testCard())
	second := e.Assess(req, testCard())
	assert.Equal(t, first, second)
}

func TestIsRoundAmountPrecision(t *testing.T) {
	assert.True(t, isRoundAmount(decimal.RequireFromString("1200")))
	assert.False(t, isRoundAmount(decimal.RequireFromString("1200.0001")))
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
