package authz

import (
	"strings"

	"github.com/shopspring/decimal"

	"cardauthd/directory"
	"cardauthd/models"
)

// Risk recommendations.
const (
	RiskApprove   = "APPROVE"
	RiskChallenge = "CHALLENGE"
	RiskDecline   = "DECLINE"
)

// Rule contribution weights.
const (
	weightHighValue       = 20
	weightRoundAmount     = 5
	weightUnusualCountry  = 30
	weightHighRiskMCC     = 15
	weightUnusualTime     = 10
	weightNoThreeDS       = 25
	maxRiskScore          = 100
	roundAmountFloorUnits = 500
)

// highValueThresholds are the per-currency amounts above which a transaction
// counts as high value. Currencies not listed use the fallback.
var highValueThresholds = map[string]decimal.Decimal{
	"USD": decimal.NewFromInt(1000),
	"EUR": decimal.NewFromInt(900),
	"GBP": decimal.NewFromInt(800),
}

var highValueFallback = decimal.NewFromInt(500)

// RiskAssessment is the engine's verdict for one request.
type RiskAssessment struct {
	Score          int      `json:"score"`
	Level          string   `json:"riskLevel"`
	Recommendation string   `json:"recommendation"`
	Reason         string   `json:"reason,omitempty"`
	TriggeredRules []string `json:"triggeredRules,omitempty"`
}

// RiskEngine scores requests against a fixed rule set. It is stateless and
// deterministic given its configuration.
type RiskEngine struct {
	challengeThreshold int
	declineThreshold   int
	highRiskMCCs       map[string]struct{}
	highRiskCountries  map[string]struct{}
}

// NewRiskEngine builds an engine with the given thresholds and high-risk
// sets.
func NewRiskEngine(challengeThreshold, declineThreshold int, mccs, countries []string) *RiskEngine {
	return &RiskEngine{
		challengeThreshold: challengeThreshold,
		declineThreshold:   declineThreshold,
		highRiskMCCs:       toSet(mccs),
		highRiskCountries:  toSet(countries),
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToUpper(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}

// Assess scores the request and maps the score to a recommendation.
func (e *RiskEngine) Assess(req *models.AuthorizationRequest, card *directory.CardDetails) RiskAssessment {
	score := 0
	var triggered []string

	threshold, ok := highValueThresholds[req.Currency]
	if !ok {
		threshold = highValueFallback
	}
	if req.Amount.GreaterThanOrEqual(threshold) {
		score += weightHighValue
		triggered = append(triggered, "high_value_transaction")
	}

	if isRoundAmount(req.Amount) {
		score += weightRoundAmount
		triggered = append(triggered, "round_amount")
	}

	if req.CountryCode != "" && card.IssuerCountry != "" && req.CountryCode != card.IssuerCountry {
		score += weightUnusualCountry
		triggered = append(triggered, "unusual_country")
	}
	if _, risky := e.highRiskCountries[strings.ToUpper(req.CountryCode)]; risky {
		score += weightUnusualCountry
		triggered = append(triggered, "high_risk_country")
	}

	if _, risky := e.highRiskMCCs[req.MCC]; risky {
		score += weightHighRiskMCC
		triggered = append(triggered, "unusual_merchant_category")
	}

	hour := req.Timestamp.UTC().Hour()
	if hour >= 1 && hour <= 5 {
		score += weightUnusualTime
		triggered = append(triggered, "unusual_time")
	}

	if req.Channel == models.ChannelECommerce && (!card.Enrolled3DS() || req.ThreeDsData == "") {
		score += weightNoThreeDS
		triggered = append(triggered, "ecommerce_without_3ds")
	}

	if score > maxRiskScore {
		score = maxRiskScore
	}

	assessment := RiskAssessment{
		Score:          score,
		Level:          riskLevel(score),
		TriggeredRules: triggered,
	}
	switch {
	case score >= e.declineThreshold:
		assessment.Recommendation = RiskDecline
		assessment.Reason = "risk score above decline threshold"
	case score >= e.challengeThreshold:
		assessment.Recommendation = RiskChallenge
		assessment.Reason = "risk score requires additional verification"
	default:
		assessment.Recommendation = RiskApprove
	}
	return assessment
}

// isRoundAmount reports whether the amount is an exact multiple of 100 and at
// least 500 currency units.
func isRoundAmount(amount decimal.Decimal) bool {
	if amount.LessThan(decimal.NewFromInt(roundAmountFloorUnits)) {
		return false
	}
	return amount.Mod(decimal.NewFromInt(100)).IsZero()
}

func riskLevel(score int) string {
	switch {
	case score >= 70:
		return "HIGH"
	case score >= 40:
		return "MEDIUM"
	default:
		return "LOW"
	}
}
