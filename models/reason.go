package models

// ReasonCode is the closed set of ISO-style response codes attached to every
// authorization decision.
type ReasonCode string

// Approval codes.
const (
	ReasonApprovedTransaction ReasonCode = "APPROVED_TRANSACTION"
	ReasonApprovedWithID      ReasonCode = "APPROVED_WITH_ID"
	ReasonApprovedPartial     ReasonCode = "APPROVED_PARTIAL"
	ReasonApprovedVIP         ReasonCode = "APPROVED_VIP"
)

// Decline codes, card related.
const (
	ReasonInvalidCard    ReasonCode = "INVALID_CARD"
	ReasonExpiredCard    ReasonCode = "EXPIRED_CARD"
	ReasonCardNotActive  ReasonCode = "CARD_NOT_ACTIVE"
	ReasonCardRestricted ReasonCode = "CARD_RESTRICTED"
	ReasonCardLostStolen ReasonCode = "CARD_LOST_STOLEN"
)

// Decline codes, limit related.
const (
	ReasonExceedsWithdrawalLimit  ReasonCode = "EXCEEDS_WITHDRAWAL_LIMIT"
	ReasonExceedsDailyLimit       ReasonCode = "EXCEEDS_DAILY_LIMIT"
	ReasonExceedsMonthlyLimit     ReasonCode = "EXCEEDS_MONTHLY_LIMIT"
	ReasonExceedsTransactionLimit ReasonCode = "EXCEEDS_TRANSACTION_LIMIT"
)

// Decline codes, funds related.
const (
	ReasonInsufficientFunds ReasonCode = "INSUFFICIENT_FUNDS"
	ReasonAccountClosed     ReasonCode = "ACCOUNT_CLOSED"
)

// Decline codes, security related.
const (
	ReasonSuspectedFraud    ReasonCode = "SUSPECTED_FRAUD"
	ReasonSecurityViolation ReasonCode = "SECURITY_VIOLATION"
	ReasonInvalidPIN        ReasonCode = "INVALID_PIN"
	ReasonExceedsPINRetries ReasonCode = "EXCEEDS_PIN_RETRIES"
)

// Challenge codes.
const (
	ReasonVerificationRequired     ReasonCode = "VERIFICATION_REQUIRED"
	ReasonAdditionalAuthentication ReasonCode = "ADDITIONAL_AUTHENTICATION_REQUIRED"
)

// System codes. DUPLICATE_TRANSACTION doubles as the reversal reason; the
// wire code must stay 94 for network compatibility.
const (
	ReasonSystemError          ReasonCode = "SYSTEM_ERROR"
	ReasonFormatError          ReasonCode = "FORMAT_ERROR"
	ReasonDuplicateTransaction ReasonCode = "DUPLICATE_TRANSACTION"
	ReasonIssuerUnavailable    ReasonCode = "ISSUER_UNAVAILABLE"
)

type reasonInfo struct {
	code        string
	description string
	approval    bool
}

var reasonTable = map[ReasonCode]reasonInfo{
	ReasonApprovedTransaction: {"00", "Approved transaction", true},
	ReasonApprovedWithID:      {"08", "Approved with identification", true},
	ReasonApprovedPartial:     {"10", "Approved for partial amount", true},
	ReasonApprovedVIP:         {"11", "Approved VIP", true},

	ReasonInvalidCard:    {"14", "Invalid card number", false},
	ReasonExpiredCard:    {"54", "Expired card", false},
	ReasonCardNotActive:  {"62", "Card not active", false},
	ReasonCardRestricted: {"36", "Card restricted", false},
	ReasonCardLostStolen: {"41", "Card reported lost or stolen", false},

	ReasonExceedsWithdrawalLimit:  {"61", "Exceeds withdrawal limit", false},
	ReasonExceedsDailyLimit:       {"65", "Exceeds daily limit", false},
	ReasonExceedsMonthlyLimit:     {"66", "Exceeds monthly limit", false},
	ReasonExceedsTransactionLimit: {"13", "Exceeds transaction limit", false},

	ReasonInsufficientFunds: {"51", "Insufficient funds", false},
	ReasonAccountClosed:     {"64", "Account closed", false},

	ReasonSuspectedFraud:    {"59", "Suspected fraud", false},
	ReasonSecurityViolation: {"63", "Security violation", false},
	ReasonInvalidPIN:        {"55", "Invalid PIN", false},
	ReasonExceedsPINRetries: {"75", "Exceeds PIN retries", false},

	ReasonVerificationRequired:     {"01", "Verification required", false},
	ReasonAdditionalAuthentication: {"02", "Additional authentication required", false},

	ReasonSystemError:          {"96", "System error", false},
	ReasonFormatError:          {"30", "Format error", false},
	ReasonDuplicateTransaction: {"94", "Duplicate transaction", false},
	ReasonIssuerUnavailable:    {"91", "Issuer unavailable", false},
}

// Code returns the two-digit wire code for the reason.
func (r ReasonCode) Code() string {
	return reasonTable[r].code
}

// Description returns the human-readable description for the reason.
func (r ReasonCode) Description() string {
	return reasonTable[r].description
}

// Approval reports whether the reason belongs to the approve class.
func (r ReasonCode) Approval() bool {
	return reasonTable[r].approval
}

// Known reports whether the reason is part of the closed enum.
func (r ReasonCode) Known() bool {
	_, ok := reasonTable[r]
	return ok
}

// ReasonByCode resolves a wire code back to its enum value. The zero value is
// returned for unknown codes.
func ReasonByCode(code string) ReasonCode {
	for reason, info := range reasonTable {
		if info.code == code {
			return reason
		}
	}
	return ""
}
