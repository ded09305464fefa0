package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AuthorizationRequest is the as-received authorization intent. Rows are
// immutable once the processed flag flips.
type AuthorizationRequest struct {
	ID              uint            `gorm:"primaryKey" json:"-"`
	RequestID       int64           `gorm:"uniqueIndex;not null" json:"requestId"`
	MaskedPan       string          `gorm:"size:32" json:"maskedPan"`
	PanHash         string          `gorm:"size:128;index" json:"panHash,omitempty"`
	Token           string          `gorm:"size:128;index" json:"token,omitempty"`
	ExpiryDate      string          `gorm:"size:5" json:"expiryDate"`
	MerchantID      string          `gorm:"size:64" json:"merchantId"`
	MerchantName    string          `gorm:"size:128" json:"merchantName"`
	Channel         Channel         `gorm:"size:16" json:"channel"`
	MCC             string          `gorm:"size:4" json:"mcc"`
	CountryCode     string          `gorm:"size:3" json:"countryCode"`
	TransactionType TransactionType `gorm:"size:24" json:"transactionType"`
	Amount          decimal.Decimal `gorm:"type:numeric(19,4)" json:"amount"`
	Currency        string          `gorm:"size:3" json:"currency"`
	Timestamp       time.Time       `json:"timestamp"`
	Cryptogram      string          `gorm:"size:128" json:"cryptogram,omitempty"`
	PinData         string          `gorm:"size:128" json:"pinData,omitempty"`
	ThreeDsData     string          `gorm:"size:512" json:"threeDsData,omitempty"`
	Processed       bool            `gorm:"index" json:"processed"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// AuthorizationDecision is the binding outcome for a request. Exactly one row
// exists per requestId; it is mutated only by challenge completion and
// reversal.
type AuthorizationDecision struct {
	ID                uint            `gorm:"primaryKey" json:"-"`
	DecisionID        int64           `gorm:"uniqueIndex;not null" json:"decisionId"`
	RequestID         int64           `gorm:"uniqueIndex;not null" json:"requestId"`
	Decision          DecisionType    `gorm:"size:16;index" json:"decision"`
	ReasonCode        ReasonCode      `gorm:"size:48" json:"reasonCode"`
	ReasonMessage     string          `gorm:"size:256" json:"reasonMessage"`
	ApprovedAmount    decimal.Decimal `gorm:"type:numeric(19,4)" json:"approvedAmount"`
	Currency          string          `gorm:"size:3" json:"currency"`
	AuthorizationCode string          `gorm:"size:6" json:"authorizationCode,omitempty"`
	RiskScore         *int            `json:"riskScore,omitempty"`
	HoldID            *int64          `gorm:"index" json:"holdId,omitempty"`
	LimitsSnapshot    string          `gorm:"type:text" json:"limitsSnapshot,omitempty"`
	BalanceSnapshot   string          `gorm:"type:text" json:"balanceSnapshot,omitempty"`
	DecisionPath      string          `gorm:"type:text" json:"decisionPath,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
	ExpiresAt         *time.Time      `json:"expiresAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// AuthorizationHold is the reserved funds backing an approval. Amount is
// immutable after creation; status only ever leaves ACTIVE.
type AuthorizationHold struct {
	ID                uint             `gorm:"primaryKey" json:"-"`
	HoldID            int64            `gorm:"uniqueIndex;not null" json:"holdId"`
	RequestID         int64            `gorm:"index;not null" json:"requestId"`
	DecisionID        int64            `gorm:"index" json:"decisionId"`
	AccountID         int64            `gorm:"index" json:"accountId"`
	AccountSpaceID    *int64           `gorm:"index" json:"accountSpaceId,omitempty"`
	CardID            int64            `gorm:"index" json:"cardId"`
	MerchantID        string           `gorm:"size:64" json:"merchantId"`
	MerchantName      string           `gorm:"size:128" json:"merchantName"`
	Amount            decimal.Decimal  `gorm:"type:numeric(19,4)" json:"amount"`
	Currency          string           `gorm:"size:3" json:"currency"`
	OriginalAmount    *decimal.Decimal `gorm:"type:numeric(19,4)" json:"originalAmount,omitempty"`
	OriginalCurrency  string           `gorm:"size:3" json:"originalCurrency,omitempty"`
	ExchangeRate      *decimal.Decimal `gorm:"type:numeric(19,8)" json:"exchangeRate,omitempty"`
	AuthorizationCode string           `gorm:"size:6" json:"authorizationCode"`
	Status            HoldStatus       `gorm:"size:16;index:idx_holds_status_expires" json:"status"`
	CapturedAmount    decimal.Decimal  `gorm:"type:numeric(19,4)" json:"capturedAmount"`
	OperationKey      string           `gorm:"size:128" json:"-"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
	CapturedAt        *time.Time       `json:"capturedAt,omitempty"`
	ExpiresAt         time.Time        `gorm:"index:idx_holds_status_expires" json:"expiresAt"`
}

// SpendingWindow is the period-scoped accumulator consumed by limit checks.
// PeriodKey is "2006-01-02" for DAILY windows and "2006-01" for MONTHLY.
type SpendingWindow struct {
	ID                  uint            `gorm:"primaryKey" json:"-"`
	CardID              int64           `gorm:"uniqueIndex:idx_window_card_period;not null" json:"cardId"`
	WindowType          WindowType      `gorm:"size:8;uniqueIndex:idx_window_card_period" json:"windowType"`
	PeriodKey           string          `gorm:"size:10;uniqueIndex:idx_window_card_period" json:"periodKey"`
	Channel             Channel         `gorm:"size:16" json:"channel,omitempty"`
	CountryCode         string          `gorm:"size:3" json:"countryCode,omitempty"`
	MCC                 string          `gorm:"size:4" json:"mcc,omitempty"`
	LimitAmount         decimal.Decimal `gorm:"type:numeric(19,4)" json:"limitAmount"`
	SpentAmount         decimal.Decimal `gorm:"type:numeric(19,4)" json:"spentAmount"`
	RemainingAmount     decimal.Decimal `gorm:"type:numeric(19,4)" json:"remainingAmount"`
	TransactionCount    int             `json:"transactionCount"`
	LastTransactionTime *time.Time      `json:"lastTransactionTime,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// SpendingCommit records that a request's amount has been applied to the
// card's spending windows, making counter updates idempotent per requestId
// and reversible exactly once.
type SpendingCommit struct {
	RequestID  int64           `gorm:"primaryKey" json:"requestId"`
	CardID     int64           `gorm:"index" json:"cardId"`
	Amount     decimal.Decimal `gorm:"type:numeric(19,4)" json:"amount"`
	Channel    Channel         `gorm:"size:16" json:"channel"`
	Reversed   bool            `json:"reversed"`
	CreatedAt  time.Time       `json:"createdAt"`
	ReversedAt *time.Time      `json:"reversedAt,omitempty"`
}

// IdempotencyKey maps a caller-supplied Idempotency-Key to the requestId it
// produced, so replays are served from the stored decision without false
// hits from hash collisions.
type IdempotencyKey struct {
	Key       string    `gorm:"primaryKey;size:128"`
	RequestID int64     `gorm:"index;not null"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&AuthorizationRequest{},
		&AuthorizationDecision{},
		&AuthorizationHold{},
		&SpendingWindow{},
		&SpendingCommit{},
		&IdempotencyKey{},
	)
}
