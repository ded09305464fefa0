package models

// DecisionType is the binding outcome of an authorization attempt.
type DecisionType string

// All decision outcomes.
const (
	DecisionApproved  DecisionType = "APPROVED"
	DecisionDeclined  DecisionType = "DECLINED"
	DecisionChallenge DecisionType = "CHALLENGE"
	DecisionPartial   DecisionType = "PARTIAL"
)

// Approved reports whether the decision carries an approval (full or partial).
func (d DecisionType) Approved() bool {
	return d == DecisionApproved || d == DecisionPartial
}

// HoldStatus tracks the lifecycle of reserved funds.
type HoldStatus string

// Hold lifecycle states. ACTIVE is the only non-terminal state.
const (
	HoldActive   HoldStatus = "ACTIVE"
	HoldCaptured HoldStatus = "CAPTURED"
	HoldReleased HoldStatus = "RELEASED"
	HoldExpired  HoldStatus = "EXPIRED"
)

// Terminal reports whether the hold can no longer transition.
func (s HoldStatus) Terminal() bool {
	switch s {
	case HoldCaptured, HoldReleased, HoldExpired:
		return true
	}
	return false
}

// CardStatus mirrors the card directory's status vocabulary.
type CardStatus string

const (
	CardActive             CardStatus = "ACTIVE"
	CardInactive           CardStatus = "INACTIVE"
	CardBlocked            CardStatus = "BLOCKED"
	CardFrozen             CardStatus = "FROZEN"
	CardExpired            CardStatus = "EXPIRED"
	CardLost               CardStatus = "LOST"
	CardStolen             CardStatus = "STOLEN"
	CardClosed             CardStatus = "CLOSED"
	CardPendingActivation  CardStatus = "PENDING_ACTIVATION"
	CardPendingReplacement CardStatus = "PENDING_REPLACEMENT"
)

// Channel is the acquiring surface a transaction arrived on.
type Channel string

const (
	ChannelPOS         Channel = "POS"
	ChannelECommerce   Channel = "E_COMMERCE"
	ChannelATM         Channel = "ATM"
	ChannelMobileApp   Channel = "MOBILE_APP"
	ChannelContactless Channel = "CONTACTLESS"
	ChannelManualEntry Channel = "MANUAL_ENTRY"
	ChannelRecurring   Channel = "RECURRING"
	ChannelOther       Channel = "OTHER"
)

// TransactionType classifies the authorization intent.
type TransactionType string

const (
	TypePurchase         TransactionType = "PURCHASE"
	TypeWithdrawal       TransactionType = "WITHDRAWAL"
	TypeBalanceInquiry   TransactionType = "BALANCE_INQUIRY"
	TypeTransfer         TransactionType = "TRANSFER"
	TypePayment          TransactionType = "PAYMENT"
	TypeRefund           TransactionType = "REFUND"
	TypePreAuthorization TransactionType = "PRE_AUTHORIZATION"
	TypeCapture          TransactionType = "CAPTURE"
	TypeReversal         TransactionType = "REVERSAL"
	TypePINChange        TransactionType = "PIN_CHANGE"
	TypeOther            TransactionType = "OTHER"
)

// ValueBearing reports whether the transaction type moves money and therefore
// requires a positive amount.
func (t TransactionType) ValueBearing() bool {
	switch t {
	case TypeBalanceInquiry, TypePINChange:
		return false
	}
	return true
}

// WindowType scopes a spending window to a period length.
type WindowType string

const (
	WindowDaily   WindowType = "DAILY"
	WindowMonthly WindowType = "MONTHLY"
)
