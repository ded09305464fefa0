package authz

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"cardauthd/config"
	"cardauthd/directory"
	"cardauthd/models"
)

const (
	dailyPeriodLayout   = "2006-01-02"
	monthlyPeriodLayout = "2006-01"
)

// LimitSnapshot is the point-in-time view of the limits consulted for one
// authorization. It is persisted on the decision for audit.
type LimitSnapshot struct {
	CardID           int64           `json:"cardId"`
	TransactionLimit decimal.Decimal `json:"transactionLimit"`
	DailyLimit       decimal.Decimal `json:"dailyLimit"`
	DailySpent       decimal.Decimal `json:"dailySpent"`
	DailyRemaining   decimal.Decimal `json:"dailyRemaining"`
	MonthlyLimit     decimal.Decimal `json:"monthlyLimit"`
	MonthlySpent     decimal.Decimal `json:"monthlySpent"`
	MonthlyRemaining decimal.Decimal `json:"monthlyRemaining"`
	ATMDailyLimit    decimal.Decimal `json:"atmDailyLimit"`
	ContactlessLimit decimal.Decimal `json:"contactlessLimit"`
	OnlineLimit      decimal.Decimal `json:"onlineLimit"`
	ChannelFactor    float64         `json:"channelFactor"`
	SnapshotDate     time.Time       `json:"snapshotDate"`
}

// LimitEvaluator validates candidate amounts against transaction, channel,
// daily and monthly limits, and owns the spending-window counters.
type LimitEvaluator struct {
	db            *gorm.DB
	defaults      config.Limits
	multipliers   config.ChannelMultipliers
	productLimits map[string]config.Limits
	now           func() time.Time
}

// NewLimitEvaluator wires the evaluator. productLimits maps product codes to
// their limit profiles; it may be nil.
func NewLimitEvaluator(db *gorm.DB, defaults config.Limits, multipliers config.ChannelMultipliers, productLimits map[string]config.Limits) *LimitEvaluator {
	return &LimitEvaluator{
		db:            db,
		defaults:      defaults,
		multipliers:   multipliers,
		productLimits: productLimits,
		now:           time.Now,
	}
}

func (e *LimitEvaluator) channelFactor(channel models.Channel) float64 {
	switch channel {
	case models.ChannelATM:
		return e.multipliers.ATM
	case models.ChannelECommerce:
		return e.multipliers.ECommerce
	case models.ChannelPOS:
		return e.multipliers.POS
	default:
		return 1.0
	}
}

// effectiveLimits resolves the card's limit profile: card-level override,
// then product-code profile, then the configured defaults.
func (e *LimitEvaluator) effectiveLimits(card *directory.CardDetails) config.Limits {
	limits := e.defaults
	if product, ok := e.productLimits[card.ProductCode]; ok {
		limits = product
	}
	if card.TransactionLimit != nil {
		limits.Transaction = *card.TransactionLimit
	}
	if card.DailyLimit != nil {
		limits.Daily = *card.DailyLimit
	}
	if card.MonthlyLimit != nil {
		limits.Monthly = *card.MonthlyLimit
	}
	return limits
}

// Evaluate checks the request amount against every applicable limit. It does
// not commit counters; Commit applies the delta after the hold is created.
func (e *LimitEvaluator) Evaluate(ctx context.Context, req *models.AuthorizationRequest, card *directory.CardDetails) (*LimitSnapshot, error) {
	limits := e.effectiveLimits(card)
	factor := e.channelFactor(req.Channel)
	factorDec := decimal.NewFromFloat(factor)

	txnLimit := limits.Transaction.Mul(factorDec)
	dailyLimit := limits.Daily.Mul(factorDec)

	now := e.now().UTC()
	dailySpent, err := e.windowSpent(ctx, card.CardID, models.WindowDaily, now.Format(dailyPeriodLayout))
	if err != nil {
		return nil, Internalf(err, "load daily window for card %d", card.CardID)
	}
	monthlySpent, err := e.windowSpent(ctx, card.CardID, models.WindowMonthly, now.Format(monthlyPeriodLayout))
	if err != nil {
		return nil, Internalf(err, "load monthly window for card %d", card.CardID)
	}

	snapshot := &LimitSnapshot{
		CardID:           card.CardID,
		TransactionLimit: txnLimit,
		DailyLimit:       dailyLimit,
		DailySpent:       dailySpent,
		DailyRemaining:   dailyLimit.Sub(dailySpent),
		MonthlyLimit:     limits.Monthly,
		MonthlySpent:     monthlySpent,
		MonthlyRemaining: limits.Monthly.Sub(monthlySpent),
		ATMDailyLimit:    limits.ATMDaily,
		ContactlessLimit: limits.Contactless,
		OnlineLimit:      limits.Online,
		ChannelFactor:    factor,
		SnapshotDate:     now,
	}

	if req.Amount.GreaterThan(txnLimit) {
		return snapshot, Declinef(models.ReasonExceedsTransactionLimit,
			"amount %s exceeds transaction limit %s", req.Amount, txnLimit)
	}

	switch req.Channel {
	case models.ChannelATM:
		if dailySpent.Add(req.Amount).GreaterThan(limits.ATMDaily) {
			return snapshot, Declinef(models.ReasonExceedsWithdrawalLimit,
				"amount %s exceeds ATM daily limit %s", req.Amount, limits.ATMDaily)
		}
	case models.ChannelContactless:
		if req.Amount.GreaterThan(limits.Contactless) {
			return snapshot, Declinef(models.ReasonExceedsTransactionLimit,
				"amount %s exceeds contactless limit %s", req.Amount, limits.Contactless)
		}
	case models.ChannelECommerce:
		if req.Amount.GreaterThan(limits.Online) {
			return snapshot, Declinef(models.ReasonExceedsTransactionLimit,
				"amount %s exceeds online limit %s", req.Amount, limits.Online)
		}
	}

	if dailySpent.Add(req.Amount).GreaterThan(dailyLimit) {
		return snapshot, Declinef(models.ReasonExceedsDailyLimit,
			"amount %s exceeds daily limit %s with %s already spent", req.Amount, dailyLimit, dailySpent)
	}
	if monthlySpent.Add(req.Amount).GreaterThan(limits.Monthly) {
		return snapshot, Declinef(models.ReasonExceedsMonthlyLimit,
			"amount %s exceeds monthly limit %s with %s already spent", req.Amount, limits.Monthly, monthlySpent)
	}
	return snapshot, nil
}

func (e *LimitEvaluator) windowSpent(ctx context.Context, cardID int64, windowType models.WindowType, periodKey string) (decimal.Decimal, error) {
	var window models.SpendingWindow
	err := e.db.WithContext(ctx).
		Where("card_id = ? AND window_type = ? AND period_key = ?", cardID, windowType, periodKey).
		First(&window).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return window.SpentAmount, nil
}

// Commit applies the approved amount to the card's daily and monthly windows
// inside tx. It is idempotent per requestId and re-validates headroom under a
// row lock so concurrent approvals cannot cross a limit.
func (e *LimitEvaluator) Commit(tx *gorm.DB, requestID int64, req *models.AuthorizationRequest, card *directory.CardDetails) error {
	var existing models.SpendingCommit
	err := tx.Where("request_id = ?", requestID).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Internalf(err, "load spending commit %d", requestID)
	}

	limits := e.effectiveLimits(card)
	factorDec := decimal.NewFromFloat(e.channelFactor(req.Channel))
	dailyLimit := limits.Daily.Mul(factorDec)
	now := e.now().UTC()

	daily, err := e.lockWindow(tx, card.CardID, models.WindowDaily, now.Format(dailyPeriodLayout), dailyLimit)
	if err != nil {
		return err
	}
	monthly, err := e.lockWindow(tx, card.CardID, models.WindowMonthly, now.Format(monthlyPeriodLayout), limits.Monthly)
	if err != nil {
		return err
	}

	if daily.SpentAmount.Add(req.Amount).GreaterThan(dailyLimit) {
		return Declinef(models.ReasonExceedsDailyLimit,
			"amount %s exceeds daily limit %s under concurrent spend", req.Amount, dailyLimit)
	}
	if monthly.SpentAmount.Add(req.Amount).GreaterThan(limits.Monthly) {
		return Declinef(models.ReasonExceedsMonthlyLimit,
			"amount %s exceeds monthly limit %s under concurrent spend", req.Amount, limits.Monthly)
	}

	for _, window := range []*models.SpendingWindow{daily, monthly} {
		window.SpentAmount = window.SpentAmount.Add(req.Amount)
		window.RemainingAmount = window.LimitAmount.Sub(window.SpentAmount)
		window.TransactionCount++
		ts := now
		window.LastTransactionTime = &ts
		if err := tx.Save(window).Error; err != nil {
			return Internalf(err, "update %s window for card %d", window.WindowType, card.CardID)
		}
	}

	commit := models.SpendingCommit{
		RequestID: requestID,
		CardID:    card.CardID,
		Amount:    req.Amount,
		Channel:   req.Channel,
	}
	if err := tx.Create(&commit).Error; err != nil {
		return Internalf(err, "record spending commit %d", requestID)
	}
	return nil
}

// Reverse undoes the spending committed for requestId, clamping windows at
// zero. A commit is reversed at most once; reversing an unknown or already
// reversed commit is a no-op.
func (e *LimitEvaluator) Reverse(tx *gorm.DB, requestID int64) error {
	var commit models.SpendingCommit
	err := lockForUpdate(tx).
		Where("request_id = ?", requestID).First(&commit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return Internalf(err, "load spending commit %d", requestID)
	}
	if commit.Reversed {
		return nil
	}

	created := commit.CreatedAt.UTC()
	keys := []struct {
		windowType models.WindowType
		periodKey  string
	}{
		{models.WindowDaily, created.Format(dailyPeriodLayout)},
		{models.WindowMonthly, created.Format(monthlyPeriodLayout)},
	}
	for _, key := range keys {
		var window models.SpendingWindow
		err := lockForUpdate(tx).
			Where("card_id = ? AND window_type = ? AND period_key = ?", commit.CardID, key.windowType, key.periodKey).
			First(&window).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return Internalf(err, "load %s window for card %d", key.windowType, commit.CardID)
		}
		window.SpentAmount = window.SpentAmount.Sub(commit.Amount)
		if window.SpentAmount.IsNegative() {
			window.SpentAmount = decimal.Zero
		}
		window.RemainingAmount = window.LimitAmount.Sub(window.SpentAmount)
		if window.TransactionCount > 0 {
			window.TransactionCount--
		}
		if err := tx.Save(&window).Error; err != nil {
			return Internalf(err, "update %s window for card %d", key.windowType, commit.CardID)
		}
	}

	now := e.now().UTC()
	commit.Reversed = true
	commit.ReversedAt = &now
	if err := tx.Save(&commit).Error; err != nil {
		return Internalf(err, "mark spending commit %d reversed", requestID)
	}
	return nil
}

// lockWindow fetches the window under FOR UPDATE, materializing it when the
// period has not been touched yet.
func (e *LimitEvaluator) lockWindow(tx *gorm.DB, cardID int64, windowType models.WindowType, periodKey string, limit decimal.Decimal) (*models.SpendingWindow, error) {
	var window models.SpendingWindow
	err := lockForUpdate(tx).
		Where("card_id = ? AND window_type = ? AND period_key = ?", cardID, windowType, periodKey).
		First(&window).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		window = models.SpendingWindow{
			CardID:          cardID,
			WindowType:      windowType,
			PeriodKey:       periodKey,
			LimitAmount:     limit,
			SpentAmount:     decimal.Zero,
			RemainingAmount: limit,
		}
		if err := tx.Create(&window).Error; err != nil {
			return nil, Internalf(err, "materialize %s window for card %d", windowType, cardID)
		}
		return &window, nil
	}
	if err != nil {
		return nil, Internalf(err, "lock %s window for card %d", windowType, cardID)
	}
	return &window, nil
}
