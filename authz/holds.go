package authz

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"cardauthd/ledger"
	"cardauthd/models"
	"cardauthd/observability"
)

// HoldManager owns the reserved-funds state machine. Every mutation of a
// hold is serialized per holdId and performed atomically with its ledger
// movement.
type HoldManager struct {
	db      *gorm.DB
	ledger  ledger.Client
	log     *slog.Logger
	metrics *observability.AuthorizationMetrics
	locks   *keyedMutex
	ttl     time.Duration
	now     func() time.Time
}

// NewHoldManager wires the manager. ttl is the ACTIVE lifetime applied at
// creation.
func NewHoldManager(db *gorm.DB, lc ledger.Client, log *slog.Logger, ttl time.Duration) *HoldManager {
	if ttl <= 0 {
		ttl = 168 * time.Hour
	}
	return &HoldManager{
		db:      db,
		ledger:  lc,
		log:     log,
		metrics: observability.Authorization(),
		locks:   newKeyedMutex(),
		ttl:     ttl,
		now:     time.Now,
	}
}

// CreateHoldParams carries everything needed to reserve funds for an
// approval.
type CreateHoldParams struct {
	RequestID         int64
	DecisionID        int64
	AccountID         int64
	AccountSpaceID    *int64
	CardID            int64
	MerchantID        string
	MerchantName      string
	Amount            decimal.Decimal
	Currency          string
	OriginalAmount    *decimal.Decimal
	OriginalCurrency  string
	ExchangeRate      *decimal.Decimal
	AuthorizationCode string
}

// Create reserves funds at the ledger and persists an ACTIVE hold. If the
// row cannot be written after the reserve succeeded, the reservation is
// compensated with a release before the error is returned.
func (m *HoldManager) Create(ctx context.Context, params CreateHoldParams) (*models.AuthorizationHold, error) {
	if params.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, Validationf("hold amount must be positive, got %s", params.Amount)
	}
	holdID := NewID()

	err := m.ledger.Reserve(ctx, params.AccountID, params.AccountSpaceID, holdID, params.Amount, params.Currency)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return nil, Declinef(models.ReasonInsufficientFunds, "ledger declined reserve of %s %s", params.Amount, params.Currency)
		}
		return nil, Upstreamf(err, "reserve %s %s for hold %d", params.Amount, params.Currency, holdID)
	}

	now := m.now().UTC()
	hold := models.AuthorizationHold{
		HoldID:            holdID,
		RequestID:         params.RequestID,
		DecisionID:        params.DecisionID,
		AccountID:         params.AccountID,
		AccountSpaceID:    params.AccountSpaceID,
		CardID:            params.CardID,
		MerchantID:        params.MerchantID,
		MerchantName:      params.MerchantName,
		Amount:            params.Amount,
		Currency:          params.Currency,
		OriginalAmount:    params.OriginalAmount,
		OriginalCurrency:  params.OriginalCurrency,
		ExchangeRate:      params.ExchangeRate,
		AuthorizationCode: params.AuthorizationCode,
		Status:            models.HoldActive,
		CapturedAmount:    decimal.Zero,
		ExpiresAt:         now.Add(m.ttl),
	}
	if err := m.db.WithContext(ctx).Create(&hold).Error; err != nil {
		if relErr := m.ledger.Release(context.WithoutCancel(ctx), params.AccountID, params.AccountSpaceID, holdID, params.Amount, params.Currency); relErr != nil {
			m.log.Error("compensating release failed after hold persist error",
				"holdId", holdID, "requestId", params.RequestID, "error", relErr)
		}
		return nil, Internalf(err, "persist hold %d", holdID)
	}
	m.log.Info("hold created", "holdId", holdID, "requestId", params.RequestID,
		"amount", params.Amount.String(), "currency", params.Currency)
	return &hold, nil
}

// Capture settles a hold for captureAmount. A partial capture releases the
// difference at the ledger; the captured amount is posted in both cases.
// Repeating an operation key against an already terminal hold returns the
// current row.
func (m *HoldManager) Capture(ctx context.Context, holdID int64, captureAmount decimal.Decimal, operationKey string) (*models.AuthorizationHold, error) {
	if operationKey == "" {
		operationKey = uuid.NewString()
	}
	m.locks.Lock(holdID)
	defer m.locks.Unlock(holdID)

	var result *models.AuthorizationHold
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hold, err := m.lockHold(tx, holdID)
		if err != nil {
			return err
		}
		if hold.Status.Terminal() {
			if hold.OperationKey == operationKey {
				result = hold
				return nil
			}
			return InvalidStatef("hold %d is %s and cannot be captured", holdID, hold.Status)
		}
		if err := models.ValidateHoldTransition(hold.Status, models.HoldCaptured); err != nil {
			return InvalidStatef("%v", err)
		}
		if captureAmount.LessThanOrEqual(decimal.Zero) || captureAmount.GreaterThan(hold.Amount) {
			return Validationf("capture amount %s outside (0, %s]", captureAmount, hold.Amount)
		}

		if captureAmount.LessThan(hold.Amount) {
			remainder := hold.Amount.Sub(captureAmount)
			if err := m.ledger.Release(ctx, hold.AccountID, hold.AccountSpaceID, holdID, remainder, hold.Currency); err != nil {
				return Upstreamf(err, "release remainder %s for hold %d", remainder, holdID)
			}
		}
		if err := m.ledger.Post(ctx, hold.AccountID, hold.AccountSpaceID, holdID, captureAmount, hold.Currency); err != nil {
			return Upstreamf(err, "post capture %s for hold %d", captureAmount, holdID)
		}

		now := m.now().UTC()
		hold.Status = models.HoldCaptured
		hold.CapturedAmount = captureAmount
		hold.CapturedAt = &now
		hold.OperationKey = operationKey
		if err := tx.Save(hold).Error; err != nil {
			return Internalf(err, "update hold %d", holdID)
		}
		result = hold
		return nil
	})
	m.metrics.RecordHoldTransition("capture", err)
	if err != nil {
		return nil, err
	}
	m.log.Info("hold captured", "holdId", holdID, "capturedAmount", captureAmount.String())
	return result, nil
}

// Release returns a hold's full amount to the available balance.
func (m *HoldManager) Release(ctx context.Context, holdID int64, operationKey string) (*models.AuthorizationHold, error) {
	hold, err := m.terminate(ctx, holdID, models.HoldReleased, operationKey)
	m.metrics.RecordHoldTransition("release", err)
	if err != nil {
		return nil, err
	}
	m.log.Info("hold released", "holdId", holdID)
	return hold, nil
}

// Expire releases a hold's funds but records the terminal state as EXPIRED.
func (m *HoldManager) Expire(ctx context.Context, holdID int64) (*models.AuthorizationHold, error) {
	hold, err := m.terminate(ctx, holdID, models.HoldExpired, "")
	m.metrics.RecordHoldTransition("expire", err)
	if err != nil {
		return nil, err
	}
	return hold, nil
}

// terminate moves an ACTIVE hold into released or expired, returning its
// funds at the ledger inside the same transaction.
func (m *HoldManager) terminate(ctx context.Context, holdID int64, next models.HoldStatus, operationKey string) (*models.AuthorizationHold, error) {
	if operationKey == "" {
		operationKey = uuid.NewString()
	}
	m.locks.Lock(holdID)
	defer m.locks.Unlock(holdID)

	var result *models.AuthorizationHold
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		hold, err := m.lockHold(tx, holdID)
		if err != nil {
			return err
		}
		if hold.Status.Terminal() {
			// Releasing after expiry (or vice versa) is a no-op; so is a
			// repeated operation key.
			if hold.Status == models.HoldReleased || hold.Status == models.HoldExpired || hold.OperationKey == operationKey {
				result = hold
				return nil
			}
			return InvalidStatef("hold %d is %s and cannot be %s", holdID, hold.Status, next)
		}
		if err := models.ValidateHoldTransition(hold.Status, next); err != nil {
			return InvalidStatef("%v", err)
		}
		if err := m.ledger.Release(ctx, hold.AccountID, hold.AccountSpaceID, holdID, hold.Amount, hold.Currency); err != nil {
			return Upstreamf(err, "release %s for hold %d", hold.Amount, holdID)
		}
		hold.Status = next
		hold.OperationKey = operationKey
		if err := tx.Save(hold).Error; err != nil {
			return Internalf(err, "update hold %d", holdID)
		}
		result = hold
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SweepExpired terminates every ACTIVE hold whose expiry has passed. A
// failure on one hold does not stop the sweep; the failure count is
// returned.
func (m *HoldManager) SweepExpired(ctx context.Context) (processed, failed int, err error) {
	now := m.now().UTC()
	var due []models.AuthorizationHold
	if err := m.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", models.HoldActive, now).
		Find(&due).Error; err != nil {
		return 0, 0, Internalf(err, "list expired holds")
	}
	for _, hold := range due {
		if _, err := m.Expire(ctx, hold.HoldID); err != nil {
			failed++
			m.log.Error("expiring hold failed", "holdId", hold.HoldID, "error", err)
			continue
		}
		processed++
	}
	m.metrics.RecordSweep(failed)
	return processed, failed, nil
}

// Get returns a hold by its public identifier.
func (m *HoldManager) Get(ctx context.Context, holdID int64) (*models.AuthorizationHold, error) {
	var hold models.AuthorizationHold
	err := m.db.WithContext(ctx).Where("hold_id = ?", holdID).First(&hold).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NotFoundf("hold %d not found", holdID)
	}
	if err != nil {
		return nil, Internalf(err, "load hold %d", holdID)
	}
	return &hold, nil
}

// ByRequest returns the hold created for a request, if any.
func (m *HoldManager) ByRequest(ctx context.Context, requestID int64) (*models.AuthorizationHold, error) {
	var hold models.AuthorizationHold
	err := m.db.WithContext(ctx).Where("request_id = ?", requestID).First(&hold).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NotFoundf("no hold for request %d", requestID)
	}
	if err != nil {
		return nil, Internalf(err, "load hold for request %d", requestID)
	}
	return &hold, nil
}

// HoldFilter narrows List results. Zero-valued fields are ignored.
type HoldFilter struct {
	AccountID      int64
	AccountSpaceID *int64
	CardID         int64
	Status         models.HoldStatus
}

// List returns holds matching the filter, newest first.
func (m *HoldManager) List(ctx context.Context, filter HoldFilter) ([]models.AuthorizationHold, error) {
	q := m.db.WithContext(ctx).Model(&models.AuthorizationHold{})
	if filter.AccountID != 0 {
		q = q.Where("account_id = ?", filter.AccountID)
	}
	if filter.AccountSpaceID != nil {
		q = q.Where("account_space_id = ?", *filter.AccountSpaceID)
	}
	if filter.CardID != 0 {
		q = q.Where("card_id = ?", filter.CardID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	var holds []models.AuthorizationHold
	if err := q.Order("created_at DESC").Find(&holds).Error; err != nil {
		return nil, Internalf(err, "list holds")
	}
	return holds, nil
}

func (m *HoldManager) lockHold(tx *gorm.DB, holdID int64) (*models.AuthorizationHold, error) {
	var hold models.AuthorizationHold
	err := lockForUpdate(tx).
		Where("hold_id = ?", holdID).First(&hold).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NotFoundf("hold %d not found", holdID)
	}
	if err != nil {
		return nil, Internalf(err, "lock hold %d", holdID)
	}
	return &hold, nil
}
