package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"cardauthd/directory"
	"cardauthd/models"
	"cardauthd/observability"
)

// ChallengeSuccess is the challengeResult value that completes a challenge
// as an approval; every other value declines it.
const ChallengeSuccess = "SUCCESS"

// Service drives the authorization pipeline and owns the request-to-decision
// mapping.
type Service struct {
	db        *gorm.DB
	validator *CardValidator
	limits    *LimitEvaluator
	risk      *RiskEngine
	balance   *BalanceChecker
	holds     *HoldManager
	log       *slog.Logger
	metrics   *observability.AuthorizationMetrics
	locks     *keyedMutex

	authorizeTimeout time.Duration
	challengeTTL     time.Duration
	approvalTTL      time.Duration
	now              func() time.Time
}

// ServiceParams wires a Service.
type ServiceParams struct {
	DB               *gorm.DB
	Validator        *CardValidator
	Limits           *LimitEvaluator
	Risk             *RiskEngine
	Balance          *BalanceChecker
	Holds            *HoldManager
	Log              *slog.Logger
	AuthorizeTimeout time.Duration
	ChallengeTTL     time.Duration
	ApprovalTTL      time.Duration
}

// NewService builds the orchestrator from its collaborators.
func NewService(p ServiceParams) *Service {
	if p.AuthorizeTimeout <= 0 {
		p.AuthorizeTimeout = 10 * time.Second
	}
	if p.ChallengeTTL <= 0 {
		p.ChallengeTTL = 15 * time.Minute
	}
	if p.ApprovalTTL <= 0 {
		p.ApprovalTTL = 168 * time.Hour
	}
	return &Service{
		db:               p.DB,
		validator:        p.Validator,
		limits:           p.Limits,
		risk:             p.Risk,
		balance:          p.Balance,
		holds:            p.Holds,
		log:              p.Log,
		metrics:          observability.Authorization(),
		locks:            newKeyedMutex(),
		authorizeTimeout: p.AuthorizeTimeout,
		challengeTTL:     p.ChallengeTTL,
		approvalTTL:      p.ApprovalTTL,
		now:              time.Now,
	}
}

// Authorize runs the full pipeline for one request and returns the binding
// decision. Re-submitting a processed requestId, or the same idempotency
// key, returns the stored decision without side effects.
func (s *Service) Authorize(ctx context.Context, req *models.AuthorizationRequest, idempotencyKey string) (*models.AuthorizationDecision, error) {
	start := s.now()
	if err := s.validateInput(req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.authorizeTimeout)
	defer cancel()

	requestID, err := s.resolveRequestID(ctx, req, idempotencyKey)
	if err != nil {
		return nil, err
	}
	req.RequestID = requestID

	s.locks.Lock(requestID)
	defer s.locks.Unlock(requestID)

	if decision, err := s.DecisionByRequest(ctx, requestID); err == nil {
		return decision, nil
	} else if !IsKind(err, KindNotFound) {
		return nil, err
	}

	if err := s.db.WithContext(ctx).
		Where(models.AuthorizationRequest{RequestID: requestID}).
		Attrs(*req).
		FirstOrCreate(req).Error; err != nil {
		return nil, Internalf(err, "persist request %d", requestID)
	}

	decision, err := s.runPipeline(ctx, req)
	if decision != nil {
		s.metrics.ObserveDecision(string(decision.Decision), string(decision.ReasonCode), s.now().Sub(start))
	}
	return decision, err
}

func (s *Service) validateInput(req *models.AuthorizationRequest) error {
	if req.PanHash == "" && req.Token == "" {
		return Validationf("request carries neither panHash nor token")
	}
	if req.TransactionType.ValueBearing() && req.Amount.LessThanOrEqual(decimal.Zero) {
		return Validationf("amount must be positive for %s, got %s", req.TransactionType, req.Amount)
	}
	if req.Currency == "" {
		return Validationf("currency is required")
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = s.now().UTC()
	}
	return nil
}

// resolveRequestID maps an idempotency key to its requestId, claiming the
// derived id for the full key. Because the claim is keyed by the complete
// key string, two distinct keys hashing to the same id can never share a
// decision; the loser of such a clash gets a fresh random id.
func (s *Service) resolveRequestID(ctx context.Context, req *models.AuthorizationRequest, idempotencyKey string) (int64, error) {
	if req.RequestID != 0 {
		return req.RequestID, nil
	}
	if idempotencyKey == "" {
		return NewID(), nil
	}

	derived := RequestIDFromKey(idempotencyKey)
	var clash models.IdempotencyKey
	err := s.db.WithContext(ctx).
		Where("request_id = ? AND key <> ?", derived, idempotencyKey).
		First(&clash).Error
	if err == nil {
		derived = NewID()
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, Internalf(err, "check idempotency key clash")
	}

	record := models.IdempotencyKey{Key: idempotencyKey, RequestID: derived}
	if err := s.db.WithContext(ctx).
		Where(models.IdempotencyKey{Key: idempotencyKey}).
		Attrs(record).
		FirstOrCreate(&record).Error; err != nil {
		// Lost a concurrent insert race for the same key; the winner's row
		// carries the id.
		if lookupErr := s.db.WithContext(ctx).
			Where("key = ?", idempotencyKey).
			First(&record).Error; lookupErr != nil {
			return 0, Internalf(err, "resolve idempotency key")
		}
	}
	return record.RequestID, nil
}

// runPipeline executes validate, limit, risk, balance and hold stages in
// order, short-circuiting to a persisted decision on the first failure.
func (s *Service) runPipeline(ctx context.Context, req *models.AuthorizationRequest) (*models.AuthorizationDecision, error) {
	path := []string{"Request received"}

	card, err := s.validator.Validate(ctx, req)
	if err != nil {
		return s.concludeFailure(ctx, req, nil, err, path, "Card validation failed")
	}
	path = append(path, "Card validation successful")

	limitSnapshot, err := s.limits.Evaluate(ctx, req, card)
	if err != nil {
		return s.concludeFailure(ctx, req, snapshotJSON(limitSnapshot), err, path, "Limit validation failed")
	}
	path = append(path, "Limit validation successful")

	assessment := s.risk.Assess(req, card)
	path = append(path, fmt.Sprintf("Risk assessment completed with score %d", assessment.Score))
	switch assessment.Recommendation {
	case RiskDecline:
		err := Declinef(models.ReasonSuspectedFraud, "risk score %d at or above decline threshold", assessment.Score)
		return s.concludeFailureWithRisk(ctx, req, snapshotJSON(limitSnapshot), &assessment, err, append(path, "Risk assessment declined"))
	case RiskChallenge:
		return s.concludeChallenge(ctx, req, snapshotJSON(limitSnapshot), &assessment, append(path, "Additional verification required"))
	}

	return s.approve(ctx, req, card, limitSnapshot, &assessment, path)
}

// approve runs the balance and hold stages, then persists the approval
// atomically with the spending-counter commit.
func (s *Service) approve(ctx context.Context, req *models.AuthorizationRequest, card *directory.CardDetails, limitSnapshot *LimitSnapshot, assessment *RiskAssessment, path []string) (*models.AuthorizationDecision, error) {
	check, err := s.balance.Check(ctx, req, card)
	if err != nil {
		var balanceJSON *string
		if check != nil {
			balanceJSON = snapshotJSON(check.Snapshot)
		}
		return s.concludeBalanceFailure(ctx, req, snapshotJSON(limitSnapshot), balanceJSON, assessment, err, append(path, "Balance check failed"))
	}
	path = append(path, "Balance check successful")

	authCode := AuthorizationCode()
	params := CreateHoldParams{
		RequestID:         req.RequestID,
		DecisionID:        NewID(),
		AccountID:         card.AccountID,
		AccountSpaceID:    card.AccountSpaceID,
		CardID:            card.CardID,
		MerchantID:        req.MerchantID,
		MerchantName:      req.MerchantName,
		Amount:            check.ReserveAmount,
		Currency:          check.ReserveCurrency,
		AuthorizationCode: authCode,
		ExchangeRate:      check.ExchangeRate,
	}
	if check.ExchangeRate != nil {
		original := req.Amount
		params.OriginalAmount = &original
		params.OriginalCurrency = req.Currency
	}
	hold, err := s.holds.Create(ctx, params)
	if err != nil {
		if IsKind(err, KindDecline) {
			return s.concludeBalanceFailure(ctx, req, snapshotJSON(limitSnapshot), snapshotJSON(check.Snapshot), assessment, err, append(path, "Hold creation failed"))
		}
		return nil, err
	}
	path = append(path, "Hold created")

	now := s.now().UTC()
	expiresAt := hold.ExpiresAt
	decision := &models.AuthorizationDecision{
		DecisionID:        params.DecisionID,
		RequestID:         req.RequestID,
		Decision:          models.DecisionApproved,
		ReasonCode:        models.ReasonApprovedTransaction,
		ReasonMessage:     models.ReasonApprovedTransaction.Description(),
		ApprovedAmount:    req.Amount,
		Currency:          req.Currency,
		AuthorizationCode: authCode,
		RiskScore:         &assessment.Score,
		HoldID:            &hold.HoldID,
		LimitsSnapshot:    derefString(snapshotJSON(limitSnapshot)),
		BalanceSnapshot:   derefString(snapshotJSON(check.Snapshot)),
		DecisionPath:      strings.Join(append(path, "Authorization approved"), "\n"),
		Timestamp:         now,
		ExpiresAt:         &expiresAt,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.limits.Commit(tx, req.RequestID, req, card); err != nil {
			return err
		}
		if err := tx.Create(decision).Error; err != nil {
			return Internalf(err, "persist decision %d", decision.DecisionID)
		}
		return s.markProcessed(tx, req)
	})
	if err != nil {
		// The reserve already happened; give the funds back before reporting.
		if _, relErr := s.holds.Release(context.WithoutCancel(ctx), hold.HoldID, ""); relErr != nil {
			s.log.Error("compensating hold release failed", "holdId", hold.HoldID, "requestId", req.RequestID, "error", relErr)
		}
		if IsKind(err, KindDecline) {
			return s.concludeBalanceFailure(ctx, req, snapshotJSON(limitSnapshot), snapshotJSON(check.Snapshot), assessment, err, append(path, "Spending counter commit declined"))
		}
		return nil, err
	}

	s.log.Info("authorization approved", "requestId", req.RequestID,
		"decisionId", decision.DecisionID, "holdId", hold.HoldID,
		"amount", req.Amount.String(), "currency", req.Currency)
	return decision, nil
}

// concludeFailure persists a DECLINED decision for a business decline and
// propagates every other failure kind untouched.
func (s *Service) concludeFailure(ctx context.Context, req *models.AuthorizationRequest, limitsJSON *string, cause error, path []string, step string) (*models.AuthorizationDecision, error) {
	return s.concludeBalanceFailure(ctx, req, limitsJSON, nil, nil, cause, append(path, step))
}

func (s *Service) concludeFailureWithRisk(ctx context.Context, req *models.AuthorizationRequest, limitsJSON *string, assessment *RiskAssessment, cause error, path []string) (*models.AuthorizationDecision, error) {
	return s.concludeBalanceFailure(ctx, req, limitsJSON, nil, assessment, cause, path)
}

func (s *Service) concludeBalanceFailure(ctx context.Context, req *models.AuthorizationRequest, limitsJSON, balanceJSON *string, assessment *RiskAssessment, cause error, path []string) (*models.AuthorizationDecision, error) {
	if !IsKind(cause, KindDecline) {
		return nil, cause
	}
	reason := ReasonOf(cause)
	now := s.now().UTC()
	decision := &models.AuthorizationDecision{
		DecisionID:      NewID(),
		RequestID:       req.RequestID,
		Decision:        models.DecisionDeclined,
		ReasonCode:      reason,
		ReasonMessage:   cause.Error(),
		ApprovedAmount:  decimal.Zero,
		Currency:        req.Currency,
		LimitsSnapshot:  derefString(limitsJSON),
		BalanceSnapshot: derefString(balanceJSON),
		DecisionPath:    strings.Join(path, "\n"),
		Timestamp:       now,
	}
	if assessment != nil {
		decision.RiskScore = &assessment.Score
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(decision).Error; err != nil {
			return Internalf(err, "persist decision %d", decision.DecisionID)
		}
		return s.markProcessed(tx, req)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("authorization declined", "requestId", req.RequestID,
		"decisionId", decision.DecisionID, "reason", reason)
	return decision, nil
}

// concludeChallenge persists a CHALLENGE decision with a short expiry. The
// request stays unprocessed until the challenge resolves.
func (s *Service) concludeChallenge(ctx context.Context, req *models.AuthorizationRequest, limitsJSON *string, assessment *RiskAssessment, path []string) (*models.AuthorizationDecision, error) {
	now := s.now().UTC()
	expiresAt := now.Add(s.challengeTTL)
	decision := &models.AuthorizationDecision{
		DecisionID:     NewID(),
		RequestID:      req.RequestID,
		Decision:       models.DecisionChallenge,
		ReasonCode:     models.ReasonAdditionalAuthentication,
		ReasonMessage:  models.ReasonAdditionalAuthentication.Description(),
		ApprovedAmount: decimal.Zero,
		Currency:       req.Currency,
		RiskScore:      &assessment.Score,
		LimitsSnapshot: derefString(limitsJSON),
		DecisionPath:   strings.Join(path, "\n"),
		Timestamp:      now,
		ExpiresAt:      &expiresAt,
	}
	if err := s.db.WithContext(ctx).Create(decision).Error; err != nil {
		return nil, Internalf(err, "persist decision %d", decision.DecisionID)
	}
	s.log.Info("authorization challenged", "requestId", req.RequestID,
		"decisionId", decision.DecisionID, "score", assessment.Score)
	return decision, nil
}

// Reverse turns an approval into a decline, releasing its hold and undoing
// the spending counters.
func (s *Service) Reverse(ctx context.Context, requestID int64, reason string) (*models.AuthorizationDecision, error) {
	s.locks.Lock(requestID)
	defer s.locks.Unlock(requestID)

	decision, err := s.decisionForUpdate(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := models.ValidateDecisionTransition(decision.Decision, models.DecisionDeclined); err != nil || decision.Decision == models.DecisionChallenge {
		return nil, InvalidStatef("decision for request %d is %s and cannot be reversed", requestID, decision.Decision)
	}

	if decision.HoldID != nil {
		if _, err := s.holds.Release(ctx, *decision.HoldID, fmt.Sprintf("reverse-%d", requestID)); err != nil {
			return nil, err
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.limits.Reverse(tx, requestID); err != nil {
			return err
		}
		now := s.now().UTC()
		decision.Decision = models.DecisionDeclined
		decision.ReasonCode = models.ReasonDuplicateTransaction
		decision.ReasonMessage = "Authorization reversed: " + reason
		decision.ApprovedAmount = decimal.Zero
		decision.DecisionPath = decision.DecisionPath + "\nAuthorization reversed"
		decision.Timestamp = now
		if err := tx.Save(decision).Error; err != nil {
			return Internalf(err, "update decision %d", decision.DecisionID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("authorization reversed", "requestId", requestID, "reason", reason)
	return decision, nil
}

// ChallengeComplete resolves a pending CHALLENGE decision. SUCCESS resumes
// the pipeline at the balance check; anything else declines.
func (s *Service) ChallengeComplete(ctx context.Context, requestID int64, result string) (*models.AuthorizationDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, s.authorizeTimeout)
	defer cancel()

	s.locks.Lock(requestID)
	defer s.locks.Unlock(requestID)

	decision, err := s.decisionForUpdate(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if decision.Decision != models.DecisionChallenge {
		return nil, InvalidStatef("decision for request %d is %s, not a pending challenge", requestID, decision.Decision)
	}
	if decision.ExpiresAt != nil && s.now().UTC().After(*decision.ExpiresAt) {
		return nil, InvalidStatef("challenge for request %d expired at %s", requestID, decision.ExpiresAt.Format(time.RFC3339))
	}

	var req models.AuthorizationRequest
	if err := s.db.WithContext(ctx).Where("request_id = ?", requestID).First(&req).Error; err != nil {
		return nil, Internalf(err, "load request %d", requestID)
	}

	if result != ChallengeSuccess {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			decision.Decision = models.DecisionDeclined
			decision.ReasonCode = models.ReasonSecurityViolation
			decision.ReasonMessage = "Challenge failed with result " + result
			decision.DecisionPath = decision.DecisionPath + "\nChallenge failed"
			decision.Timestamp = s.now().UTC()
			if err := tx.Save(decision).Error; err != nil {
				return Internalf(err, "update decision %d", decision.DecisionID)
			}
			return s.markProcessed(tx, &req)
		})
		if err != nil {
			return nil, err
		}
		s.log.Info("challenge declined", "requestId", requestID, "result", result)
		return decision, nil
	}

	card, err := s.validator.Validate(ctx, &req)
	if err != nil {
		return nil, err
	}
	check, err := s.balance.Check(ctx, &req, card)
	if err != nil {
		return s.challengeDecline(ctx, decision, &req, err)
	}

	authCode := AuthorizationCode()
	params := CreateHoldParams{
		RequestID:         req.RequestID,
		DecisionID:        decision.DecisionID,
		AccountID:         card.AccountID,
		AccountSpaceID:    card.AccountSpaceID,
		CardID:            card.CardID,
		MerchantID:        req.MerchantID,
		MerchantName:      req.MerchantName,
		Amount:            check.ReserveAmount,
		Currency:          check.ReserveCurrency,
		AuthorizationCode: authCode,
		ExchangeRate:      check.ExchangeRate,
	}
	if check.ExchangeRate != nil {
		original := req.Amount
		params.OriginalAmount = &original
		params.OriginalCurrency = req.Currency
	}
	hold, err := s.holds.Create(ctx, params)
	if err != nil {
		if IsKind(err, KindDecline) {
			return s.challengeDecline(ctx, decision, &req, err)
		}
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.limits.Commit(tx, req.RequestID, &req, card); err != nil {
			return err
		}
		now := s.now().UTC()
		expiresAt := hold.ExpiresAt
		decision.Decision = models.DecisionApproved
		decision.ReasonCode = models.ReasonApprovedTransaction
		decision.ReasonMessage = models.ReasonApprovedTransaction.Description()
		decision.ApprovedAmount = req.Amount
		decision.AuthorizationCode = authCode
		decision.HoldID = &hold.HoldID
		decision.BalanceSnapshot = derefString(snapshotJSON(check.Snapshot))
		decision.DecisionPath = decision.DecisionPath + "\nChallenge completed\nAuthorization approved"
		decision.Timestamp = now
		decision.ExpiresAt = &expiresAt
		if err := tx.Save(decision).Error; err != nil {
			return Internalf(err, "update decision %d", decision.DecisionID)
		}
		return s.markProcessed(tx, &req)
	})
	if err != nil {
		if _, relErr := s.holds.Release(context.WithoutCancel(ctx), hold.HoldID, ""); relErr != nil {
			s.log.Error("compensating hold release failed", "holdId", hold.HoldID, "requestId", requestID, "error", relErr)
		}
		if IsKind(err, KindDecline) {
			return s.challengeDecline(ctx, decision, &req, err)
		}
		return nil, err
	}
	s.log.Info("challenge approved", "requestId", requestID, "holdId", hold.HoldID)
	return decision, nil
}

func (s *Service) challengeDecline(ctx context.Context, decision *models.AuthorizationDecision, req *models.AuthorizationRequest, cause error) (*models.AuthorizationDecision, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		decision.Decision = models.DecisionDeclined
		decision.ReasonCode = ReasonOf(cause)
		decision.ReasonMessage = cause.Error()
		decision.ApprovedAmount = decimal.Zero
		decision.DecisionPath = decision.DecisionPath + "\nChallenge completion declined"
		decision.Timestamp = s.now().UTC()
		if err := tx.Save(decision).Error; err != nil {
			return Internalf(err, "update decision %d", decision.DecisionID)
		}
		return s.markProcessed(tx, req)
	})
	if err != nil {
		return nil, err
	}
	return decision, nil
}

// DecisionByID returns a decision by its public identifier.
func (s *Service) DecisionByID(ctx context.Context, decisionID int64) (*models.AuthorizationDecision, error) {
	var decision models.AuthorizationDecision
	err := s.db.WithContext(ctx).Where("decision_id = ?", decisionID).First(&decision).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NotFoundf("decision %d not found", decisionID)
	}
	if err != nil {
		return nil, Internalf(err, "load decision %d", decisionID)
	}
	return &decision, nil
}

// DecisionByRequest returns the decision for a request.
func (s *Service) DecisionByRequest(ctx context.Context, requestID int64) (*models.AuthorizationDecision, error) {
	var decision models.AuthorizationDecision
	err := s.db.WithContext(ctx).Where("request_id = ?", requestID).First(&decision).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NotFoundf("no decision for request %d", requestID)
	}
	if err != nil {
		return nil, Internalf(err, "load decision for request %d", requestID)
	}
	return &decision, nil
}

func (s *Service) decisionForUpdate(ctx context.Context, requestID int64) (*models.AuthorizationDecision, error) {
	var decision models.AuthorizationDecision
	err := lockForUpdate(s.db.WithContext(ctx)).
		Where("request_id = ?", requestID).First(&decision).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, NotFoundf("no decision for request %d", requestID)
	}
	if err != nil {
		return nil, Internalf(err, "load decision for request %d", requestID)
	}
	return &decision, nil
}

func (s *Service) markProcessed(tx *gorm.DB, req *models.AuthorizationRequest) error {
	now := s.now().UTC()
	if err := tx.Model(&models.AuthorizationRequest{}).
		Where("request_id = ?", req.RequestID).
		Updates(map[string]any{"processed": true, "processed_at": now}).Error; err != nil {
		return Internalf(err, "mark request %d processed", req.RequestID)
	}
	req.Processed = true
	req.ProcessedAt = &now
	return nil
}

func snapshotJSON(v any) *string {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(raw)
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
