package authz

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"cardauthd/config"
	"cardauthd/directory"
	"cardauthd/fx"
	"cardauthd/ledger"
	"cardauthd/models"
	"cardauthd/observability/logging"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

// fakeDirectory serves cards from memory.
type fakeDirectory struct {
	byHash  map[string]*directory.CardDetails
	byToken map[string]*directory.CardDetails
}

func newFakeDirectory(cards ...*directory.CardDetails) *fakeDirectory {
	d := &fakeDirectory{
		byHash:  make(map[string]*directory.CardDetails),
		byToken: make(map[string]*directory.CardDetails),
	}
	for _, c := range cards {
		if c.PanHash != "" {
			d.byHash[c.PanHash] = c
		}
		if c.Token != "" {
			d.byToken[c.Token] = c
		}
	}
	return d
}

func (d *fakeDirectory) CardByPANHash(_ context.Context, panHash string) (*directory.CardDetails, error) {
	if c, ok := d.byHash[panHash]; ok {
		copied := *c
		return &copied, nil
	}
	return nil, directory.ErrCardNotFound
}

func (d *fakeDirectory) CardByToken(_ context.Context, token string) (*directory.CardDetails, error) {
	if c, ok := d.byToken[token]; ok {
		copied := *c
		return &copied, nil
	}
	return nil, directory.ErrCardNotFound
}

// fakeLedger tracks reserves, releases and postings per hold.
type fakeLedger struct {
	mu        sync.Mutex
	available decimal.Decimal
	currency  string
	reserved  map[int64]decimal.Decimal
	posted    map[int64]decimal.Decimal
	reserves  int
	failAll   error
}

func newFakeLedger(available string, currency string) *fakeLedger {
	return &fakeLedger{
		available: decimal.RequireFromString(available),
		currency:  currency,
		reserved:  make(map[int64]decimal.Decimal),
		posted:    make(map[int64]decimal.Decimal),
	}
}

func (l *fakeLedger) Balance(_ context.Context, accountID int64, accountSpaceID *int64) (*ledger.BalanceSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAll != nil {
		return nil, l.failAll
	}
	return &ledger.BalanceSnapshot{
		AccountID:       accountID,
		AccountSpaceID:  accountSpaceID,
		Currency:        l.currency,
		AvailableBefore: l.available,
		LedgerBalance:   l.available.Add(l.totalReservedLocked()),
		TotalHoldAmount: l.totalReservedLocked(),
		Timestamp:       time.Now().UTC(),
	}, nil
}

func (l *fakeLedger) Reserve(_ context.Context, _ int64, _ *int64, holdID int64, amount decimal.Decimal, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAll != nil {
		return l.failAll
	}
	if amount.GreaterThan(l.available) {
		return ledger.ErrInsufficientFunds
	}
	l.available = l.available.Sub(amount)
	l.reserved[holdID] = l.reserved[holdID].Add(amount)
	l.reserves++
	return nil
}

func (l *fakeLedger) Release(_ context.Context, _ int64, _ *int64, holdID int64, amount decimal.Decimal, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAll != nil {
		return l.failAll
	}
	l.available = l.available.Add(amount)
	l.reserved[holdID] = l.reserved[holdID].Sub(amount)
	return nil
}

func (l *fakeLedger) Post(_ context.Context, _ int64, _ *int64, holdID int64, amount decimal.Decimal, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAll != nil {
		return l.failAll
	}
	l.reserved[holdID] = l.reserved[holdID].Sub(amount)
	l.posted[holdID] = l.posted[holdID].Add(amount)
	return nil
}

func (l *fakeLedger) totalReservedLocked() decimal.Decimal {
	total := decimal.Zero
	for _, v := range l.reserved {
		total = total.Add(v)
	}
	return total
}

func (l *fakeLedger) reservedFor(holdID int64) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved[holdID]
}

func (l *fakeLedger) availableNow() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available
}

func testCard() *directory.CardDetails {
	space := int64(7)
	return &directory.CardDetails{
		CardID:                  501,
		PanHash:                 "hash-501",
		Token:                   "tok-501",
		Status:                  models.CardActive,
		ExpiryDate:              time.Now().UTC().Add(365 * 24 * time.Hour),
		AccountID:               9001,
		AccountSpaceID:          &space,
		CustomerID:              42,
		ThreeDsEnrollmentStatus: "Y",
		IssuerCountry:           "US",
	}
}

func testRequest(amount string) *models.AuthorizationRequest {
	return &models.AuthorizationRequest{
		MaskedPan:       "411111******1111",
		PanHash:         "hash-501",
		MerchantID:      "M-100",
		MerchantName:    "Corner Shop",
		Channel:         models.ChannelPOS,
		MCC:             "5411",
		CountryCode:     "US",
		TransactionType: models.TypePurchase,
		Amount:          decimal.RequireFromString(amount),
		Currency:        "USD",
		Timestamp:       time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
	}
}

type serviceFixture struct {
	svc    *Service
	holds  *HoldManager
	limits *LimitEvaluator
	ledger *fakeLedger
	db     *gorm.DB
}

func newServiceFixture(t *testing.T, card *directory.CardDetails, led *fakeLedger) *serviceFixture {
	t.Helper()
	db := openTestDB(t)
	log := logging.Setup("cardauthd-test", "test")
	limits := NewLimitEvaluator(db, config.Limits{
		Transaction: decimal.RequireFromString("2000"),
		Daily:       decimal.RequireFromString("5000"),
		Monthly:     decimal.RequireFromString("20000"),
		ATMDaily:    decimal.RequireFromString("1000"),
		Contactless: decimal.RequireFromString("100"),
		Online:      decimal.RequireFromString("3000"),
	}, config.ChannelMultipliers{ATM: 0.5, ECommerce: 0.75, POS: 1.0}, nil)
	holds := NewHoldManager(db, led, log, 168*time.Hour)
	svc := NewService(ServiceParams{
		DB:        db,
		Validator: NewCardValidator(newFakeDirectory(card)),
		Limits:    limits,
		Risk: NewRiskEngine(70, 90,
			[]string{"7995", "5993", "5921", "7273", "7994", "5816", "5967"}, nil),
		Balance:      NewBalanceChecker(led, fx.DefaultStaticTable()),
		Holds:        holds,
		Log:          log,
		ChallengeTTL: 15 * time.Minute,
		ApprovalTTL:  168 * time.Hour,
	})
	return &serviceFixture{svc: svc, holds: holds, limits: limits, ledger: led, db: db}
}
