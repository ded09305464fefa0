package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"cardauthd/authz"
	"cardauthd/config"
	"cardauthd/directory"
	"cardauthd/fx"
	"cardauthd/ledger"
	"cardauthd/models"
	"cardauthd/observability/logging"
)

type stubDirectory struct {
	card *directory.CardDetails
}

func (d *stubDirectory) CardByPANHash(_ context.Context, panHash string) (*directory.CardDetails, error) {
	if d.card != nil && d.card.PanHash == panHash {
		copied := *d.card
		return &copied, nil
	}
	return nil, directory.ErrCardNotFound
}

func (d *stubDirectory) CardByToken(_ context.Context, token string) (*directory.CardDetails, error) {
	if d.card != nil && d.card.Token == token {
		copied := *d.card
		return &copied, nil
	}
	return nil, directory.ErrCardNotFound
}

type stubLedger struct {
	available decimal.Decimal
	currency  string
}

func (l *stubLedger) Balance(_ context.Context, accountID int64, spaceID *int64) (*ledger.BalanceSnapshot, error) {
	return &ledger.BalanceSnapshot{
		AccountID:       accountID,
		AccountSpaceID:  spaceID,
		Currency:        l.currency,
		AvailableBefore: l.available,
		LedgerBalance:   l.available,
		Timestamp:       time.Now().UTC(),
	}, nil
}

func (l *stubLedger) Reserve(_ context.Context, _ int64, _ *int64, _ int64, amount decimal.Decimal, _ string) error {
	if amount.GreaterThan(l.available) {
		return ledger.ErrInsufficientFunds
	}
	l.available = l.available.Sub(amount)
	return nil
}

func (l *stubLedger) Release(_ context.Context, _ int64, _ *int64, _ int64, amount decimal.Decimal, _ string) error {
	l.available = l.available.Add(amount)
	return nil
}

func (l *stubLedger) Post(context.Context, int64, *int64, int64, decimal.Decimal, string) error {
	return nil
}

func newTestServer(t *testing.T, available string) *httptest.Server {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := logging.Setup("cardauthd-test", "test")
	card := &directory.CardDetails{
		CardID:                  501,
		PanHash:                 "hash-501",
		Token:                   "tok-501",
		Status:                  models.CardActive,
		ExpiryDate:              time.Now().UTC().Add(365 * 24 * time.Hour),
		AccountID:               9001,
		ThreeDsEnrollmentStatus: "Y",
		IssuerCountry:           "US",
	}
	led := &stubLedger{available: decimal.RequireFromString(available), currency: "USD"}

	holds := authz.NewHoldManager(db, led, log, 168*time.Hour)
	svc := authz.NewService(authz.ServiceParams{
		DB:        db,
		Validator: authz.NewCardValidator(&stubDirectory{card: card}),
		Limits: authz.NewLimitEvaluator(db, config.Limits{
			Transaction: decimal.RequireFromString("2000"),
			Daily:       decimal.RequireFromString("5000"),
			Monthly:     decimal.RequireFromString("20000"),
			ATMDaily:    decimal.RequireFromString("1000"),
			Contactless: decimal.RequireFromString("100"),
			Online:      decimal.RequireFromString("3000"),
		}, config.ChannelMultipliers{ATM: 0.5, ECommerce: 0.75, POS: 1.0}, nil),
		Risk:    authz.NewRiskEngine(70, 90, []string{"7995"}, nil),
		Balance: authz.NewBalanceChecker(led, fx.DefaultStaticTable()),
		Holds:   holds,
		Log:     log,
	})

	srv := httptest.NewServer(New(svc, holds, log).Router())
	t.Cleanup(srv.Close)
	return srv
}

func authorizeBody(amount string) []byte {
	body, _ := json.Marshal(map[string]any{
		"panHash":         "hash-501",
		"merchantId":      "M-100",
		"merchantName":    "Corner Shop",
		"channel":         "POS",
		"mcc":             "5411",
		"countryCode":     "US",
		"transactionType": "PURCHASE",
		"amount":          amount,
		"currency":        "USD",
		"timestamp":       time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC).Format(time.RFC3339),
	})
	return body
}

func postJSON(t *testing.T, url string, body []byte, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestAuthorizeEndpointApproves(t *testing.T) {
	srv := newTestServer(t, "5000")
	resp, body := postJSON(t, srv.URL+"/api/v1/authorizations", authorizeBody("125.50"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, body %v", resp.StatusCode, body)
	}
	if body["decision"] != "APPROVED" {
		t.Fatalf("decision: %v", body["decision"])
	}
	if body["holdId"] == nil {
		t.Fatal("missing holdId")
	}

	// Lookup routes serve the stored decision.
	decisionID := int64(body["decisionId"].(float64))
	resp, got := getJSON(t, fmt.Sprintf("%s/api/v1/authorizations/%d", srv.URL, decisionID))
	if resp.StatusCode != http.StatusOK || got["requestId"] != body["requestId"] {
		t.Fatalf("lookup by decision id failed: %d %v", resp.StatusCode, got)
	}
	requestID := int64(body["requestId"].(float64))
	resp, _ = getJSON(t, fmt.Sprintf("%s/api/v1/authorizations/request/%d", srv.URL, requestID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lookup by request id: %d", resp.StatusCode)
	}
}

func TestAuthorizeEndpointDeclinesWith422(t *testing.T) {
	srv := newTestServer(t, "10")
	resp, body := postJSON(t, srv.URL+"/api/v1/authorizations", authorizeBody("125.50"), nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if body["reasonCode"] != "INSUFFICIENT_FUNDS" {
		t.Fatalf("reason: %v", body["reasonCode"])
	}
}

func TestAuthorizeEndpointChallengeIs202(t *testing.T) {
	srv := newTestServer(t, "50000")
	var payload map[string]any
	_ = json.Unmarshal(authorizeBody("1250.50"), &payload)
	payload["channel"] = "E_COMMERCE"
	payload["countryCode"] = "BR"
	body, _ := json.Marshal(payload)

	resp, decoded := postJSON(t, srv.URL+"/api/v1/authorizations", body, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d, body %v", resp.StatusCode, decoded)
	}
	if decoded["decision"] != "CHALLENGE" {
		t.Fatalf("decision: %v", decoded["decision"])
	}

	// Completing the challenge approves.
	requestID := int64(decoded["requestId"].(float64))
	completeBody, _ := json.Marshal(map[string]string{"challengeResult": "SUCCESS"})
	resp, completed := postJSON(t, fmt.Sprintf("%s/api/v1/authorizations/%d/challenge-complete", srv.URL, requestID), completeBody, nil)
	if resp.StatusCode != http.StatusOK || completed["decision"] != "APPROVED" {
		t.Fatalf("challenge completion: %d %v", resp.StatusCode, completed)
	}
}

func TestAuthorizeEndpointBadInput(t *testing.T) {
	srv := newTestServer(t, "5000")
	resp, _ := postJSON(t, srv.URL+"/api/v1/authorizations", []byte("{not json"), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var payload map[string]any
	_ = json.Unmarshal(authorizeBody("50"), &payload)
	delete(payload, "panHash")
	body, _ := json.Marshal(payload)
	resp, _ = postJSON(t, srv.URL+"/api/v1/authorizations", body, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status without identifiers: %d", resp.StatusCode)
	}
}

func TestAuthorizeEndpointIdempotencyHeader(t *testing.T) {
	srv := newTestServer(t, "5000")
	headers := map[string]string{"Idempotency-Key": "K1"}
	_, first := postJSON(t, srv.URL+"/api/v1/authorizations", authorizeBody("50"), headers)
	_, second := postJSON(t, srv.URL+"/api/v1/authorizations", authorizeBody("50"), headers)
	if first["decisionId"] != second["decisionId"] {
		t.Fatalf("decision ids differ: %v vs %v", first["decisionId"], second["decisionId"])
	}
}

func TestReverseEndpoint(t *testing.T) {
	srv := newTestServer(t, "5000")
	_, decision := postJSON(t, srv.URL+"/api/v1/authorizations", authorizeBody("125.50"), nil)
	requestID := int64(decision["requestId"].(float64))

	body, _ := json.Marshal(map[string]string{"reason": "customer dispute"})
	resp, reversed := postJSON(t, fmt.Sprintf("%s/api/v1/authorizations/%d/reverse", srv.URL, requestID), body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %v", resp.StatusCode, reversed)
	}
	if reversed["decision"] != "DECLINED" || reversed["reasonCode"] != "DUPLICATE_TRANSACTION" {
		t.Fatalf("reversal shape: %v", reversed)
	}

	// A second reversal conflicts.
	resp, _ = postJSON(t, fmt.Sprintf("%s/api/v1/authorizations/%d/reverse", srv.URL, requestID), body, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("repeat reversal status %d", resp.StatusCode)
	}

	// Unknown requests are 404.
	resp, _ = postJSON(t, srv.URL+"/api/v1/authorizations/123456789012/reverse", body, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown request status %d", resp.StatusCode)
	}
}

func TestHoldEndpoints(t *testing.T) {
	srv := newTestServer(t, "5000")
	_, decision := postJSON(t, srv.URL+"/api/v1/authorizations", authorizeBody("100"), nil)
	holdID := int64(decision["holdId"].(float64))
	requestID := int64(decision["requestId"].(float64))

	resp, hold := getJSON(t, fmt.Sprintf("%s/api/v1/holds/%d", srv.URL, holdID))
	if resp.StatusCode != http.StatusOK || hold["status"] != "ACTIVE" {
		t.Fatalf("get hold: %d %v", resp.StatusCode, hold)
	}

	resp, _ = getJSON(t, fmt.Sprintf("%s/api/v1/holds/request/%d", srv.URL, requestID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("hold by request: %d", resp.StatusCode)
	}

	captureBody, _ := json.Marshal(map[string]any{"amount": "75", "currency": "USD", "reference": "cap-1"})
	resp, captured := postJSON(t, fmt.Sprintf("%s/api/v1/holds/%d/capture", srv.URL, holdID), captureBody, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capture status %d: %v", resp.StatusCode, captured)
	}
	if captured["status"] != "CAPTURED" || captured["capturedAmount"] != "75" {
		t.Fatalf("capture shape: %v", captured)
	}

	// Releasing a captured hold conflicts.
	releaseBody, _ := json.Marshal(map[string]string{"reason": "late"})
	resp, _ = postJSON(t, fmt.Sprintf("%s/api/v1/holds/%d/release", srv.URL, holdID), releaseBody, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("release of captured hold status %d", resp.StatusCode)
	}
}

func TestHoldListAndSweepEndpoints(t *testing.T) {
	srv := newTestServer(t, "5000")
	_, _ = postJSON(t, srv.URL+"/api/v1/authorizations", authorizeBody("100"), nil)

	resp, err := http.Get(srv.URL + "/api/v1/holds?accountId=9001&status=ACTIVE")
	if err != nil {
		t.Fatalf("list holds: %v", err)
	}
	var holds []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&holds); err != nil {
		t.Fatalf("decode holds: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(holds) != 1 {
		t.Fatalf("list: %d, %d holds", resp.StatusCode, len(holds))
	}

	resp, summary := postJSON(t, srv.URL+"/api/v1/holds/process-expired", []byte("{}"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("process-expired status %d", resp.StatusCode)
	}
	if summary["expired"] != float64(0) {
		t.Fatalf("nothing should be due yet: %v", summary)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, "5000")
	resp, body := getJSON(t, srv.URL+"/healthz")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}
}
