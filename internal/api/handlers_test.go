package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/soulcypherai/ai-workout-coach-sub002/internal/accounts"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/ledger"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/meter"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/receipt"
	"github.com/soulcypherai/ai-workout-coach-sub002/internal/webhooks"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/auth"
	"github.com/soulcypherai/ai-workout-coach-sub002/pkg/logging"
)

var testJWTSecret = []byte("test-jwt-secret")

type fakeLedgerReader struct {
	balance int64
	entries []ledger.Entry
}

func (f *fakeLedgerReader) Balance(context.Context, string) (int64, error) {
	return f.balance, nil
}

func (f *fakeLedgerReader) Transactions(context.Context, string, int) ([]ledger.Entry, error) {
	return f.entries, nil
}

type fakeIssuer struct{ receipt *receipt.SignedReceipt }

func (f *fakeIssuer) Issue(context.Context, [32]byte, int64) (*receipt.SignedReceipt, error) {
	return f.receipt, nil
}

type fakeRegistrar struct {
	registered bool
	status     string
	credits    int64
	statusErr  error
}

func (f *fakeRegistrar) RegisterPayment(context.Context, string, string, int64, *big.Int, uint64) (bool, error) {
	return f.registered, nil
}

func (f *fakeRegistrar) PaymentStatus(context.Context, string) (string, int64, error) {
	return f.status, f.credits, f.statusErr
}

type fakeSessions struct {
	session  *meter.Session
	startErr error
}

func (f *fakeSessions) StartSession(context.Context, string, string) (*meter.Session, error) {
	return f.session, f.startErr
}

func (f *fakeSessions) EndSession(context.Context, string) error { return nil }

func (f *fakeSessions) Session(string) (*meter.Session, bool) {
	return f.session, f.session != nil
}

type fakeCheckout struct{}

func (f *fakeCheckout) CreateSession(string, int64) (*webhooks.CheckoutSession, error) {
	return &webhooks.CheckoutSession{ID: "cs_1", URL: "https://checkout.example/cs_1"}, nil
}

type fakeUsers struct {
	user        *accounts.User
	invalidated []string
}

func (f *fakeUsers) ByID(context.Context, string) (*accounts.User, error) {
	if f.user == nil {
		return nil, accounts.ErrNotFound
	}
	return f.user, nil
}

func (f *fakeUsers) Invalidate(id string) {
	f.invalidated = append(f.invalidated, id)
}

type fakeGranter struct {
	granted []ledger.Options
}

func (f *fakeGranter) Credit(_ context.Context, _ string, amount int64, _ string, opts ledger.Options) (int64, bool, error) {
	f.granted = append(f.granted, opts)
	return amount, true, nil
}

type testDeps struct {
	ledger   *fakeLedgerReader
	sessions *fakeSessions
	registr  *fakeRegistrar
	granter  *fakeGranter
	users    *fakeUsers
}

func newTestRouter(t *testing.T) (*gin.Engine, *testDeps) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	deps := &testDeps{
		ledger:   &fakeLedgerReader{balance: 500},
		sessions: &fakeSessions{},
		registr:  &fakeRegistrar{registered: true, status: "pending", credits: 100},
		granter:  &fakeGranter{},
		users:    &fakeUsers{user: &accounts.User{ID: "user-1", WalletAddress: "0x1234"}},
	}
	h := NewHandlers(
		deps.ledger,
		&fakeIssuer{receipt: &receipt.SignedReceipt{Signature: "0xsig"}},
		deps.registr,
		deps.sessions,
		&fakeCheckout{},
		deps.users,
		deps.granter,
		logging.NewLogger(),
	)

	router := gin.New()
	h.RegisterRoutes(router, testJWTSecret, func(c *gin.Context) { c.Status(http.StatusOK) })
	h.RegisterServiceRoutes(router, "svc-token")
	return router, deps
}

func authedRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	token, err := auth.GenerateJWT("user-1", "user@example.com", "0x1234", testJWTSecret)
	if err != nil {
		t.Fatalf("GenerateJWT: %v", err)
	}

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestGetBalance(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/credits/balance", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp BalanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Balance != 500 {
		t.Fatalf("balance = %d, want 500", resp.Balance)
	}
}

func TestBalanceRequiresAuth(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/credits/balance", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestGetTransactionsReturnsEmptyList(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/credits/transactions", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"transactions":[]`) {
		t.Fatalf("body = %s, want empty transactions array", w.Body.String())
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/api/checkout/session", `{"credit_amount": 500}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "cs_1") {
		t.Fatalf("body = %s, want checkout session id", w.Body.String())
	}
}

func TestIssueReceipt(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/api/payments/receipt", `{"credit_amount": 100}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "0xsig") {
		t.Fatalf("body = %s, want signed receipt", w.Body.String())
	}
}

func TestRegisterOnchainPaymentRejectsBadTokenAmount(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	body := `{"tx_hash": "0xabc", "credit_amount": 100, "token_amount": "not-a-number"}`
	router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/api/payments/onchain", body))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRegisterOnchainPaymentAccepted(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	body := `{"tx_hash": "0xabc", "credit_amount": 100, "token_amount": "100000000000000000", "nonce": 3}`
	router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/api/payments/onchain", body))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
}

func TestRegisterOnchainPaymentKnownHashReportsState(t *testing.T) {
	router, deps := newTestRouter(t)
	deps.registr.registered = false
	deps.registr.status = "confirmed"
	deps.registr.credits = 250

	w := httptest.NewRecorder()
	body := `{"tx_hash": "0xabc", "credit_amount": 100, "token_amount": "100000000000000000", "nonce": 3}`
	router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/api/payments/onchain", body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp OnchainPaymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "confirmed" || resp.CreditAmount != 250 {
		t.Fatalf("resp = %+v, want the tracked confirmed state", resp)
	}
}

func TestGetOnchainPaymentStatus(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/payments/onchain/0xabc", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp OnchainPaymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "pending" || resp.CreditAmount != 100 {
		t.Fatalf("resp = %+v, want pending with 100 credits", resp)
	}
}

func TestStartSessionInsufficientCredits(t *testing.T) {
	router, deps := newTestRouter(t)
	deps.sessions.startErr = meter.ErrInsufficientCredits

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/api/sessions", `{"avatar_id": "coach"}`))
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
}

func TestStartSession(t *testing.T) {
	router, deps := newTestRouter(t)
	deps.sessions.session = &meter.Session{ID: "sess-1", UserID: "user-1", AvatarID: "coach"}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/api/sessions", `{"avatar_id": "coach"}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "sess-1") {
		t.Fatalf("body = %s, want session id", w.Body.String())
	}
}

func TestEndSessionUnknownSession(t *testing.T) {
	router, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/api/sessions/nope/end", ""))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestGrantBonusRequiresServiceToken(t *testing.T) {
	router, deps := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/service/credits/bonus",
		strings.NewReader(`{"user_id": "user-1", "amount": 100, "idempotency_key": "promo-1"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if len(deps.granter.granted) != 0 {
		t.Fatal("bonus granted without service auth")
	}
}

func TestGrantBonus(t *testing.T) {
	router, deps := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/service/credits/bonus",
		strings.NewReader(`{"user_id": "user-1", "amount": 100, "idempotency_key": "promo-1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer svc-token")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(deps.granter.granted) != 1 {
		t.Fatalf("grants = %d, want 1", len(deps.granter.granted))
	}
	if deps.granter.granted[0].IdempotencyKey != "promo-1" || deps.granter.granted[0].Type != ledger.TypeBonus {
		t.Fatalf("grant opts = %+v, want bonus with promo-1 key", deps.granter.granted[0])
	}
}

func TestRefreshUserDropsCachedRow(t *testing.T) {
	router, deps := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/service/users/user-7/refresh", nil)
	req.Header.Set("Authorization", "Bearer svc-token")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if len(deps.users.invalidated) != 1 || deps.users.invalidated[0] != "user-7" {
		t.Fatalf("invalidated = %v, want [user-7]", deps.users.invalidated)
	}
}

func TestEndSessionOtherUsersSession(t *testing.T) {
	router, deps := newTestRouter(t)
	deps.sessions.session = &meter.Session{ID: "sess-2", UserID: "someone-else", AvatarID: "coach"}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/api/sessions/sess-2/end", ""))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
