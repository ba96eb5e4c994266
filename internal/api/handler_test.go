package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/tipledger/tipledger/internal/core"
	"github.com/tipledger/tipledger/internal/ledger"
	"github.com/tipledger/tipledger/internal/metrics"
)

type stubCore struct {
	account   core.AccountView
	balance   core.Balance
	provision core.ProvisionResult
	receipt   core.WithdrawReceipt
	err       error

	gotUser      string
	gotTo        string
	gotAmount    *decimal.Decimal
	gotReceivers []string
	gotTipAmount decimal.Decimal
	gotUsername  string
}

func (s *stubCore) GetAccount(_ context.Context, userID string) (core.AccountView, error) {
	s.gotUser = userID
	return s.account, s.err
}

func (s *stubCore) GetBalance(_ context.Context, userID string) (core.Balance, error) {
	s.gotUser = userID
	return s.balance, s.err
}

func (s *stubCore) Tip(_ context.Context, senderID string, receivers []string, amountEach decimal.Decimal) error {
	s.gotUser, s.gotReceivers, s.gotTipAmount = senderID, receivers, amountEach
	return s.err
}

func (s *stubCore) Withdraw(_ context.Context, userID, to string, amount *decimal.Decimal) (core.WithdrawReceipt, error) {
	s.gotUser, s.gotTo, s.gotAmount = userID, to, amount
	return s.receipt, s.err
}

func (s *stubCore) ProvisionAccount(_ context.Context, userID string) (core.ProvisionResult, error) {
	s.gotUser = userID
	return s.provision, s.err
}

func (s *stubCore) Acknowledge(_ context.Context, userID, username string) error {
	s.gotUser, s.gotUsername = userID, username
	return s.err
}

func (s *stubCore) Notified(_ context.Context, userID string) (bool, error) {
	s.gotUser = userID
	return true, s.err
}

func (s *stubCore) WithdrawFee() decimal.Decimal { return decimal.RequireFromString("0.5") }

func newTestHandler(t *testing.T, c Core, cfg Config) http.Handler {
	t.Helper()
	h, err := NewHandler(c, cfg)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer secret")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var out ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return out.Error
}

func TestNewHandler_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewHandler(nil, Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestHandler_RequiresBearerToken(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, &stubCore{}, Config{AuthToken: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/u1", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d want %d", rr.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: got %d want %d", rr.Code, http.StatusOK)
	}
}

func TestHandler_GetAccountAndBalance(t *testing.T) {
	t.Parallel()

	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	c := &stubCore{
		account: core.AccountView{State: ledger.StateReady, Address: addr},
		balance: core.Balance{Balance: decimal.RequireFromString("1.5"), Pending: decimal.RequireFromString("0.25")},
	}
	h := newTestHandler(t, c, Config{AuthToken: "secret"})

	rr := do(t, h, http.MethodGet, "/v1/accounts/u1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rr.Code, rr.Body.String())
	}
	var acct AccountResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &acct); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if acct.State != "ready" || acct.Address != addr.Hex() || c.gotUser != "u1" {
		t.Fatalf("account: %+v user=%s", acct, c.gotUser)
	}

	rr = do(t, h, http.MethodGet, "/v1/accounts/u1/balance", "")
	var bal BalanceResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &bal); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bal.Balance != "1.5" || bal.Pending != "0.25" {
		t.Fatalf("balance: %+v", bal)
	}
}

func TestHandler_Provision(t *testing.T) {
	t.Parallel()

	c := &stubCore{provision: core.ProvisionResult{State: ledger.StateGenerating, Queued: true}}
	h := newTestHandler(t, c, Config{AuthToken: "secret"})
	if rr := do(t, h, http.MethodPost, "/v1/accounts/u1/provision", ""); rr.Code != http.StatusAccepted {
		t.Fatalf("status: got %d want %d", rr.Code, http.StatusAccepted)
	}

	c.err = core.ErrProvisioningInProgress
	rr := do(t, h, http.MethodPost, "/v1/accounts/u1/provision", "")
	if rr.Code != http.StatusConflict || decodeError(t, rr) != core.CodeProvisioningInProgress {
		t.Fatalf("in progress: %d %s", rr.Code, rr.Body.String())
	}
}

func TestHandler_Tip(t *testing.T) {
	t.Parallel()

	c := &stubCore{}
	h := newTestHandler(t, c, Config{AuthToken: "secret"})
	rr := do(t, h, http.MethodPost, "/v1/tips", `{"sender_id":"s","receivers":["a","b"],"amount":"5"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rr.Code, rr.Body.String())
	}
	if c.gotUser != "s" || len(c.gotReceivers) != 2 || !c.gotTipAmount.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("tip call: %s %v %s", c.gotUser, c.gotReceivers, c.gotTipAmount)
	}

	c.err = core.ErrInsufficientFunds
	rr = do(t, h, http.MethodPost, "/v1/tips", `{"sender_id":"s","receivers":["a"],"amount":"5"}`)
	if rr.Code != http.StatusUnprocessableEntity || decodeError(t, rr) != core.CodeInsufficientFunds {
		t.Fatalf("insufficient: %d %s", rr.Code, rr.Body.String())
	}

	rr = do(t, h, http.MethodPost, "/v1/tips", `{"sender_id":"s","receivers":["a"],"amount":"lots"}`)
	if rr.Code != http.StatusBadRequest || decodeError(t, rr) != core.CodeInvalidAmount {
		t.Fatalf("bad amount: %d %s", rr.Code, rr.Body.String())
	}
}

func TestHandler_WithdrawOptionalAmount(t *testing.T) {
	t.Parallel()

	to := common.HexToAddress("0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1")
	c := &stubCore{receipt: core.WithdrawReceipt{ID: "w1", To: to, Amount: decimal.RequireFromString("9.5"), Fee: decimal.RequireFromString("0.5")}}
	h := newTestHandler(t, c, Config{AuthToken: "secret"})

	rr := do(t, h, http.MethodPost, "/v1/withdrawals", `{"user_id":"u1","to":"`+to.Hex()+`"}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status: got %d body=%s", rr.Code, rr.Body.String())
	}
	if c.gotAmount != nil {
		t.Fatalf("amount: got %v want nil", c.gotAmount)
	}
	var out WithdrawResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != "w1" || out.Amount != "9.5" || out.Fee != "0.5" {
		t.Fatalf("response: %+v", out)
	}

	do(t, h, http.MethodPost, "/v1/withdrawals", `{"user_id":"u1","to":"`+to.Hex()+`","amount":"2"}`)
	if c.gotAmount == nil || !c.gotAmount.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("amount: got %v want 2", c.gotAmount)
	}
}

func TestHandler_NeverLeaksInternalErrors(t *testing.T) {
	t.Parallel()

	c := &stubCore{err: errors.New("pq: password authentication failed for user tipledger")}
	h := newTestHandler(t, c, Config{AuthToken: "secret"})
	rr := do(t, h, http.MethodGet, "/v1/accounts/u1/balance", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d want %d", rr.Code, http.StatusInternalServerError)
	}
	if strings.Contains(rr.Body.String(), "password") {
		t.Fatalf("leaked: %s", rr.Body.String())
	}
	if decodeError(t, rr) != core.CodeInternal {
		t.Fatalf("code: %s", rr.Body.String())
	}
}

func TestHandler_RejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, &stubCore{}, Config{AuthToken: "secret"})
	for _, body := range []string{
		`{"sender_id":"s","receivers":["a"],"amount":"1","extra":1}`,
		`{"sender_id":"s","receivers":["a"],"amount":"1"} {}`,
		`not json`,
	} {
		rr := do(t, h, http.MethodPost, "/v1/tips", body)
		if rr.Code != http.StatusBadRequest || decodeError(t, rr) != "invalid_json" {
			t.Fatalf("body %q: %d %s", body, rr.Code, rr.Body.String())
		}
	}
}

func TestHandler_RateLimitsPerClient(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newTestHandler(t, &stubCore{}, Config{
		AuthToken:          "secret",
		RateLimitPerSecond: 1,
		RateLimitBurst:     2,
		Now:                func() time.Time { return now },
	})
	get := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/v1/config", nil)
		req.Header.Set("Authorization", "Bearer secret")
		req.Header.Set("X-Forwarded-For", ip)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}
	if get("10.0.0.1") != http.StatusOK || get("10.0.0.1") != http.StatusOK {
		t.Fatalf("burst should be allowed")
	}
	if code := get("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("third request: got %d want %d", code, http.StatusTooManyRequests)
	}
	if code := get("10.0.0.2"); code != http.StatusOK {
		t.Fatalf("other client: got %d want %d", code, http.StatusOK)
	}
}

func TestHandler_ServesMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	h := newTestHandler(t, &stubCore{}, Config{AuthToken: "secret", Metrics: m})
	do(t, h, http.MethodGet, "/v1/config", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "tipledger_http_requests_total") {
		t.Fatalf("metrics body missing http counter")
	}
}

func TestClientLimiterEvictsOldest(t *testing.T) {
	t.Parallel()

	l := newClientLimiter(1, 1, 2)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.Allow("a", t0)
	l.Allow("b", t0.Add(time.Millisecond))
	l.Allow("c", t0.Add(2*time.Millisecond))
	if _, ok := l.clients["a"]; ok {
		t.Fatalf("oldest client not evicted")
	}
	if len(l.clients) != 2 {
		t.Fatalf("tracked: got %d want 2", len(l.clients))
	}
}
