// Package api serves the core operations to the chat front end as JSON over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tipledger/tipledger/internal/core"
	"github.com/tipledger/tipledger/internal/metrics"
)

var ErrInvalidConfig = errors.New("api: invalid config")

// Core is satisfied by *core.Service.
type Core interface {
	GetAccount(ctx context.Context, userID string) (core.AccountView, error)
	GetBalance(ctx context.Context, userID string) (core.Balance, error)
	Tip(ctx context.Context, senderID string, receivers []string, amountEach decimal.Decimal) error
	Withdraw(ctx context.Context, userID, to string, amount *decimal.Decimal) (core.WithdrawReceipt, error)
	ProvisionAccount(ctx context.Context, userID string) (core.ProvisionResult, error)
	Acknowledge(ctx context.Context, userID, username string) error
	Notified(ctx context.Context, userID string) (bool, error)
	WithdrawFee() decimal.Decimal
}

type Config struct {
	// AuthToken enables bearer-token auth on every /v1 request when set.
	AuthToken string

	// MaxBodyBytes defaults to 64 KiB.
	MaxBodyBytes int64
	// RequestTimeout bounds one call into core. Defaults to 30s.
	RequestTimeout time.Duration

	RateLimitPerSecond  float64
	RateLimitBurst      int
	RateLimitMaxTracked int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

type handler struct {
	cfg     Config
	core    Core
	limiter *clientLimiter
	log     *slog.Logger
}

func NewHandler(c Core, cfg Config) (http.Handler, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil core", ErrInvalidConfig)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTracked <= 0 {
		cfg.RateLimitMaxTracked = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	h := &handler{
		cfg:     cfg,
		core:    c,
		limiter: newClientLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, cfg.RateLimitMaxTracked),
		log:     log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, cfg.Metrics.InstrumentHandler(pattern, h.guard(fn)))
	}
	route("GET /v1/config", h.handleConfig)
	route("GET /v1/accounts/{userId}", h.handleGetAccount)
	route("POST /v1/accounts/{userId}/provision", h.handleProvision)
	route("GET /v1/accounts/{userId}/balance", h.handleGetBalance)
	route("GET /v1/accounts/{userId}/notice", h.handleNotified)
	route("POST /v1/accounts/{userId}/notice", h.handleAcknowledge)
	route("POST /v1/tips", h.handleTip)
	route("POST /v1/withdrawals", h.handleWithdraw)
	return mux, nil
}

// guard applies auth, rate limiting, the body cap and the request deadline.
func (h *handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), h.cfg.AuthToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !h.limiter.Allow(clientIP(r), h.cfg.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
		ctx, cancel := context.WithTimeout(r.Context(), h.cfg.RequestTimeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ConfigResponse{WithdrawFee: h.core.WithdrawFee().String()})
}

func (h *handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("userId")
	v, err := h.core.GetAccount(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse(user, v.State.String(), v.Address))
}

func (h *handler) handleProvision(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("userId")
	res, err := h.core.ProvisionAccount(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, accountResponse(user, res.State.String(), res.Address))
}

func (h *handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("userId")
	bal, err := h.core.GetBalance(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		UserID:  user,
		Balance: bal.Balance.String(),
		Pending: bal.Pending.String(),
	})
}

func (h *handler) handleNotified(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("userId")
	ok, err := h.core.Notified(r.Context(), user)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NoticeResponse{UserID: user, Acknowledged: ok})
}

func (h *handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("userId")
	req, ok := decodeJSONBody[AcknowledgeRequest](w, r)
	if !ok {
		return
	}
	if err := h.core.Acknowledge(r.Context(), user, strings.TrimSpace(req.Username)); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NoticeResponse{UserID: user, Acknowledged: true})
}

func (h *handler) handleTip(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSONBody[TipRequest](w, r)
	if !ok {
		return
	}
	amt, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		writeError(w, http.StatusBadRequest, core.CodeInvalidAmount)
		return
	}
	if err := h.core.Tip(r.Context(), req.SenderID, req.Receivers, amt); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TipResponse{
		SenderID:   req.SenderID,
		Receivers:  req.Receivers,
		AmountEach: amt.String(),
	})
}

func (h *handler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSONBody[WithdrawRequest](w, r)
	if !ok {
		return
	}
	var amt *decimal.Decimal
	if s := strings.TrimSpace(req.Amount); s != "" {
		d, err := decimal.NewFromString(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, core.CodeInvalidAmount)
			return
		}
		amt = &d
	}
	rec, err := h.core.Withdraw(r.Context(), req.UserID, req.To, amt)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, WithdrawResponse{
		ID:     rec.ID,
		To:     rec.To.Hex(),
		Amount: rec.Amount.String(),
		Fee:    rec.Fee.String(),
	})
}

// fail writes the stable code for err. Raw error text never reaches the client.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, "timeout")
		return
	}
	code := core.Code(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", code, "err", err)
	}
	writeError(w, status, code)
}

func statusFor(code string) int {
	switch code {
	case core.CodeInvalidAddress, core.CodeInvalidAmount, core.CodeInvalidInput:
		return http.StatusBadRequest
	case core.CodeInsufficientFunds, core.CodeBelowMinimum:
		return http.StatusUnprocessableEntity
	case core.CodeProvisioningInProgress, core.CodeProvisioningFailed, core.CodeNotReady, core.CodeConflict:
		return http.StatusConflict
	case core.CodeChainTimeout, core.CodeChainRejected:
		return http.StatusBadGateway
	case core.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	// Reject trailing garbage.
	if dec.More() {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, ErrorResponse{Version: Version, Error: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func checkBearer(header string, wantToken string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return got == wantToken
}
