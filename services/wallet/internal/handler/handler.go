// Package handler exposes the wallet ledger over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/emarket-platform/pkg/money"
	"github.com/emarket-platform/services/wallet/internal/audit"
	"github.com/emarket-platform/services/wallet/internal/domain"
	"github.com/emarket-platform/services/wallet/internal/reconcile"
	"github.com/emarket-platform/services/wallet/internal/service"
)

const (
	HeaderSubjectID      = "X-Subject-Id"
	HeaderSubjectRole    = "X-Subject-Role"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderSignature      = "X-Signature"
	HeaderStripeSig      = "Stripe-Signature"

	maxBody       = 1 << 20
	defaultLimit  = 50
	maxLimit      = 500
	stripeGateway = "stripe"
)

// Ledger is the account manager surface served over HTTP.
type Ledger interface {
	OpenWallet(ctx context.Context, caller domain.Caller, userID string) (*domain.Wallet, error)
	DeactivateWallet(ctx context.Context, caller domain.Caller, userID string) (*domain.Wallet, error)
	GetWallet(ctx context.Context, caller domain.Caller, userID string) (*domain.Wallet, error)
	GetTransaction(ctx context.Context, caller domain.Caller, id uuid.UUID) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, caller domain.Caller, f domain.TransactionFilter) ([]*domain.Transaction, error)
	ListAudit(ctx context.Context, caller domain.Caller, userID string) ([]*domain.AuditRecord, error)
	VerifyWallet(ctx context.Context, caller domain.Caller, userID string) (*audit.Report, error)

	Deposit(ctx context.Context, caller domain.Caller, req service.DepositRequest) (*service.Result, error)
	Withdraw(ctx context.Context, caller domain.Caller, req service.WithdrawRequest) (*service.Result, error)
	EscrowLock(ctx context.Context, caller domain.Caller, req service.EscrowLockRequest) (*service.Result, error)
	EscrowRelease(ctx context.Context, caller domain.Caller, req service.EscrowReleaseRequest) (*service.Result, error)
	EscrowRefund(ctx context.Context, caller domain.Caller, lockID uuid.UUID, key string) (*service.Result, error)
	Transfer(ctx context.Context, caller domain.Caller, req service.TransferRequest) (*service.Result, error)
	Cancel(ctx context.Context, caller domain.Caller, txID uuid.UUID, reason string) (*service.Result, error)
	ResolvePending(ctx context.Context, caller domain.Caller, txID uuid.UUID, outcome domain.Outcome, source string) (*service.Result, error)
}

// Callbacks accepts raw gateway callbacks.
type Callbacks interface {
	Accept(ctx context.Context, env reconcile.Envelope) (reconcile.Disposition, error)
}

// WalletHandler serves the wallet API
type WalletHandler struct {
	ledger    Ledger
	callbacks Callbacks
	validate  *validator.Validate
	currency  money.Currency
	view      viewer
	logger    *slog.Logger
}

// NewWalletHandler creates new HTTP handler. callbacks may be nil, which
// disables the gateway routes.
func NewWalletHandler(ledger Ledger, callbacks Callbacks, currency money.Currency, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{
		ledger:    ledger,
		callbacks: callbacks,
		validate:  validator.New(),
		currency:  currency,
		view:      viewer{currency: currency},
		logger:    logger,
	}
}

// Routes mounts the API under /v1
func (h *WalletHandler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Route("/wallets/{userID}", func(r chi.Router) {
			r.Get("/", h.GetWallet)
			r.Put("/", h.OpenWallet)
			r.Post("/deactivate", h.DeactivateWallet)
			r.Post("/deposits", h.Deposit)
			r.Post("/withdrawals", h.Withdraw)
			r.Post("/escrow-locks", h.EscrowLock)
			r.Get("/transactions", h.ListTransactions)
			r.Get("/audit", h.ListAudit)
			r.Get("/verify", h.VerifyWallet)
		})

		r.Route("/escrow-locks/{lockID}", func(r chi.Router) {
			r.Post("/release", h.EscrowRelease)
			r.Post("/refund", h.EscrowRefund)
		})

		r.Post("/transfers", h.Transfer)

		r.Route("/transactions/{txID}", func(r chi.Router) {
			r.Get("/", h.GetTransaction)
			r.Post("/cancel", h.Cancel)
			r.Post("/resolve", h.Resolve)
		})

		if h.callbacks != nil {
			r.Post("/gateway/callbacks/{provider}", h.GatewayCallback)
			r.Post("/gateway/stripe/webhook", h.StripeWebhook)
		}
	})
}

// ---- request bodies ----

type depositBody struct {
	Amount      string `json:"amount" validate:"required,numeric"`
	PaymentID   string `json:"payment_id" validate:"omitempty,max=255"`
	Captured    bool   `json:"captured"`
	Description string `json:"description" validate:"omitempty,max=500"`
}

type withdrawBody struct {
	Amount        string `json:"amount" validate:"required,numeric"`
	BankReference string `json:"bank_reference" validate:"required,max=255"`
}

type escrowLockBody struct {
	Amount  string `json:"amount" validate:"required,numeric"`
	OrderID string `json:"order_id" validate:"required,max=255"`
}

type releaseBody struct {
	PayeeUserID string `json:"payee_user_id" validate:"omitempty,max=255"`
}

type transferBody struct {
	FromUserID  string `json:"from_user_id" validate:"required,max=255"`
	ToUserID    string `json:"to_user_id" validate:"required,max=255,nefield=FromUserID"`
	Amount      string `json:"amount" validate:"required,numeric"`
	Description string `json:"description" validate:"omitempty,max=500"`
}

type cancelBody struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

type resolveBody struct {
	Status string `json:"status" validate:"required,oneof=succeeded failed"`
	Amount string `json:"amount" validate:"omitempty,numeric"`
	Code   string `json:"code" validate:"omitempty,max=100"`
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// ---- wallets ----

func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	wallet, err := h.ledger.GetWallet(r.Context(), caller, chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view.wallet(wallet))
}

func (h *WalletHandler) OpenWallet(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	wallet, err := h.ledger.OpenWallet(r.Context(), caller, chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view.wallet(wallet))
}

func (h *WalletHandler) DeactivateWallet(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	wallet, err := h.ledger.DeactivateWallet(r.Context(), caller, chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view.wallet(wallet))
}

func (h *WalletHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	f.UserID = chi.URLParam(r, "userID")

	txs, err := h.ledger.ListTransactions(r.Context(), caller, f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": h.view.transactions(txs),
		"limit":        f.Limit,
		"offset":       f.Offset,
	})
}

func (h *WalletHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	recs, err := h.ledger.ListAudit(r.Context(), caller, chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []*domain.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": recs})
}

func (h *WalletHandler) VerifyWallet(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	report, err := h.ledger.VerifyWallet(r.Context(), caller, chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view.report(report))
}

// ---- ledger operations ----

func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body depositBody
	if !h.decode(w, r, &body) {
		return
	}
	amount, err := h.minor(body.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.ledger.Deposit(r.Context(), caller, service.DepositRequest{
		UserID:         chi.URLParam(r, "userID"),
		Amount:         amount,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		PaymentID:      body.PaymentID,
		Captured:       body.Captured,
		Description:    body.Description,
	})
	h.respond(w, r, res, err)
}

func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body withdrawBody
	if !h.decode(w, r, &body) {
		return
	}
	amount, err := h.minor(body.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.ledger.Withdraw(r.Context(), caller, service.WithdrawRequest{
		UserID:         chi.URLParam(r, "userID"),
		Amount:         amount,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		BankReference:  body.BankReference,
	})
	h.respond(w, r, res, err)
}

func (h *WalletHandler) EscrowLock(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body escrowLockBody
	if !h.decode(w, r, &body) {
		return
	}
	amount, err := h.minor(body.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.ledger.EscrowLock(r.Context(), caller, service.EscrowLockRequest{
		UserID:         chi.URLParam(r, "userID"),
		Amount:         amount,
		OrderID:        body.OrderID,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	h.respond(w, r, res, err)
}

func (h *WalletHandler) EscrowRelease(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	lockID, ok := h.uuidParam(w, r, "lockID")
	if !ok {
		return
	}
	var body releaseBody
	if !h.decode(w, r, &body) {
		return
	}

	res, err := h.ledger.EscrowRelease(r.Context(), caller, service.EscrowReleaseRequest{
		LockID:         lockID,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		PayeeUserID:    body.PayeeUserID,
	})
	h.respond(w, r, res, err)
}

func (h *WalletHandler) EscrowRefund(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	lockID, ok := h.uuidParam(w, r, "lockID")
	if !ok {
		return
	}
	res, err := h.ledger.EscrowRefund(r.Context(), caller, lockID, r.Header.Get(HeaderIdempotencyKey))
	h.respond(w, r, res, err)
}

func (h *WalletHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var body transferBody
	if !h.decode(w, r, &body) {
		return
	}
	amount, err := h.minor(body.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.ledger.Transfer(r.Context(), caller, service.TransferRequest{
		FromUserID:     body.FromUserID,
		ToUserID:       body.ToUserID,
		Amount:         amount,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		Description:    body.Description,
	})
	h.respond(w, r, res, err)
}

// ---- transactions ----

func (h *WalletHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	txID, ok := h.uuidParam(w, r, "txID")
	if !ok {
		return
	}
	tx, err := h.ledger.GetTransaction(r.Context(), caller, txID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view.transaction(tx))
}

func (h *WalletHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	txID, ok := h.uuidParam(w, r, "txID")
	if !ok {
		return
	}
	var body cancelBody
	if !h.decode(w, r, &body) {
		return
	}
	res, err := h.ledger.Cancel(r.Context(), caller, txID, body.Reason)
	h.respond(w, r, res, err)
}

// Resolve applies an operator verdict to a pending transaction.
func (h *WalletHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	txID, ok := h.uuidParam(w, r, "txID")
	if !ok {
		return
	}
	var body resolveBody
	if !h.decode(w, r, &body) {
		return
	}

	var outcome domain.Outcome
	switch body.Status {
	case "succeeded":
		var amount int64
		if body.Amount != "" {
			var err error
			if amount, err = h.minor(body.Amount); err != nil {
				h.fail(w, r, err)
				return
			}
		}
		outcome = domain.Succeeded{Amount: amount}
	default:
		outcome = domain.Failed{Code: body.Code, Reason: body.Reason}
	}

	res, err := h.ledger.ResolvePending(r.Context(), caller, txID, outcome, "operator:"+caller.SubjectID)
	h.respond(w, r, res, err)
}

// ---- gateway callbacks ----

func (h *WalletHandler) GatewayCallback(w http.ResponseWriter, r *http.Request) {
	h.acceptCallback(w, r, chi.URLParam(r, "provider"), r.Header.Get(HeaderSignature))
}

func (h *WalletHandler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	h.acceptCallback(w, r, stripeGateway, r.Header.Get(HeaderStripeSig))
}

func (h *WalletHandler) acceptCallback(w http.ResponseWriter, r *http.Request, provider, signature string) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: unreadable body", domain.ErrInvalidRequest))
		return
	}

	d, err := h.callbacks.Accept(r.Context(), reconcile.Envelope{Provider: provider, Payload: payload, Signature: signature})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrAnomalyDetected), errors.Is(err, domain.ErrTransactionNotFound):
		// Recorded for review; the gateway must not keep retrying.
		writeJSON(w, http.StatusOK, map[string]string{"status": "held", "code": domain.ErrorCode(err)})
		return
	default:
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if d == reconcile.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]string{"status": string(d)})
}

// ---- helpers ----

func (h *WalletHandler) caller(w http.ResponseWriter, r *http.Request) (domain.Caller, bool) {
	subject := r.Header.Get(HeaderSubjectID)
	role, err := domain.ParseRole(r.Header.Get(HeaderSubjectRole))
	if subject == "" || err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid caller identity", nil)
		return domain.Caller{}, false
	}
	return domain.Caller{SubjectID: subject, Role: role}, true
}

func (h *WalletHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body", nil)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				details[fe.Field()] = fmt.Sprintf("failed on '%s' tag", fe.Tag())
			}
			writeError(w, http.StatusBadRequest, "invalid_request", "validation failed", details)
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return false
	}
	return true
}

func (h *WalletHandler) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid "+name, nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *WalletHandler) minor(value string) (int64, error) {
	a, err := money.Parse(value, h.currency)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidAmount, err)
	}
	if !a.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmount)
	}
	minor, err := a.Minor()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidAmount, err)
	}
	return minor, nil
}

func (h *WalletHandler) respond(w http.ResponseWriter, r *http.Request, res *service.Result, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, h.view.result(res))
}

func (h *WalletHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	code := domain.ErrorCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, status, code, "internal error", nil)
		return
	}
	writeError(w, status, code, err.Error(), nil)
}

// StatusFor maps a ledger error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrWalletNotFound), errors.Is(err, domain.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrIdempotencyKeyConflict),
		errors.Is(err, domain.ErrKeyInProgress),
		errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrDuplicateKey):
		return http.StatusConflict
	case errors.Is(err, domain.ErrAnomalyDetected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func parseFilter(r *http.Request) (domain.TransactionFilter, error) {
	q := r.URL.Query()
	f := domain.TransactionFilter{
		Type:    domain.TransactionType(q.Get("type")),
		Status:  domain.TransactionStatus(q.Get("status")),
		OrderID: q.Get("order_id"),
		Limit:   defaultLimit,
	}

	var err error
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit <= 0 || f.Limit > maxLimit {
			return f, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrInvalidRequest, maxLimit)
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			return f, fmt.Errorf("%w: invalid offset", domain.ErrInvalidRequest)
		}
	}
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%w: %s must be RFC 3339", domain.ErrInvalidRequest, name)
		}
		*dst = &t
	}
	return f, nil
}

type errorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code"`
	Details map[string]string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
