// Package httpapi exposes the service over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tiltvault/backend/internal/app/metrics"
	"github.com/tiltvault/backend/internal/app/services/deposits"
	"github.com/tiltvault/backend/internal/app/services/health"
	"github.com/tiltvault/backend/internal/app/services/payments"
	"github.com/tiltvault/backend/internal/app/services/vaults"
	"github.com/tiltvault/backend/internal/app/services/wallets"
	"github.com/tiltvault/backend/internal/app/storage"
	"github.com/tiltvault/backend/internal/chain"
	"github.com/tiltvault/backend/internal/middleware"
	"github.com/tiltvault/backend/internal/square"
	"github.com/tiltvault/backend/pkg/logger"
)

const maxBodyBytes = 1 << 20

// TokenReader reads ERC-20 balances for the token probe endpoint.
type TokenReader interface {
	TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error)
}

// Handler serves the HTTP API.
type Handler struct {
	payments  *payments.Service
	wallets   *wallets.Service
	vaults    *vaults.Service
	deposits  *deposits.Service
	health    *health.Service
	tokens    TokenReader
	squareCfg square.Config
	funding   common.Address
	metrics   *metrics.Metrics
	cors      []string
	rateRPS   float64
	rateBurst int
	log       *logger.Logger
}

// Options configures the handler.
type Options struct {
	Payments     *payments.Service
	Wallets      *wallets.Service
	Vaults       *vaults.Service
	Deposits     *deposits.Service
	Health       *health.Service
	Tokens       TokenReader
	SquareConfig square.Config
	FundingAsset common.Address
	Metrics      *metrics.Metrics
	CORSOrigins  []string
	RateRPS      float64
	RateBurst    int
	Log          *logger.Logger
}

// New creates the API handler.
func New(opts Options) *Handler {
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	if opts.RateRPS <= 0 {
		opts.RateRPS = 10
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 30
	}
	return &Handler{
		payments:  opts.Payments,
		wallets:   opts.Wallets,
		vaults:    opts.Vaults,
		deposits:  opts.Deposits,
		health:    opts.Health,
		tokens:    opts.Tokens,
		squareCfg: opts.SquareConfig,
		funding:   opts.FundingAsset,
		metrics:   opts.Metrics,
		cors:      opts.CORSOrigins,
		rateRPS:   opts.RateRPS,
		rateBurst: opts.RateBurst,
		log:       log,
	}
}

// Router builds the mux router with the full middleware chain.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.CORS(h.cors))
	r.Use(middleware.Tracing())
	if h.metrics != nil {
		r.Use(middleware.Metrics(h.metrics))
	}
	r.Use(middleware.RateLimit(h.rateRPS, h.rateBurst))

	r.HandleFunc("/api/square/process-payment", h.handleProcessPayment).Methods(http.MethodPost)
	r.HandleFunc("/api/square/balance", h.handleBalance).Methods(http.MethodGet)
	r.HandleFunc("/api/square/health", h.handleSquareHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/square/webhook", h.handleWebhook).Methods(http.MethodPost)

	r.HandleFunc("/api/wallet/create", h.handleWalletCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/wallet/register", h.handleWalletRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/wallet/session", h.handleWalletSession).Methods(http.MethodPost)

	r.HandleFunc("/api/positions/{wallet}", h.handlePositions).Methods(http.MethodGet)
	r.HandleFunc("/api/vaults", h.handleVaults).Methods(http.MethodGet)
	r.HandleFunc("/api/deposits/{id}", h.handleDeposit).Methods(http.MethodGet)
	r.HandleFunc("/api/deposits", h.handleDepositList).Methods(http.MethodGet)
	r.HandleFunc("/api/token/balance", h.handleTokenBalance).Methods(http.MethodGet)

	// Withdraw requires an authenticated wallet session.
	withdraw := r.PathPrefix("/api/withdraw").Subrouter()
	withdraw.Use(middleware.SessionAuth(h.wallets.ValidateSession))
	withdraw.HandleFunc("", h.handleWithdraw).Methods(http.MethodPost)

	r.HandleFunc("/healthz", h.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/history", h.handleHealthHistory).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return r
}

// Response helpers -----------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error": map[string]string{
			"message": message,
			"code":    code,
		},
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// Payments -------------------------------------------------------------------

func (h *Handler) handleProcessPayment(w http.ResponseWriter, r *http.Request) {
	var req payments.ProcessRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_BODY")
		return
	}

	p, err := h.payments.Process(r.Context(), req)
	if err != nil {
		h.writePaymentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"payment": map[string]interface{}{
			"id":           p.SquareID,
			"status":       string(p.Status),
			"amount_cents": p.AmountCents,
			"currency":     p.Currency,
			"receipt_url":  p.ReceiptURL,
		},
	})
}

func (h *Handler) writePaymentError(w http.ResponseWriter, err error) {
	if errors.Is(err, payments.ErrValidation) {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	var apiErr *square.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		writeError(w, status, err.Error(), "SQUARE_"+apiErr.Code())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, "square request timed out", "SQUARE_TIMEOUT")
		return
	}
	h.log.WithError(err).Error("payment processing failed")
	writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL")
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := h.payments.Balance(r.Context())
	if err != nil {
		h.writePaymentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"location":      bal.Location,
		"summary":       bal.Summary,
		"bank_accounts": bal.BankAccounts,
	})
}

func (h *Handler) handleSquareHealth(w http.ResponseWriter, r *http.Request) {
	configured := h.squareCfg.AccessToken != "" && h.squareCfg.LocationID != ""
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"configured":  configured,
		"environment": h.squareCfg.Environment,
	})
}

// Webhook --------------------------------------------------------------------

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	r.Body.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body", "INVALID_BODY")
		return
	}

	signature := r.Header.Get(square.SignatureHeader)
	if !h.squareCfg.VerifySignature(body, signature) {
		h.log.WithField("trace", middleware.TraceID(r.Context())).Warn("webhook signature rejected")
		writeError(w, http.StatusUnauthorized, "invalid webhook signature", "INVALID_SIGNATURE")
		return
	}

	ev, err := square.ParseWebhook(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_BODY")
		return
	}

	// An authenticated, parseable event is always acknowledged with 200;
	// failures are recorded on the job for the requeue poller.
	res, err := h.deposits.HandleEvent(r.Context(), ev)
	if err != nil {
		h.log.WithError(err).WithField("event", ev.EventID).Error("webhook pipeline error")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"processed": false,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"processed": res.Processed,
		"duplicate": res.Duplicate,
		"reason":    res.Reason,
		"job":       res.Job,
	})
}

// Wallets --------------------------------------------------------------------

func (h *Handler) handleWalletCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrivateKey string `json:"private_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_BODY")
		return
	}
	address, err := h.wallets.DeriveAddress(req.PrivateKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid private key", "INVALID_KEY")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"address": address,
	})
}

func (h *Handler) handleWalletRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address     string `json:"address"`
		Email       string `json:"email"`
		RiskProfile string `json:"risk_profile"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_BODY")
		return
	}
	wlt, err := h.wallets.Register(r.Context(), req.Address, req.Email, req.RiskProfile)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"wallet": map[string]string{
			"address":      wlt.Address,
			"risk_profile": wlt.RiskProfile,
		},
	})
}

func (h *Handler) handleWalletSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_BODY")
		return
	}
	if _, err := h.wallets.Get(r.Context(), req.Address); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "wallet not registered", "NOT_FOUND")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	token, err := h.wallets.IssueSession(req.Address)
	if err != nil {
		h.log.WithError(err).Error("session issue failed")
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"token":      token,
		"expires_in": int(wallets.DefaultSessionTTL.Seconds()),
	})
}

// Vaults and positions -------------------------------------------------------

func (h *Handler) handleVaults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"vaults":  h.vaults.List(),
	})
}

func (h *Handler) handlePositions(w http.ResponseWriter, r *http.Request) {
	walletAddr := mux.Vars(r)["wallet"]
	positions, err := h.vaults.Positions(r.Context(), walletAddr)
	if err != nil {
		if chain.ValidAddress(walletAddr) {
			h.log.WithError(err).Error("position read failed")
			writeError(w, http.StatusBadGateway, "chain read failed", "CHAIN_ERROR")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"wallet":    chain.Checksum(walletAddr),
		"positions": positions,
	})
}

// Deposits -------------------------------------------------------------------

func (h *Handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	job, err := h.deposits.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deposit not found", "NOT_FOUND")
			return
		}
		h.log.WithError(err).Error("deposit lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"job":     job,
	})
}

func (h *Handler) handleDepositList(w http.ResponseWriter, r *http.Request) {
	walletAddr := r.URL.Query().Get("wallet")
	if !chain.ValidAddress(walletAddr) {
		writeError(w, http.StatusBadRequest, "wallet query parameter required", "VALIDATION_ERROR")
		return
	}
	jobs, err := h.deposits.ListByWallet(r.Context(), chain.Checksum(walletAddr))
	if err != nil {
		h.log.WithError(err).Error("deposit list failed")
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"deposits": jobs,
	})
}

func (h *Handler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VaultID string `json:"vault_id"`
		Amount  string `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_BODY")
		return
	}
	v, err := h.vaults.Get(req.VaultID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer in base units", "VALIDATION_ERROR")
		return
	}
	recipient := middleware.SessionWallet(r.Context())

	txHash, err := h.deposits.Withdraw(r.Context(), v, amount, common.HexToAddress(recipient))
	if err != nil {
		h.log.WithError(err).WithField("vault", req.VaultID).Error("withdraw failed")
		writeError(w, http.StatusBadGateway, err.Error(), "CHAIN_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"tx_hash": txHash,
	})
}

// Token probe ----------------------------------------------------------------

func (h *Handler) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	addr := r.URL.Query().Get("address")
	if !chain.ValidAddress(addr) {
		writeError(w, http.StatusBadRequest, "address query parameter required", "VALIDATION_ERROR")
		return
	}
	bal, err := h.tokens.TokenBalance(r.Context(), h.funding, common.HexToAddress(addr))
	if err != nil {
		h.log.WithError(err).Error("token balance read failed")
		writeError(w, http.StatusBadGateway, "chain read failed", "CHAIN_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"address": chain.Checksum(addr),
		"token":   h.funding.Hex(),
		"balance": bal.String(),
	})
}

// Health ---------------------------------------------------------------------

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.health.Report(r.Context())
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleHealthHistory(w http.ResponseWriter, r *http.Request) {
	reports, err := h.health.History(r.Context(), 32)
	if err != nil {
		h.log.WithError(err).Error("health history read failed")
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"reports": reports,
	})
}
