package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/TamsynHenke39/payments-go/internal/config"
	"github.com/TamsynHenke39/payments-go/internal/models"
	"github.com/TamsynHenke39/payments-go/internal/payments"
	"github.com/TamsynHenke39/payments-go/internal/service"
	"github.com/TamsynHenke39/payments-go/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payments_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const idempotencyHeader = "Idempotency-Key"

type Handler struct {
	store   store.LedgerStore
	service *service.Service
	cfg     *config.Config
}

func NewHandler(s store.LedgerStore, svc *service.Service, cfg *config.Config) *Handler {
	return &Handler{store: s, service: svc, cfg: cfg}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

func (h *Handler) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{
		"currency":            h.cfg.Currency,
		"maxTransactionCents": h.cfg.MaxTxCents,
		"providerConfigured":  h.cfg.ProviderConfigured(),
	}, "GET", "/config")
}

// CreateAccountHandler creates or reuses the user by email plus their
// account in the service currency.
func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req models.AccountCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/accounts")
		return
	}
	if req.Email == "" {
		respondWithError(w, http.StatusUnprocessableEntity, "email is required", "POST", "/accounts")
		return
	}

	acc, err := h.store.CreateOrGetAccount(r.Context(), req.Email, req.Name)
	if err != nil {
		zap.L().Error("Account create failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "System error creating account", "POST", "/accounts")
		return
	}
	respondWithJSON(w, http.StatusOK, acc, "POST", "/accounts")
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "GET", "/accounts/{id}")
	if !ok {
		return
	}
	acc, err := h.store.GetAccount(r.Context(), id)
	if err != nil {
		h.respondWithServiceError(w, err, "GET", "/accounts/{id}")
		return
	}
	respondWithJSON(w, http.StatusOK, acc, "GET", "/accounts/{id}")
}

// ListTransactionsHandler returns the account's ledger entries newest first.
func (h *Handler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "GET", "/accounts/{id}/transactions")
	if !ok {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			respondWithError(w, http.StatusUnprocessableEntity, "limit must be between 1 and 100", "GET", "/accounts/{id}/transactions")
			return
		}
		limit = n
	}

	entries, err := h.store.ListEntries(r.Context(), id, limit)
	if err != nil {
		h.respondWithServiceError(w, err, "GET", "/accounts/{id}/transactions")
		return
	}
	respondWithJSON(w, http.StatusOK, models.TransactionsResponse{AccountID: id, Items: entries}, "GET", "/accounts/{id}/transactions")
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/transfers"))
	defer timer.ObserveDuration()

	var req models.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/transfers")
		return
	}
	if req.Currency == "" {
		req.Currency = h.cfg.Currency
	}

	res, err := h.service.Transfer(r.Context(), req, r.Header.Get(idempotencyHeader))
	if err != nil {
		h.respondWithServiceError(w, err, "POST", "/transfers")
		return
	}

	resp := models.TransferResponse{
		TransferGroupID:  res.TransferGroupID,
		FromBalanceCents: res.FromBalanceCents,
		ToBalanceCents:   res.ToBalanceCents,
	}
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	respondWithJSON(w, code, resp, "POST", "/transfers")
}

func (h *Handler) DepositHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/accounts/{id}/deposit"))
	defer timer.ObserveDuration()

	id, ok := pathID(w, r, "POST", "/accounts/{id}/deposit")
	if !ok {
		return
	}

	var req models.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/accounts/{id}/deposit")
		return
	}
	if req.Currency == "" {
		req.Currency = h.cfg.Currency
	}

	res, err := h.service.Deposit(r.Context(), id, req, r.Header.Get(idempotencyHeader))
	if err != nil {
		h.respondWithServiceError(w, err, "POST", "/accounts/{id}/deposit")
		return
	}

	resp := models.DepositResponse{EntryID: res.EntryID, NewBalanceCents: res.NewBalanceCents}
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	respondWithJSON(w, code, resp, "POST", "/accounts/{id}/deposit")
}

// respondWithServiceError maps domain errors onto HTTP statuses. Client
// faults keep their message; anything unexpected is logged and masked.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, err error, method, endpoint string) {
	switch {
	case errors.Is(err, store.ErrAccountNotFound):
		respondWithError(w, http.StatusNotFound, err.Error(), method, endpoint)
	case errors.Is(err, store.ErrInvalidAmount),
		errors.Is(err, store.ErrCurrencyMismatch),
		errors.Is(err, store.ErrSameAccount),
		errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, payments.ErrMismatch):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	case errors.Is(err, payments.ErrNotConfigured):
		respondWithError(w, http.StatusNotImplemented, "confirmed deposits are not available; set simulate=true", method, endpoint)
	default:
		zap.L().Error("Request failed", zap.String("endpoint", endpoint), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error", method, endpoint)
	}
}

func pathID(w http.ResponseWriter, r *http.Request, method, endpoint string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id < 1 {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid account id", method, endpoint)
		return 0, false
	}
	return id, true
}

func respondWithError(w http.ResponseWriter, code int, message, method, endpoint string) {
	respondWithJSON(w, code, map[string]string{"error": message}, method, endpoint)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
