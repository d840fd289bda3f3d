package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the full HTTP surface.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)
	r.HandleFunc("/config", h.ConfigHandler).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/accounts", h.CreateAccountHandler).Methods(http.MethodPost)
	apiV1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/accounts/{id}/transactions", h.ListTransactionsHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/accounts/{id}/deposit", h.DepositHandler).Methods(http.MethodPost)
	apiV1.HandleFunc("/transfers", h.CreateTransferHandler).Methods(http.MethodPost)

	return r
}
