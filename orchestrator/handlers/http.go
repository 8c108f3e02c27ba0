package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/orderflow/order-system/orchestrator/application"
)

// SagaHandlers contains saga HTTP handlers
type SagaHandlers struct {
	getSaga *application.GetSaga
}

// NewSagaHandlers creates new saga handlers
func NewSagaHandlers(getSaga *application.GetSaga) *SagaHandlers {
	return &SagaHandlers{
		getSaga: getSaga,
	}
}

// GetSaga handles saga status retrieval requests
func (h *SagaHandlers) GetSaga(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")
	if orderID == "" {
		http.Error(w, "Order ID is required", http.StatusBadRequest)
		return
	}

	query := &application.GetSagaQuery{
		OrderID: orderID,
	}

	response, err := h.getSaga.Execute(r.Context(), query)
	if err != nil {
		if err.Error() == "saga not found" {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// RegisterRoutes registers saga routes
func (h *SagaHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sagas/{order_id}", func(r chi.Router) {
			r.Get("/", h.GetSaga)
		})
	})
}
