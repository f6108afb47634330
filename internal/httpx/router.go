// Package httpx is the HTTP surface of the fulfillment service: saga
// lifecycle endpoints, signal delivery, and the observability read side.
package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the service's route tree.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)

	r.Post("/orders", h.StartOrder)
	r.Post("/orders/{id}", h.StartOrder)
	r.Get("/orders/{id}", h.GetOrder)
	r.Post("/orders/{id}/approve", h.Approve)
	r.Post("/orders/{id}/cancel", h.Cancel)
	r.Put("/orders/{id}/address", h.UpdateAddress)
	r.Get("/orders/{id}/health", h.OrderHealth)

	r.Get("/observability/dashboard", h.SystemHealth)
	r.Get("/observability/events", h.RecentEvents)

	return r
}
