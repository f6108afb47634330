package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jcmexdev/order-fulfillment/internal/observability"
	"github.com/jcmexdev/order-fulfillment/internal/pkg/cache"
	"github.com/jcmexdev/order-fulfillment/internal/saga"
	"github.com/jcmexdev/order-fulfillment/internal/store"
	"github.com/jcmexdev/order-fulfillment/internal/substrate"
)

// dashboardTTL bounds how stale a cached system dashboard may be.
const dashboardTTL = 10 * time.Second

// Handler exposes the fulfillment pipeline over HTTP: starting sagas,
// delivering signals into running ones, and the read-only observability
// surface.
type Handler struct {
	runtime *substrate.Runtime
	coord   *saga.Coordinator
	store   *store.Store
	agg     *observability.Aggregator
	cache   cache.Cache // nil-safe: dashboard caching skipped if nil
}

// NewHandler wires the handler. c may be nil — in that case dashboard
// responses are computed on every request.
func NewHandler(rt *substrate.Runtime, coord *saga.Coordinator, st *store.Store, agg *observability.Aggregator, c cache.Cache) *Handler {
	return &Handler{runtime: rt, coord: coord, store: st, agg: agg, cache: c}
}

// Health is the liveness endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// StartOrder launches the fulfillment saga for an order. The saga runs in
// its own goroutine, detached from the request context so it survives the
// HTTP response.
func (h *Handler) StartOrder(w http.ResponseWriter, r *http.Request) {
	var req StartOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Address.Street == "" || req.Address.City == "" {
		writeError(w, http.StatusBadRequest, "invalid_address", "street and city are required")
		return
	}

	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		orderID = "O-" + uuid.NewString()
	}

	sess, err := h.runtime.Begin(orderID)
	if errors.Is(err, substrate.ErrSagaRunning) {
		writeError(w, http.StatusConflict, "saga_already_running", orderID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "saga_start_failed", err.Error())
		return
	}

	slog.InfoContext(r.Context(), "starting order saga", "order_id", orderID)

	// Detach from the HTTP request context so the saga is not cancelled when
	// the HTTP response is sent, while still propagating tracing metadata.
	sagaCtx := context.WithoutCancel(r.Context())
	go func() {
		defer h.runtime.End(orderID)
		outcome, err := h.coord.Run(sagaCtx, sess, orderID, req.Address)
		if err != nil {
			slog.ErrorContext(sagaCtx, "order saga aborted", "order_id", orderID, "error", err)
			return
		}
		slog.InfoContext(sagaCtx, "order saga finished", "order_id", orderID, "outcome", outcome)
	}()

	writeJSON(w, http.StatusAccepted, StartOrderResponse{OrderID: orderID, Status: "started"})
}

// Approve delivers the approval signal into a running saga.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.deliverSignal(w, r, "approve", func(sess *substrate.Session) { sess.Approve() })
}

// Cancel delivers the cancellation signal into a running saga.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.deliverSignal(w, r, "cancel", func(sess *substrate.Session) { sess.Cancel() })
}

func (h *Handler) deliverSignal(w http.ResponseWriter, r *http.Request, name string, deliver func(*substrate.Session)) {
	orderID := chi.URLParam(r, "id")
	sess, err := h.runtime.Lookup(orderID)
	if errors.Is(err, substrate.ErrSagaNotFound) {
		writeError(w, http.StatusNotFound, "saga_not_running", orderID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "signal_failed", err.Error())
		return
	}

	deliver(sess)
	slog.InfoContext(r.Context(), "signal delivered", "order_id", orderID, "signal", name)
	writeJSON(w, http.StatusAccepted, SignalResponse{OrderID: orderID, Signal: name, Status: "delivered"})
}

// UpdateAddress delivers the update_address signal: the running saga uses
// the new address for its subsequent steps, and the persisted order row is
// updated so reads reflect it immediately.
func (h *Handler) UpdateAddress(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	var req UpdateAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Address.Street == "" || req.Address.City == "" {
		writeError(w, http.StatusBadRequest, "invalid_address", "street and city are required")
		return
	}

	sess, err := h.runtime.Lookup(orderID)
	if errors.Is(err, substrate.ErrSagaNotFound) {
		writeError(w, http.StatusNotFound, "saga_not_running", orderID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "signal_failed", err.Error())
		return
	}

	sess.UpdateAddress(req.Address)
	if err := h.store.UpdateOrderAddress(r.Context(), orderID, req.Address); err != nil {
		writeError(w, http.StatusInternalServerError, "address_update_failed", err.Error())
		return
	}
	if err := h.store.AppendEvent(r.Context(), orderID, "address_updated", map[string]any{
		"address": req.Address,
		"source":  "signal",
	}); err != nil {
		slog.WarnContext(r.Context(), "observability write failed", "op", "append event address_updated", "error", err)
	}

	writeJSON(w, http.StatusAccepted, SignalResponse{OrderID: orderID, Signal: "update_address", Status: "delivered"})
}

// GetOrder returns one order row.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	order, err := h.store.GetOrder(r.Context(), orderID)
	if errors.Is(err, store.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order_not_found", orderID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "order_lookup_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// OrderHealth returns the per-order health report.
func (h *Handler) OrderHealth(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	report, err := h.agg.OrderHealthReport(r.Context(), orderID)
	if errors.Is(err, store.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, "order_not_found", orderID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "health_report_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// SystemHealth returns the system-wide dashboard, served from the Redis
// cache when one is wired and fresh.
func (h *Handler) SystemHealth(w http.ResponseWriter, r *http.Request) {
	cacheKey := ""
	if h.cache != nil {
		cacheKey = h.cache.GenerateKey("dashboard", "system")
		if cached, err := h.cache.Get(r.Context(), cacheKey); err == nil && cached != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(cached))
			return
		}
	}

	dash, err := h.agg.SystemHealthDashboard(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dashboard_failed", err.Error())
		return
	}

	if h.cache != nil {
		if body, err := json.Marshal(dash); err == nil {
			if err := h.cache.Set(r.Context(), cacheKey, string(body), dashboardTTL); err != nil {
				slog.WarnContext(r.Context(), "dashboard cache write failed", "error", err)
			}
		}
	}

	writeJSON(w, http.StatusOK, dash)
}

// RecentEvents returns the most recent audit events across all orders.
func (h *Handler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", raw)
			return
		}
		limit = n
	}

	events, err := h.store.RecentEvents(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "events_query_failed", err.Error())
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
