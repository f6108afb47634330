package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/order-fulfillment/internal/activity"
	"github.com/jcmexdev/order-fulfillment/internal/gateway"
	"github.com/jcmexdev/order-fulfillment/internal/ledger"
	"github.com/jcmexdev/order-fulfillment/internal/observability"
	"github.com/jcmexdev/order-fulfillment/internal/saga"
	"github.com/jcmexdev/order-fulfillment/internal/store"
	"github.com/jcmexdev/order-fulfillment/internal/substrate"
)

type apiFixture struct {
	store  *store.Store
	router http.Handler
}

func newAPIFixture(t *testing.T, opts ...saga.Option) *apiFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ld := ledger.New(st.DB())
	acts := activity.New(st, ld, activity.Gateways{
		Receiver:  gateway.SimulatedReceiver{},
		Validator: gateway.SimulatedValidator{},
		Payments:  gateway.NewSimulatedPaymentProvider(0),
		Warehouse: gateway.NewSimulatedWarehouse(0),
		Carrier:   gateway.NewSimulatedCarrier(0),
	})

	opts = append([]saga.Option{saga.WithApprovalSLA(5 * time.Second)}, opts...)
	coord := saga.NewCoordinator(acts, opts...)
	agg := observability.New(st, ld)

	h := NewHandler(substrate.NewRuntime(), coord, st, agg, nil)
	return &apiFixture{store: st, router: NewRouter(h)}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

const addrBody = `{"address":{"street":"123 Main St","city":"Springfield"}}`

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestStartApproveAndShip(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/orders/O-1", addrBody)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started StartOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, "O-1", started.OrderID)
	assert.Equal(t, "started", started.Status)

	// The saga is now parked at the approval gate.
	require.Eventually(t, func() bool {
		order, err := f.store.GetOrder(t.Context(), "O-1")
		return err == nil && order.State == store.StateValidated
	}, 5*time.Second, 10*time.Millisecond)

	rec = f.do(t, http.MethodPost, "/orders/O-1/approve", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		order, err := f.store.GetOrder(t.Context(), "O-1")
		return err == nil && order.State == store.StateShipped
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartOrderMintsID(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/orders", addrBody)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var started StartOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.True(t, strings.HasPrefix(started.OrderID, "O-"))
}

func TestStartOrderRejectsBadInput(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/orders", `{"address":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/orders", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartOrderConflictWhileRunning(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/orders/O-1", addrBody)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The first saga is parked at its approval gate; a second start must 409.
	rec = f.do(t, http.MethodPost, "/orders/O-1", addrBody)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unblock the first saga so the test does not leak a waiting goroutine.
	f.do(t, http.MethodPost, "/orders/O-1/cancel", "")
	require.Eventually(t, func() bool {
		order, err := f.store.GetOrder(t.Context(), "O-1")
		return err == nil && order.State == store.StateCancelled
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSignalUnknownOrder(t *testing.T) {
	f := newAPIFixture(t)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/orders/O-x/approve", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/orders/O-x/cancel", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/orders/O-x/address", addrBody).Code)
}

func TestGetOrder(t *testing.T) {
	f := newAPIFixture(t)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/orders/O-x", "").Code)

	_, err := f.store.CreateOrderIfAbsent(t.Context(), "O-1",
		store.Address{Street: "123 Main St", City: "Springfield"}, store.StateReceived)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/orders/O-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var order store.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Equal(t, "O-1", order.ID)
	assert.Equal(t, store.StateReceived, order.State)
}

func TestOrderHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/orders/O-x/health", "").Code)

	_, err := f.store.CreateOrderIfAbsent(t.Context(), "O-1",
		store.Address{Street: "123 Main St", City: "Springfield"}, store.StateReceived)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/orders/O-1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var report observability.OrderHealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 100.0, report.Metrics.SuccessRate)
}

func TestDashboardEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/observability/dashboard", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var dash observability.SystemHealthDashboard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dash))
	assert.Equal(t, 100.0, dash.SuccessRate)
}

func TestRecentEventsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	require.NoError(t, f.store.AppendEvent(t.Context(), "O-1", "order_received", nil))

	rec := f.do(t, http.MethodGet, "/observability/events?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var events []store.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "order_received", events[0].EventType)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/observability/events?limit=zero", "").Code)
}
