package httpx

import "github.com/jcmexdev/order-fulfillment/internal/store"

// StartOrderRequest starts a fulfillment saga. The order ID comes from the
// URL when present; otherwise one is minted.
type StartOrderRequest struct {
	Address store.Address `json:"address"`
}

// StartOrderResponse acknowledges that the saga goroutine is running.
type StartOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// SignalResponse acknowledges a delivered signal.
type SignalResponse struct {
	OrderID string `json:"order_id"`
	Signal  string `json:"signal"`
	Status  string `json:"status"`
}

// UpdateAddressRequest replaces the shipping address of a running order.
type UpdateAddressRequest struct {
	Address store.Address `json:"address"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
