package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcmexdev/order-fulfillment/internal/activity"
	"github.com/jcmexdev/order-fulfillment/internal/config"
	"github.com/jcmexdev/order-fulfillment/internal/gateway"
	"github.com/jcmexdev/order-fulfillment/internal/httpx"
	"github.com/jcmexdev/order-fulfillment/internal/ledger"
	"github.com/jcmexdev/order-fulfillment/internal/observability"
	"github.com/jcmexdev/order-fulfillment/internal/pkg/cache"
	"github.com/jcmexdev/order-fulfillment/internal/pkg/telemetry"
	"github.com/jcmexdev/order-fulfillment/internal/saga"
	"github.com/jcmexdev/order-fulfillment/internal/store"
	"github.com/jcmexdev/order-fulfillment/internal/substrate"
)

func main() {
	telemetry.InitLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	shutdown, err := telemetry.SetupTracer(ctx, cfg.ServiceName)
	if err != nil {
		slog.Error("failed to initialise tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ld := ledger.New(st.DB())

	acts := activity.New(st, ld, activity.Gateways{
		Receiver:  gateway.SimulatedReceiver{},
		Validator: gateway.SimulatedValidator{},
		Payments:  gateway.NewSimulatedPaymentProvider(cfg.PaymentFailFirst),
		Warehouse: gateway.NewSimulatedWarehouse(cfg.WarehouseFailFirst),
		Carrier:   gateway.NewSimulatedCarrier(cfg.CarrierFailFirst),
	})

	coord := saga.NewCoordinator(acts,
		saga.WithApprovalSLA(cfg.ApprovalSLA),
		saga.WithChargeAmount(cfg.ChargeAmount),
	)

	agg := observability.New(st, ld)
	agg.SetRecentWindow(cfg.RecentFailureWindow)

	var c cache.Cache
	if cfg.RedisAddr != "" {
		c = cache.NewRedisCache(cfg.RedisAddr, cfg.ServiceName)
	}

	handler := httpx.NewHandler(substrate.NewRuntime(), coord, st, agg, c)
	router := httpx.NewRouter(handler)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		slog.Info("fulfillment API running", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
}
