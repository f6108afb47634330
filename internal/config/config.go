// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries everything the fulfillment service needs at startup.
type Config struct {
	HTTPAddr     string `env:"HTTP_ADDR" envDefault:":8080"`
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/fulfillment.db"`

	// RedisAddr enables the dashboard cache when set; empty disables it.
	RedisAddr string `env:"REDIS_ADDR"`

	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"fulfillment-api"`

	// ApprovalSLA bounds the manual-approval window before auto-cancel.
	ApprovalSLA  time.Duration `env:"APPROVAL_SLA" envDefault:"3m"`
	ChargeAmount float64       `env:"CHARGE_AMOUNT" envDefault:"99.99"`

	// RecentFailureWindow bounds the dashboard's recent-failure queries.
	RecentFailureWindow time.Duration `env:"RECENT_FAILURE_WINDOW" envDefault:"24h"`

	// Transient-failure scripting for the simulated collaborators: the
	// first N calls per order fail. Useful for demoing retry telemetry.
	PaymentFailFirst   int `env:"PAYMENT_FAIL_FIRST" envDefault:"0"`
	WarehouseFailFirst int `env:"WAREHOUSE_FAIL_FIRST" envDefault:"0"`
	CarrierFailFirst   int `env:"CARRIER_FAIL_FIRST" envDefault:"0"`
}

// Load parses the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}
