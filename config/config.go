// Package config loads the process configuration from the environment. The
// fee rate and hold period are deployment constants; there is no runtime
// governance of either.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL        string        `env:"DATABASE_URL"`
	ListenAddr         string        `env:"LISTEN_ADDR" envDefault:":8080"`
	JWTSecret          string        `env:"JWT_SECRET"`
	FeeRateBps         int64         `env:"FEE_RATE_BPS" envDefault:"100"`
	EscrowHoldPeriod   time.Duration `env:"ESCROW_HOLD_PERIOD" envDefault:"168h"`
	OperatorAccountID  string        `env:"OPERATOR_ACCOUNT_ID"`
	CustodianAccountID string        `env:"CUSTODIAN_ACCOUNT_ID"`
}

// Load parses the environment, optionally preloading a dotenv file when the
// path exists.
func Load(dotenvPath string) (Config, error) {
	if dotenvPath != "" {
		if _, err := os.Stat(dotenvPath); err == nil {
			_ = godotenv.Load(dotenvPath)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("config: JWT_SECRET is required")
	}
	if cfg.FeeRateBps < 0 || cfg.FeeRateBps > 10000 {
		return Config{}, fmt.Errorf("config: fee rate %d out of range [0,10000]", cfg.FeeRateBps)
	}
	return cfg, nil
}
