package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration (env + Viper).
type Config struct {
	Env                 string
	Port                string
	LogLevel            string
	DatabaseURL         string
	RedisURL            string
	FrontendURLEndsWith string
	DevPassword         string
	AllowCrossSiteDev   bool
	HealthAdminKey      string

	LedgerGatewayURL    string // empty = book ledger in the service database
	LedgerGatewayKey    string
	LedgerWebhookSecret string // enables POST /webhooks/ledger when set
	SettlementCurrency  string
	PlatformAccount     string // receives the platform fee share

	PenaltyGrace       time.Duration
	PenaltyBpsPerDay   int64
	PenaltyMaxBps      int64
	PenaltyDestination string // owner | pool

	ReconcileInterval time.Duration
}

// Load loads config from env and optional .env file.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	_ = viper.ReadInConfig()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("SETTLEMENT_CURRENCY", "usdc")
	viper.SetDefault("PLATFORM_ACCOUNT", "platform")
	viper.SetDefault("PENALTY_GRACE_HOURS", 0)
	viper.SetDefault("PENALTY_BPS_PER_DAY", 100)
	viper.SetDefault("PENALTY_MAX_BPS", 2000)
	viper.SetDefault("PENALTY_DESTINATION", "owner")
	viper.SetDefault("RECONCILE_INTERVAL", "30s")

	port := viper.GetString("PORT")
	if port == "" {
		port = "8080"
	}
	env := viper.GetString("NODE_ENV")
	if env == "" {
		env = viper.GetString("APP_ENV")
	}
	if env == "" {
		env = "development"
	}

	dbURL := viper.GetString("DATABASE_URL_DEV")
	if env == "production" {
		dbURL = viper.GetString("DATABASE_URL_PROD")
	} else if env == "test" {
		dbURL = viper.GetString("DATABASE_URL_TEST")
	}
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL_DEV")
	}

	cfg := &Config{
		Env:                 env,
		Port:                port,
		LogLevel:            strings.ToLower(viper.GetString("LOG_LEVEL")),
		DatabaseURL:         dbURL,
		RedisURL:            viper.GetString("REDIS_URL"),
		FrontendURLEndsWith: viper.GetString("FRONTEND_URL_ENDS_WITH"),
		DevPassword:         viper.GetString("DEV_PASSWORD"),
		AllowCrossSiteDev:   strings.EqualFold(viper.GetString("ALLOW_CROSS_SITE_DEV"), "true"),
		HealthAdminKey:      viper.GetString("HEALTH_ADMIN_KEY"),
		LedgerGatewayURL:    strings.TrimSpace(viper.GetString("LEDGER_GATEWAY_URL")),
		LedgerGatewayKey:    viper.GetString("LEDGER_GATEWAY_KEY"),
		LedgerWebhookSecret: viper.GetString("LEDGER_WEBHOOK_SECRET"),
		SettlementCurrency:  strings.ToLower(viper.GetString("SETTLEMENT_CURRENCY")),
		PlatformAccount:     viper.GetString("PLATFORM_ACCOUNT"),
		PenaltyGrace:        time.Duration(viper.GetInt64("PENALTY_GRACE_HOURS")) * time.Hour,
		PenaltyBpsPerDay:    viper.GetInt64("PENALTY_BPS_PER_DAY"),
		PenaltyMaxBps:       viper.GetInt64("PENALTY_MAX_BPS"),
		PenaltyDestination:  strings.ToLower(viper.GetString("PENALTY_DESTINATION")),
		ReconcileInterval:   viper.GetDuration("RECONCILE_INTERVAL"),
	}

	if cfg.PenaltyBpsPerDay < 0 || cfg.PenaltyMaxBps < 0 || cfg.PenaltyMaxBps > 10000 {
		return nil, fmt.Errorf("penalty settings out of range: bps_per_day=%d max_bps=%d", cfg.PenaltyBpsPerDay, cfg.PenaltyMaxBps)
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	return cfg, nil
}
