package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

var loadEnvOnce sync.Once

func Config(key string) string {
	loadEnvOnce.Do(func() {
		if err := godotenv.Load(".env"); err != nil {
			log.Println("Warning: .env file not found, reading from system environment variables")
		}
	})

	return os.Getenv(key)
}

type AppConfig struct {
	DatabaseURL string
	Port        string
	JWTSecret   string

	StripeSecretKey  string
	PayoutCurrency   string
	ProcessorTimeout time.Duration

	PercentageFeeDefault   decimal.Decimal
	SubscriptionFeeDefault decimal.Decimal
	MaxRetries             int
	RetryBatchSize         int
	OrphanClaimAfter       time.Duration
	PayoutLocation         *time.Location

	WeeklyPayoutCron string
	RetryCron        string
	ReconcileCron    string

	CloudinaryURL string
}

// Load reads the typed configuration. Only DATABASE_URL is mandatory.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		DatabaseURL:      Config("DATABASE_URL"),
		Port:             withDefault("PORT", "8080"),
		JWTSecret:        Config("JWT_SECRET"),
		StripeSecretKey:  Config("STRIPE_SECRET_KEY"),
		PayoutCurrency:   withDefault("PAYOUT_CURRENCY", "usd"),
		WeeklyPayoutCron: withDefault("WEEKLY_PAYOUT_CRON", "0 6 * * 3"),
		RetryCron:        withDefault("RETRY_CRON", "*/15 * * * *"),
		ReconcileCron:    withDefault("RECONCILE_CRON", "0 */6 * * *"),
		CloudinaryURL:    Config("CLOUDINARY_URL"),
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	var err error
	if cfg.PercentageFeeDefault, err = decimalSetting("PERCENTAGE_FEE_DEFAULT", "15"); err != nil {
		return nil, err
	}
	if cfg.SubscriptionFeeDefault, err = decimalSetting("SUBSCRIPTION_FEE_DEFAULT", "3"); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = intSetting("MAX_TRANSFER_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.RetryBatchSize, err = intSetting("RETRY_BATCH_SIZE", 50); err != nil {
		return nil, err
	}
	if cfg.ProcessorTimeout, err = durationSetting("PROCESSOR_TIMEOUT", 20*time.Second); err != nil {
		return nil, err
	}
	if cfg.OrphanClaimAfter, err = durationSetting("ORPHAN_CLAIM_AFTER", time.Hour); err != nil {
		return nil, err
	}
	if cfg.PayoutLocation, err = time.LoadLocation(withDefault("PAYOUT_TIMEZONE", "UTC")); err != nil {
		return nil, fmt.Errorf("PAYOUT_TIMEZONE: %w", err)
	}

	return cfg, nil
}

func withDefault(key, fallback string) string {
	if v := Config(key); v != "" {
		return v
	}
	return fallback
}

func decimalSetting(key, fallback string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(withDefault(key, fallback))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("%s must be between 0 and 100, got %s", key, d)
	}
	return d, nil
}

func intSetting(key string, fallback int) (int, error) {
	v := Config(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}

func durationSetting(key string, fallback time.Duration) (time.Duration, error) {
	v := Config(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, v)
	}
	return d, nil
}
