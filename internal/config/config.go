// Package config loads the service configuration from the environment, with
// optional .env file support for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/finflow-dev/finflow/internal/registry"
)

// Config holds everything the aggregation service needs at startup.
type Config struct {
	ServerPort     string
	Banks          []registry.Bank
	RequestingBank string
	// RequestingBankName labels this aggregator in consent requests.
	RequestingBankName string
	FetchTimeout       time.Duration
	CacheTTL           time.Duration
	TransactionWindow  time.Duration
	ConsentPollEvery   time.Duration
	MaxRetries         int
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:         getEnv("FINFLOW_PORT", "8080"),
		RequestingBank:     getEnv("FINFLOW_REQUESTING_BANK", "finflow"),
		RequestingBankName: getEnv("FINFLOW_REQUESTING_BANK_NAME", "FinFlow"),
	}

	var err error
	if cfg.FetchTimeout, err = getDuration("FINFLOW_FETCH_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getDuration("FINFLOW_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ConsentPollEvery, err = getDuration("FINFLOW_CONSENT_POLL_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}

	windowDays, err := getInt("FINFLOW_TRANSACTION_WINDOW_DAYS", 30)
	if err != nil {
		return nil, err
	}
	cfg.TransactionWindow = time.Duration(windowDays) * 24 * time.Hour

	if cfg.MaxRetries, err = getInt("FINFLOW_MAX_RETRIES", 2); err != nil {
		return nil, err
	}

	cfg.Banks = loadBanks()
	return cfg, nil
}

// loadBanks builds the bank set from FINFLOW_BANKS (comma-separated codes,
// defaulting to the sandbox trio) with per-bank overrides like
// FINFLOW_BANK_VBANK_URL and FINFLOW_BANK_VBANK_CLIENT_ID. Unset values fall
// back to the default registry entry for known codes.
func loadBanks() []registry.Bank {
	defaults := registry.Default()

	codes := strings.Split(getEnv("FINFLOW_BANKS", strings.Join(defaults.Codes(), ",")), ",")
	banks := make([]registry.Bank, 0, len(codes))
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		bank, _ := defaults.Lookup(code)
		bank.Code = code
		prefix := "FINFLOW_BANK_" + strings.ToUpper(code)
		bank.Name = getEnv(prefix+"_NAME", bank.Name)
		bank.BaseURL = getEnv(prefix+"_URL", bank.BaseURL)
		bank.ClientID = getEnv(prefix+"_CLIENT_ID", bank.ClientID)
		bank.ClientSecret = getEnv(prefix+"_CLIENT_SECRET", bank.ClientSecret)
		banks = append(banks, bank)
	}
	return banks
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return n, nil
}
