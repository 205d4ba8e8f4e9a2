// Package config provides configuration management for ledger-sync.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration.
type Config struct {
	Ledger     LedgerConfig
	Store      StoreConfig
	Accounting AccountingConfig
	Sync       SyncConfig
	Redis      RedisConfig
	Debug      bool
}

// LedgerConfig represents the personal ledger API configuration.
type LedgerConfig struct {
	APIURL   string
	Password string
	BudgetID string
}

// StoreConfig represents the middleware store configuration.
type StoreConfig struct {
	APIURL            string
	APIKey            string
	RequestsPerMinute int
}

// AccountingConfig represents the accounting API configuration.
type AccountingConfig struct {
	APIURL       string
	TokenURL     string
	ClientID     string
	ClientSecret string
	TenantID     string
	Currency     string
}

// SyncConfig represents the engine configuration.
type SyncConfig struct {
	StateDir         string
	StateBackend     string // sqlite or bolt
	DBPath           string
	MappingFile      string
	Workers          int
	LookbackDays     int
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	GracePeriod      time.Duration
	LockMode         string
	ScheduleInterval time.Duration
	HTTPAddr         string
}

// RedisConfig enables the distributed run lease when URL is set.
type RedisConfig struct {
	URL     string
	LockKey string
}

// Load loads configuration from environment variables.
// It automatically loads .env file from the current directory if available.
// You can optionally specify a custom .env file path.
func Load(envPath ...string) (*Config, error) {
	if len(envPath) > 0 && envPath[0] != "" {
		if err := godotenv.Load(envPath[0]); err != nil {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	} else {
		// Try to load .env from current directory (ignore error if not found)
		_ = godotenv.Load()
	}

	p := &parser{}
	config := &Config{
		Ledger: LedgerConfig{
			APIURL:   getEnvOrDefault("LEDGER_API_URL", "http://localhost:8081/ledger"),
			Password: os.Getenv("LEDGER_PASSWORD"),
			BudgetID: os.Getenv("LEDGER_BUDGET_ID"),
		},
		Store: StoreConfig{
			APIURL:            getEnvOrDefault("STORE_API_URL", "http://localhost:8081/store"),
			APIKey:            os.Getenv("STORE_API_KEY"),
			RequestsPerMinute: p.int("STORE_REQUESTS_PER_MINUTE", 60),
		},
		Accounting: AccountingConfig{
			APIURL:       getEnvOrDefault("ACCOUNTING_API_URL", "http://localhost:8081/accounting"),
			TokenURL:     os.Getenv("ACCOUNTING_TOKEN_URL"),
			ClientID:     os.Getenv("ACCOUNTING_CLIENT_ID"),
			ClientSecret: os.Getenv("ACCOUNTING_CLIENT_SECRET"),
			TenantID:     os.Getenv("ACCOUNTING_TENANT_ID"),
			Currency:     getEnvOrDefault("ACCOUNTING_CURRENCY", "USD"),
		},
		Sync: SyncConfig{
			StateDir:         os.Getenv("SYNC_STATE_DIR"),
			StateBackend:     getEnvOrDefault("SYNC_STATE_BACKEND", "sqlite"),
			DBPath:           os.Getenv("SYNC_DB_PATH"),
			MappingFile:      os.Getenv("SYNC_MAPPING_FILE"),
			Workers:          p.int("SYNC_WORKERS", 4),
			LookbackDays:     p.int("SYNC_LOOKBACK_DAYS", 30),
			MaxAttempts:      p.int("SYNC_MAX_ATTEMPTS", 5),
			RetryBaseDelay:   p.duration("SYNC_RETRY_BASE_DELAY", 5*time.Minute),
			RetryMaxDelay:    p.duration("SYNC_RETRY_MAX_DELAY", 6*time.Hour),
			GracePeriod:      p.duration("SYNC_GRACE_PERIOD", 30*time.Second),
			LockMode:         getEnvOrDefault("SYNC_LOCK_MODE", "reject"),
			ScheduleInterval: p.duration("SYNC_SCHEDULE_INTERVAL", time.Hour),
			HTTPAddr:         getEnvOrDefault("SYNC_HTTP_ADDR", ":8080"),
		},
		Redis: RedisConfig{
			URL:     os.Getenv("REDIS_URL"),
			LockKey: getEnvOrDefault("SYNC_LOCK_KEY", "ledger-sync:run"),
		},
		Debug: os.Getenv("DEBUG") == "true",
	}
	if p.err != nil {
		return nil, p.err
	}

	if config.Accounting.TokenURL == "" {
		config.Accounting.TokenURL = strings.TrimSuffix(config.Accounting.APIURL, "/") + "/oauth/token"
	}
	switch config.Sync.StateBackend {
	case "sqlite", "bolt":
	default:
		return nil, fmt.Errorf("invalid SYNC_STATE_BACKEND %q: expected sqlite or bolt", config.Sync.StateBackend)
	}

	return config, nil
}

// Validate validates the configuration.
// It checks if all required fields are set. Each path names a field, such
// as []string{"ledger", "password"}.
func (c *Config) Validate(required ...[]string) error {
	var missing []string

	for _, path := range required {
		if len(path) < 2 {
			continue
		}

		var value string
		switch path[0] {
		case "ledger":
			switch path[1] {
			case "apiUrl":
				value = c.Ledger.APIURL
			case "password":
				value = c.Ledger.Password
			case "budgetId":
				value = c.Ledger.BudgetID
			}
		case "store":
			switch path[1] {
			case "apiUrl":
				value = c.Store.APIURL
			case "apiKey":
				value = c.Store.APIKey
			}
		case "accounting":
			switch path[1] {
			case "apiUrl":
				value = c.Accounting.APIURL
			case "clientId":
				value = c.Accounting.ClientID
			case "clientSecret":
				value = c.Accounting.ClientSecret
			case "tenantId":
				value = c.Accounting.TenantID
			}
		}

		if value == "" {
			missing = append(missing, strings.Join(path, "."))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v\nPlease check your .env file or environment variables", missing)
	}

	return nil
}

// SyncRequired lists the fields a sync run needs.
func SyncRequired() [][]string {
	return [][]string{
		{"ledger", "apiUrl"},
		{"ledger", "password"},
		{"ledger", "budgetId"},
		{"store", "apiUrl"},
		{"store", "apiKey"},
		{"accounting", "apiUrl"},
		{"accounting", "clientId"},
		{"accounting", "clientSecret"},
		{"accounting", "tenantId"},
	}
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser keeps the first parse error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" || p.err != nil {
		return defaultValue
	}

	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		p.err = fmt.Errorf("invalid integer value for %s: %s", key, value)
		return defaultValue
	}
	return parsed
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" || p.err != nil {
		return defaultValue
	}

	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		p.err = fmt.Errorf("invalid duration value for %s: %s", key, value)
		return defaultValue
	}
	return parsed
}
