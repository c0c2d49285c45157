// Package config handles environment-based configuration loading and the
// optional topic seed file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/relayhub/relay/internal/model"
	"github.com/relayhub/relay/internal/retry"
	"github.com/robfig/cron/v3"
)

// Backend selects the repository implementation.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Network
	ListenAddress string
	Port          int
	SelfURL       string

	// Storage
	DBBackend   Backend
	StateDir    string
	PostgresDSN string

	// Policy
	PublicHub          bool
	StrictTopicHubLink bool
	StrictSecret       bool
	LeaseBounds        model.LeaseBounds

	// Work engine
	HTTPTimeout         time.Duration
	MaxConcurrent       int
	ClaimLeaseSeconds   int
	PollInterval        time.Duration
	PollJitter          time.Duration
	FetchRetryDelays    []int
	VerifyRetryDelays   []int
	DeliveryRetryDelays []int
	InlineProcessing    bool
	MaintenanceSchedule string
	HistoryRetainCount  int

	// API
	AdminToken      string
	APIMaxBodyBytes int

	// Seed
	TopicSeedFile string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("RELAY_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("RELAY_PORT", 8080, &errs)
	cfg.SelfURL = strings.TrimRight(strings.TrimSpace(envStr("RELAY_SELF_URL", "")), "/")

	// --- Storage ---
	cfg.DBBackend = Backend(envStr("RELAY_DB_BACKEND", string(BackendSQLite)))
	cfg.StateDir = envStr("RELAY_STATE_DIR", "/var/lib/relay")
	cfg.PostgresDSN = envStr("RELAY_POSTGRES_DSN", "")

	// --- Policy ---
	cfg.PublicHub = envBool("RELAY_PUBLIC_HUB", true, &errs)
	cfg.StrictTopicHubLink = envBool("RELAY_STRICT_TOPIC_HUB_LINK", false, &errs)
	cfg.StrictSecret = envBool("RELAY_STRICT_SECRET", false, &errs)
	cfg.LeaseBounds = model.LeaseBounds{
		Preferred: envInt("RELAY_LEASE_SECONDS_PREFERRED", 864000, &errs),
		Min:       envInt("RELAY_LEASE_SECONDS_MIN", 86400, &errs),
		Max:       envInt("RELAY_LEASE_SECONDS_MAX", 8640000, &errs),
	}

	// --- Work engine ---
	cfg.HTTPTimeout = envDuration("RELAY_HTTP_TIMEOUT", 120*time.Second, &errs)
	cfg.MaxConcurrent = envInt("RELAY_MAX_CONCURRENT", 16, &errs)
	cfg.ClaimLeaseSeconds = envInt("RELAY_CLAIM_LEASE_SECONDS", 300, &errs)
	cfg.PollInterval = envDuration("RELAY_POLL_INTERVAL", 3*time.Second, &errs)
	cfg.PollJitter = envDuration("RELAY_POLL_JITTER", 2*time.Second, &errs)
	cfg.FetchRetryDelays = envIntSlice("RELAY_FETCH_RETRY_DELAYS", retry.DefaultDelaysSeconds, &errs)
	cfg.VerifyRetryDelays = envIntSlice("RELAY_VERIFY_RETRY_DELAYS", retry.DefaultDelaysSeconds, &errs)
	cfg.DeliveryRetryDelays = envIntSlice("RELAY_DELIVERY_RETRY_DELAYS", retry.DefaultDelaysSeconds, &errs)
	cfg.InlineProcessing = envBool("RELAY_INLINE_PROCESSING", true, &errs)
	cfg.MaintenanceSchedule = envStr("RELAY_MAINTENANCE_SCHEDULE", "@every 15m")
	cfg.HistoryRetainCount = envInt("RELAY_HISTORY_RETAIN_COUNT", 50, &errs)

	// --- API (token must be defined; empty means admin API disabled) ---
	adminToken, hasAdminToken := os.LookupEnv("RELAY_ADMIN_TOKEN")
	cfg.AdminToken = adminToken
	cfg.APIMaxBodyBytes = envInt("RELAY_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Seed ---
	cfg.TopicSeedFile = envStr("RELAY_TOPIC_SEED_FILE", "")

	// --- Validation ---
	if cfg.ListenAddress == "" {
		errs = append(errs, "RELAY_LISTEN_ADDRESS must not be empty")
	}
	validatePort("RELAY_PORT", cfg.Port, &errs)
	if err := model.ValidateAbsoluteHTTPURL("RELAY_SELF_URL", cfg.SelfURL); err != nil {
		errs = append(errs, err.Error())
	}
	switch cfg.DBBackend {
	case BackendSQLite:
		if cfg.StateDir == "" {
			errs = append(errs, "RELAY_STATE_DIR must not be empty for the sqlite backend")
		}
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			errs = append(errs, "RELAY_POSTGRES_DSN is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("RELAY_DB_BACKEND: invalid value %q (allowed: %s, %s)",
			cfg.DBBackend, BackendSQLite, BackendPostgres))
	}
	if err := cfg.LeaseBounds.Validate(); err != nil {
		errs = append(errs, "RELAY_LEASE_SECONDS_*: "+err.Error())
	}
	if cfg.HTTPTimeout <= 0 {
		errs = append(errs, "RELAY_HTTP_TIMEOUT must be positive")
	}
	validatePositive("RELAY_MAX_CONCURRENT", cfg.MaxConcurrent, &errs)
	validatePositive("RELAY_CLAIM_LEASE_SECONDS", cfg.ClaimLeaseSeconds, &errs)
	if cfg.PollInterval <= 0 {
		errs = append(errs, "RELAY_POLL_INTERVAL must be positive")
	}
	if cfg.PollJitter < 0 {
		errs = append(errs, "RELAY_POLL_JITTER must not be negative")
	}
	validateDelays("RELAY_FETCH_RETRY_DELAYS", cfg.FetchRetryDelays, &errs)
	validateDelays("RELAY_VERIFY_RETRY_DELAYS", cfg.VerifyRetryDelays, &errs)
	validateDelays("RELAY_DELIVERY_RETRY_DELAYS", cfg.DeliveryRetryDelays, &errs)
	if _, err := cron.ParseStandard(cfg.MaintenanceSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("RELAY_MAINTENANCE_SCHEDULE: invalid cron expression %q: %v", cfg.MaintenanceSchedule, err))
	}
	validatePositive("RELAY_HISTORY_RETAIN_COUNT", cfg.HistoryRetainCount, &errs)
	validatePositive("RELAY_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	if !hasAdminToken {
		errs = append(errs, "RELAY_ADMIN_TOKEN must be defined (can be empty to disable the admin API)")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envIntSlice(key string, defaultVal []int, errs *[]string) []int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []int
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON int array %q", key, v))
		return defaultVal
	}
	if len(out) == 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must not be empty", key))
		return defaultVal
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validateDelays(name string, delays []int, errs *[]string) {
	for _, d := range delays {
		if d <= 0 {
			*errs = append(*errs, fmt.Sprintf("%s: delays must be positive seconds, got %d", name, d))
			return
		}
	}
}
