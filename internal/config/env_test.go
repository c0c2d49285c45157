package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relayhub/relay/internal/model"
)

func modelBounds() model.LeaseBounds {
	return model.LeaseBounds{Preferred: 864000, Min: 86400, Max: 8640000}
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RELAY_SELF_URL", "https://hub.example.org")
	t.Setenv("RELAY_ADMIN_TOKEN", "")
}

func TestLoadEnvConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("Port: got %d, want 8080", cfg.Port)
	}
	if cfg.DBBackend != BackendSQLite {
		t.Fatalf("DBBackend: got %q, want sqlite", cfg.DBBackend)
	}
	if cfg.HTTPTimeout != 120*time.Second {
		t.Fatalf("HTTPTimeout: got %v, want 120s", cfg.HTTPTimeout)
	}
	if !cfg.PublicHub {
		t.Fatal("PublicHub should default to true")
	}
	if cfg.StrictTopicHubLink {
		t.Fatal("StrictTopicHubLink should default to false")
	}
	if len(cfg.FetchRetryDelays) == 0 || cfg.FetchRetryDelays[0] != 60 {
		t.Fatalf("FetchRetryDelays: got %v, want default table starting at 60", cfg.FetchRetryDelays)
	}
}

func TestLoadEnvConfigMissingSelfURL(t *testing.T) {
	t.Setenv("RELAY_ADMIN_TOKEN", "x")
	os.Unsetenv("RELAY_SELF_URL")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error without RELAY_SELF_URL")
	}
	if !strings.Contains(err.Error(), "RELAY_SELF_URL") {
		t.Fatalf("error should name RELAY_SELF_URL: %v", err)
	}
}

func TestLoadEnvConfigTrimsSelfURLSlash(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RELAY_SELF_URL", "https://hub.example.org/")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig: %v", err)
	}
	if cfg.SelfURL != "https://hub.example.org" {
		t.Fatalf("SelfURL: got %q, want trailing slash trimmed", cfg.SelfURL)
	}
}

func TestLoadEnvConfigPostgresRequiresDSN(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RELAY_DB_BACKEND", "postgres")

	if _, err := LoadEnvConfig(); err == nil {
		t.Fatal("postgres backend without DSN should fail")
	}

	t.Setenv("RELAY_POSTGRES_DSN", "postgres://relay@localhost/relay")
	if _, err := LoadEnvConfig(); err != nil {
		t.Fatalf("postgres backend with DSN: %v", err)
	}
}

func TestLoadEnvConfigInvalidLeaseWindow(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RELAY_LEASE_SECONDS_MIN", "1000000")
	t.Setenv("RELAY_LEASE_SECONDS_PREFERRED", "100")

	if _, err := LoadEnvConfig(); err == nil {
		t.Fatal("min > preferred should fail validation")
	}
}

func TestLoadEnvConfigRetryDelaysJSON(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RELAY_DELIVERY_RETRY_DELAYS", "[5, 10, 30]")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig: %v", err)
	}
	if len(cfg.DeliveryRetryDelays) != 3 || cfg.DeliveryRetryDelays[2] != 30 {
		t.Fatalf("DeliveryRetryDelays: got %v, want [5 10 30]", cfg.DeliveryRetryDelays)
	}

	t.Setenv("RELAY_DELIVERY_RETRY_DELAYS", "[0]")
	if _, err := LoadEnvConfig(); err == nil {
		t.Fatal("non-positive delay should fail validation")
	}
}

func TestLoadTopicSeeds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topics.yaml")
	seedYAML := `topics:
  - url: https://example.com/blog/
    publisher_validation_url: https://pub.example.com/v
  - url: https://example.com/news/
    lease_seconds_preferred: 3600
    lease_seconds_min: 60
    lease_seconds_max: 7200
    content_hash_algorithm: sha256
`
	if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	bounds := modelBounds()
	seeds, err := LoadTopicSeeds(path, bounds)
	if err != nil {
		t.Fatalf("LoadTopicSeeds: %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("seeds: got %d, want 2", len(seeds))
	}
	if seeds[0].LeaseSecondsPreferred != bounds.Preferred {
		t.Fatalf("seed 0 should inherit preferred lease, got %d", seeds[0].LeaseSecondsPreferred)
	}
	if seeds[0].ContentHashAlgorithm != "sha512" {
		t.Fatalf("seed 0 should inherit default hash algorithm, got %q", seeds[0].ContentHashAlgorithm)
	}
	if seeds[1].ContentHashAlgorithm != "sha256" {
		t.Fatalf("seed 1 hash algorithm: got %q, want sha256", seeds[1].ContentHashAlgorithm)
	}
}

func TestLoadTopicSeedsRejectsBadURL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topics.yaml")
	if err := os.WriteFile(path, []byte("topics:\n  - url: not-a-url\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTopicSeeds(path, modelBounds()); err == nil {
		t.Fatal("relative seed URL should be rejected")
	}
}

func TestIsWeakToken(t *testing.T) {
	if IsWeakToken("") {
		t.Fatal("empty token is auth-disabled, not weak")
	}
	if !IsWeakToken("password") {
		t.Fatal("dictionary token should be weak")
	}
	if IsWeakToken("vK9#mQ2$wXz7pL4!") {
		t.Fatal("high-entropy token should not be weak")
	}
}
