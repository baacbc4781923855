package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTPAddr != ":8080" {
		t.Errorf("expected :8080, got %s", c.HTTPAddr)
	}
	if c.FingerprintBucket != 24*time.Hour {
		t.Errorf("expected 24h bucket, got %v", c.FingerprintBucket)
	}
	if c.DSN() != "root:testpass@tcp(localhost:3306)/conversions?parseTime=true" {
		t.Errorf("unexpected DSN %s", c.DSN())
	}
	if c.ForwardingEnabled() {
		t.Error("forwarding should be disabled without credentials")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("RETRY_BASE_BACKOFF_MS", "250")
	t.Setenv("FINGERPRINT_BUCKET", "1h")
	t.Setenv("MYSQL_DSN", "u:p@tcp(db:3306)/x?parseTime=true")
	t.Setenv("CAPI_PIXEL_ID", "123")
	t.Setenv("CAPI_ACCESS_TOKEN", "tok")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.WorkerCount != 8 {
		t.Errorf("expected 8 workers, got %d", c.WorkerCount)
	}
	if c.RetryBaseBackoff != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", c.RetryBaseBackoff)
	}
	if c.FingerprintBucket != time.Hour {
		t.Errorf("expected 1h, got %v", c.FingerprintBucket)
	}
	if c.DSN() != "u:p@tcp(db:3306)/x?parseTime=true" {
		t.Errorf("expected explicit DSN, got %s", c.DSN())
	}
	if !c.ForwardingEnabled() {
		t.Error("expected forwarding enabled")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
http_addr: ":9090"
store_driver: memory
worker_count: 2
sweep_interval: 10s
fingerprint_bucket: 0s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("WORKER_COUNT", "6")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTPAddr != ":9090" || c.StoreDriver != DriverMemory {
		t.Errorf("file values not applied: %+v", c)
	}
	if c.SweepInterval != 10*time.Second {
		t.Errorf("expected 10s sweep, got %v", c.SweepInterval)
	}
	if c.FingerprintBucket != 0 {
		t.Errorf("expected bucketing disabled, got %v", c.FingerprintBucket)
	}
	if c.WorkerCount != 6 {
		t.Errorf("expected env to win with 6 workers, got %d", c.WorkerCount)
	}
}

func TestLoadBadFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	c := Default()
	c.StoreDriver = "oracle"
	c.WorkerCount = 0
	c.RetryMaxBackoff = time.Millisecond
	err := c.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"STORE_DRIVER", "WORKER_COUNT", "RETRY_MAX_BACKOFF_MS"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}

	c = Default()
	c.StoreDriver = DriverPostgres
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "POSTGRES_URL") {
		t.Errorf("expected POSTGRES_URL error, got %v", err)
	}

	c = Default()
	c.FingerprintBucket = 500 * time.Millisecond
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "FINGERPRINT_BUCKET") {
		t.Errorf("expected FINGERPRINT_BUCKET error for sub-second bucket, got %v", err)
	}
	c.FingerprintBucket = 0
	if err := c.Validate(); err != nil {
		t.Errorf("zero bucket should be valid, got %v", err)
	}
}
