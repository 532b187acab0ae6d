package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("driver = %q, want %q", cfg.Store.Driver, DriverMemory)
	}
	if cfg.Lock.Timeout != 5*time.Second {
		t.Errorf("lock timeout = %v, want 5s", cfg.Lock.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BUNLOCK_STORE_DRIVER", "sqlite")
	t.Setenv("BUNLOCK_LOCK_TIMEOUT", "250ms")
	t.Setenv("BUNLOCK_WORKLOAD_USERS", "32")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != DriverSQLite {
		t.Errorf("driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Lock.Timeout != 250*time.Millisecond {
		t.Errorf("lock timeout = %v, want 250ms", cfg.Lock.Timeout)
	}
	if cfg.Workload.Users != 32 {
		t.Errorf("users = %d, want 32", cfg.Workload.Users)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "bunlock.yaml")
	body := "store:\n  driver: postgres\n  dsn: postgres://localhost/guides\nhttp:\n  addr: \":9090\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != DriverPostgres || cfg.Store.DSN != "postgres://localhost/guides" {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("addr = %q, want :9090", cfg.HTTP.Addr)
	}
	if cfg.Lock.Timeout != 5*time.Second {
		t.Errorf("unset keys should keep defaults, lock timeout = %v", cfg.Lock.Timeout)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Driver = "oracle"
	if err := cfg.Validate(); !errors.Is(err, ErrUnknownDriver) {
		t.Errorf("Validate() = %v, want ErrUnknownDriver", err)
	}

	cfg = DefaultConfig()
	cfg.Store.Driver = DriverPostgres
	if err := cfg.Validate(); !errors.Is(err, ErrDSNRequired) {
		t.Errorf("Validate() = %v, want ErrDSNRequired", err)
	}

	cfg = DefaultConfig()
	cfg.Lock.Timeout = 0
	if err := cfg.Validate(); !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Validate() = %v, want ErrLockTimeout", err)
	}
}
