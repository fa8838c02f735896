package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/vatctl/internal/kernel"
	"github.com/danmuck/vatctl/internal/testutil/testlog"
	"github.com/danmuck/vatctl/internal/vat"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServiceConfigEmptyPathUsesDefaults(t *testing.T) {
	testlog.Start(t)

	cfg, err := loadServiceConfig("")
	if err != nil {
		t.Fatalf("loadServiceConfig: %v", err)
	}
	if cfg.Kernel != kernel.DefaultConfig() {
		t.Fatalf("expected default kernel config, got %+v", cfg.Kernel)
	}
	if cfg.Loader.CacheSize != vat.DefaultCacheSize || cfg.Loader.MaxCallStackSize != vat.DefaultMaxCallStackSize {
		t.Fatalf("unexpected loader config %+v", cfg.Loader)
	}
}

func TestLoadServiceConfigExampleFile(t *testing.T) {
	testlog.Start(t)

	cfg, err := loadServiceConfig("ex.config.toml")
	if err != nil {
		t.Fatalf("loadServiceConfig: %v", err)
	}
	if cfg.Kernel.AdminVatID != "v1" || cfg.Kernel.FirstDynamicVatID != 10 {
		t.Fatalf("unexpected kernel config %+v", cfg.Kernel)
	}
	if cfg.Admin.Addr != "127.0.0.1:7400" {
		t.Fatalf("unexpected listen addr %q", cfg.Admin.Addr)
	}
	if len(cfg.Admin.CORSOrigins) != 1 || cfg.Admin.CORSOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected cors origins %v", cfg.Admin.CORSOrigins)
	}
	if cfg.Admin.KernelTimeout != 5*time.Second {
		t.Fatalf("unexpected kernel timeout %s", cfg.Admin.KernelTimeout)
	}
}

func TestLoadServiceConfigPartialOverride(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, `
first_dynamic_vat = 100
dynamic_meter_budget = 5000
max_call_stack = 64
`)
	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("loadServiceConfig: %v", err)
	}
	def := defaultServiceConfig()
	if cfg.Kernel.FirstDynamicVatID != 100 || cfg.Kernel.DynamicMeterBudget != 5000 {
		t.Fatalf("overrides not applied: %+v", cfg.Kernel)
	}
	if cfg.Kernel.AdminVatID != def.Kernel.AdminVatID || cfg.Kernel.FirstSlotID != def.Kernel.FirstSlotID {
		t.Fatalf("undefined keys should keep defaults: %+v", cfg.Kernel)
	}
	if cfg.Loader.MaxCallStackSize != 64 || cfg.Loader.CacheSize != def.Loader.CacheSize {
		t.Fatalf("unexpected loader config %+v", cfg.Loader)
	}
	if cfg.Admin.Addr != def.Admin.Addr {
		t.Fatalf("expected default addr, got %q", cfg.Admin.Addr)
	}
}

func TestLoadServiceConfigRejectsInvalidValues(t *testing.T) {
	testlog.Start(t)

	cases := map[string]string{
		"bad admin id":        `admin_vat = "x1"`,
		"dynamic below admin": "admin_vat = \"v20\"\nfirst_dynamic_vat = 10",
		"zero budget":         `dynamic_meter_budget = 0`,
		"bad timeout":         `kernel_timeout = "soon"`,
		"unknown key":         `idle_poll = "1s"`,
		"zero bundle limit":   `max_bundle_bytes = 0`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadServiceConfig(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error for %q", body)
			}
		})
	}
}

func TestLoadServiceConfigKernelValidationError(t *testing.T) {
	testlog.Start(t)

	_, err := loadServiceConfig(writeConfig(t, `first_slot = 0`))
	if !errors.Is(err, kernel.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestLoadServiceConfigMissingFile(t *testing.T) {
	testlog.Start(t)

	if _, err := loadServiceConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
