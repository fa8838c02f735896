package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/vatctl/internal/admin"
	"github.com/danmuck/vatctl/internal/kernel"
	"github.com/danmuck/vatctl/internal/message"
	"github.com/danmuck/vatctl/internal/vat"
)

type serviceConfig struct {
	Kernel kernel.Config
	Loader vat.LoaderConfig
	Admin  admin.Config
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		Kernel: kernel.DefaultConfig(),
		Loader: vat.LoaderConfig{
			CacheSize:        vat.DefaultCacheSize,
			MaxCallStackSize: vat.DefaultMaxCallStackSize,
		},
		Admin: admin.Config{
			Addr:           "127.0.0.1:7400",
			MaxBundleBytes: admin.DefaultMaxBundleBytes,
			KernelTimeout:  admin.DefaultKernelTimeout,
		},
	}
}

type fileConfig struct {
	AdminVat           string   `toml:"admin_vat"`
	FirstDynamicVat    uint64   `toml:"first_dynamic_vat"`
	FirstSlot          uint64   `toml:"first_slot"`
	DynamicMeterBudget uint64   `toml:"dynamic_meter_budget"`
	BundleCacheSize    int      `toml:"bundle_cache_size"`
	MaxCallStack       int      `toml:"max_call_stack"`
	ListenAddr         string   `toml:"listen_addr"`
	CORSOrigins        []string `toml:"cors_origins"`
	MaxBundleBytes     int64    `toml:"max_bundle_bytes"`
	KernelTimeout      string   `toml:"kernel_timeout"`
	AdminToken         string   `toml:"admin_token"`
}

// loadServiceConfig applies the keys present in path over the defaults. An
// empty path yields the defaults.
func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, cfg.Kernel.Validate()
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load vatkernel config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return serviceConfig{}, fmt.Errorf("load vatkernel config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("admin_vat") {
		id, err := message.ParseVatID(raw.AdminVat)
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse admin_vat: %w", err)
		}
		cfg.Kernel.AdminVatID = id
	}
	if meta.IsDefined("first_dynamic_vat") {
		cfg.Kernel.FirstDynamicVatID = raw.FirstDynamicVat
	}
	if meta.IsDefined("first_slot") {
		cfg.Kernel.FirstSlotID = message.SlotID(raw.FirstSlot)
	}
	if meta.IsDefined("dynamic_meter_budget") {
		cfg.Kernel.DynamicMeterBudget = raw.DynamicMeterBudget
	}
	if meta.IsDefined("bundle_cache_size") {
		cfg.Loader.CacheSize = raw.BundleCacheSize
	}
	if meta.IsDefined("max_call_stack") {
		cfg.Loader.MaxCallStackSize = raw.MaxCallStack
	}
	if meta.IsDefined("listen_addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Admin.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("max_bundle_bytes") {
		if raw.MaxBundleBytes <= 0 {
			return serviceConfig{}, fmt.Errorf("max_bundle_bytes must be positive, got %d", raw.MaxBundleBytes)
		}
		cfg.Admin.MaxBundleBytes = raw.MaxBundleBytes
	}
	if meta.IsDefined("admin_token") {
		cfg.Admin.AuthToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("kernel_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.KernelTimeout))
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse kernel_timeout: %w", err)
		}
		cfg.Admin.KernelTimeout = d
	}

	if err := cfg.Kernel.Validate(); err != nil {
		return serviceConfig{}, err
	}
	return cfg, nil
}
