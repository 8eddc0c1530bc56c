package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range []string{"MASTER_ADDR", "SOCKS_ADDR", "METRICS_ADDR", "PROXY_MODE", "ALLOWED_LOCATIONS", "VERBOSITY"} {
		os.Unsetenv(v)
	}
}

func TestParseDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.TransferAddr != "0.0.0.0:8001" {
		t.Errorf("TransferAddr = %q", cfg.TransferAddr)
	}
	if cfg.SocksAddr != "0.0.0.0:1081" {
		t.Errorf("SocksAddr = %q", cfg.SocksAddr)
	}
	if cfg.MetricsAddr != "0.0.0.0:9091" {
		t.Errorf("MetricsAddr = %q", cfg.MetricsAddr)
	}
	if cfg.ProxyMode != ModeSticky {
		t.Errorf("ProxyMode = %d, want sticky default", cfg.ProxyMode)
	}
	if cfg.Verbosity != "info" {
		t.Errorf("Verbosity = %q", cfg.Verbosity)
	}
	if len(cfg.AllowedLocations) != 0 {
		t.Errorf("AllowedLocations = %v, want empty", cfg.AllowedLocations)
	}
}

func TestParseFlagsOverrideEnvAndDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("PROXY_MODE", "nonstick")
	defer os.Unsetenv("PROXY_MODE")

	cfg, err := Parse([]string{"-p", "stick", "-l", "US, ca ,"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ProxyMode != ModeSticky {
		t.Errorf("flag should win over env: ProxyMode = %d", cfg.ProxyMode)
	}
	if len(cfg.AllowedLocations) != 2 || cfg.AllowedLocations[0] != "US" || cfg.AllowedLocations[1] != "ca" {
		t.Errorf("AllowedLocations = %v", cfg.AllowedLocations)
	}
}

func TestParseEnvFallback(t *testing.T) {
	clearEnv(t)
	os.Setenv("MASTER_ADDR", "127.0.0.1:9001")
	defer os.Unsetenv("MASTER_ADDR")

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.TransferAddr != "127.0.0.1:9001" {
		t.Errorf("TransferAddr = %q, want env value", cfg.TransferAddr)
	}
}

func TestParseInvalidProxyModeDefaultsNonStick(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse([]string{"--proxy_mode=bogus"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ProxyMode != ModeNonSticky {
		t.Errorf("ProxyMode = %d, want nonsticky fallback", cfg.ProxyMode)
	}
}

func TestParseInvalidVerbosityRejected(t *testing.T) {
	clearEnv(t)
	if _, err := Parse([]string{"-v", "bogus"}); err == nil {
		t.Fatal("expected error for invalid verbosity")
	}
}
