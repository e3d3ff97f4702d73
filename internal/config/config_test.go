package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadKeepsDefaultsForOmittedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunables.toml")
	body := `
low_latency = "sw_kick"
hw_bypass = 2
pri_windows_list = [30, 90, 150]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LowLatency != LowLatencySWKick {
		t.Fatalf("low_latency not decoded: %q", cfg.LowLatency)
	}
	if cfg.HWBypass != 2 {
		t.Fatalf("hw_bypass not decoded: %d", cfg.HWBypass)
	}
	if len(cfg.PriWindows) != 3 || cfg.PriWindows[2] != 150 {
		t.Fatalf("pri_windows_list not decoded: %v", cfg.PriWindows)
	}
	if cfg.MMUMode != MMUDisabled || cfg.MMUPageSize != 4096 {
		t.Fatal("omitted fields must keep their defaults")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected an error for a missing tunables file")
	}
}
