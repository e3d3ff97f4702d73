// Package config loads the process-wide, init-time driver tunables
// from a TOML file into a single Config value.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// LowLatencyMode selects how a second workload is pre-staged on a busy WM.
type LowLatencyMode string

const (
	LowLatencyDisabled LowLatencyMode = "disabled"
	LowLatencySWKick   LowLatencyMode = "sw_kick"
	LowLatencySelfKick LowLatencyMode = "self_kick"
)

// MMUMode selects the translation scheme used when setting up a session.
type MMUMode string

const (
	MMUDisabled MMUMode = "disabled"
	MMUDirect   MMUMode = "direct"
	MMU40Bit    MMUMode = "40-bit"
)

// MaxAltAddrs is VHA_MAX_ALT_ADDRS: the number of alt-address register
// slots a WM/core configurator snapshot carries.
const MaxAltAddrs = 16

// MaxPriorities bounds the priority-window array length.
const MaxPriorities = 8

// Config is the full set of module tunables, loaded once at start and
// passed by value/pointer to every component that needs it — never a
// package global.
type Config struct {
	LowLatency LowLatencyMode `toml:"low_latency"`
	MMUMode    MMUMode        `toml:"mmu_mode"`
	MMUPageSize uint32        `toml:"mmu_page_size"`

	PMDelayMS       uint32 `toml:"pm_delay_ms"`
	NoClockDisable  bool   `toml:"no_clock_disable"`
	HWBypass        uint32 `toml:"hw_bypass"`

	CombinedCRCEnable bool `toml:"cnn_combined_crc_enable"`
	ParityDisable     bool `toml:"parity_disable"`
	ConfirmConfigReg  bool `toml:"confirm_config_reg"`

	SchedulingSequence []uint16 `toml:"scheduling_sequence"`
	PriWindows         []uint32 `toml:"pri_windows_list"`

	SWDPeriodMS        uint32 `toml:"swd_period_ms"`
	SWDTimeoutDefaultUS uint32 `toml:"swd_timeout_default_us"`
	SWDTimeoutM0Pct    uint32 `toml:"swd_timeout_m0_percent"`
	SWDTimeoutM1US     uint32 `toml:"swd_timeout_m1_us"`

	SuspendIntervalMS uint32 `toml:"suspend_interval_msec"`

	RAMCorrectionThreshold uint32 `toml:"ram_correction_threshold"`
}

// Default returns the zero-tunable configuration: strict priority
// (empty windows), low latency disabled, MMU disabled, no bypass.
func Default() Config {
	return Config{
		LowLatency:          LowLatencyDisabled,
		MMUMode:             MMUDisabled,
		MMUPageSize:         4096,
		PMDelayMS:           0,
		NoClockDisable:      false,
		HWBypass:            0,
		CombinedCRCEnable:   false,
		ParityDisable:       false,
		ConfirmConfigReg:    false,
		SchedulingSequence:  nil,
		PriWindows:          nil,
		SWDPeriodMS:         10,
		SWDTimeoutDefaultUS: 100_000,
		SWDTimeoutM0Pct:     150,
		SWDTimeoutM1US:      50_000,
		SuspendIntervalMS:   0,
		RAMCorrectionThreshold: 100,
	}
}

// Load decodes a TOML tunables file, starting from Default() so any
// field the file omits keeps its documented default.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: loading %s: %w", path, err)
	}
	return cfg, nil
}
