package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DIOPROC_LOG_LEVEL", "")
	t.Setenv("DIOPROC_WAIT_TIMEOUT_MS", "")
	t.Setenv("DIOPROC_READ_CAP", "")

	cfg := Load()
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.WaitTimeout != 10*time.Second {
		t.Errorf("wait timeout = %v", cfg.WaitTimeout)
	}
	if cfg.ReadCap != 1024*1024 {
		t.Errorf("read cap = %d", cfg.ReadCap)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DIOPROC_LOG_LEVEL", "debug")
	t.Setenv("DIOPROC_WAIT_TIMEOUT_MS", "2500")
	t.Setenv("DIOPROC_READ_CAP", "4096")

	cfg := Load()
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.WaitTimeout != 2500*time.Millisecond {
		t.Errorf("wait timeout = %v", cfg.WaitTimeout)
	}
	if cfg.ReadCap != 4096 {
		t.Errorf("read cap = %d", cfg.ReadCap)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	t.Setenv("DIOPROC_WAIT_TIMEOUT_MS", "not-a-number")
	t.Setenv("DIOPROC_READ_CAP", "-5")

	cfg := Load()
	if cfg.WaitTimeout != 10*time.Second {
		t.Errorf("wait timeout = %v", cfg.WaitTimeout)
	}
	if cfg.ReadCap != 1024*1024 {
		t.Errorf("read cap = %d", cfg.ReadCap)
	}
}
