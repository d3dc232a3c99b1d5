package pool

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(DefaultConfig())
	if cfg.Capacity != DefaultCapacity || cfg.PreWarm != DefaultPreWarm {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.IdleCap != DefaultCapacity {
		t.Errorf("IdleCap = %d, want capacity %d", cfg.IdleCap, DefaultCapacity)
	}
}

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv(envCapacity, "8")
	t.Setenv(envPreWarm, "3")
	t.Setenv(envIdleTTL, "90s")
	t.Setenv(envAcquireTimeout, "bogus")
	t.Setenv(envGlobalLimit, "-1")

	cfg := LoadConfig(DefaultConfig())
	if cfg.Capacity != 8 {
		t.Errorf("Capacity = %d, want 8", cfg.Capacity)
	}
	if cfg.PreWarm != 3 {
		t.Errorf("PreWarm = %d, want 3", cfg.PreWarm)
	}
	if cfg.IdleTTL != 90*time.Second {
		t.Errorf("IdleTTL = %s, want 90s", cfg.IdleTTL)
	}
	if cfg.AcquireTimeout != DefaultAcquireTimeout {
		t.Errorf("AcquireTimeout = %s, want default", cfg.AcquireTimeout)
	}
	if cfg.GlobalLimit != DefaultGlobalLimit {
		t.Errorf("GlobalLimit = %d, want default", cfg.GlobalLimit)
	}
}

func TestNormalizeClampsPreWarm(t *testing.T) {
	cfg := Config{Capacity: 2, PreWarm: 5, IdleCap: 1}.normalize()
	if cfg.IdleCap != 1 || cfg.PreWarm != 1 {
		t.Errorf("cfg = %+v, want prewarm clamped to idle cap", cfg)
	}
}
