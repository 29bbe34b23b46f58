package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/virta/pkg/domain"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8192, cfg.Lanes.Critical.Capacity)
	assert.Equal(t, 4096, cfg.Lanes.Normal.Capacity)
	assert.Equal(t, 1024, cfg.Lanes.Debug.Capacity)
	assert.Equal(t, OverflowRejectNewKeys, cfg.Aggregation.OverflowPolicy)
	assert.Equal(t, 100*time.Millisecond, cfg.Backpressure.Interval)

	rules, def, err := cfg.Router.CompiledRules()
	require.NoError(t, err)
	assert.Equal(t, domain.LaneNormal, def)
	assert.Equal(t, domain.LaneCritical, rules[domain.TypeOOMKill])
	assert.Equal(t, domain.LaneCritical, rules[domain.TypePrivilegeEscalation])
	assert.Equal(t, domain.LaneDebug, rules[domain.TypeFileWrite])
}

func TestValidateRejectsNonPowerOfTwoCapacity(t *testing.T) {
	cfg := Default()
	cfg.Lanes.Normal.Capacity = 1000

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "power of two")
}

func TestValidateRejectsCriticalSmallerThanNormal(t *testing.T) {
	cfg := Default()
	cfg.Lanes.Critical.Capacity = 2048
	cfg.Lanes.Normal.Capacity = 4096

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "critical")
}

func TestValidateRejectsUnknownOverflowPolicy(t *testing.T) {
	cfg := Default()
	cfg.Aggregation.OverflowPolicy = "drop_everything"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overflow_policy")
}

func TestValidateRejectsBadSamplingFloor(t *testing.T) {
	cfg := Default()
	cfg.Backpressure.DebugFloor = 1.5

	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLaneName(t *testing.T) {
	cfg := Default()
	cfg.Router.Rules = []ClassifierRule{{Type: 0x0101, Lane: "turbo"}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rules[0]")
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "virta.yaml")
	data := `
lanes:
  critical:
    capacity: 512
  normal:
    capacity: 256
router:
  default_lane: debug
  rules:
    - type: 0x0103
      lane: critical
aggregation:
  enabled: true
  overflow_policy: evict_lru
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.Lanes.Critical.Capacity)
	assert.Equal(t, 256, cfg.Lanes.Normal.Capacity)
	// Unset fields pick up defaults.
	assert.Equal(t, 1024, cfg.Lanes.Debug.Capacity)
	assert.Equal(t, "debug", cfg.Router.DefaultLane)
	assert.True(t, cfg.Aggregation.Enabled)
	assert.Equal(t, OverflowEvictLRU, cfg.Aggregation.OverflowPolicy)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lanes:\n  normal:\n    capacity: 3\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestCompiledRules(t *testing.T) {
	rc := RouterConfig{
		DefaultLane: "normal",
		Rules: []ClassifierRule{
			{Type: 0x0303, Lane: "debug"},
			{Type: 0x0103, Lane: "critical"},
		},
	}

	rules, def, err := rc.CompiledRules()
	require.NoError(t, err)
	assert.Equal(t, domain.LaneNormal, def)
	assert.Equal(t, domain.LaneDebug, rules[domain.TypeDNSQuery])
	assert.Equal(t, domain.LaneCritical, rules[domain.TypeOOMKill])
}

func TestForLane(t *testing.T) {
	lanes := LanesConfig{
		Critical: LaneConfig{Capacity: 8},
		Normal:   LaneConfig{Capacity: 4},
		Debug:    LaneConfig{Capacity: 2},
	}

	assert.Equal(t, 8, lanes.ForLane(domain.LaneCritical).Capacity)
	assert.Equal(t, 4, lanes.ForLane(domain.LaneNormal).Capacity)
	assert.Equal(t, 2, lanes.ForLane(domain.LaneDebug).Capacity)
}
