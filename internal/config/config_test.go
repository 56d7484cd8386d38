// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ip or ip6", cfg.BPFFilter)
	assert.Equal(t, 10000, cfg.MaxActiveFlows)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.BatchInterval)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err, "a missing file is not an error")
	assert.Equal(t, "eth0", cfg.Interface)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netinsight.yaml")
	body := `
interface: enp3s0
sampling_rate: 0.5
batch_size: 100
flow_idle_timeout: 30s
enable_reverse_dns: false
high_risk_countries: ["ZZ"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "enp3s0", cfg.Interface)
	assert.Equal(t, 0.5, cfg.SamplingRate)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.FlowIdleTimeout)
	assert.False(t, cfg.EnableReverseDNS)
	assert.Equal(t, []string{"ZZ"}, cfg.HighRiskCountries)

	// Untouched fields keep defaults.
	assert.Equal(t, 10000, cfg.MaxActiveFlows)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NETINSIGHT_INTERFACE", "wlan0")
	t.Setenv("NETINSIGHT_SAMPLING_RATE", "0.25")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "wlan0", cfg.Interface)
	assert.Equal(t, 0.25, cfg.SamplingRate)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty interface", func(c *Config) { c.Interface = "" }},
		{"zero sampling", func(c *Config) { c.SamplingRate = 0 }},
		{"sampling above one", func(c *Config) { c.SamplingRate = 1.5 }},
		{"zero flows cap", func(c *Config) { c.MaxActiveFlows = 0 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"negative retention", func(c *Config) { c.DataRetentionDays = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
