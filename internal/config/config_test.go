package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`host: 10.0.0.1`))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", cfg.Host)
	assert.Equal(t, 6379, cfg.Port)
	assert.Equal(t, 50, cfg.PoolSize)
	assert.Equal(t, CommandSet, cfg.Command)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid default", func(c *Config) {}, false},
		{"custom without file", func(c *Config) { c.Command = CommandCustom }, true},
		{"sequential random start without sequential", func(c *Config) { c.SequentialRandomStart = true }, true},
		{"sequential with test duration", func(c *Config) {
			c.SequentialKeyspaceLen = 100
			c.TestDurationSec = 10
		}, true},
		{"exponential ramp without factor", func(c *Config) {
			c.QPSRampMode = RampExponential
			c.StartQPS = 100
			c.EndQPS = 200
		}, true},
		{"zero pool size", func(c *Config) { c.PoolSize = 0 }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseProcesses(t *testing.T) {
	n, err := ParseProcesses("auto")
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	n, err = ParseProcesses("4")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = ParseProcesses("0")
	assert.Error(t, err)

	_, err = ParseProcesses("-1")
	assert.Error(t, err)

	_, err = ParseProcesses("nope")
	assert.Error(t, err)
}

func TestPlan_DistributesRemainder(t *testing.T) {
	base := Default()
	base.TotalRequests = 10
	base.QPS = 100

	workers := Plan(base, 3)
	require.Len(t, workers, 3)

	var sum int64
	for _, w := range workers {
		sum += w.TotalRequests
	}
	assert.Equal(t, int64(10), sum)
	assert.Equal(t, int64(4), workers[0].TotalRequests) // first worker absorbs remainder
	assert.Equal(t, int64(3), workers[1].TotalRequests)
	assert.Equal(t, int64(3), workers[2].TotalRequests)

	for _, w := range workers {
		assert.Equal(t, float64(33), w.QPS) // 100/3 integer division
		assert.Equal(t, base.PoolSize, w.PoolSize)
		assert.Equal(t, base.NumThreads, w.NumThreads)
	}
}
