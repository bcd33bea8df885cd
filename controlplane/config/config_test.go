package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultThenFromMapOverridesOnlyGivenKeys(t *testing.T) {
	cfg := FromMap(map[string]any{
		"history_length":     float64(512),
		"export_enabled":     true,
		"protection_delay_ms": float64(300),
	})

	assert.Equal(t, 512, cfg.HistoryLength)
	assert.True(t, cfg.ExportEnabled)
	assert.Equal(t, int64(300), cfg.ProtectionDelayMS)
	// untouched defaults remain
	assert.Equal(t, ":9090", cfg.QueryAddr)
	assert.Equal(t, 0.25, cfg.TargetCPUShare)
}

func TestToMapRoundTrips(t *testing.T) {
	original := Default()
	original.HistoryLength = 128
	original.ExportAllowedTopics = []string{"EVENTS", "TOPOLOGY_CHANGED"}

	back := FromMap(original.ToMap())
	assert.Equal(t, original.HistoryLength, back.HistoryLength)
	assert.Equal(t, original.ExportAllowedTopics, back.ExportAllowedTopics)
}

func TestGlobalConfigDefaultsUntilSet(t *testing.T) {
	Reset()
	defer Reset()

	require.Equal(t, Default().QueryAddr, Get().QueryAddr)

	custom := Default()
	custom.QueryAddr = ":7000"
	Set(custom)
	assert.Equal(t, ":7000", Get().QueryAddr)

	Reset()
	assert.Equal(t, Default().QueryAddr, Get().QueryAddr)
}
