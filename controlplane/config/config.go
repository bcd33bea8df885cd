// Package config provides control-plane runtime configuration: queue sizes,
// timeouts, history length, export allow-list, coalescing parameters, and
// protection thresholds. It backs the GET_CONFIGURATION / SET_CONFIGURATION /
// RESOLVE_CONFIGURATION query types.
package config

import "sync"

// ControlPlaneConfig holds every runtime-tunable value of the control plane.
type ControlPlaneConfig struct {
	// Transport (C1)
	QueryAddr   string `json:"query_addr"`
	PublishAddr string `json:"publish_addr"`

	// Timeouts (milliseconds)
	RequestTimeoutMS     int64 `json:"request_timeout_ms"`
	ConnectionTimeoutMS  int64 `json:"connection_timeout_ms"`
	RequiredClientsWaitMS int64 `json:"required_clients_wait_ms"`
	ShutdownJoinTimeoutMS int64 `json:"shutdown_join_timeout_ms"`

	// Notification Bus (C4)
	PublishQueueSize    int      `json:"publish_queue_size"`
	HistoryLength       int      `json:"history_length"`
	LossyTopics         []string `json:"lossy_topics"`
	ExportEnabled       bool     `json:"export_enabled"`
	ExportAllowedTopics []string `json:"export_allowed_topics"`

	// Physical simulator coalescing (C6)
	MinIntervalMS   int64   `json:"min_interval_ms"`
	MaxIntervalMS   int64   `json:"max_interval_ms"`
	TargetCPUShare  float64 `json:"target_cpu_share"`

	// Protection emulation (C6)
	ProtectionDelayMS      int64   `json:"protection_delay_ms"`
	ProtectionThresholdPct float64 `json:"protection_threshold_pct"`

	// Logging
	LogLevel string `json:"log_level"`
}

// Default returns a ControlPlaneConfig with sensible defaults.
func Default() *ControlPlaneConfig {
	return &ControlPlaneConfig{
		QueryAddr:   ":9090",
		PublishAddr: ":9091",

		RequestTimeoutMS:      5000,
		ConnectionTimeoutMS:   20000,
		RequiredClientsWaitMS: 60000,
		ShutdownJoinTimeoutMS: 5000,

		PublishQueueSize:    4096,
		HistoryLength:       256,
		LossyTopics:         []string{"GRID_VALUES_UPDATED"},
		ExportEnabled:       false,
		ExportAllowedTopics: nil,

		MinIntervalMS:  50,
		MaxIntervalMS:  1000,
		TargetCPUShare: 0.25,

		ProtectionDelayMS:      200,
		ProtectionThresholdPct: 10.0,

		LogLevel: "INFO",
	}
}

// FromMap builds a ControlPlaneConfig from Default() overridden by the given map.
// Unknown keys are ignored. JSON numbers decode as float64, so both int and
// float64 are accepted for integer fields.
func FromMap(m map[string]any) *ControlPlaneConfig {
	c := Default()

	if v, ok := stringOf(m, "query_addr"); ok {
		c.QueryAddr = v
	}
	if v, ok := stringOf(m, "publish_addr"); ok {
		c.PublishAddr = v
	}
	if v, ok := int64Of(m, "request_timeout_ms"); ok {
		c.RequestTimeoutMS = v
	}
	if v, ok := int64Of(m, "connection_timeout_ms"); ok {
		c.ConnectionTimeoutMS = v
	}
	if v, ok := int64Of(m, "required_clients_wait_ms"); ok {
		c.RequiredClientsWaitMS = v
	}
	if v, ok := int64Of(m, "shutdown_join_timeout_ms"); ok {
		c.ShutdownJoinTimeoutMS = v
	}
	if v, ok := intOf(m, "publish_queue_size"); ok {
		c.PublishQueueSize = v
	}
	if v, ok := intOf(m, "history_length"); ok {
		c.HistoryLength = v
	}
	if v, ok := m["lossy_topics"].([]string); ok {
		c.LossyTopics = v
	} else if v, ok := m["lossy_topics"].([]any); ok {
		topics := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				topics = append(topics, s)
			}
		}
		c.LossyTopics = topics
	}
	if v, ok := m["export_enabled"].(bool); ok {
		c.ExportEnabled = v
	}
	if v, ok := m["export_allowed_topics"].([]string); ok {
		c.ExportAllowedTopics = v
	} else if v, ok := m["export_allowed_topics"].([]any); ok {
		topics := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				topics = append(topics, s)
			}
		}
		c.ExportAllowedTopics = topics
	}
	if v, ok := int64Of(m, "min_interval_ms"); ok {
		c.MinIntervalMS = v
	}
	if v, ok := int64Of(m, "max_interval_ms"); ok {
		c.MaxIntervalMS = v
	}
	if v, ok := m["target_cpu_share"].(float64); ok {
		c.TargetCPUShare = v
	}
	if v, ok := int64Of(m, "protection_delay_ms"); ok {
		c.ProtectionDelayMS = v
	}
	if v, ok := m["protection_threshold_pct"].(float64); ok {
		c.ProtectionThresholdPct = v
	}
	if v, ok := stringOf(m, "log_level"); ok {
		c.LogLevel = v
	}

	return c
}

// ToMap converts the config back to a plain map, the inverse of FromMap.
func (c *ControlPlaneConfig) ToMap() map[string]any {
	return map[string]any{
		"query_addr":                c.QueryAddr,
		"publish_addr":              c.PublishAddr,
		"request_timeout_ms":        c.RequestTimeoutMS,
		"connection_timeout_ms":     c.ConnectionTimeoutMS,
		"required_clients_wait_ms":  c.RequiredClientsWaitMS,
		"shutdown_join_timeout_ms":  c.ShutdownJoinTimeoutMS,
		"publish_queue_size":        c.PublishQueueSize,
		"history_length":            c.HistoryLength,
		"lossy_topics":              c.LossyTopics,
		"export_enabled":            c.ExportEnabled,
		"export_allowed_topics":     c.ExportAllowedTopics,
		"min_interval_ms":           c.MinIntervalMS,
		"max_interval_ms":           c.MaxIntervalMS,
		"target_cpu_share":          c.TargetCPUShare,
		"protection_delay_ms":       c.ProtectionDelayMS,
		"protection_threshold_pct":  c.ProtectionThresholdPct,
		"log_level":                 c.LogLevel,
	}
}

func stringOf(m map[string]any, key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

func intOf(m map[string]any, key string) (int, bool) {
	if v, ok := m[key].(int); ok {
		return v, true
	}
	if v, ok := m[key].(float64); ok {
		return int(v), true
	}
	return 0, false
}

func int64Of(m map[string]any, key string) (int64, bool) {
	if v, ok := m[key].(int64); ok {
		return v, true
	}
	if v, ok := m[key].(int); ok {
		return int64(v), true
	}
	if v, ok := m[key].(float64); ok {
		return int64(v), true
	}
	return 0, false
}

// =============================================================================
// GLOBAL CONFIG
// =============================================================================

var (
	global   *ControlPlaneConfig
	globalMu sync.RWMutex
)

// Get returns the active configuration, or defaults if none has been set.
func Get() *ControlPlaneConfig {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if global == nil {
		return Default()
	}
	return global
}

// Set installs cfg as the active configuration.
func Set(cfg *ControlPlaneConfig) {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = cfg
}

// Reset clears the active configuration back to defaults. Useful in tests.
func Reset() {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = nil
}
