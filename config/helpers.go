package config

import (
	"time"
)

// Safe type assertion helpers for endpoint properties, which YAML decodes
// into map[string]any.

// GetString safely extracts a string value from a properties map
func GetString(cfg map[string]any, key string, defaultVal string) string {
	if val, ok := cfg[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return defaultVal
}

// GetInt safely extracts an integer value from a properties map
func GetInt(cfg map[string]any, key string, defaultVal int) int {
	if val, ok := cfg[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case int64:
			return int(v)
		case int32:
			return int(v)
		case uint64:
			return int(v)
		case float64:
			return int(v)
		case float32:
			return int(v)
		}
	}
	return defaultVal
}

// GetBool safely extracts a boolean value from a properties map
func GetBool(cfg map[string]any, key string, defaultVal bool) bool {
	if val, ok := cfg[key]; ok {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultVal
}

// GetDuration extracts a duration given as a string ("250ms", "1d") or as
// whole seconds.
func GetDuration(cfg map[string]any, key string, defaultVal time.Duration) time.Duration {
	val, ok := cfg[key]
	if !ok {
		return defaultVal
	}
	if s, ok := val.(string); ok {
		if d, err := parseDurationWithDays(s); err == nil {
			return d
		}
		return defaultVal
	}
	if secs := GetInt(cfg, key, -1); secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}

// HasKey checks if a key exists in the properties map
func HasKey(cfg map[string]any, key string) bool {
	_, ok := cfg[key]
	return ok
}
