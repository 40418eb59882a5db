package httpconfig

import (
	"time"
)

// ExtractBaseConfig reads the shared HTTP settings from an adapter config
// map. Values of the wrong type are ignored here and caught by
// ValidateBaseConfig where they matter.
func ExtractBaseConfig(config map[string]interface{}) BaseConfig {
	if config == nil {
		return BaseConfig{}
	}

	base := BaseConfig{}
	base.Endpoint, _ = config["endpoint"].(string)
	base.Method, _ = config["method"].(string)
	base.DataField, _ = config["dataField"].(string)
	base.Headers = ExtractStringMap(config, "headers")
	base.QueryParams = ExtractStringMap(config, "queryParams")
	base.TimeoutMs = extractTimeoutMs(config)
	return base
}

// ExtractStringMap reads a string map at key. Non-string values are skipped.
func ExtractStringMap(config map[string]interface{}, key string) map[string]string {
	result := make(map[string]string)
	switch m := config[key].(type) {
	case map[string]interface{}:
		for k, v := range m {
			if s, ok := v.(string); ok {
				result[k] = s
			}
		}
	case map[string]string:
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// extractTimeoutMs reads "timeoutMs", falling back to "timeout" in seconds.
// Negative values are kept so validation can reject them.
func extractTimeoutMs(config map[string]interface{}) int {
	if ms, ok := number(config["timeoutMs"]); ok {
		return int(ms)
	}
	if s, ok := number(config["timeout"]); ok {
		return int(s * 1000)
	}
	return 0
}

// number accepts both decoders' numeric types: JSON yields float64, YAML int.
func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// GetTimeoutDuration converts timeoutMs, using def when it is not positive.
func GetTimeoutDuration(timeoutMs int, def time.Duration) time.Duration {
	if timeoutMs > 0 {
		return time.Duration(timeoutMs) * time.Millisecond
	}
	return def
}
