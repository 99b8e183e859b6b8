package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	return writeDefaults(path, cfg)
}

// ListValues flattens cfg into dot-separated keys. With redact set,
// secret-bearing values are masked.
func ListValues(cfg *Config, redact bool) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]any)
	flatten("", raw, out)
	if redact {
		for k, v := range out {
			if !isSecretKey(k) {
				continue
			}
			if s, ok := v.(string); ok && s != "" {
				out[k] = "****"
			}
		}
	}
	return out, nil
}

// GetValue loads the config at path and returns the value for a
// dot-separated key.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	values, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	val, ok := values[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return val, nil
}

// SetValue loads the config at path, sets the dot-separated key, and
// saves it back.
func SetValue(path, key, value string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if err := setPath(raw, strings.Split(key, "."), value); err != nil {
		return err
	}

	// Round-trip through Config so unknown keys and type
	// mismatches surface now rather than at next load.
	merged, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	updated := &Config{}
	if err := json.Unmarshal(merged, updated); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	return Save(path, updated)
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(key, nested, out)
			continue
		}
		out[key] = v
	}
}

func setPath(raw map[string]any, parts []string, value string) error {
	if len(parts) == 0 {
		return fmt.Errorf("empty config key")
	}
	if len(parts) == 1 {
		raw[parts[0]] = coerce(value)
		return nil
	}
	nested, ok := raw[parts[0]].(map[string]any)
	if !ok {
		return fmt.Errorf("unknown config key: %s", parts[0])
	}
	return setPath(nested, parts[1:], value)
}

// coerce interprets value as a bool or number when it parses as one.
func coerce(value string) any {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if n, err := strconv.ParseFloat(value, 64); err == nil {
		return n
	}
	return value
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "token") || strings.Contains(lower, "key")
}
