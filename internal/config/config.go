// Package config defines the canonical, JSON-serializable configuration model
// for the import service. It is intentionally small and explicit so that a
// service config can be loaded from disk (or the environment) and passed
// through the program without additional glue code.
//
// Design goals:
//
//  1. Stability: Changes to this package should be additive and backwards-
//     compatible whenever possible.
//  2. Clarity: Field names in Go mirror the JSON structure used in service
//     config files.
//  3. Minimalism: Decoding is performed by the standard library, with a light
//     Options helper for typed access to backend-specific bags.
//
// Example (trimmed):
//
//	{
//	  "store":    { "kind": "sqlite", "dsn": "file:import.db" },
//	  "runtime":  { "workers": 4, "batch_size": 500 },
//	  "quota":    { "events_per_import": 100000 },
//	  "metrics":  { "kind": "prometheus", "options": { "push_url": "..." } }
//	}
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Service is the top-level configuration decoded from a config file.
type Service struct {
	// Store selects the entity store backend and its connection string.
	Store StoreConfig `json:"store"`

	// Runtime controls the worker pool and batch sizing.
	Runtime RuntimeConfig `json:"runtime"`

	// Quota holds the event-creation limits. Zero values disable a limit.
	Quota QuotaConfig `json:"quota"`

	// Geocoder selects the geocoding backend used by the batch geocode stage.
	Geocoder GeocoderConfig `json:"geocoder"`

	// Metrics selects the metrics backend. The default is a no-op.
	Metrics MetricsConfig `json:"metrics"`

	// Logging configures the structured logger.
	Logging LoggingConfig `json:"logging"`
}

// StoreConfig selects the entity store backend.
type StoreConfig struct {
	// Kind selects the backend: "postgres", "sqlite", or "memory".
	Kind string `json:"kind"`

	// DSN is the backend connection string; unused by "memory".
	DSN string `json:"dsn"`
}

// RuntimeConfig controls concurrency, batching, and queue sizing.
type RuntimeConfig struct {
	Workers     int `json:"workers"`
	BatchSize   int `json:"batch_size"`
	MaxAttempts int `json:"max_attempts"`
	QueueBuffer int `json:"queue_buffer"`
}

// QuotaConfig holds event-creation limits. A zero limit disables that check.
type QuotaConfig struct {
	EventsPerImport int64 `json:"events_per_import"`
	EventsPerUser   int64 `json:"events_per_user"`
}

// GeocoderConfig selects the geocoding backend.
type GeocoderConfig struct {
	// Kind selects the implementation: "none" (default) or "static".
	Kind string `json:"kind"`

	// Options is a free-form map interpreted by the selected backend. For
	// "static", the key "table" maps location strings to {lat, lng} objects.
	Options Options `json:"options"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	// Kind selects the implementation: "none" (default), "prometheus", or
	// "datadog".
	Kind string `json:"kind"`

	// Options is a free-form map interpreted by the selected backend. Typical
	// keys: push_url and job (prometheus), addr and namespace (datadog).
	Options Options `json:"options"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error". Empty means "info".
	Level string `json:"level"`

	// File optionally names a JSON log file written alongside stderr.
	File string `json:"file"`
}

// Load reads and decodes a service config file.
func Load(path string) (Service, error) {
	var s Service
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("decode config %s: %w", path, err)
	}
	return s, nil
}

// Options is a small helper to fetch typed values from arbitrary JSON maps
// without introducing third-party configuration libraries. It purposefully
// performs only minimal type coercion and returns provided defaults when a key
// is absent or of an unexpected type.
//
// Options is used for backend-specific configuration where the shape varies by
// implementation.
type Options map[string]any

// String returns the string value for key or def if key is missing or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def if key is missing or not a bool.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers are decoded as
// float64 by encoding/json, so this method accepts float64 and casts to int.
// If the value is neither float64 nor int, def is returned.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// Float returns the float64 value for key or def.
func (o Options) Float(key string, def float64) float64 {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}

// StringMap returns a map[string]string for key when the value is an object
// whose values are strings. Non-string values are ignored. Returns an empty map
// when the key is missing or the value is not an object.
func (o Options) StringMap(key string) map[string]string {
	res := map[string]string{}
	if v, ok := o[key]; ok {
		if m, ok := v.(map[string]any); ok {
			for k, vv := range m {
				if s, ok := vv.(string); ok {
					res[k] = s
				}
			}
		}
	}
	return res
}

// StringSlice returns a []string for key when the value is an array of strings
// (or an array of interface values containing strings). Returns nil when the
// key is missing or the value is not an array.
func (o Options) StringSlice(key string) []string {
	if v, ok := o[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}

// Any returns the raw value for key (which may itself be a nested
// map[string]any, []any, or primitive). This is useful for retrieving nested
// configuration blocks that will be unmarshaled into a typed struct by the
// caller (e.g., a static geocoder table).
func (o Options) Any(key string) any {
	if v, ok := o[key]; ok {
		return v
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler so that a missing or null "options"
// object in JSON decodes to a non-nil, empty Options map. This simplifies call
// sites by removing the need to nil-check Options values.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
