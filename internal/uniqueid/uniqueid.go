// Package uniqueid computes deterministic per-row unique IDs for duplicate
// detection and event identity. An ID depends only on the fields designated
// by the configured strategy, so the same row always hashes to the same ID.
package uniqueid

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"

	"geoimport/internal/model"
)

// Generate computes the unique ID for one row of field values under cfg.
// A nil or empty strategy defaults to "auto".
func Generate(values map[string]string, cfg model.IDConfig) (string, error) {
	switch cfg.Strategy {
	case "", model.IDStrategyAuto:
		return hashFields(values, nil), nil

	case model.IDStrategyExternal:
		if cfg.ExternalField == "" {
			return "", fmt.Errorf("uniqueid: external strategy requires external_field")
		}
		v := strings.TrimSpace(values[cfg.ExternalField])
		if v == "" {
			return "", fmt.Errorf("uniqueid: field %q is empty", cfg.ExternalField)
		}
		return v, nil

	case model.IDStrategyHash:
		if len(cfg.Fields) == 0 {
			return "", fmt.Errorf("uniqueid: hash strategy requires fields")
		}
		return hashFields(values, cfg.Fields), nil

	case model.IDStrategyHybrid:
		if cfg.ExternalField != "" {
			if v := strings.TrimSpace(values[cfg.ExternalField]); v != "" {
				return v, nil
			}
		}
		return hashFields(values, cfg.Fields), nil

	default:
		return "", fmt.Errorf("uniqueid: unknown strategy %q", cfg.Strategy)
	}
}

// hashFields hashes the designated fields (or every field when fields is nil)
// with xxh3. Field order is fixed by sorting so map iteration order cannot
// change the result.
func hashFields(values map[string]string, fields []string) string {
	keys := fields
	if keys == nil {
		keys = make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\x1f') // unlikely separator
		}
		b.WriteString(k)
		b.WriteByte('\x00')
		b.WriteString(values[k])
	}
	return fmt.Sprintf("%016x", xxh3.Hash([]byte(b.String())))
}
