// Package geocode defines the geocoding-results contract consumed by the
// event materializer. The geocoding algorithm itself is external; the
// pipeline only resolves mapped location strings against a precomputed
// results map.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"

	"geoimport/internal/model"
)

// Result is one resolved location.
type Result struct {
	Coordinates model.Coordinates `json:"coordinates"`
	Confidence  float64           `json:"confidence"`
}

// Results maps a location string to its resolved coordinates.
type Results map[string]Result

// Lookup returns the result for location and whether one exists.
func (r Results) Lookup(location string) (Result, bool) {
	if r == nil || location == "" {
		return Result{}, false
	}
	res, ok := r[location]
	return res, ok
}

// Marshal serializes the results for persistence on the import job.
func (r Results) Marshal() (json.RawMessage, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("geocode results: %w", err)
	}
	return raw, nil
}

// Unmarshal restores results persisted by Marshal. Nil input yields an empty
// map so downstream lookups never nil-check.
func Unmarshal(raw json.RawMessage) (Results, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Results{}, nil
	}
	var r Results
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("geocode results: %w", err)
	}
	return r, nil
}

// Geocoder resolves a batch of location strings. Implementations are
// external; Static and the default NoOp exist for wiring and tests.
type Geocoder interface {
	Resolve(ctx context.Context, locations []string) (Results, error)
}

// NoOp resolves nothing; coordinate resolution falls through to "none".
type NoOp struct{}

func (NoOp) Resolve(ctx context.Context, locations []string) (Results, error) {
	return Results{}, nil
}

// Static serves results from a fixed table, mainly for tests and seeded runs.
type Static struct {
	Table Results
}

func (s Static) Resolve(ctx context.Context, locations []string) (Results, error) {
	out := Results{}
	for _, loc := range locations {
		if res, ok := s.Table.Lookup(loc); ok {
			out[loc] = res
		}
	}
	return out, nil
}
