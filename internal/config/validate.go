// Package config provides configuration models and helpers for the import
// service.
//
// This file adds a lightweight linter/validator for Service values. It
// performs static checks over a decoded Service and returns a list of issues
// (errors and warnings) that callers can surface in a CLI or tests.
package config

import (
	"fmt"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be surfaced
	// to users but may not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding for a Service config.
//
// Path is a dotted path into the config (e.g. "store.kind",
// "metrics.options.push_url"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// Validate performs static validation / linting of a Service config.
//
// It does not mutate the config. Instead it returns a slice of Issue values.
// Callers may decide whether to treat warnings as fatal or not.
//
// Example:
//
//	s, err := config.Load(path)
//	if err != nil { ... }
//	for _, iss := range config.Validate(s) {
//	    fmt.Printf("%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
//	}
func Validate(s Service) []Issue {
	var issues []Issue
	issues = append(issues, validateStore(s.Store)...)
	issues = append(issues, validateRuntime(s.Runtime)...)
	issues = append(issues, validateQuota(s.Quota)...)
	issues = append(issues, validateGeocoder(s.Geocoder)...)
	issues = append(issues, validateMetrics(s.Metrics)...)
	issues = append(issues, validateLogging(s.Logging)...)
	return issues
}

// validateStore validates the entity store configuration.
func validateStore(s StoreConfig) []Issue {
	var issues []Issue

	if strings.TrimSpace(s.Kind) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "store.kind",
			Message:  "store.kind must not be empty",
		})
		return issues
	}

	// Known store kinds. Unknown kinds are warnings (for forward compatibility
	// with externally registered backends).
	known := map[string]struct{}{
		"postgres": {},
		"sqlite":   {},
		"memory":   {},
	}
	if _, ok := known[s.Kind]; !ok {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "store.kind",
			Message:  fmt.Sprintf("unknown store kind %q; ensure a matching backend is registered", s.Kind),
		})
	}

	if s.Kind != "memory" && strings.TrimSpace(s.DSN) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "store.dsn",
			Message:  fmt.Sprintf("store kind %q requires a non-empty dsn", s.Kind),
		})
	}
	if s.Kind == "memory" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "store.kind",
			Message:  "memory store does not persist across restarts; use it only for development",
		})
	}

	return issues
}

// validateRuntime validates RuntimeConfig for obvious misconfigurations
// (negative values, zero-sized batches, etc.).
func validateRuntime(r RuntimeConfig) []Issue {
	var issues []Issue

	if r.Workers < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.workers",
			Message:  "workers must not be negative",
		})
	}
	if r.BatchSize < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.batch_size",
			Message:  "batch_size must not be negative",
		})
	} else if r.BatchSize == 0 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "runtime.batch_size",
			Message:  "batch_size=0; the built-in default will be used",
		})
	}
	if r.MaxAttempts < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.max_attempts",
			Message:  "max_attempts must not be negative",
		})
	}
	if r.QueueBuffer < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "runtime.queue_buffer",
			Message:  "queue_buffer must not be negative",
		})
	}

	return issues
}

// validateQuota validates the quota limits.
func validateQuota(q QuotaConfig) []Issue {
	var issues []Issue

	if q.EventsPerImport < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "quota.events_per_import",
			Message:  "events_per_import must not be negative; use 0 to disable",
		})
	}
	if q.EventsPerUser < 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "quota.events_per_user",
			Message:  "events_per_user must not be negative; use 0 to disable",
		})
	}

	return issues
}

// validateGeocoder validates the geocoder selection.
func validateGeocoder(g GeocoderConfig) []Issue {
	var issues []Issue

	if strings.TrimSpace(g.Kind) == "" {
		return issues // defaults to "none"
	}
	known := map[string]struct{}{
		"none":   {},
		"static": {},
	}
	if _, ok := known[g.Kind]; !ok {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "geocoder.kind",
			Message:  fmt.Sprintf("unknown geocoder kind %q; ensure a matching implementation exists", g.Kind),
		})
	}
	if g.Kind == "static" && g.Options.Any("table") == nil {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "geocoder.options.table",
			Message:  "static geocoder has no table; every location will resolve to nothing",
		})
	}

	return issues
}

// validateMetrics validates the metrics backend selection.
func validateMetrics(m MetricsConfig) []Issue {
	var issues []Issue

	if strings.TrimSpace(m.Kind) == "" {
		return issues // defaults to no-op
	}
	known := map[string]struct{}{
		"none":       {},
		"prometheus": {},
		"datadog":    {},
	}
	if _, ok := known[m.Kind]; !ok {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "metrics.kind",
			Message:  fmt.Sprintf("unknown metrics kind %q; ensure a matching backend exists", m.Kind),
		})
	}

	switch m.Kind {
	case "prometheus":
		if m.Options.String("push_url", "") == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "metrics.options.push_url",
				Message:  "prometheus metrics require a push_url",
			})
		}
	case "datadog":
		if m.Options.String("addr", "") == "" {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     "metrics.options.addr",
				Message:  "datadog metrics have no addr; the client default will be used",
			})
		}
	}

	return issues
}

// validateLogging validates the logging configuration.
func validateLogging(l LoggingConfig) []Issue {
	var issues []Issue

	if l.Level == "" {
		return issues
	}
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "logging.level",
			Message:  fmt.Sprintf("unknown log level %q; use debug, info, warn, or error", l.Level),
		})
	}

	return issues
}
