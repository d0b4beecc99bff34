package config

import (
	"strings"
	"testing"
)

// hasIssue reports whether issues contains an Issue with the given severity,
// path, and a Message containing msgSubstr.
func hasIssue(t *testing.T, issues []Issue, sev IssueSeverity, path, msgSubstr string) bool {
	t.Helper()
	for _, iss := range issues {
		if iss.Severity == sev && iss.Path == path && strings.Contains(iss.Message, msgSubstr) {
			return true
		}
	}
	return false
}

func validService() Service {
	return Service{
		Store:   StoreConfig{Kind: "sqlite", DSN: "file:import.db"},
		Runtime: RuntimeConfig{Workers: 4, BatchSize: 500, MaxAttempts: 3, QueueBuffer: 64},
		Logging: LoggingConfig{Level: "info"},
	}
}

func TestValidate_CleanConfig(t *testing.T) {
	t.Parallel()

	if issues := Validate(validService()); len(issues) != 0 {
		t.Errorf("clean config produced issues: %v", issues)
	}
}

func TestValidate_Store(t *testing.T) {
	t.Parallel()

	s := validService()
	s.Store = StoreConfig{}
	if issues := Validate(s); !hasIssue(t, issues, SeverityError, "store.kind", "must not be empty") {
		t.Errorf("missing kind: %v", issues)
	}

	s.Store = StoreConfig{Kind: "postgres"}
	if issues := Validate(s); !hasIssue(t, issues, SeverityError, "store.dsn", "requires a non-empty dsn") {
		t.Errorf("missing dsn: %v", issues)
	}

	s.Store = StoreConfig{Kind: "memory"}
	issues := Validate(s)
	if !hasIssue(t, issues, SeverityWarning, "store.kind", "does not persist") {
		t.Errorf("memory warning missing: %v", issues)
	}
	if hasIssue(t, issues, SeverityError, "store.dsn", "") {
		t.Errorf("memory must not require a dsn: %v", issues)
	}

	s.Store = StoreConfig{Kind: "cassandra", DSN: "x"}
	if issues := Validate(s); !hasIssue(t, issues, SeverityWarning, "store.kind", "unknown store kind") {
		t.Errorf("unknown kind: %v", issues)
	}
}

func TestValidate_Runtime(t *testing.T) {
	t.Parallel()

	s := validService()
	s.Runtime = RuntimeConfig{Workers: -1, BatchSize: -1, MaxAttempts: -1, QueueBuffer: -1}
	issues := Validate(s)
	for _, path := range []string{
		"runtime.workers", "runtime.batch_size", "runtime.max_attempts", "runtime.queue_buffer",
	} {
		if !hasIssue(t, issues, SeverityError, path, "negative") {
			t.Errorf("missing negative check for %s: %v", path, issues)
		}
	}

	s.Runtime = RuntimeConfig{Workers: 4}
	if issues := Validate(s); !hasIssue(t, issues, SeverityWarning, "runtime.batch_size", "default") {
		t.Errorf("zero batch_size warning missing: %v", issues)
	}
}

func TestValidate_Quota(t *testing.T) {
	t.Parallel()

	s := validService()
	s.Quota = QuotaConfig{EventsPerImport: -1, EventsPerUser: -1}
	issues := Validate(s)
	if !hasIssue(t, issues, SeverityError, "quota.events_per_import", "negative") ||
		!hasIssue(t, issues, SeverityError, "quota.events_per_user", "negative") {
		t.Errorf("negative quota checks missing: %v", issues)
	}
}

func TestValidate_Geocoder(t *testing.T) {
	t.Parallel()

	s := validService()
	s.Geocoder = GeocoderConfig{Kind: "static", Options: Options{}}
	if issues := Validate(s); !hasIssue(t, issues, SeverityWarning, "geocoder.options.table", "no table") {
		t.Errorf("static without table: %v", issues)
	}

	s.Geocoder = GeocoderConfig{Kind: "static", Options: Options{"table": map[string]any{}}}
	if issues := Validate(s); len(issues) != 0 {
		t.Errorf("static with table produced issues: %v", issues)
	}

	s.Geocoder = GeocoderConfig{Kind: "nominatim"}
	if issues := Validate(s); !hasIssue(t, issues, SeverityWarning, "geocoder.kind", "unknown geocoder kind") {
		t.Errorf("unknown geocoder: %v", issues)
	}
}

func TestValidate_Metrics(t *testing.T) {
	t.Parallel()

	s := validService()
	s.Metrics = MetricsConfig{Kind: "prometheus", Options: Options{}}
	if issues := Validate(s); !hasIssue(t, issues, SeverityError, "metrics.options.push_url", "push_url") {
		t.Errorf("prometheus without push_url: %v", issues)
	}

	s.Metrics = MetricsConfig{Kind: "datadog", Options: Options{}}
	if issues := Validate(s); !hasIssue(t, issues, SeverityWarning, "metrics.options.addr", "no addr") {
		t.Errorf("datadog without addr: %v", issues)
	}

	s.Metrics = MetricsConfig{Kind: "datadog", Options: Options{"addr": "localhost:8125"}}
	if issues := Validate(s); len(issues) != 0 {
		t.Errorf("datadog with addr produced issues: %v", issues)
	}
}

func TestValidate_Logging(t *testing.T) {
	t.Parallel()

	s := validService()
	s.Logging = LoggingConfig{Level: "verbose"}
	if issues := Validate(s); !hasIssue(t, issues, SeverityError, "logging.level", "unknown log level") {
		t.Errorf("bad level: %v", issues)
	}

	s.Logging = LoggingConfig{Level: "WARN"}
	if issues := Validate(s); len(issues) != 0 {
		t.Errorf("level matching should be case-insensitive: %v", issues)
	}
}
