package uniqueid

import (
	"strings"
	"testing"

	"geoimport/internal/model"
)

func TestGenerate_AutoIsDeterministic(t *testing.T) {
	t.Parallel()

	row := map[string]string{"name": "alice", "city": "oslo"}
	a, err := Generate(row, model.IDConfig{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate(map[string]string{"city": "oslo", "name": "alice"}, model.IDConfig{Strategy: model.IDStrategyAuto})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a != b {
		t.Errorf("same values should hash identically regardless of map order: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("hash ID length = %d, want 16 hex chars", len(a))
	}

	c, _ := Generate(map[string]string{"name": "alice", "city": "bergen"}, model.IDConfig{})
	if a == c {
		t.Errorf("different values must not collide trivially")
	}
}

func TestGenerate_HashUsesOnlyConfiguredFields(t *testing.T) {
	t.Parallel()

	cfg := model.IDConfig{Strategy: model.IDStrategyHash, Fields: []string{"id"}}
	a, err := Generate(map[string]string{"id": "7", "noise": "x"}, cfg)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate(map[string]string{"id": "7", "noise": "y"}, cfg)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a != b {
		t.Errorf("fields outside the hash set must not affect the ID")
	}
}

func TestGenerate_External(t *testing.T) {
	t.Parallel()

	cfg := model.IDConfig{Strategy: model.IDStrategyExternal, ExternalField: "ref"}

	got, err := Generate(map[string]string{"ref": " ABC-1 "}, cfg)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "ABC-1" {
		t.Errorf("external ID = %q, want trimmed field value", got)
	}

	if _, err := Generate(map[string]string{"ref": "  "}, cfg); err == nil {
		t.Errorf("empty external field should error")
	}
	if _, err := Generate(map[string]string{}, model.IDConfig{Strategy: model.IDStrategyExternal}); err == nil {
		t.Errorf("external strategy without external_field should error")
	}
}

func TestGenerate_HybridFallsBackToHash(t *testing.T) {
	t.Parallel()

	cfg := model.IDConfig{
		Strategy:      model.IDStrategyHybrid,
		ExternalField: "ref",
		Fields:        []string{"name"},
	}

	withRef, err := Generate(map[string]string{"ref": "R1", "name": "alice"}, cfg)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if withRef != "R1" {
		t.Errorf("hybrid with ref = %q, want R1", withRef)
	}

	noRef, err := Generate(map[string]string{"ref": "", "name": "alice"}, cfg)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if noRef == "R1" || len(noRef) != 16 {
		t.Errorf("hybrid without ref should hash, got %q", noRef)
	}
}

func TestGenerate_Errors(t *testing.T) {
	t.Parallel()

	if _, err := Generate(map[string]string{"a": "1"}, model.IDConfig{Strategy: "bogus"}); err == nil || !strings.Contains(err.Error(), "unknown strategy") {
		t.Errorf("unknown strategy error = %v", err)
	}
	if _, err := Generate(map[string]string{"a": "1"}, model.IDConfig{Strategy: model.IDStrategyHash}); err == nil {
		t.Errorf("hash strategy without fields should error")
	}
}
