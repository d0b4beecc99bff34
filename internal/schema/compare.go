package schema

import (
	"fmt"

	"geoimport/internal/model"
)

// HighRenameConfidence is the threshold above which a rename suggestion
// forces manual approval in additive mode.
const HighRenameConfidence = 0.8

// FieldChange records a type change between two schema versions.
type FieldChange struct {
	Name    string `json:"name"`
	OldType string `json:"old_type"`
	NewType string `json:"new_type"`
}

// RenameSuggestion is a heuristically detected field rename: a field
// disappeared while a similarly-typed field appeared.
type RenameSuggestion struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Confidence float64 `json:"confidence"`
}

// Diff is the classified difference between two schemas. Added fields are
// always treated as optional additions (existing events cannot satisfy a new
// requirement); breaking changes are type changes and removed required
// fields.
type Diff struct {
	Added           []model.SchemaField `json:"added,omitempty"`
	RemovedOptional []string            `json:"removed_optional,omitempty"`
	RemovedRequired []string            `json:"removed_required,omitempty"`
	TypeChanged     []FieldChange       `json:"type_changed,omitempty"`
	Renames         []RenameSuggestion  `json:"renames,omitempty"`
}

// Empty reports whether the diff contains no changes at all.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.RemovedOptional) == 0 &&
		len(d.RemovedRequired) == 0 && len(d.TypeChanged) == 0
}

// IsBreaking reports whether the diff contains a breaking change.
func (d Diff) IsBreaking() bool {
	return len(d.TypeChanged) > 0 || len(d.RemovedRequired) > 0
}

// HighConfidenceRename reports whether any rename suggestion meets the
// high-confidence threshold.
func (d Diff) HighConfidenceRename() bool {
	for _, r := range d.Renames {
		if r.Confidence >= HighRenameConfidence {
			return true
		}
	}
	return false
}

// Summary renders a short human-readable description of the diff.
func (d Diff) Summary() string {
	return fmt.Sprintf("added=%d removed=%d type_changed=%d renames=%d breaking=%v",
		len(d.Added), len(d.RemovedOptional)+len(d.RemovedRequired),
		len(d.TypeChanged), len(d.Renames), d.IsBreaking())
}

// Compare diffs candidate against the previous schema. It is pure: no side
// effects, deterministic output, so it is testable independently of the
// versioning service. Comparing a schema to itself yields an empty,
// non-breaking diff.
func Compare(previous, candidate model.Schema) Diff {
	var d Diff

	prev := make(map[string]model.SchemaField, len(previous.Fields))
	for _, f := range previous.Fields {
		prev[f.Name] = f
	}
	cand := make(map[string]model.SchemaField, len(candidate.Fields))
	for _, f := range candidate.Fields {
		cand[f.Name] = f
	}

	for _, f := range candidate.Fields {
		old, ok := prev[f.Name]
		if !ok {
			d.Added = append(d.Added, f)
			continue
		}
		if old.Type != f.Type {
			d.TypeChanged = append(d.TypeChanged, FieldChange{
				Name: f.Name, OldType: old.Type, NewType: f.Type,
			})
		}
	}

	var removed []model.SchemaField
	for _, f := range previous.Fields {
		if _, ok := cand[f.Name]; ok {
			continue
		}
		removed = append(removed, f)
		if f.Required {
			d.RemovedRequired = append(d.RemovedRequired, f.Name)
		} else {
			d.RemovedOptional = append(d.RemovedOptional, f.Name)
		}
	}

	// Rename heuristic: pair each removed field with the best same-typed
	// added field by name similarity.
	for _, gone := range removed {
		best := RenameSuggestion{}
		for _, added := range d.Added {
			if added.Type != gone.Type {
				continue
			}
			conf := renameConfidence(gone, added)
			if conf > best.Confidence {
				best = RenameSuggestion{From: gone.Name, To: added.Name, Confidence: conf}
			}
		}
		if best.Confidence > 0 {
			d.Renames = append(d.Renames, best)
		}
	}

	return d
}

// renameConfidence scores a candidate rename pair: same type is the baseline,
// matching requiredness and name similarity raise it.
func renameConfidence(from, to model.SchemaField) float64 {
	conf := 0.5
	if from.Required == to.Required {
		conf += 0.1
	}
	conf += 0.4 * nameSimilarity(from.Name, to.Name)
	if conf > 1 {
		conf = 1
	}
	return conf
}

// nameSimilarity is a cheap normalized common prefix/suffix measure in
// [0,1]; enough to distinguish "event_date" → "eventdate" from unrelated
// field pairs without a full edit-distance dependency.
func nameSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	p := 0
	for p < len(a) && p < len(b) && a[p] == b[p] {
		p++
	}
	s := 0
	for s < len(a)-p && s < len(b)-p && a[len(a)-1-s] == b[len(b)-1-s] {
		s++
	}
	return float64(2*(p+s)) / float64(len(a)+len(b))
}
