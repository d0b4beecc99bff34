package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"geoimport/internal/model"
)

// snapshotVersion is bumped whenever the serialized builder layout changes so
// a later stage never misreads an old snapshot.
const snapshotVersion = 1

// Defaults for builder limits.
const (
	DefaultSampleLimit   = 10
	DefaultDistinctLimit = 256
	DefaultEnumRatio     = 0.1
)

// FieldStats accumulates per-field statistics across batches. All fields are
// exported so the whole builder state round-trips through JSON.
type FieldStats struct {
	Name        string           `json:"name"`
	Order       int              `json:"order"` // first-seen position
	Occurrences int64            `json:"occurrences"`
	Nulls       int64            `json:"nulls"`
	Types       map[string]int64 `json:"types"`
	Samples     []string         `json:"samples,omitempty"`

	// Distinct tracks value counts up to the builder's distinct limit;
	// DistinctOverflow is set once the population exceeds it, which
	// disqualifies the field from enum candidacy.
	Distinct         map[string]int64 `json:"distinct,omitempty"`
	DistinctOverflow bool             `json:"distinct_overflow,omitempty"`
}

// Builder incrementally infers a schema from row batches. Its state is a
// plain serializable value: Snapshot and Restore allow a later stage to
// reconstruct the exact builder without rescanning the file.
type Builder struct {
	TotalRows int64                  `json:"total_rows"`
	Fields    map[string]*FieldStats `json:"fields"`

	SampleLimit   int     `json:"sample_limit"`
	DistinctLimit int     `json:"distinct_limit"`
	EnumRatio     float64 `json:"enum_ratio"`
}

// NewBuilder returns a Builder with default limits.
func NewBuilder() *Builder {
	return &Builder{
		Fields:        map[string]*FieldStats{},
		SampleLimit:   DefaultSampleLimit,
		DistinctLimit: DefaultDistinctLimit,
		EnumRatio:     DefaultEnumRatio,
	}
}

// ObserveRow feeds one row of raw field values into the builder. Rows flagged
// as duplicates must not be passed in; the caller filters them so duplicate
// noise cannot pollute the statistics.
func (b *Builder) ObserveRow(values map[string]string) {
	b.TotalRows++
	for name, raw := range values {
		fs, ok := b.Fields[name]
		if !ok {
			fs = &FieldStats{
				Name:     name,
				Order:    len(b.Fields),
				Types:    map[string]int64{},
				Distinct: map[string]int64{},
			}
			b.Fields[name] = fs
		}
		v := strings.TrimSpace(raw)
		if v == "" {
			fs.Nulls++
			continue
		}
		fs.Occurrences++
		fs.Types[detectKind(v)]++
		if len(fs.Samples) < b.SampleLimit {
			fs.Samples = append(fs.Samples, v)
		}
		if !fs.DistinctOverflow {
			if _, seen := fs.Distinct[v]; !seen && len(fs.Distinct) >= b.DistinctLimit {
				fs.DistinctOverflow = true
				fs.Distinct = nil
			} else {
				fs.Distinct[v]++
			}
		}
	}
}

// snapshot is the serialized builder envelope.
type snapshot struct {
	Version int     `json:"version"`
	Builder Builder `json:"builder"`
}

// Snapshot serializes the builder state for persistence on the import job.
func (b *Builder) Snapshot() (json.RawMessage, error) {
	raw, err := json.Marshal(snapshot{Version: snapshotVersion, Builder: *b})
	if err != nil {
		return nil, fmt.Errorf("schema snapshot: %w", err)
	}
	return raw, nil
}

// Restore reconstructs a Builder from a snapshot produced by Snapshot.
func Restore(raw json.RawMessage) (*Builder, error) {
	var s snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("schema snapshot: %w", err)
	}
	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("schema snapshot: unsupported version %d", s.Version)
	}
	b := s.Builder
	if b.Fields == nil {
		b.Fields = map[string]*FieldStats{}
	}
	for _, fs := range b.Fields {
		if fs.Types == nil {
			fs.Types = map[string]int64{}
		}
		// omitempty drops an empty Distinct map from the snapshot; rebuild it
		// so the next batch can count into it.
		if fs.Distinct == nil && !fs.DistinctOverflow {
			fs.Distinct = map[string]int64{}
		}
	}
	return &b, nil
}

// Finalize resolves the accumulated statistics into a schema. Enum candidacy
// runs here, not incrementally, because it depends on the complete
// distinct-value population.
func (b *Builder) Finalize() model.Schema {
	ordered := make([]*FieldStats, 0, len(b.Fields))
	for _, fs := range b.Fields {
		ordered = append(ordered, fs)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	fields := make([]model.SchemaField, 0, len(ordered))
	for _, fs := range ordered {
		required := fs.Occurrences == b.TotalRows && fs.Nulls == 0 && b.TotalRows > 0
		f := model.SchemaField{
			Name:        fs.Name,
			Type:        resolveType(fs.Types),
			Required:    required,
			Nullable:    !required,
			Occurrences: fs.Occurrences,
			Distinct:    len(fs.Distinct),
		}
		if b.isEnumCandidate(fs) {
			f.Enum = sortedKeys(fs.Distinct)
			f.Distinct = len(f.Enum)
		}
		fields = append(fields, f)
	}
	return model.Schema{Fields: fields}
}

// isEnumCandidate checks the distinct-value count against the configured
// ratio of total occurrences.
func (b *Builder) isEnumCandidate(fs *FieldStats) bool {
	if fs.DistinctOverflow || fs.Occurrences == 0 || len(fs.Distinct) == 0 {
		return false
	}
	return float64(len(fs.Distinct)) <= b.EnumRatio*float64(fs.Occurrences)
}

func sortedKeys(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
