package model

// Field types inferred by the progressive schema builder. The set mirrors the
// storage-level kinds used elsewhere: widening goes
// bool -> integer -> real -> text, and date -> datetime -> text.
const (
	FieldTypeText     = "text"
	FieldTypeInteger  = "integer"
	FieldTypeReal     = "real"
	FieldTypeBool     = "bool"
	FieldTypeDate     = "date"
	FieldTypeDatetime = "datetime"
)

// SchemaField describes one inferred field of a dataset schema.
type SchemaField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"` // present and non-empty in every observed row
	Nullable bool   `json:"nullable"`

	// Enum lists the candidate values when the field's distinct-value count
	// stayed under the configured threshold. Nil when not an enum candidate.
	Enum []string `json:"enum,omitempty"`

	// Occurrences and Distinct carry the builder's field statistics into the
	// persisted schema version for provenance.
	Occurrences int64 `json:"occurrences,omitempty"`
	Distinct    int   `json:"distinct,omitempty"`
}

// Schema is an inferred or versioned field schema. Field order follows first
// observation order in the source file.
type Schema struct {
	Fields []SchemaField `json:"fields"`
}

// Field returns the named field and whether it exists.
func (s *Schema) Field(name string) (SchemaField, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return SchemaField{}, false
}

// FieldNames returns the field names in schema order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}
