// Package transform applies ordered, per-dataset field transforms to a row
// before it is materialized. Each rule is a tagged variant with its own
// validation predicate; the pipeline is total — a failing transform on one
// field is collected, never raised, and the rest of the row proceeds.
package transform

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Kind tags a transform rule variant.
type Kind string

const (
	KindRename    Kind = "rename"
	KindDateParse Kind = "date_parse"
	KindStringOp  Kind = "string_op"
	KindConcat    Kind = "concatenate"
	KindSplit     Kind = "split"
	KindCast      Kind = "type_cast"
)

// RenameSpec moves a value from one field to another.
type RenameSpec struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DateParseSpec parses a date field from InputFormat and re-emits it in
// OutputFormat (RFC 3339 when empty), optionally in a named timezone.
type DateParseSpec struct {
	Field        string `json:"field"`
	InputFormat  string `json:"input_format"`
	OutputFormat string `json:"output_format,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// String operations supported by StringOpSpec.
const (
	OpUpper        = "upper"
	OpLower        = "lower"
	OpTrim         = "trim"
	OpReplace      = "replace"
	OpRegexReplace = "regex_replace"
)

// StringOpSpec applies a case/trim/replace operation to one field.
type StringOpSpec struct {
	Field       string `json:"field"`
	Op          string `json:"op"`
	Pattern     string `json:"pattern,omitempty"`
	Replacement string `json:"replacement,omitempty"`
}

// ConcatSpec joins N source fields with a separator into a target field.
type ConcatSpec struct {
	Fields    []string `json:"fields"`
	Separator string   `json:"separator"`
	Target    string   `json:"target"`
}

// SplitSpec splits one field on a delimiter into N target fields. Extra
// pieces beyond the target list are dropped; missing pieces leave the target
// empty.
type SplitSpec struct {
	Field     string   `json:"field"`
	Delimiter string   `json:"delimiter"`
	Targets   []string `json:"targets"`
}

// Failure resolution strategies for type casts.
const (
	CastOnErrorNull = "null" // default: clear the field
	CastOnErrorKeep = "keep" // keep the original value
	CastOnErrorZero = "zero" // zero value of the target type
)

// CastSpec casts a field to a target type.
type CastSpec struct {
	Field   string `json:"field"`
	Type    string `json:"type"` // integer | real | bool | date | text
	Layout  string `json:"layout,omitempty"`
	OnError string `json:"on_error,omitempty"`
}

// Rule is one configured transform. Exactly one variant matching Kind must be
// set; Validate enforces this.
type Rule struct {
	Kind   Kind `json:"kind"`
	Active bool `json:"active"`

	Rename    *RenameSpec    `json:"rename,omitempty"`
	DateParse *DateParseSpec `json:"date_parse,omitempty"`
	StringOp  *StringOpSpec  `json:"string_op,omitempty"`
	Concat    *ConcatSpec    `json:"concatenate,omitempty"`
	Split     *SplitSpec     `json:"split,omitempty"`
	Cast      *CastSpec      `json:"type_cast,omitempty"`
}

// UnmarshalJSON defaults Active to true when the key is absent, so dataset
// configurations only need to mark the rules they disable.
func (r *Rule) UnmarshalJSON(b []byte) error {
	type alias Rule
	tmp := alias{Active: true}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*r = Rule(tmp)
	return nil
}

// Validate checks that the rule's variant options are present and coherent.
func (r Rule) Validate() error {
	switch r.Kind {
	case KindRename:
		if r.Rename == nil || r.Rename.From == "" || r.Rename.To == "" {
			return fmt.Errorf("rename: from and to are required")
		}
	case KindDateParse:
		if r.DateParse == nil || r.DateParse.Field == "" || r.DateParse.InputFormat == "" {
			return fmt.Errorf("date_parse: field and input_format are required")
		}
		if tz := r.DateParse.Timezone; tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("date_parse: timezone %q: %w", tz, err)
			}
		}
	case KindStringOp:
		if r.StringOp == nil || r.StringOp.Field == "" {
			return fmt.Errorf("string_op: field is required")
		}
		switch r.StringOp.Op {
		case OpUpper, OpLower, OpTrim:
		case OpReplace:
			if r.StringOp.Pattern == "" {
				return fmt.Errorf("string_op: replace requires pattern")
			}
		case OpRegexReplace:
			if _, err := regexp.Compile(r.StringOp.Pattern); err != nil {
				return fmt.Errorf("string_op: pattern: %w", err)
			}
		default:
			return fmt.Errorf("string_op: unknown op %q", r.StringOp.Op)
		}
	case KindConcat:
		if r.Concat == nil || len(r.Concat.Fields) == 0 || r.Concat.Target == "" {
			return fmt.Errorf("concatenate: fields and target are required")
		}
	case KindSplit:
		if r.Split == nil || r.Split.Field == "" || r.Split.Delimiter == "" || len(r.Split.Targets) == 0 {
			return fmt.Errorf("split: field, delimiter and targets are required")
		}
	case KindCast:
		if r.Cast == nil || r.Cast.Field == "" {
			return fmt.Errorf("type_cast: field is required")
		}
		switch r.Cast.Type {
		case "integer", "real", "bool", "date", "text":
		default:
			return fmt.Errorf("type_cast: unknown target type %q", r.Cast.Type)
		}
		switch r.Cast.OnError {
		case "", CastOnErrorNull, CastOnErrorKeep, CastOnErrorZero:
		default:
			return fmt.Errorf("type_cast: unknown on_error %q", r.Cast.OnError)
		}
	default:
		return fmt.Errorf("unknown transform kind %q", r.Kind)
	}
	return nil
}

// DecodeRules decodes a dataset's raw transform configuration and validates
// every rule. A nil or empty configuration yields an empty pipeline.
func DecodeRules(raw json.RawMessage) (Pipeline, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("decode transforms: %w", err)
	}
	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("transform[%d]: %w", i, err)
		}
	}
	return Pipeline(rules), nil
}
