package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FieldError is one non-fatal transform failure attached to a row's
// validation state.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Pipeline is an ordered list of rules. Later rules may depend on fields
// produced by earlier ones, so Apply runs them strictly in declaration order.
type Pipeline []Rule

// Apply runs every active rule against row, mutating it in place. It returns
// the log of applied transforms and the collected failures; it never aborts
// the row.
func (p Pipeline) Apply(row map[string]any) (applied []string, errs []FieldError) {
	for _, r := range p {
		if !r.Active {
			continue
		}
		if err := r.apply(row); err != nil {
			errs = append(errs, FieldError{Field: r.targetField(), Message: err.Error()})
			continue
		}
		applied = append(applied, string(r.Kind)+":"+r.targetField())
	}
	return applied, errs
}

func (r Rule) targetField() string {
	switch r.Kind {
	case KindRename:
		return r.Rename.To
	case KindDateParse:
		return r.DateParse.Field
	case KindStringOp:
		return r.StringOp.Field
	case KindConcat:
		return r.Concat.Target
	case KindSplit:
		return r.Split.Field
	case KindCast:
		return r.Cast.Field
	}
	return ""
}

func (r Rule) apply(row map[string]any) error {
	switch r.Kind {
	case KindRename:
		v, ok := row[r.Rename.From]
		if !ok {
			return fmt.Errorf("field %q not present", r.Rename.From)
		}
		delete(row, r.Rename.From)
		row[r.Rename.To] = v
		return nil

	case KindDateParse:
		s, err := stringValue(row, r.DateParse.Field)
		if err != nil {
			return err
		}
		loc := time.UTC
		if r.DateParse.Timezone != "" {
			loc, err = time.LoadLocation(r.DateParse.Timezone)
			if err != nil {
				return fmt.Errorf("timezone %q: %w", r.DateParse.Timezone, err)
			}
		}
		t, err := time.ParseInLocation(r.DateParse.InputFormat, s, loc)
		if err != nil {
			return fmt.Errorf("parse %q with layout %q: %w", s, r.DateParse.InputFormat, err)
		}
		out := r.DateParse.OutputFormat
		if out == "" {
			out = time.RFC3339
		}
		row[r.DateParse.Field] = t.Format(out)
		return nil

	case KindStringOp:
		s, err := stringValue(row, r.StringOp.Field)
		if err != nil {
			return err
		}
		switch r.StringOp.Op {
		case OpUpper:
			row[r.StringOp.Field] = strings.ToUpper(s)
		case OpLower:
			row[r.StringOp.Field] = strings.ToLower(s)
		case OpTrim:
			row[r.StringOp.Field] = strings.TrimSpace(s)
		case OpReplace:
			row[r.StringOp.Field] = strings.ReplaceAll(s, r.StringOp.Pattern, r.StringOp.Replacement)
		case OpRegexReplace:
			re, err := regexp.Compile(r.StringOp.Pattern)
			if err != nil {
				return fmt.Errorf("pattern: %w", err)
			}
			row[r.StringOp.Field] = re.ReplaceAllString(s, r.StringOp.Replacement)
		}
		return nil

	case KindConcat:
		parts := make([]string, 0, len(r.Concat.Fields))
		for _, f := range r.Concat.Fields {
			v := row[f]
			if v == nil {
				parts = append(parts, "")
				continue
			}
			parts = append(parts, fmt.Sprint(v))
		}
		row[r.Concat.Target] = strings.Join(parts, r.Concat.Separator)
		return nil

	case KindSplit:
		s, err := stringValue(row, r.Split.Field)
		if err != nil {
			return err
		}
		pieces := strings.Split(s, r.Split.Delimiter)
		for i, target := range r.Split.Targets {
			if i < len(pieces) {
				row[target] = strings.TrimSpace(pieces[i])
			} else {
				row[target] = ""
			}
		}
		return nil

	case KindCast:
		return r.applyCast(row)
	}
	return fmt.Errorf("unknown transform kind %q", r.Kind)
}

func (r Rule) applyCast(row map[string]any) error {
	spec := r.Cast
	v, ok := row[spec.Field]
	if !ok || v == nil {
		return fmt.Errorf("field %q not present", spec.Field)
	}
	s := fmt.Sprint(v)

	casted, err := castValue(s, spec.Type, spec.Layout)
	if err == nil {
		row[spec.Field] = casted
		return nil
	}

	switch spec.OnError {
	case CastOnErrorKeep:
		return nil
	case CastOnErrorZero:
		row[spec.Field] = zeroOf(spec.Type)
		return nil
	default: // null
		row[spec.Field] = nil
	}
	return fmt.Errorf("cast %q to %s: %v", s, spec.Type, err)
}

func castValue(s, typ, layout string) (any, error) {
	switch typ {
	case "integer":
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	case "real":
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	case "bool":
		return strconv.ParseBool(strings.TrimSpace(s))
	case "date":
		if layout == "" {
			layout = time.RFC3339
		}
		return time.Parse(layout, strings.TrimSpace(s))
	case "text":
		return s, nil
	}
	return nil, fmt.Errorf("unknown type %q", typ)
}

func zeroOf(typ string) any {
	switch typ {
	case "integer":
		return int64(0)
	case "real":
		return float64(0)
	case "bool":
		return false
	case "date":
		return time.Time{}
	}
	return ""
}

func stringValue(row map[string]any, field string) (string, error) {
	v, ok := row[field]
	if !ok || v == nil {
		return "", fmt.Errorf("field %q not present", field)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}
