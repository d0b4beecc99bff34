// Package schema infers a structural schema from row batches, compares
// inferred schemas against versioned dataset schemas, and publishes new
// immutable schema versions.
package schema

import (
	"strconv"
	"strings"
	"time"

	"geoimport/internal/model"
)

// Date layouts tried during value-kind detection, most specific first.
var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02.01.2006 15:04:05",
	"01/02/2006 15:04:05",
}

var dateLayouts = []string{
	"2006-01-02",
	"02.01.2006",
	"01/02/2006",
	"2006/01/02",
}

// detectKind classifies a single non-empty string value into one of the model
// field types.
func detectKind(s string) string {
	st := strings.TrimSpace(s)
	if st == "" {
		return model.FieldTypeText
	}
	if _, err := strconv.ParseInt(st, 10, 64); err == nil {
		return model.FieldTypeInteger
	}
	if _, err := strconv.ParseFloat(st, 64); err == nil {
		return model.FieldTypeReal
	}
	switch strings.ToLower(st) {
	case "true", "false", "yes", "no":
		return model.FieldTypeBool
	}
	for _, layout := range datetimeLayouts {
		if _, err := time.Parse(layout, st); err == nil {
			return model.FieldTypeDatetime
		}
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, st); err == nil {
			return model.FieldTypeDate
		}
	}
	return model.FieldTypeText
}

// typeRank orders types for widening resolution; a mixed column resolves to
// the widest observed kind within its family, and text when families mix.
var typeRank = map[string]int{
	model.FieldTypeBool:     0,
	model.FieldTypeInteger:  1,
	model.FieldTypeReal:     2,
	model.FieldTypeDate:     1,
	model.FieldTypeDatetime: 2,
	model.FieldTypeText:     3,
}

func family(kind string) string {
	switch kind {
	case model.FieldTypeInteger, model.FieldTypeReal:
		return "numeric"
	case model.FieldTypeDate, model.FieldTypeDatetime:
		return "temporal"
	case model.FieldTypeBool:
		return "bool"
	}
	return "text"
}

// resolveType reduces the observed type votes of a field to one field type.
func resolveType(votes map[string]int64) string {
	if len(votes) == 0 {
		return model.FieldTypeText
	}
	var fam string
	widest := ""
	for kind, n := range votes {
		if n == 0 {
			continue
		}
		if kind == model.FieldTypeText {
			return model.FieldTypeText
		}
		f := family(kind)
		if fam == "" {
			fam = f
		} else if fam != f {
			return model.FieldTypeText
		}
		if widest == "" || typeRank[kind] > typeRank[widest] {
			widest = kind
		}
	}
	if widest == "" {
		return model.FieldTypeText
	}
	return widest
}
