package engine

// schema.go defines the declarative validation contract a payload record is
// checked against. A Schema combines required-field presence, per-field rules
// (type, format, range, enum, length, custom predicates) and schema-level
// cross-field validations.
//
// Rules follow the optional-fields pattern: a FieldRule only enforces the
// members that are set. Custom predicates carry a typed signature and are
// sandboxed by the validation engine, so a misbehaving predicate can never
// crash the pipeline.

import (
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// FieldType is the expected data type for a field value.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeDate   FieldType = "date"
)

// CheckFunc is a custom per-field predicate. It receives the field value and
// the whole record for cross-field context, and returns a non-empty message
// when the value is invalid.
type CheckFunc func(value any, record Record) string

// WarnFunc is a per-field warning predicate (deprecation notices and the
// like). A non-empty return is recorded as a warning, never an error.
type WarnFunc func(value any, record Record) string

// SchemaCheckFunc is a schema-level validation run after all field rules.
// Returned issues may be attributed to any field path.
type SchemaCheckFunc func(record Record) []Issue

// FieldRule defines validation rules for a single field. All members are
// optional; unset members are not enforced.
type FieldRule struct {
	Type FieldType // Expected value type

	// Format names a built-in pattern (email, url, phone, uuid, date, time,
	// datetime). Pattern supplies an arbitrary regular expression instead.
	Format  string
	Pattern string

	// Min/Max bound numeric values, or the parsed time for TypeDate fields
	// (as Unix seconds).
	Min *float64
	Max *float64

	// Enum lists the allowed values, compared as strings.
	Enum []string

	// MinLen/MaxLen bound string length.
	MinLen *int
	MaxLen *int

	Check CheckFunc  // Custom predicate
	Warn  []WarnFunc // Warning predicates
}

// Schema is a declarative validation contract for one record shape.
type Schema struct {
	ID       string
	Required []string
	Fields   map[string]FieldRule

	// CustomValidations run over the whole record after all field rules.
	CustomValidations []SchemaCheckFunc
}

// expectedFieldCount is the denominator of the quality-score heuristic.
func (s *Schema) expectedFieldCount() int {
	if n := len(s.Fields); n > 0 {
		return n
	}
	if n := len(s.Required); n > 0 {
		return n
	}
	return 1
}

// formatChecker validates named formats. The email/url/uuid/phone checks
// delegate to go-playground/validator; the date/time shapes are parsed
// directly since their accepted layouts are part of the engine contract.
var formatChecker = validator.New()

var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9\-\s().]{6,19}$`)

// dateLayouts are the layouts accepted by the "date" named format.
var dateLayouts = []string{"2006-01-02", "2006/01/02", "01/02/2006"}

// checkNamedFormat reports whether value matches the named format.
// Unknown format names match nothing.
func checkNamedFormat(name, value string) bool {
	switch name {
	case "email":
		return formatChecker.Var(value, "email") == nil
	case "url":
		return formatChecker.Var(value, "url") == nil
	case "uuid":
		return formatChecker.Var(value, "uuid") == nil
	case "phone":
		if formatChecker.Var(value, "e164") == nil {
			return true
		}
		return phonePattern.MatchString(value)
	case "date":
		return parseDate(value) != nil
	case "time":
		for _, layout := range []string{"15:04:05", "15:04"} {
			if _, err := time.Parse(layout, value); err == nil {
				return true
			}
		}
		return false
	case "datetime":
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
			if _, err := time.Parse(layout, value); err == nil {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// parseDate parses value against the accepted date layouts, preferring
// RFC3339 for values that carry a time component.
func parseDate(value string) *time.Time {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return &t
		}
	}
	return nil
}
