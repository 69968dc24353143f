package engine

// validation.go evaluates records against declarative schemas.
//
// Field rules are applied in a fixed order: required-field presence, type,
// format, range, enum, length, custom predicate, warning predicates.
// Schema-level custom validations run last and may attribute issues to any
// field path. Validation is a pure function of (schema, record): the record
// is never mutated and re-validating an unchanged record yields an identical
// result.

import (
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"
)

// Issue codes attached to validation errors and warnings.
const (
	CodeRequiredField    = "REQUIRED_FIELD"
	CodeInvalidType      = "INVALID_TYPE"
	CodeInvalidFormat    = "INVALID_FORMAT"
	CodeOutOfRange       = "OUT_OF_RANGE"
	CodeInvalidEnum      = "INVALID_ENUM"
	CodeInvalidLength    = "INVALID_LENGTH"
	CodeCustomValidation = "CUSTOM_VALIDATION_ERROR"
	CodeFieldWarning     = "FIELD_WARNING"
)

// ValidationStatus summarizes a ValidationResult. Precedence: any error
// makes the result invalid; otherwise any warning makes it warnings;
// otherwise valid.
type ValidationStatus string

const (
	ValidationValid    ValidationStatus = "valid"
	ValidationInvalid  ValidationStatus = "invalid"
	ValidationWarnings ValidationStatus = "warnings"
)

// Issue is a single validation error or warning for a field.
type Issue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidationResult contains the outcome of validating one record.
type ValidationResult struct {
	Status   ValidationStatus `json:"status"`
	Errors   []Issue          `json:"errors,omitempty"`
	Warnings []Issue          `json:"warnings,omitempty"`
	Duration time.Duration    `json:"durationMs"`
}

// ValidationEngine owns the registered schemas and evaluates records
// against them.
type ValidationEngine struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewValidationEngine creates an empty validation engine.
func NewValidationEngine() *ValidationEngine {
	return &ValidationEngine{schemas: make(map[string]*Schema)}
}

// RegisterSchema adds or replaces a schema under the given id.
func (v *ValidationEngine) RegisterSchema(id string, schema Schema) {
	schema.ID = id
	v.mu.Lock()
	v.schemas[id] = &schema
	v.mu.Unlock()
}

// SchemaFor returns the schema registered under id.
func (v *ValidationEngine) SchemaFor(id string) (*Schema, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.schemas[id]
	if !ok {
		return nil, fmt.Errorf("schema %q: %w", id, ErrSchemaNotFound)
	}
	return s, nil
}

// SchemaIDs returns the ids of all registered schemas.
func (v *ValidationEngine) SchemaIDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.schemas))
	for id := range v.schemas {
		ids = append(ids, id)
	}
	return ids
}

// Validate evaluates a single record against the schema.
func (v *ValidationEngine) Validate(schema *Schema, record Record) ValidationResult {
	start := time.Now()
	result := ValidationResult{}

	for _, name := range schema.Required {
		value, present := record[name]
		if !present || value == nil || value == "" {
			result.Errors = append(result.Errors, Issue{
				Field:   name,
				Code:    CodeRequiredField,
				Message: "required field is missing or empty",
			})
		}
	}

	for name, rule := range schema.Fields {
		value, present := record[name]
		if !present || value == nil {
			continue
		}
		errs, warns := evaluateFieldRule(name, value, rule, record)
		result.Errors = append(result.Errors, errs...)
		result.Warnings = append(result.Warnings, warns...)
	}

	for _, check := range schema.CustomValidations {
		issues := runSchemaCheck(check, record)
		for _, issue := range issues {
			if issue.Code == CodeFieldWarning {
				result.Warnings = append(result.Warnings, issue)
			} else {
				result.Errors = append(result.Errors, issue)
			}
		}
	}

	switch {
	case len(result.Errors) > 0:
		result.Status = ValidationInvalid
	case len(result.Warnings) > 0:
		result.Status = ValidationWarnings
	default:
		result.Status = ValidationValid
	}
	result.Duration = time.Since(start)
	return result
}

// ValidateBatch validates each record in order, one result per input.
func (v *ValidationEngine) ValidateBatch(schema *Schema, records []Record) []ValidationResult {
	results := make([]ValidationResult, len(records))
	for i, rec := range records {
		results[i] = v.Validate(schema, rec)
	}
	return results
}

// evaluateFieldRule applies one field's rule members in contract order.
// Later members are skipped once an earlier one fails, so a value reported
// as the wrong type is not also reported as out of range.
func evaluateFieldRule(name string, value any, rule FieldRule, record Record) (errs, warns []Issue) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("field validator panicked", "field", name, "panic", fmt.Sprint(r))
			errs = append(errs, Issue{
				Field:   name,
				Code:    CodeCustomValidation,
				Message: fmt.Sprintf("validator failed: %v", r),
				Value:   value,
			})
		}
	}()

	if rule.Type != "" {
		if msg := checkType(value, rule.Type); msg != "" {
			return append(errs, Issue{Field: name, Code: CodeInvalidType, Message: msg, Value: value}), nil
		}
	}

	if rule.Format != "" || rule.Pattern != "" {
		if msg := checkFormatRule(value, rule); msg != "" {
			return append(errs, Issue{Field: name, Code: CodeInvalidFormat, Message: msg, Value: value}), nil
		}
	}

	if rule.Min != nil || rule.Max != nil {
		if msg := checkRange(value, rule); msg != "" {
			return append(errs, Issue{Field: name, Code: CodeOutOfRange, Message: msg, Value: value}), nil
		}
	}

	if len(rule.Enum) > 0 {
		if msg := checkEnum(value, rule.Enum); msg != "" {
			return append(errs, Issue{Field: name, Code: CodeInvalidEnum, Message: msg, Value: value}), nil
		}
	}

	if rule.MinLen != nil || rule.MaxLen != nil {
		if msg := checkLength(value, rule); msg != "" {
			return append(errs, Issue{Field: name, Code: CodeInvalidLength, Message: msg, Value: value}), nil
		}
	}

	if rule.Check != nil {
		if msg := rule.Check(value, record); msg != "" {
			return append(errs, Issue{Field: name, Code: CodeCustomValidation, Message: msg, Value: value}), nil
		}
	}

	for _, warn := range rule.Warn {
		if msg := warn(value, record); msg != "" {
			warns = append(warns, Issue{Field: name, Code: CodeFieldWarning, Message: msg, Value: value})
		}
	}
	return errs, warns
}

// runSchemaCheck runs a schema-level validation, converting a panic into a
// single custom-validation error instead of crashing the pipeline.
func runSchemaCheck(check SchemaCheckFunc, record Record) (issues []Issue) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("schema validator panicked", "panic", fmt.Sprint(r))
			issues = []Issue{{
				Code:    CodeCustomValidation,
				Message: fmt.Sprintf("validator failed: %v", r),
			}}
		}
	}()
	return check(record)
}

func checkType(value any, ft FieldType) string {
	switch ft {
	case TypeString:
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("expected string, got %T", value)
		}
	case TypeNumber:
		if _, ok := asFloat(value); !ok {
			return fmt.Sprintf("expected number, got %T", value)
		}
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("expected bool, got %T", value)
		}
	case TypeDate:
		switch val := value.(type) {
		case time.Time:
		case string:
			if parseDate(val) == nil {
				return fmt.Sprintf("invalid date %q (use YYYY-MM-DD or RFC 3339)", val)
			}
		default:
			return fmt.Sprintf("expected date, got %T", value)
		}
	}
	return ""
}

func checkFormatRule(value any, rule FieldRule) string {
	str, ok := value.(string)
	if !ok {
		return fmt.Sprintf("format checks require a string value, got %T", value)
	}
	if rule.Format != "" {
		if !checkNamedFormat(rule.Format, str) {
			return fmt.Sprintf("value does not match format %q", rule.Format)
		}
		return ""
	}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return fmt.Sprintf("invalid pattern %q: %v", rule.Pattern, err)
	}
	if !re.MatchString(str) {
		return fmt.Sprintf("value does not match pattern %q", rule.Pattern)
	}
	return ""
}

func checkRange(value any, rule FieldRule) string {
	var n float64
	switch val := value.(type) {
	case time.Time:
		n = float64(val.Unix())
	case string:
		t := parseDate(val)
		if t == nil {
			return fmt.Sprintf("range checks require a numeric or date value, got %q", val)
		}
		n = float64(t.Unix())
	default:
		f, ok := asFloat(value)
		if !ok {
			return fmt.Sprintf("range checks require a numeric or date value, got %T", value)
		}
		n = f
	}
	if rule.Min != nil && n < *rule.Min {
		return fmt.Sprintf("value %v is below minimum %v", value, *rule.Min)
	}
	if rule.Max != nil && n > *rule.Max {
		return fmt.Sprintf("value %v is above maximum %v", value, *rule.Max)
	}
	return ""
}

func checkEnum(value any, allowed []string) string {
	str := fmt.Sprint(value)
	for _, v := range allowed {
		if v == str {
			return ""
		}
	}
	return fmt.Sprintf("value %q is not one of the allowed values", str)
}

func checkLength(value any, rule FieldRule) string {
	str, ok := value.(string)
	if !ok {
		return fmt.Sprintf("length checks require a string value, got %T", value)
	}
	n := len([]rune(str))
	if rule.MinLen != nil && n < *rule.MinLen {
		return fmt.Sprintf("length %d is below minimum %d", n, *rule.MinLen)
	}
	if rule.MaxLen != nil && n > *rule.MaxLen {
		return fmt.Sprintf("length %d is above maximum %d", n, *rule.MaxLen)
	}
	return ""
}

// asFloat widens any numeric type to float64.
func asFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
