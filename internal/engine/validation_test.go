package engine

import (
	"reflect"
	"testing"
)

func TestValidate_RequiredFields(t *testing.T) {
	v := NewValidationEngine()
	schema := Schema{Required: []string{"name", "email"}}

	result := v.Validate(&schema, Record{"name": "Ada"})

	if result.Status != ValidationInvalid {
		t.Fatalf("Status = %q, want %q", result.Status, ValidationInvalid)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("got %d errors, want 1: %+v", len(result.Errors), result.Errors)
	}
	if result.Errors[0].Field != "email" || result.Errors[0].Code != CodeRequiredField {
		t.Errorf("error = %+v, want field=email code=%s", result.Errors[0], CodeRequiredField)
	}
}

func TestValidate_EmptyStringFailsRequired(t *testing.T) {
	v := NewValidationEngine()
	schema := Schema{Required: []string{"name"}}

	result := v.Validate(&schema, Record{"name": ""})

	if result.Status != ValidationInvalid {
		t.Errorf("Status = %q, want %q", result.Status, ValidationInvalid)
	}
}

func TestValidate_EmailFormat(t *testing.T) {
	v := NewValidationEngine()
	schema := Schema{
		Required: []string{"email"},
		Fields: map[string]FieldRule{
			"email": {Type: TypeString, Format: "email"},
		},
	}

	result := v.Validate(&schema, Record{"email": "bad"})
	if result.Status != ValidationInvalid {
		t.Fatalf("Status = %q, want %q", result.Status, ValidationInvalid)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("got %d errors, want 1: %+v", len(result.Errors), result.Errors)
	}
	if result.Errors[0].Code != CodeInvalidFormat || result.Errors[0].Field != "email" {
		t.Errorf("error = %+v, want field=email code=%s", result.Errors[0], CodeInvalidFormat)
	}

	result = v.Validate(&schema, Record{"email": "a@b.com"})
	if result.Status != ValidationValid {
		t.Errorf("Status = %q, want %q (errors: %+v)", result.Status, ValidationValid, result.Errors)
	}
	if len(result.Errors) != 0 {
		t.Errorf("got %d errors, want 0", len(result.Errors))
	}
}

func TestValidate_FieldRules(t *testing.T) {
	tests := []struct {
		name     string
		rule     FieldRule
		value    any
		wantCode string
	}{
		{
			name:     "wrong type",
			rule:     FieldRule{Type: TypeNumber},
			value:    "ten",
			wantCode: CodeInvalidType,
		},
		{
			name:     "below minimum",
			rule:     FieldRule{Type: TypeNumber, Min: floatPtr(18)},
			value:    12,
			wantCode: CodeOutOfRange,
		},
		{
			name:     "above maximum",
			rule:     FieldRule{Type: TypeNumber, Max: floatPtr(100)},
			value:    150.5,
			wantCode: CodeOutOfRange,
		},
		{
			name:     "enum mismatch",
			rule:     FieldRule{Enum: []string{"active", "inactive"}},
			value:    "deleted",
			wantCode: CodeInvalidEnum,
		},
		{
			name:     "too short",
			rule:     FieldRule{Type: TypeString, MinLen: intPtr(3)},
			value:    "ab",
			wantCode: CodeInvalidLength,
		},
		{
			name:     "too long",
			rule:     FieldRule{Type: TypeString, MaxLen: intPtr(5)},
			value:    "abcdef",
			wantCode: CodeInvalidLength,
		},
		{
			name:     "pattern mismatch",
			rule:     FieldRule{Type: TypeString, Pattern: `^[A-Z]{3}-\d+$`},
			value:    "abc-1",
			wantCode: CodeInvalidFormat,
		},
		{
			name:     "invalid date",
			rule:     FieldRule{Type: TypeDate},
			value:    "not-a-date",
			wantCode: CodeInvalidType,
		},
		{
			name: "custom predicate",
			rule: FieldRule{Check: func(value any, _ Record) string {
				if value == "forbidden" {
					return "value is forbidden"
				}
				return ""
			}},
			value:    "forbidden",
			wantCode: CodeCustomValidation,
		},
	}

	v := NewValidationEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema := Schema{Fields: map[string]FieldRule{"f": tt.rule}}
			result := v.Validate(&schema, Record{"f": tt.value})

			if result.Status != ValidationInvalid {
				t.Fatalf("Status = %q, want %q", result.Status, ValidationInvalid)
			}
			if len(result.Errors) != 1 {
				t.Fatalf("got %d errors, want 1: %+v", len(result.Errors), result.Errors)
			}
			if result.Errors[0].Code != tt.wantCode {
				t.Errorf("code = %q, want %q", result.Errors[0].Code, tt.wantCode)
			}
		})
	}
}

func TestValidate_TypeFailureSkipsLaterRules(t *testing.T) {
	v := NewValidationEngine()
	schema := Schema{Fields: map[string]FieldRule{
		"age": {Type: TypeNumber, Min: floatPtr(0), Max: floatPtr(120)},
	}}

	result := v.Validate(&schema, Record{"age": "old"})

	if len(result.Errors) != 1 {
		t.Fatalf("got %d errors, want 1 (type error only): %+v", len(result.Errors), result.Errors)
	}
	if result.Errors[0].Code != CodeInvalidType {
		t.Errorf("code = %q, want %q", result.Errors[0].Code, CodeInvalidType)
	}
}

func TestValidate_NamedFormats(t *testing.T) {
	tests := []struct {
		format string
		value  string
		valid  bool
	}{
		{"email", "user@example.com", true},
		{"email", "not-an-email", false},
		{"url", "https://example.com/path", true},
		{"url", "://broken", false},
		{"uuid", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", true},
		{"uuid", "6ba7b810", false},
		{"phone", "+4512345678", true},
		{"phone", "12", false},
		{"date", "2025-06-01", true},
		{"date", "06-01-2025x", false},
		{"time", "14:30:00", true},
		{"time", "25:99", false},
		{"datetime", "2025-06-01T14:30:00Z", true},
		{"datetime", "yesterday", false},
	}
	for _, tt := range tests {
		t.Run(tt.format+"/"+tt.value, func(t *testing.T) {
			if got := checkNamedFormat(tt.format, tt.value); got != tt.valid {
				t.Errorf("checkNamedFormat(%q, %q) = %v, want %v", tt.format, tt.value, got, tt.valid)
			}
		})
	}
}

func TestValidate_PanickingPredicateBecomesError(t *testing.T) {
	v := NewValidationEngine()
	schema := Schema{Fields: map[string]FieldRule{
		"f": {Check: func(any, Record) string { panic("boom") }},
	}}

	result := v.Validate(&schema, Record{"f": "x"})

	if result.Status != ValidationInvalid {
		t.Fatalf("Status = %q, want %q", result.Status, ValidationInvalid)
	}
	if result.Errors[0].Code != CodeCustomValidation {
		t.Errorf("code = %q, want %q", result.Errors[0].Code, CodeCustomValidation)
	}
}

func TestValidate_PanickingSchemaCheckBecomesError(t *testing.T) {
	v := NewValidationEngine()
	schema := Schema{CustomValidations: []SchemaCheckFunc{
		func(Record) []Issue { panic("schema check exploded") },
	}}

	result := v.Validate(&schema, Record{})

	if result.Status != ValidationInvalid {
		t.Fatalf("Status = %q, want %q", result.Status, ValidationInvalid)
	}
	if result.Errors[0].Code != CodeCustomValidation {
		t.Errorf("code = %q, want %q", result.Errors[0].Code, CodeCustomValidation)
	}
}

func TestValidate_WarningsOnlyStatus(t *testing.T) {
	v := NewValidationEngine()
	schema := Schema{Fields: map[string]FieldRule{
		"legacy_id": {Warn: []WarnFunc{func(any, Record) string {
			return "legacy_id is deprecated"
		}}},
	}}

	result := v.Validate(&schema, Record{"legacy_id": 7})

	if result.Status != ValidationWarnings {
		t.Fatalf("Status = %q, want %q", result.Status, ValidationWarnings)
	}
	if len(result.Errors) != 0 || len(result.Warnings) != 1 {
		t.Errorf("errors=%d warnings=%d, want 0/1", len(result.Errors), len(result.Warnings))
	}
	if result.Warnings[0].Code != CodeFieldWarning {
		t.Errorf("warning code = %q, want %q", result.Warnings[0].Code, CodeFieldWarning)
	}
}

func TestValidate_SchemaCheckRoutesWarnings(t *testing.T) {
	v := NewValidationEngine()
	schema := Schema{CustomValidations: []SchemaCheckFunc{
		func(r Record) []Issue {
			return []Issue{
				{Field: "a", Code: CodeFieldWarning, Message: "soft issue"},
				{Field: "b", Code: CodeCustomValidation, Message: "hard issue"},
			}
		},
	}}

	result := v.Validate(&schema, Record{})

	if result.Status != ValidationInvalid {
		t.Fatalf("Status = %q, want %q", result.Status, ValidationInvalid)
	}
	if len(result.Errors) != 1 || len(result.Warnings) != 1 {
		t.Errorf("errors=%d warnings=%d, want 1/1", len(result.Errors), len(result.Warnings))
	}
}

func TestValidate_Idempotent(t *testing.T) {
	v := NewValidationEngine()
	schema := Schema{
		Required: []string{"email"},
		Fields: map[string]FieldRule{
			"email": {Format: "email"},
			"age":   {Type: TypeNumber, Min: floatPtr(18)},
		},
	}
	record := Record{"email": "bad", "age": 12}

	first := v.Validate(&schema, record)
	second := v.Validate(&schema, record)

	first.Duration, second.Duration = 0, 0
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated validation differs:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestValidateBatch_PreservesOrder(t *testing.T) {
	v := NewValidationEngine()
	schema := Schema{Required: []string{"id"}}

	results := v.ValidateBatch(&schema, []Record{
		{"id": 1},
		{},
		{"id": 3},
	})

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	want := []ValidationStatus{ValidationValid, ValidationInvalid, ValidationValid}
	for i, res := range results {
		if res.Status != want[i] {
			t.Errorf("results[%d].Status = %q, want %q", i, res.Status, want[i])
		}
	}
}

func TestSchemaFor_Unknown(t *testing.T) {
	v := NewValidationEngine()
	if _, err := v.SchemaFor("missing"); err == nil {
		t.Error("expected error for unknown schema")
	}
}
