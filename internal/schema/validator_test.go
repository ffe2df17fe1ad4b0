package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/Muhumuree/code-executor-MCP/internal/toolerr"
)

const fileToolSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"maxBytes": {"type": "integer", "minimum": 1},
		"options": {
			"type": "object",
			"properties": {"follow": {"type": "boolean"}}
		}
	},
	"required": ["path"]
}`

func TestValidateAccepts(t *testing.T) {
	v := NewValidator()
	args := json.RawMessage(`{"path": "/tmp/a.txt", "maxBytes": 10, "options": {"follow": true}}`)
	if err := v.Validate("fs.read", args, json.RawMessage(fileToolSchema)); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsUnknownProperty(t *testing.T) {
	v := NewValidator()
	args := json.RawMessage(`{"path": "/tmp/a.txt", "extra": 1}`)
	err := v.Validate("fs.read", args, json.RawMessage(fileToolSchema))
	if toolerr.KindOf(err) != toolerr.KindValidationFailed {
		t.Fatalf("kind = %v, want validation-failed (err=%v)", toolerr.KindOf(err), err)
	}
}

func TestValidateRejectsUnknownNestedProperty(t *testing.T) {
	v := NewValidator()
	args := json.RawMessage(`{"path": "/tmp/a.txt", "options": {"follow": true, "depth": 3}}`)
	err := v.Validate("fs.read", args, json.RawMessage(fileToolSchema))
	if toolerr.KindOf(err) != toolerr.KindValidationFailed {
		t.Fatalf("nested unknown property should fail validation, got %v", err)
	}
}

func TestValidateRespectsExplicitAdditionalProperties(t *testing.T) {
	v := NewValidator()
	schema := json.RawMessage(`{"type": "object", "additionalProperties": true}`)
	if err := v.Validate("t.open", json.RawMessage(`{"anything": 1}`), schema); err != nil {
		t.Fatalf("schema opting into additional properties should pass, got %v", err)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	v := NewValidator()
	err := v.Validate("fs.read", json.RawMessage(`{}`), json.RawMessage(fileToolSchema))
	te := toolerr.AsError(err)
	if te == nil || te.Kind != toolerr.KindValidationFailed {
		t.Fatalf("want validation-failed, got %v", err)
	}
	fields, ok := te.Detail["errors"].([]FieldError)
	if !ok || len(fields) == 0 {
		t.Fatalf("want field errors in detail, got %#v", te.Detail)
	}
	found := false
	for _, f := range fields {
		if f.Constraint == "required" {
			found = true
		}
	}
	if !found {
		t.Errorf("no required-constraint field error in %#v", fields)
	}
}

func TestValidateIntegerType(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		name string
		args string
		ok   bool
	}{
		{"whole", `{"path": "p", "maxBytes": 7}`, true},
		{"fractional", `{"path": "p", "maxBytes": 7.5}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate("fs.read", json.RawMessage(tt.args), json.RawMessage(fileToolSchema))
			if tt.ok && err != nil {
				t.Errorf("Validate(%s) = %v, want nil", tt.args, err)
			}
			if !tt.ok && toolerr.KindOf(err) != toolerr.KindValidationFailed {
				t.Errorf("Validate(%s) = %v, want validation-failed", tt.args, err)
			}
		})
	}
}

func TestValidateEmptyArgs(t *testing.T) {
	v := NewValidator()
	schema := json.RawMessage(`{"type": "object", "properties": {"x": {"type": "string"}}}`)
	if err := v.Validate("t.noop", nil, schema); err != nil {
		t.Errorf("nil args against optional-only schema should pass, got %v", err)
	}
}

func TestValidateMissingSchemaFailsClosed(t *testing.T) {
	v := NewValidator()
	err := v.Validate("t.ghost", json.RawMessage(`{}`), nil)
	if toolerr.KindOf(err) != toolerr.KindSchemaUnavailable {
		t.Errorf("missing schema = %v, want schema-unavailable", err)
	}
}

func TestValidateMalformedSchemaFailsClosed(t *testing.T) {
	v := NewValidator()
	err := v.Validate("t.bad", json.RawMessage(`{}`), json.RawMessage(`{"type": `))
	if toolerr.KindOf(err) != toolerr.KindSchemaUnavailable {
		t.Errorf("malformed schema = %v, want schema-unavailable", err)
	}
}

func TestValidateNonJSONArgs(t *testing.T) {
	v := NewValidator()
	err := v.Validate("fs.read", json.RawMessage(`not json`), json.RawMessage(fileToolSchema))
	if toolerr.KindOf(err) != toolerr.KindValidationFailed {
		t.Errorf("malformed args = %v, want validation-failed", err)
	}
}

func TestFieldErrorPaths(t *testing.T) {
	v := NewValidator()
	err := v.Validate("fs.read",
		json.RawMessage(`{"path": 5}`),
		json.RawMessage(fileToolSchema))
	te := toolerr.AsError(err)
	if te == nil {
		t.Fatalf("want *toolerr.Error, got %v", err)
	}
	fields := te.Detail["errors"].([]FieldError)
	found := false
	for _, f := range fields {
		if strings.HasPrefix(f.Path, "/path") && f.Constraint == "type" {
			found = true
		}
	}
	if !found {
		t.Errorf("no type violation at /path in %#v", fields)
	}
}
