package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Muhumuree/code-executor-MCP/internal/toolerr"
)

// FieldError describes one violated constraint, addressed by JSON pointer
// into the argument object.
type FieldError struct {
	Path       string `json:"path"`
	Constraint string `json:"constraint"`
	Message    string `json:"message"`
}

// Validator validates tool arguments against tool input schemas. Unknown
// object properties are rejected even when the downstream schema is silent
// about them: every object subschema that does not state its own
// additionalProperties gets additionalProperties:false injected before
// compilation. Compiled schemas are memoized by content hash.
type Validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewValidator creates an empty validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*jsonschema.Schema)}
}

// Validate checks args against the tool's input schema. A nil or empty args
// document is treated as the empty object. A missing or malformed schema
// fails closed with a schema-unavailable error; violations return a
// validation-failed error carrying the field errors in its detail.
func (v *Validator) Validate(tool string, args json.RawMessage, rawSchema json.RawMessage) error {
	if len(bytes.TrimSpace(rawSchema)) == 0 {
		return toolerr.Newf(toolerr.KindSchemaUnavailable, "no input schema available for tool %q", tool)
	}

	compiled, err := v.compile(rawSchema)
	if err != nil {
		return toolerr.Wrap(toolerr.KindSchemaUnavailable,
			fmt.Sprintf("input schema for tool %q does not compile", tool), err)
	}

	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	// UseNumber keeps integers as integers so integer-typed schemas can tell
	// 1 from 1.5.
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return toolerr.New(toolerr.KindValidationFailed, "arguments are not valid JSON").
			With("errors", []FieldError{{Path: "", Constraint: "json", Message: err.Error()}})
	}

	if err := compiled.Validate(doc); err != nil {
		fields := fieldErrors(err)
		return toolerr.Newf(toolerr.KindValidationFailed, "arguments for tool %q failed validation", tool).
			With("errors", fields)
	}
	return nil
}

func (v *Validator) compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.compiled[key]; ok {
		return s, nil
	}

	strict, err := strictify(raw)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("tool://input-schema.json", bytes.NewReader(strict)); err != nil {
		return nil, err
	}
	s, err := compiler.Compile("tool://input-schema.json")
	if err != nil {
		return nil, err
	}
	v.compiled[key] = s
	return s, nil
}

// strictify re-serializes the schema with additionalProperties:false injected
// into every object subschema that leaves it unset.
func strictify(raw json.RawMessage) (json.RawMessage, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	strictifyNode(doc)
	return json.Marshal(doc)
}

func strictifyNode(node any) {
	switch n := node.(type) {
	case map[string]any:
		strictifySchema(n)
	case []any:
		for _, item := range n {
			strictifyNode(item)
		}
	}
}

func strictifySchema(m map[string]any) {
	if isObjectSchema(m) {
		if _, set := m["additionalProperties"]; !set {
			m["additionalProperties"] = false
		}
	}

	// Keywords whose value is a map of name -> subschema.
	for _, kw := range []string{"properties", "patternProperties", "$defs", "definitions", "dependentSchemas"} {
		if sub, ok := m[kw].(map[string]any); ok {
			for _, s := range sub {
				strictifyNode(s)
			}
		}
	}
	// Keywords whose value is a subschema or a list of subschemas.
	for _, kw := range []string{
		"items", "prefixItems", "additionalProperties", "contains",
		"propertyNames", "allOf", "anyOf", "oneOf", "not",
		"if", "then", "else", "unevaluatedProperties", "unevaluatedItems",
	} {
		if sub, ok := m[kw]; ok {
			strictifyNode(sub)
		}
	}
}

func isObjectSchema(m map[string]any) bool {
	if _, ok := m["properties"]; ok {
		return true
	}
	switch t := m["type"].(type) {
	case string:
		return t == "object"
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s == "object" {
				return true
			}
		}
	}
	return false
}

// fieldErrors flattens a validation error tree into its leaf violations.
func fieldErrors(err error) []FieldError {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []FieldError{{Path: "", Constraint: "schema", Message: err.Error()}}
	}
	var out []FieldError
	collectLeaves(ve, &out)
	if len(out) == 0 {
		out = append(out, FieldError{
			Path:       ve.InstanceLocation,
			Constraint: constraintOf(ve.KeywordLocation),
			Message:    ve.Message,
		})
	}
	return out
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]FieldError) {
	if len(ve.Causes) == 0 {
		*out = append(*out, FieldError{
			Path:       ve.InstanceLocation,
			Constraint: constraintOf(ve.KeywordLocation),
			Message:    ve.Message,
		})
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}

func constraintOf(keywordLocation string) string {
	parts := strings.Split(keywordLocation, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		switch p {
		case "", "properties", "items", "prefixItems", "$defs", "definitions":
			continue
		}
		return p
	}
	return "schema"
}
