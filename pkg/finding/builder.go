package finding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// detailSchemas is the canonical, closed schema table from spec.md §3.
// Any errorCode not listed here falls back to the generic "flat map of
// JSON-serializable values" rule (invariant 1 in spec.md §3).
var detailSchemas = map[string]string{
	CodeInvalidEnumValue: `{
		"type": "object",
		"properties": {
			"actual": {"type": ["string", "null"]},
			"allowed": {"type": "array", "items": {"type": "string"}},
			"valueType": {"const": "enum"}
		},
		"required": ["allowed", "valueType"]
	}`,
	CodeInvalidPrimitive: `{
		"type": "object",
		"properties": {
			"actual": {"type": "string"},
			"expectedType": {"type": "string"},
			"reason": {"type": "string"}
		},
		"required": ["actual", "expectedType", "reason"]
	}`,
	CodeArrayExpected: `{
		"type": "object",
		"properties": {
			"expectedType": {"const": "array"},
			"actualType": {"type": "string"}
		},
		"required": ["expectedType", "actualType"]
	}`,
	CodeMandatoryMissing: `{
		"type": "object",
		"properties": {"missingElement": {"type": "string"}},
		"required": ["missingElement"]
	}`,
	CodeUnknownElement: `{
		"type": "object",
		"properties": {
			"unknownElement": {"type": "string"},
			"location": {"type": "string"}
		},
		"required": ["unknownElement"]
	}`,
	CodeFixedValueMismatch: `{
		"type": "object",
		"properties": {"actual": {}, "expected": {}},
		"required": ["actual", "expected"]
	}`,
	CodeValueNotAllowed: `{
		"type": "object",
		"properties": {"actual": {}, "allowed": {"type": "array"}, "valueType": {"type": "string"}},
		"required": ["actual", "allowed"]
	}`,
	CodePatternMismatch: `{
		"type": "object",
		"properties": {"actual": {}, "pattern": {"type": "string"}, "description": {"type": "string"}},
		"required": ["actual", "pattern"]
	}`,
	CodeArrayLength: `{
		"type": "object",
		"properties": {
			"actual": {"type": "integer"},
			"min": {"type": "integer"},
			"max": {"type": "integer"}
		},
		"required": ["actual"]
	}`,
	CodeCodesystemViolation: `{
		"type": "object",
		"properties": {
			"system": {"type": "string"},
			"code": {"type": "string"},
			"allowedCodes": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["system"]
	}`,
	CodeReferenceNotFound: `{
		"type": "object",
		"properties": {
			"reference": {"type": "string"},
			"targetTypes": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["reference"]
	}`,
	CodeRuleConfigurationErr: `{
		"type": "object",
		"properties": {
			"ruleId": {"type": "string"},
			"missingParams": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["ruleId", "missingParams"]
	}`,
}

var (
	compiledOnce   sync.Once
	compiledSchema = map[string]*jsonschema.Schema{}
)

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	for code, raw := range detailSchemas {
		url := "mem://" + code
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
		if err != nil {
			continue
		}
		if err := compiler.AddResource(url, doc); err != nil {
			continue
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			continue
		}
		compiledSchema[code] = sch
	}
}

// ValidateDetails checks a Finding's Details map against the canonical
// schema table for its errorCode (spec.md §3, "runtime-enforced"). Codes
// outside the closed catalog are only required to be a flat,
// JSON-serializable map — that weaker invariant is checked by encode-ability
// alone.
func ValidateDetails(errorCode string, details map[string]interface{}) error {
	compiledOnce.Do(compileSchemas)

	if details == nil {
		details = map[string]interface{}{}
	}
	if sch, ok := compiledSchema[errorCode]; ok {
		// jsonschema validates against native Go values (map[string]interface{})
		// directly once round-tripped through JSON to normalize number types.
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("details for %s are not JSON-serializable: %w", errorCode, err)
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if err := sch.Validate(v); err != nil {
			return fmt.Errorf("details for %s violate schema: %w", errorCode, err)
		}
		return nil
	}

	// Generic codes: must be a flat map (no nested object/array values).
	for k, val := range details {
		switch val.(type) {
		case map[string]interface{}, []interface{}:
			return fmt.Errorf("details[%q] for code %s must be flat (no nested structures)", k, errorCode)
		}
	}
	return nil
}

// Builder is the single route by which every phase's native error type
// becomes a Finding (spec.md §9, "a single Finding sum ... a runtime schema
// validator at the builder boundary; all emitters route through the
// builder"). Builder is safe to share across phases within one request; it
// holds no mutable state beyond an emission counter.
type Builder struct {
	mu  sync.Mutex
	seq int
}

// NewBuilder creates a Builder for a single validation request.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build validates f.Details against the schema table, stamps Seq, and
// returns the finalized Finding. A schema violation is itself converted
// into a PIPELINE_ERROR finding rather than propagated as a Go error — the
// builder boundary must never panic or abort the phase that called it.
func (b *Builder) Build(f Finding) Finding {
	b.mu.Lock()
	f.Seq = b.seq
	b.seq++
	b.mu.Unlock()

	if f.Details == nil {
		f.Details = map[string]interface{}{}
	}
	if err := ValidateDetails(f.ErrorCode, f.Details); err != nil {
		return Finding{
			Source:    f.Source,
			Severity:  SeverityError,
			ErrorCode: CodePipelineError,
			Pointer:   f.Pointer,
			Path:      f.Path,
			Details: map[string]interface{}{
				"originalErrorCode": f.ErrorCode,
				"reason":            err.Error(),
			},
			Seq: f.Seq,
		}
	}
	return f
}
