package pipeline_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clinval/clinval/pkg/finding"
	"github.com/clinval/clinval/pkg/pipeline"
	"github.com/clinval/clinval/pkg/reference"
	"github.com/clinval/clinval/pkg/schemaindex"
	"github.com/clinval/clinval/pkg/terminology"
)

const patientSD = `{
	"resourceType": "StructureDefinition",
	"url": "http://hl7.org/fhir/StructureDefinition/Patient",
	"name": "Patient",
	"type": "Patient",
	"kind": "resource",
	"snapshot": {
		"element": [
			{"id": "Patient", "path": "Patient", "min": 0, "max": "1"},
			{"id": "gender", "path": "gender", "min": 0, "max": "1", "type": [{"code": "code"}],
				"binding": {"strength": "required", "valueSet": "http://hl7.org/fhir/ValueSet/administrative-gender"}},
			{"id": "birthDate", "path": "birthDate", "min": 0, "max": "1", "type": [{"code": "date"}]},
			{"id": "contact", "path": "contact", "min": 0, "max": "*", "type": [{"code": "BackboneElement"}]}
		]
	}
}`

const observationSD = `{
	"resourceType": "StructureDefinition",
	"url": "http://hl7.org/fhir/StructureDefinition/Observation",
	"name": "Observation",
	"type": "Observation",
	"kind": "resource",
	"snapshot": {
		"element": [
			{"id": "Observation", "path": "Observation", "min": 0, "max": "1"},
			{"id": "Observation.status", "path": "Observation.status", "min": 1, "max": "1", "type": [{"code": "code"}]},
			{"id": "Observation.subject", "path": "Observation.subject", "min": 0, "max": "1", "type": [{"code": "Reference"}]}
		]
	}
}`

const encounterSD = `{
	"resourceType": "StructureDefinition",
	"url": "http://hl7.org/fhir/StructureDefinition/Encounter",
	"name": "Encounter",
	"type": "Encounter",
	"kind": "resource",
	"snapshot": {
		"element": [
			{"id": "Encounter", "path": "Encounter", "min": 0, "max": "1"},
			{"id": "Encounter.status", "path": "Encounter.status", "min": 1, "max": "1", "type": [{"code": "code"}]}
		]
	}
}`

const administrativeGenderValueSet = `{
	"resourceType": "Bundle",
	"entry": [
		{"resource": {
			"resourceType": "ValueSet",
			"url": "http://hl7.org/fhir/ValueSet/administrative-gender",
			"expansion": {"contains": [
				{"system": "http://hl7.org/fhir/administrative-gender", "code": "male"},
				{"system": "http://hl7.org/fhir/administrative-gender", "code": "female"},
				{"system": "http://hl7.org/fhir/administrative-gender", "code": "other"},
				{"system": "http://hl7.org/fhir/administrative-gender", "code": "unknown"}
			]}
		}}
	]
}`

func buildIndex(t *testing.T) *schemaindex.Index {
	t.Helper()
	idx := schemaindex.NewIndex(schemaindex.VersionR4)
	for _, sd := range []string{patientSD, observationSD, encounterSD} {
		_, err := idx.LoadFromJSON([]byte(sd))
		require.NoError(t, err)
	}
	idx.Freeze()
	return idx
}

func buildStore(t *testing.T) *terminology.Store {
	t.Helper()
	store := terminology.NewStore()
	require.NoError(t, store.LoadBundle([]byte(administrativeGenderValueSet)))
	return store
}

func newPipeline(t *testing.T) *pipeline.Pipeline {
	return &pipeline.Pipeline{Index: buildIndex(t), Terminology: buildStore(t)}
}

func bundle(t *testing.T, resources ...map[string]interface{}) []byte {
	t.Helper()
	entries := make([]map[string]interface{}, 0, len(resources))
	for i, r := range resources {
		entries = append(entries, map[string]interface{}{"fullUrl": "urn:uuid:res" + itoa(i), "resource": r})
	}
	raw, err := json.Marshal(map[string]interface{}{"resourceType": "Bundle", "entry": entries})
	require.NoError(t, err)
	return raw
}

func itoa(i int) string {
	return string(rune('0' + i))
}

// S1 — Enum violation via typed fallback: exactly two STRUCTURE Findings,
// no duplicate ENGINE Findings.
func TestPipeline_S1_EnumAndPrimitiveViolations(t *testing.T) {
	p := newPipeline(t)
	patient := map[string]interface{}{
		"resourceType": "Patient",
		"gender":       "malex",
		"birthDate":    "1960-05-15x",
	}
	req := pipeline.Request{
		BundleJSON:  bundle(t, patient),
		FHIRVersion: schemaindex.VersionR4,
		Mode:        pipeline.ModeStandard,
	}

	resp, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	var structureFindings []finding.Finding
	for _, f := range resp.Errors {
		if f.Source == finding.SourceStructure {
			structureFindings = append(structureFindings, f)
		}
	}
	require.Len(t, structureFindings, 2)

	codes := map[string]bool{}
	for _, f := range structureFindings {
		codes[f.ErrorCode] = true
	}
	require.True(t, codes[finding.CodeInvalidEnumValue])
	require.True(t, codes[finding.CodeInvalidPrimitive])
}

// S2 — Structural fallback rule evaluation: rules still fire even though
// typed parse failed.
func TestPipeline_S2_RulesEvaluateUnderStructuralFallback(t *testing.T) {
	p := newPipeline(t)
	patient := map[string]interface{}{
		"resourceType": "Patient",
		"gender":       "malex",
		"birthDate":    "1960-05-15x",
	}
	rules := map[string]interface{}{
		"rules": []map[string]interface{}{
			{"id": "r1", "kind": "Regex", "targetResource": "Patient", "targetPath": "birthDate",
				"params": map[string]interface{}{"pattern": `^\d{4}-\d{2}-\d{2}$`}},
			{"id": "r2", "kind": "AllowedValues", "targetResource": "Patient", "targetPath": "gender",
				"params": map[string]interface{}{"values": []string{"male", "female"}}},
		},
	}
	rulesJSON, err := json.Marshal(rules)
	require.NoError(t, err)

	req := pipeline.Request{
		BundleJSON:  bundle(t, patient),
		RulesJSON:   rulesJSON,
		FHIRVersion: schemaindex.VersionR4,
		Mode:        pipeline.ModeStandard,
	}

	resp, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	var ruleCodes []string
	for _, f := range resp.Errors {
		if f.Source == finding.SourceRule {
			ruleCodes = append(ruleCodes, f.ErrorCode)
		}
	}
	require.Contains(t, ruleCodes, finding.CodePatternMismatch)
	require.Contains(t, ruleCodes, finding.CodeValueNotAllowed)
}

// S3 — Rule misconfiguration: missing pattern param yields exactly one
// RULE_CONFIGURATION_ERROR, no crash, other rules still evaluated.
func TestPipeline_S3_RuleConfigurationError(t *testing.T) {
	p := newPipeline(t)
	patient := map[string]interface{}{"resourceType": "Patient"}
	rules := map[string]interface{}{
		"rules": []map[string]interface{}{
			{"id": "bad-regex", "kind": "Regex", "targetResource": "Patient", "targetPath": "identifier.value", "params": map[string]interface{}{}},
			{"id": "ok-required", "kind": "Required", "targetResource": "Patient", "targetPath": "gender", "params": map[string]interface{}{}},
		},
	}
	rulesJSON, err := json.Marshal(rules)
	require.NoError(t, err)

	req := pipeline.Request{
		BundleJSON:  bundle(t, patient),
		RulesJSON:   rulesJSON,
		FHIRVersion: schemaindex.VersionR4,
		Mode:        pipeline.ModeStandard,
	}

	resp, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	var configErrs []finding.Finding
	for _, f := range resp.Errors {
		if f.ErrorCode == finding.CodeRuleConfigurationErr {
			configErrs = append(configErrs, f)
		}
	}
	require.Len(t, configErrs, 1)
	require.Equal(t, "bad-regex", configErrs[0].Details["ruleId"])
	require.Equal(t, []string{"pattern"}, configErrs[0].Details["missingParams"])
}

// S4 — Rule kind aliasing: Cardinality and ARRAY_LENGTH both fire
// identically (modulo ruleId) against an empty contact array.
func TestPipeline_S4_RuleKindAliasing(t *testing.T) {
	p := newPipeline(t)
	patient := map[string]interface{}{"resourceType": "Patient", "contact": []interface{}{}}
	rules := map[string]interface{}{
		"rules": []map[string]interface{}{
			{"id": "r1", "kind": "Cardinality", "targetResource": "Patient", "targetPath": "contact", "params": map[string]interface{}{"min": 1}},
			{"id": "r2", "kind": "ARRAY_LENGTH", "targetResource": "Patient", "targetPath": "contact", "params": map[string]interface{}{"min": 1}},
		},
	}
	rulesJSON, err := json.Marshal(rules)
	require.NoError(t, err)

	req := pipeline.Request{
		BundleJSON:  bundle(t, patient),
		RulesJSON:   rulesJSON,
		FHIRVersion: schemaindex.VersionR4,
		Mode:        pipeline.ModeStandard,
	}

	resp, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	var arrayLengthFindings []finding.Finding
	for _, f := range resp.Errors {
		if f.ErrorCode == finding.CodeArrayLength {
			arrayLengthFindings = append(arrayLengthFindings, f)
		}
	}
	require.Len(t, arrayLengthFindings, 2)
	require.NotEqual(t, arrayLengthFindings[0].Details["ruleId"], arrayLengthFindings[1].Details["ruleId"])
}

// S5 — Reference validation: Observation referencing a missing Patient
// yields exactly one REFERENCE_NOT_FOUND, no crash.
func TestPipeline_S5_ReferenceNotFound(t *testing.T) {
	p := newPipeline(t)
	obs := map[string]interface{}{
		"resourceType": "Observation",
		"status":       "final",
		"subject":      map[string]interface{}{"reference": "Patient/missing-123"},
	}
	req := pipeline.Request{
		BundleJSON:  bundle(t, obs),
		FHIRVersion: schemaindex.VersionR4,
		Mode:        pipeline.ModeStandard,
	}

	resp, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	var refFindings []finding.Finding
	for _, f := range resp.Errors {
		if f.ErrorCode == finding.CodeReferenceNotFound {
			refFindings = append(refFindings, f)
		}
	}
	require.Len(t, refFindings, 1)
	require.Equal(t, finding.SourceReference, refFindings[0].Source)
}

// S6 — Full-mode advisory: standard mode never produces SPEC_HINT/LINT
// findings, since no advisory generators are configured by default.
func TestPipeline_S6_NoAdvisoryInStandardMode(t *testing.T) {
	p := newPipeline(t)
	encounter := map[string]interface{}{"resourceType": "Encounter"}
	req := pipeline.Request{
		BundleJSON:  bundle(t, encounter),
		FHIRVersion: schemaindex.VersionR4,
		Mode:        pipeline.ModeStandard,
	}

	resp, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	for _, f := range resp.Errors {
		require.NotEqual(t, finding.SourceSpecHint, f.Source)
		require.NotEqual(t, finding.SourceLint, f.Source)
	}
}

// Property 5: valid document + empty rule set + standard mode yields no
// errors.
func TestPipeline_ValidDocumentYieldsNoErrors(t *testing.T) {
	p := newPipeline(t)
	patient := map[string]interface{}{"resourceType": "Patient", "gender": "male", "birthDate": "1990-01-01"}
	req := pipeline.Request{
		BundleJSON:  bundle(t, patient),
		FHIRVersion: schemaindex.VersionR4,
		Mode:        pipeline.ModeStandard,
	}

	resp, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, resp.Errors)
	require.Equal(t, 0, resp.Summary.ErrorCount)
}

// Property 10: empty bundle (zero entries) yields one EMPTY_BUNDLE Finding
// and nothing else.
func TestPipeline_EmptyBundleYieldsOneFinding(t *testing.T) {
	p := newPipeline(t)
	raw, err := json.Marshal(map[string]interface{}{"resourceType": "Bundle", "entry": []interface{}{}})
	require.NoError(t, err)

	req := pipeline.Request{BundleJSON: raw, FHIRVersion: schemaindex.VersionR4, Mode: pipeline.ModeStandard}
	resp, perr := p.Run(context.Background(), req)
	require.NoError(t, perr)
	require.Len(t, resp.Errors, 1)
	require.Equal(t, finding.CodeEmptyBundle, resp.Errors[0].ErrorCode)
}

// Property 11: invalid JSON yields one INVALID_JSON Finding with line
// information, nothing else.
func TestPipeline_InvalidJSONYieldsOneFinding(t *testing.T) {
	p := newPipeline(t)
	req := pipeline.Request{BundleJSON: []byte(`{"resourceType": "Bundle", "entry": [`), FHIRVersion: schemaindex.VersionR4}
	resp, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Errors, 1)
	require.Equal(t, finding.CodeInvalidJSON, resp.Errors[0].ErrorCode)
	require.NotNil(t, resp.Errors[0].Details["lineNumber"])
}

// Property 12: a rule targeting a path absent from the document is not
// itself an error — Required is the only kind that fires on absence.
func TestPipeline_RuleOnAbsentPathIsNotAnError(t *testing.T) {
	p := newPipeline(t)
	patient := map[string]interface{}{"resourceType": "Patient"}
	rules := map[string]interface{}{
		"rules": []map[string]interface{}{
			{"id": "r1", "kind": "FixedValue", "targetResource": "Patient", "targetPath": "maritalStatus",
				"params": map[string]interface{}{"value": "M"}},
		},
	}
	rulesJSON, err := json.Marshal(rules)
	require.NoError(t, err)

	req := pipeline.Request{
		BundleJSON:  bundle(t, patient),
		RulesJSON:   rulesJSON,
		FHIRVersion: schemaindex.VersionR4,
		Mode:        pipeline.ModeStandard,
	}

	resp, rerr := p.Run(context.Background(), req)
	require.NoError(t, rerr)
	require.Empty(t, resp.Errors)
}

// Property 7 (typed parse failure still yields structural findings, and
// rules still evaluate) is demonstrated already by S2; here we check
// determinism (property 8 in spec.md: same input twice -> same Finding
// sequence).
func TestPipeline_SameInputTwiceYieldsSameFindingSequence(t *testing.T) {
	p := newPipeline(t)
	patient := map[string]interface{}{
		"resourceType": "Patient",
		"gender":       "malex",
		"birthDate":    "1960-05-15x",
	}
	req := pipeline.Request{
		BundleJSON:  bundle(t, patient),
		FHIRVersion: schemaindex.VersionR4,
		Mode:        pipeline.ModeStandard,
	}

	resp1, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	resp2, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, len(resp1.Errors), len(resp2.Errors))
	for i := range resp1.Errors {
		require.Equal(t, resp1.Errors[i].ErrorCode, resp2.Errors[i].ErrorCode)
		require.Equal(t, resp1.Errors[i].Pointer, resp2.Errors[i].Pointer)
	}
}

// Testable property 4: no ENGINE Finding shares (errorCode, pointer) with
// a STRUCTURE Finding after dedup — exercised directly against the
// dedup primitive using two phases' worth of findings constructed by
// hand, since this repository's engine/structural codes never actually
// collide (see DESIGN.md).
func TestPipeline_DedupSuppressesEngineDuplicateOfStructure(t *testing.T) {
	findings := []finding.Finding{
		{Source: finding.SourceStructure, ErrorCode: "X", Pointer: "/a", Seq: 0},
		{Source: finding.SourceEngine, ErrorCode: "X", Pointer: "/a", Seq: 1},
		{Source: finding.SourceEngine, ErrorCode: "Y", Pointer: "/a", Seq: 2},
	}
	out := finding.Dedupe(findings)
	require.Len(t, out, 2)
	require.Equal(t, "X", out[0].ErrorCode)
	require.Equal(t, finding.SourceStructure, out[0].Source)
	require.Equal(t, "Y", out[1].ErrorCode)
}

func TestNormalizeMode_LegacyAliases(t *testing.T) {
	require.Equal(t, pipeline.ModeStandard, pipeline.NormalizeMode(""))
	require.Equal(t, pipeline.ModeStandard, pipeline.NormalizeMode("fast"))
	require.Equal(t, pipeline.ModeFull, pipeline.NormalizeMode("full"))
	require.Equal(t, pipeline.ModeFull, pipeline.NormalizeMode("debug"))
}

func TestPipeline_ExternalReferencePolicyError(t *testing.T) {
	p := newPipeline(t)
	obs := map[string]interface{}{
		"resourceType": "Observation",
		"status":       "final",
		"subject":      map[string]interface{}{"reference": "https://example.org/fhir/Patient/123"},
	}
	req := pipeline.Request{
		BundleJSON:  bundle(t, obs),
		FHIRVersion: schemaindex.VersionR4,
		ReferenceSettings: pipeline.ReferenceSettings{
			ReferenceResolution: reference.ExternalError,
		},
	}
	resp, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Errors)
	require.Equal(t, finding.CodeReferenceNotFound, resp.Errors[0].ErrorCode)
}
