package rules

import (
	"fmt"
	"sort"

	"golang.org/x/exp/maps"

	"github.com/clinval/clinval/pkg/exprlang"
	"github.com/clinval/clinval/pkg/finding"
	"github.com/clinval/clinval/pkg/ucum"
)

// firstValueSorted returns the value of obj's alphabetically first key, or
// nil for an empty map. Used to pick the populated "value[x]" member of a
// choice-type object deterministically, since map order is not.
func firstValueSorted(obj map[string]interface{}) interface{} {
	if len(obj) == 0 {
		return nil
	}
	keys := maps.Keys(obj)
	sort.Strings(keys)
	return obj[keys[0]]
}

// CodeSystemChecker reports whether a coding system is known to the
// project terminology store (the C7 collaborator). The CodeSystem
// predicate only needs "is this system known" here — full code-level
// validation against a value set is C7's job (spec.md §4.8); this kind
// exists for rule-level "this element must use system X" assertions.
type CodeSystemChecker interface {
	KnownSystem(system string) bool
}

// evalContext carries the per-rule state a predicate needs beyond the
// single target node: the terminology checker and whether typed parsing
// succeeded (degraded mode skips kinds requiring deeper typed semantics).
type evalContext struct {
	terminology CodeSystemChecker
	degraded    bool
}

func isEmptyValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	default:
		return false
	}
}

func evaluatePredicate(kind Kind, n node, r Rule, ec *evalContext) []finding.Finding {
	switch kind {
	case KindRequired:
		return requiredPredicate(n, r)
	case KindFixedValue:
		return fixedValuePredicate(n, r)
	case KindAllowedValues:
		return allowedValuesPredicate(n, r)
	case KindRegex:
		return regexPredicate(n, r)
	case KindArrayLength:
		// Handled once per rule at the collection level; see
		// evaluateArrayLength and its caller in evaluator.go.
		return nil
	case KindCodeSystem:
		return codeSystemPredicate(n, r, ec)
	case KindReference:
		return []finding.Finding{configurationError(r, "Reference rules are blocked at authoring; use the reference resolver (C7) instead", nil)}
	case KindQuestionAnswer:
		return questionAnswerPredicate(n, r)
	case KindCustomExpr:
		return customExpressionPredicate(n, r)
	case KindQuantityUnit:
		return quantityUnitPredicate(n, r)
	default:
		return []finding.Finding{configurationError(r, fmt.Sprintf("unknown rule kind %q", r.RawKind), nil)}
	}
}

func emitRule(n node, r Rule, errorCode string, details map[string]interface{}) finding.Finding {
	if details == nil {
		details = map[string]interface{}{}
	}
	details["ruleId"] = r.ID
	return finding.Finding{
		Source:       finding.SourceRule,
		Severity:     r.Severity,
		ErrorCode:    errorCode,
		ResourceType: r.TargetResource,
		Path:         n.path,
		Pointer:      n.ptr.String(),
		Details:      details,
	}
}

func requiredPredicate(n node, r Rule) []finding.Finding {
	if n.value == nil || isEmptyValue(n.value) {
		return []finding.Finding{emitRule(n, r, finding.CodeMandatoryMissing, map[string]interface{}{
			"missingElement": n.path,
		})}
	}
	return nil
}

func fixedValuePredicate(n node, r Rule) []finding.Finding {
	expected := r.Params["value"]
	if fmt.Sprintf("%v", n.value) == fmt.Sprintf("%v", expected) {
		return nil
	}
	return []finding.Finding{emitRule(n, r, finding.CodeFixedValueMismatch, map[string]interface{}{
		"actual":   n.value,
		"expected": expected,
	})}
}

func allowedValuesPredicate(n node, r Rule) []finding.Finding {
	allowed, _ := r.Params["values"].([]interface{})
	for _, a := range allowed {
		if fmt.Sprintf("%v", a) == fmt.Sprintf("%v", n.value) {
			return nil
		}
	}
	return []finding.Finding{emitRule(n, r, finding.CodeValueNotAllowed, map[string]interface{}{
		"actual":  n.value,
		"allowed": allowed,
	})}
}

func regexPredicate(n node, r Rule) []finding.Finding {
	pattern, _ := r.Params["pattern"].(string)
	re, err := compilePattern(pattern)
	if err != nil {
		return []finding.Finding{configurationError(r, fmt.Sprintf("invalid regex pattern: %v", err), []string{"pattern"})}
	}
	s, ok := n.value.(string)
	if !ok {
		s = fmt.Sprintf("%v", n.value)
	}
	matched, err := re.MatchString(s)
	if err != nil || !matched {
		return []finding.Finding{emitRule(n, r, finding.CodePatternMismatch, map[string]interface{}{
			"actual":      s,
			"pattern":     pattern,
			"description": r.Params["description"],
		})}
	}
	return nil
}

// evaluateArrayLength judges cardinality from the size of the resolved
// collection (len(nodes)) rather than any single node's value, matching
// FHIRPath's "a repeating element is a collection, not an array value"
// semantics (see resolveTargetNodes). length is 0 when the path did not
// resolve at all (missingNode's lone synthetic entry carries a nil
// value, which isEmptyValue treats as absent).
func evaluateArrayLength(nodes []node, r Rule) []finding.Finding {
	length := len(nodes)
	if length == 1 && isEmptyValue(nodes[0].value) {
		length = 0
	}

	minV, hasMin := intParam(r.Params["min"])
	maxV, hasMax := intParam(r.Params["max"])
	if (hasMin && length < minV) || (hasMax && length > maxV) {
		details := map[string]interface{}{"actual": length}
		if hasMin {
			details["min"] = minV
		}
		if hasMax {
			details["max"] = maxV
		}
		target := nodes[0]
		return []finding.Finding{emitRule(target, r, finding.CodeArrayLength, details)}
	}
	return nil
}

func intParam(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

func codeSystemPredicate(n node, r Rule, ec *evalContext) []finding.Finding {
	if ec != nil && ec.degraded {
		return nil // degrades under structural fallback, per spec.md §4.6
	}
	obj, ok := n.value.(map[string]interface{})
	if !ok {
		return nil
	}
	system, _ := obj["system"].(string)
	code, _ := obj["code"].(string)
	wantSystem, _ := r.Params["system"].(string)
	if wantSystem != "" && system != wantSystem {
		return []finding.Finding{emitRule(n, r, finding.CodeCodesystemViolation, map[string]interface{}{
			"system": system,
			"code":   code,
		})}
	}
	if codes, ok := r.Params["codes"].([]interface{}); ok && len(codes) > 0 {
		for _, c := range codes {
			if fmt.Sprintf("%v", c) == code {
				return nil
			}
		}
		allowed := make([]string, 0, len(codes))
		for _, c := range codes {
			allowed = append(allowed, fmt.Sprintf("%v", c))
		}
		return []finding.Finding{emitRule(n, r, finding.CodeCodesystemViolation, map[string]interface{}{
			"system":       system,
			"code":         code,
			"allowedCodes": allowed,
		})}
	}
	if ec != nil && ec.terminology != nil && system != "" && !ec.terminology.KnownSystem(system) {
		return []finding.Finding{emitRule(n, r, finding.CodeCodesystemViolation, map[string]interface{}{
			"system": system,
			"code":   code,
		})}
	}
	return nil
}

// questionAnswerPredicate locates the questionnaire-response item whose
// linkId matches params.code and validates its answer's shape against
// params.expectedType/min/max/values. Degrades entirely under structural
// fallback (spec.md §4.6).
func questionAnswerPredicate(n node, r Rule) []finding.Finding {
	items, _ := n.value.([]interface{})
	linkID, _ := r.Params["code"].(string)

	var answer interface{}
	var found bool
	for _, raw := range items {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if id, _ := item["linkId"].(string); id != linkID {
			continue
		}
		found = true
		answers, _ := item["answer"].([]interface{})
		if len(answers) > 0 {
			if ansObj, ok := answers[0].(map[string]interface{}); ok {
				answer = firstValueSorted(ansObj)
			}
		}
		break
	}

	if !found || answer == nil {
		return []finding.Finding{emitRule(n, r, finding.CodeAnswerMissing, map[string]interface{}{"question": linkID})}
	}

	if expectedType, ok := r.Params["expectedType"].(string); ok {
		if ok, reason := primitiveLikeCheck(answer, expectedType); !ok {
			return []finding.Finding{emitRule(n, r, finding.CodeAnswerTypeMismatch, map[string]interface{}{
				"question": linkID, "reason": reason,
			})}
		}
	}

	if num, ok := answer.(float64); ok {
		minV, hasMin := numParam(r.Params["min"])
		maxV, hasMax := numParam(r.Params["max"])
		if (hasMin && num < minV) || (hasMax && num > maxV) {
			return []finding.Finding{emitRule(n, r, finding.CodeAnswerOutOfRange, map[string]interface{}{
				"question": linkID, "actual": num, "min": r.Params["min"], "max": r.Params["max"],
			})}
		}
	}

	if values, ok := r.Params["values"].([]interface{}); ok && len(values) > 0 {
		var allowed bool
		for _, v := range values {
			if fmt.Sprintf("%v", v) == fmt.Sprintf("%v", answer) {
				allowed = true
				break
			}
		}
		if !allowed {
			return []finding.Finding{emitRule(n, r, finding.CodeAnswerValueNotAllowed, map[string]interface{}{
				"question": linkID, "actual": answer, "allowed": values,
			})}
		}
	}
	return nil
}

func numParam(v interface{}) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func primitiveLikeCheck(v interface{}, expectedType string) (bool, string) {
	switch expectedType {
	case "string":
		_, ok := v.(string)
		return ok, "expected string"
	case "boolean":
		_, ok := v.(bool)
		return ok, "expected boolean"
	case "number", "decimal", "integer":
		_, ok := v.(float64)
		return ok, "expected number"
	default:
		return true, ""
	}
}

// quantityUnitPredicate checks a Quantity-shaped node's unit/code against
// the UCUM table (pkg/ucum), skipping quantities declared under a
// non-UCUM system (FHIR allows arbitrary systems; this kind only polices
// UCUM-declared or system-less quantities, mirroring ucum.NormalizeWithSystem's
// own system gate).
func quantityUnitPredicate(n node, r Rule) []finding.Finding {
	if isEmptyValue(n.value) {
		return nil
	}
	obj, ok := n.value.(map[string]interface{})
	if !ok {
		return []finding.Finding{configurationError(r, fmt.Sprintf("QuantityUnit target %q is not a Quantity element", n.path), nil)}
	}
	system, _ := obj["system"].(string)
	if system != "" && system != "http://unitsofmeasure.org" {
		return nil
	}
	code, _ := obj["code"].(string)
	lookup := code
	if lookup == "" {
		lookup, _ = obj["unit"].(string)
	}
	if lookup == "" {
		return []finding.Finding{emitRule(n, r, finding.CodeInvalidUnit, map[string]interface{}{
			"reason": "Quantity has neither code nor unit",
		})}
	}
	if !ucum.IsKnownUnit(lookup) {
		return []finding.Finding{emitRule(n, r, finding.CodeInvalidUnit, map[string]interface{}{
			"actual": lookup,
			"system": system,
		})}
	}
	return nil
}

func customExpressionPredicate(n node, r Rule) []finding.Finding {
	expr, _ := r.Params["expression"].(string)
	if expr == "" {
		return []finding.Finding{configurationError(r, "CustomExpression rule has no expression parameter", []string{"expression"})}
	}
	raw, err := marshalNode(n.value)
	if err != nil {
		return []finding.Finding{configurationError(r, fmt.Sprintf("failed to marshal target node: %v", err), nil)}
	}
	ok, err := exprlang.EvaluateToBoolean(raw, expr)
	if err != nil {
		return []finding.Finding{configurationError(r, fmt.Sprintf("expression evaluation failed: %v", err), nil)}
	}
	if ok {
		return nil
	}
	return []finding.Finding{emitRule(n, r, finding.CodeCustomExprFailed, map[string]interface{}{
		"expression": expr,
	})}
}
