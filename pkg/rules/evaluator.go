package rules

import "github.com/clinval/clinval/pkg/finding"

// degradedKinds requires deeper typed semantics than a raw tree walk can
// offer; under structural fallback they degrade to a debug-only skip
// rather than a Finding (spec.md §4.6's "Structural fallback" clause).
// Reference is excluded here: it is blocked at authoring unconditionally
// (see the explicit check in evaluateRule below), not merely degraded
// under fallback.
var degradedKinds = map[Kind]bool{
	KindCodeSystem:     true,
	KindQuestionAnswer: true,
}

// Evaluator runs a RuleSet against one resource tree. Evaluate_typed and
// evaluate_structural (spec.md §4.6) are the same tree walk here, since
// this module has no generated typed model (see DESIGN.md) — the only
// distinction is which kinds degrade and whether skips are logged.
type Evaluator struct {
	Terminology CodeSystemChecker
	// OnDegradedSkip, when non-nil, is invoked once per rule that
	// degrades under structural fallback (spec.md: "emit a debug-only
	// log record noting the skip").
	OnDegradedSkip func(ruleID string, kind Kind)
}

// EvaluateTyped runs ruleSet against resourceTree using full semantics
// (no kind degrades).
func (e *Evaluator) EvaluateTyped(resourceTree map[string]interface{}, resourceType string, ruleSet RuleSet) []finding.Finding {
	return e.evaluate(resourceTree, resourceType, ruleSet, false)
}

// EvaluateStructural runs ruleSet against resourceTree using the
// structural fallback path: CodeSystem and QuestionAnswer degrade to a
// logged skip instead of a Finding. Reference is unaffected by fallback
// mode — it is always blocked at authoring.
func (e *Evaluator) EvaluateStructural(resourceTree map[string]interface{}, resourceType string, ruleSet RuleSet) []finding.Finding {
	return e.evaluate(resourceTree, resourceType, ruleSet, true)
}

func (e *Evaluator) evaluate(resourceTree map[string]interface{}, resourceType string, ruleSet RuleSet, structuralFallback bool) []finding.Finding {
	var out []finding.Finding
	ec := &evalContext{terminology: e.Terminology, degraded: structuralFallback}

	for _, r := range ruleSet.RulesForType(resourceType) {
		out = append(out, e.evaluateRule(resourceTree, resourceType, r, ec, structuralFallback)...)
	}
	return out
}

func (e *Evaluator) evaluateRule(resourceTree map[string]interface{}, resourceType string, r Rule, ec *evalContext, structuralFallback bool) []finding.Finding {
	kind, known := Normalize(r.RawKind)
	if !known {
		return []finding.Finding{configurationError(r, "unrecognized rule kind", nil)}
	}

	if structuralFallback && degradedKinds[kind] {
		if e.OnDegradedSkip != nil {
			e.OnDegradedSkip(r.ID, kind)
		}
		return nil
	}

	if missing := missingParams(kind, r); len(missing) > 0 {
		return []finding.Finding{configurationError(r, "missing required parameters", missing)}
	}

	if kind == KindReference {
		// Blocked at authoring regardless of fallback mode.
		return []finding.Finding{configurationError(r, "Reference rules are blocked at authoring; use the reference resolver (C7) instead", nil)}
	}

	nodes := resolveTargetNodes(resourceTree, resourceType, r.TargetPath)
	if len(nodes) == 0 && (kind == KindRequired || kind == KindArrayLength) {
		nodes = []node{missingNode(resourceType, r.TargetPath)}
	}

	if kind == KindArrayLength {
		// Judged against the whole collection's size, not per node;
		// scope narrows a set to check element-by-element, which
		// does not apply to a collection-cardinality check.
		return evaluateArrayLength(nodes, r)
	}

	nodes = applyScope(nodes, r.Scope)

	var out []finding.Finding
	for _, n := range nodes {
		out = append(out, evaluatePredicate(kind, n, r, ec)...)
	}
	return out
}
