// Package rules implements the Rule Evaluator (C6): project-authored
// rules checked against either the typed parse result or, when typed
// parse failed, a structural fallback walk of the raw tree (spec.md
// §4.6). This is the least teacher-grounded component in the tree — the
// teacher validates against StructureDefinitions only, never a separate
// project rule set — so it is built from spec.md §4.6 directly, in the
// teacher's idiom: context-first methods, struct-literal Findings, a
// package-level compiled-pattern cache mirroring pkg/exprlang's
// ExpressionCache.
package rules

import (
	"strings"

	"github.com/clinval/clinval/pkg/finding"
)

// Kind is the canonical, normalized rule kind.
type Kind string

const (
	KindRequired       Kind = "REQUIRED"
	KindFixedValue     Kind = "FIXEDVALUE"
	KindAllowedValues  Kind = "ALLOWEDVALUES"
	KindRegex          Kind = "REGEX"
	KindArrayLength    Kind = "ARRAYLENGTH"
	KindCodeSystem     Kind = "CODESYSTEM"
	KindReference      Kind = "REFERENCE"
	KindQuestionAnswer Kind = "QUESTIONANSWER"
	KindCustomExpr     Kind = "CUSTOMEXPRESSION"
	KindQuantityUnit   Kind = "QUANTITYUNIT"
	KindUnknown        Kind = ""
)

// aliases maps normalized author-facing spellings to canonical kinds
// (spec.md §4.6: "Cardinality → ARRAYLENGTH, ValueSet → CODESYSTEM").
var aliases = map[string]Kind{
	"REQUIRED":         KindRequired,
	"FIXEDVALUE":       KindFixedValue,
	"FIXED":            KindFixedValue,
	"ALLOWEDVALUES":    KindAllowedValues,
	"ENUM":             KindAllowedValues,
	"REGEX":            KindRegex,
	"PATTERN":          KindRegex,
	"ARRAYLENGTH":      KindArrayLength,
	"CARDINALITY":      KindArrayLength,
	"ARRAYSIZE":        KindArrayLength,
	"CODESYSTEM":       KindCodeSystem,
	"VALUESET":         KindCodeSystem,
	"REFERENCE":        KindReference,
	"QUESTIONANSWER":   KindQuestionAnswer,
	"CUSTOMEXPRESSION": KindCustomExpr,
	"CUSTOMFHIRPATH":   KindCustomExpr,
	"QUANTITYUNIT":     KindQuantityUnit,
	"UNIT":             KindQuantityUnit,
	"UCUM":             KindQuantityUnit,
}

// Normalize implements norm(kind) = strip('_','-',' ') . upper(kind),
// then resolves the alias table. Unknown kinds return (KindUnknown, false).
func Normalize(kind string) (Kind, bool) {
	stripped := strings.ToUpper(kind)
	stripped = strings.NewReplacer("_", "", "-", "", " ", "").Replace(stripped)
	k, ok := aliases[stripped]
	return k, ok
}

// requiredParams lists the parameter keys each kind must supply; missing
// any one emits RULE_CONFIGURATION_ERROR (spec.md §4.6).
var requiredParams = map[Kind][]string{
	KindFixedValue:     {"value"},
	KindAllowedValues:  {"values"},
	KindRegex:          {"pattern"},
	KindArrayLength:    {}, // min and/or max, checked specially below
	KindCodeSystem:     {"system"},
	KindQuestionAnswer: {"codeSystem", "code"},
	KindCustomExpr:     {"expression"},
}

// Scope describes a rule's instance scope (spec.md §4.7): structural
// metadata separate from the target path.
type Scope struct {
	Shape     ScopeShape
	Predicate string // only meaningful when Shape == ScopeFilter
}

type ScopeShape string

const (
	ScopeAll    ScopeShape = "all"
	ScopeFirst  ScopeShape = "first"
	ScopeFilter ScopeShape = "filter"
)

// Rule is a single project-authored validation rule (spec.md §3).
type Rule struct {
	ID             string
	TargetResource string
	TargetPath     string // resource-relative, dotted
	RawKind        string
	Severity       finding.Severity
	Scope          Scope
	Params         map[string]interface{}
}

// RuleSet is an unordered collection of Rules tagged with a project
// identity and version.
type RuleSet struct {
	ProjectID string
	Version   string
	Rules     []Rule
}

// RulesForType returns every rule targeting resourceType.
func (rs RuleSet) RulesForType(resourceType string) []Rule {
	var out []Rule
	for _, r := range rs.Rules {
		if r.TargetResource == resourceType {
			out = append(out, r)
		}
	}
	return out
}

// missingParams reports the required parameter keys absent from r.Params,
// including ArrayLength's special min-or-max requirement.
func missingParams(kind Kind, r Rule) []string {
	var missing []string
	for _, key := range requiredParams[kind] {
		if _, ok := r.Params[key]; !ok {
			missing = append(missing, key)
		}
	}
	if kind == KindArrayLength {
		_, hasMin := r.Params["min"]
		_, hasMax := r.Params["max"]
		if !hasMin && !hasMax {
			missing = append(missing, "min|max")
		}
	}
	return missing
}

func configurationError(r Rule, reason string, missing []string) finding.Finding {
	details := map[string]interface{}{"ruleId": r.ID}
	if len(missing) > 0 {
		details["missingParams"] = missing
	}
	if reason != "" {
		details["reason"] = reason
	}
	return finding.Finding{
		Source:       finding.SourceRule,
		Severity:     finding.SeverityError, // misconfiguration is always error, per spec.md §4.6
		ErrorCode:    finding.CodeRuleConfigurationErr,
		ResourceType: r.TargetResource,
		Path:         r.TargetPath,
		Details:      details,
	}
}
