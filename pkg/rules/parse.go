package rules

import (
	"encoding/json"
	"fmt"

	"github.com/clinval/clinval/pkg/finding"
)

// ruleDoc is the wire shape of a single rule within a project's rulesJson
// payload (spec.md §3). Path is accepted under either of two spellings
// seen across rule-authoring examples in the wild; both map to Rule.TargetPath.
type ruleDoc struct {
	ID             string                 `json:"id"`
	Kind           string                 `json:"kind"`
	TargetResource string                 `json:"targetResource"`
	TargetPath     string                 `json:"targetPath"`
	Path           string                 `json:"path"`
	Severity       string                 `json:"severity"`
	Scope          *scopeDoc              `json:"scope,omitempty"`
	Params         map[string]interface{} `json:"params"`
}

type scopeDoc struct {
	Shape     string `json:"shape"`
	Predicate string `json:"predicate,omitempty"`
}

type ruleSetDoc struct {
	ProjectID string    `json:"projectId"`
	Version   string    `json:"version"`
	Rules     []ruleDoc `json:"rules"`
}

// ParseRuleSet decodes a project's rulesJson payload into a RuleSet. A
// structurally malformed payload (not an object, wrong field types) is
// reported back to the caller as an error; the caller converts that into
// a single PIPELINE_ERROR Finding rather than failing the whole request,
// matching the resilience contract (spec.md §5). Individual rule-level
// problems (unknown kind, missing params) are NOT caught here — they
// surface later as RULE_CONFIGURATION_ERROR Findings once the evaluator
// runs, per spec.md §4.6.
func ParseRuleSet(data []byte) (RuleSet, error) {
	if len(data) == 0 {
		return RuleSet{}, nil
	}
	var doc ruleSetDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return RuleSet{}, fmt.Errorf("parse rule set: %w", err)
	}

	rs := RuleSet{ProjectID: doc.ProjectID, Version: doc.Version, Rules: make([]Rule, 0, len(doc.Rules))}
	for _, rd := range doc.Rules {
		rs.Rules = append(rs.Rules, rd.toRule())
	}
	return rs, nil
}

func (rd ruleDoc) toRule() Rule {
	path := rd.TargetPath
	if path == "" {
		path = rd.Path
	}
	severity := finding.SeverityError
	switch rd.Severity {
	case "warning":
		severity = finding.SeverityWarning
	case "info", "information":
		severity = finding.SeverityInformation
	}

	scope := Scope{Shape: ScopeAll}
	if rd.Scope != nil {
		switch rd.Scope.Shape {
		case "first":
			scope.Shape = ScopeFirst
		case "filter":
			scope.Shape = ScopeFilter
			scope.Predicate = rd.Scope.Predicate
		}
	}

	return Rule{
		ID:             rd.ID,
		TargetResource: rd.TargetResource,
		TargetPath:     path,
		RawKind:        rd.Kind,
		Severity:       severity,
		Scope:          scope,
		Params:         rd.Params,
	}
}
