// Package engine implements the Engine Wrapper (C5): the boundary between
// the pipeline's Finding vocabulary and the expression-evaluation
// collaborator in pkg/exprlang. Nothing in this package ever lets an
// evaluator panic or error escape as a Go error — everything becomes a
// Finding, per spec.md §4.5.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/clinval/clinval/pkg/document"
	"github.com/clinval/clinval/pkg/exprlang"
	"github.com/clinval/clinval/pkg/finding"
	"github.com/clinval/clinval/pkg/location"
	"github.com/clinval/clinval/pkg/schemaindex"
)

// Validate runs every invariant constraint attached to the resource's
// StructureDefinition against the resource's JSON encoding, translating
// constraint violations into Findings with Source ENGINE. A constraint
// that fails to evaluate (malformed expression, evaluator panic) is
// reported as PIPELINE_ERROR rather than propagated (spec.md §4.5).
func Validate(idx *schemaindex.Index, sd *schemaindex.StructureDef, res document.Resource, resourceIndex int) (findings []finding.Finding) {
	raw, err := json.Marshal(res.Tree)
	if err != nil {
		return []finding.Finding{pipelineError(res.Type, resourceIndex, fmt.Sprintf("failed to marshal resource for engine evaluation: %v", err))}
	}

	for _, elem := range sd.Snapshot {
		for _, c := range elem.Constraints {
			if c.Expression == "" {
				continue
			}
			if c.Source != "" && c.Source != sd.URL {
				continue
			}
			findings = append(findings, evaluateConstraint(raw, elem.Path, c, res.Type, resourceIndex)...)
		}
	}
	return findings
}

func evaluateConstraint(raw []byte, elementPath string, c schemaindex.ElementConstraint, resourceType string, resourceIndex int) (out []finding.Finding) {
	defer func() {
		if r := recover(); r != nil {
			out = []finding.Finding{pipelineError(resourceType, resourceIndex, fmt.Sprintf("engine panic evaluating constraint %s: %v", c.Key, r))}
		}
	}()

	ptr := location.BuildPointer(elementPath, resourceType)

	ok, err := exprlang.EvaluateToBoolean(raw, c.Expression)
	if err != nil {
		ri := resourceIndex
		return []finding.Finding{{
			Source:        finding.SourceEngine,
			Severity:      finding.SeverityError,
			ErrorCode:     finding.CodePipelineError,
			ResourceType:  resourceType,
			Path:          elementPath,
			Pointer:       ptr.String(),
			ResourceIndex: &ri,
			Details: map[string]interface{}{
				"constraintKey": c.Key,
				"reason":        err.Error(),
			},
		}}
	}
	if ok {
		return nil
	}

	severity := finding.SeverityError
	if c.Severity == "warning" {
		severity = finding.SeverityWarning
	}
	ri := resourceIndex
	return []finding.Finding{{
		Source:        finding.SourceEngine,
		Severity:      severity,
		ErrorCode:     finding.CodeCustomExprFailed,
		ResourceType:  resourceType,
		Path:          elementPath,
		Pointer:       ptr.String(),
		ResourceIndex: &ri,
		Details: map[string]interface{}{
			"constraintKey": c.Key,
			"human":         c.Human,
			"expression":    c.Expression,
		},
	}}
}

func pipelineError(resourceType string, resourceIndex int, reason string) finding.Finding {
	ri := resourceIndex
	return finding.Finding{
		Source:        finding.SourceEngine,
		Severity:      finding.SeverityError,
		ErrorCode:     finding.CodePipelineError,
		ResourceType:  resourceType,
		ResourceIndex: &ri,
		Details:       map[string]interface{}{"reason": reason},
	}
}
