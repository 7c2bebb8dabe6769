package advisory

import (
	"context"

	"github.com/clinval/clinval/pkg/document"
	"github.com/clinval/clinval/pkg/finding"
	"github.com/clinval/clinval/pkg/schemaindex"
)

// NarrativeLint flags a resource with no narrative (`text.div`), a
// portability heuristic: consumers that render a human-readable
// fallback (e.g. a display-only viewer) degrade silently without one.
// Never blocking — source LINT.
type NarrativeLint struct {
	// SkipResourceTypes are resource types for which a missing
	// narrative is expected and should not be flagged (e.g. pure
	// data-carrier resources like Bundle itself).
	SkipResourceTypes map[string]bool
}

func (n NarrativeLint) Generate(_ context.Context, _ *schemaindex.Index, res document.Resource, resourceIndex int) []finding.Finding {
	if n.SkipResourceTypes[res.Type] {
		return nil
	}
	text, ok := res.Tree["text"].(map[string]interface{})
	if ok {
		if div, _ := text["div"].(string); div != "" {
			return nil
		}
	}

	idx := resourceIndex
	return []finding.Finding{{
		Source:        finding.SourceLint,
		Severity:      finding.SeverityInformation,
		ErrorCode:     finding.CodeLintNarrativeMissing,
		ResourceType:  res.Type,
		ResourceIndex: &idx,
		Path:          res.Type + ".text",
		Pointer:       "/text",
		Details: map[string]interface{}{
			"suggestion": "add a text.div narrative for human-readable fallback rendering",
		},
	}}
}
