// Package advisory implements the Advisory Generators (C8, spec.md
// §4's "LINT | SPEC_HINT" source table): non-blocking suggestions run
// only in full validation mode (spec.md §6, "validationMode=full"),
// never carrying severity error (spec.md property 5). There is no
// teacher precedent for this component — the teacher validates
// strictly against StructureDefinitions and never emits advice — so
// the contract is built from spec.md directly, kept in the repo's
// established idiom: a small interface plus independently testable
// implementations, the same shape pkg/rules and pkg/terminology use.
package advisory

import (
	"context"

	"github.com/clinval/clinval/pkg/document"
	"github.com/clinval/clinval/pkg/finding"
	"github.com/clinval/clinval/pkg/schemaindex"
)

// Generator produces advisory Findings for a single resource. A
// Generator must never return severity error (callers may downgrade
// accidental errors defensively, but a well-behaved Generator doesn't
// rely on that).
type Generator interface {
	Generate(ctx context.Context, idx *schemaindex.Index, res document.Resource, resourceIndex int) []finding.Finding
}

// Run executes every generator against res and concatenates their
// output, clamping any accidental severity-error finding down to
// warning (defense against a misbehaving third-party Generator,
// per spec.md property 5's "never error" invariant).
func Run(ctx context.Context, idx *schemaindex.Index, generators []Generator, res document.Resource, resourceIndex int) []finding.Finding {
	var out []finding.Finding
	for _, g := range generators {
		for _, f := range g.Generate(ctx, idx, res, resourceIndex) {
			if f.Severity == finding.SeverityError || f.Severity == finding.SeverityFatal {
				f.Severity = finding.SeverityWarning
			}
			out = append(out, f)
		}
	}
	return out
}
