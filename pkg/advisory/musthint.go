package advisory

import (
	"context"
	"sort"
	"strings"

	"github.com/clinval/clinval/pkg/document"
	"github.com/clinval/clinval/pkg/finding"
	"github.com/clinval/clinval/pkg/schemaindex"
)

// MustSupportHint surfaces schema-suggested fields that are not present
// in the resource: every direct-child element the StructureDefinition
// marks mustSupport but the document omits (spec.md §4's "spec hints:
// schema-suggested fields not present"). One Finding per resource,
// listing every missing field, rather than one per field, since this is
// advice rather than a per-location defect.
type MustSupportHint struct{}

func (MustSupportHint) Generate(ctx context.Context, idx *schemaindex.Index, res document.Resource, resourceIndex int) []finding.Finding {
	sd, err := idx.GetByType(ctx, res.Type)
	if err != nil || sd == nil {
		return nil
	}

	var missing []string
	prefix := res.Type + "."
	for _, elem := range sd.Snapshot {
		if !elem.MustSupport || !strings.HasPrefix(elem.Path, prefix) {
			continue
		}
		field := strings.TrimPrefix(elem.Path, prefix)
		if strings.Contains(field, ".") {
			continue // only direct children; nested mustSupport is the parent's concern
		}
		if _, present := res.Tree[field]; !present {
			missing = append(missing, field)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)

	idxCopy := resourceIndex
	return []finding.Finding{{
		Source:        finding.SourceSpecHint,
		Severity:      finding.SeverityInformation,
		ErrorCode:     finding.CodeSpecHintMustSupportMissing,
		ResourceType:  res.Type,
		ResourceIndex: &idxCopy,
		Path:          res.Type,
		Pointer:       "",
		Details: map[string]interface{}{
			"missingFields": missing,
		},
	}}
}
