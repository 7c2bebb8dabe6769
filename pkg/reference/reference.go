// Package reference implements the reference half of the Terminology &
// Reference Resolver (C7, spec.md §4.8): parsing FHIR reference strings
// and resolving them against a document's entries, across the whole
// bundle rather than within a single resource.
package reference

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/clinval/clinval/pkg/document"
	"github.com/clinval/clinval/pkg/finding"
	"github.com/clinval/clinval/pkg/schemaindex"
)

var (
	relativeRefPattern  = regexp.MustCompile(`^([A-Za-z]+)/([A-Za-z0-9\-.]+)$`)
	absoluteRefPattern  = regexp.MustCompile(`^https?://[^/]+/.*/([A-Za-z]+)/([A-Za-z0-9\-.]+)$`)
	containedRefPattern = regexp.MustCompile(`^#([A-Za-z0-9\-.]+)$`)
	urnUUIDPattern      = regexp.MustCompile(`^urn:uuid:[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	urnOIDPattern       = regexp.MustCompile(`^urn:oid:[012](\.\d+)+$`)
)

// Kind is the shape of a parsed reference string.
type Kind string

const (
	KindRelative  Kind = "relative"
	KindAbsolute  Kind = "absolute"
	KindContained Kind = "contained"
	KindUrnUUID   Kind = "urn-uuid"
	KindUrnOID    Kind = "urn-oid"
	KindCanonical Kind = "canonical"
	KindUnknown   Kind = "unknown"
)

// Parsed holds the components extracted from a reference string.
type Parsed struct {
	Kind         Kind
	ResourceType string
	ID           string
	Raw          string
	Valid        bool
}

// Parse extracts the components of a FHIR reference string.
func Parse(ref string) Parsed {
	if ref == "" {
		return Parsed{Raw: ref, Kind: KindUnknown}
	}
	if m := containedRefPattern.FindStringSubmatch(ref); m != nil {
		return Parsed{Kind: KindContained, ID: m[1], Raw: ref, Valid: true}
	}
	if m := relativeRefPattern.FindStringSubmatch(ref); m != nil {
		return Parsed{Kind: KindRelative, ResourceType: m[1], ID: m[2], Raw: ref, Valid: true}
	}
	if urnUUIDPattern.MatchString(ref) {
		return Parsed{Kind: KindUrnUUID, ID: strings.TrimPrefix(ref, "urn:uuid:"), Raw: ref, Valid: true}
	}
	if urnOIDPattern.MatchString(ref) {
		return Parsed{Kind: KindUrnOID, ID: strings.TrimPrefix(ref, "urn:oid:"), Raw: ref, Valid: true}
	}
	if m := absoluteRefPattern.FindStringSubmatch(ref); m != nil {
		return Parsed{Kind: KindAbsolute, ResourceType: m[1], ID: m[2], Raw: ref, Valid: true}
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return Parsed{Kind: KindCanonical, Raw: ref, Valid: true}
	}
	return Parsed{Raw: ref, Kind: KindUnknown}
}

// ExternalPolicy controls how absolute (external) references are
// treated, set per request (spec.md §4.8).
type ExternalPolicy string

const (
	ExternalSkip  ExternalPolicy = "skip"
	ExternalWarn  ExternalPolicy = "warn"
	ExternalError ExternalPolicy = "error"
)

// Options configures a Validate call.
type Options struct {
	External ExternalPolicy // default ExternalSkip
}

// Validate walks every entry in doc, resolving each reference-typed
// value it finds against the document's own entries and against each
// resource's contained array. References that don't resolve yield
// REFERENCE_NOT_FOUND; absolute references are governed by
// opts.External.
func Validate(ctx context.Context, idx *schemaindex.Index, doc *document.Document, opts Options) []finding.Finding {
	var out []finding.Finding
	for _, entry := range doc.Entries {
		contained := extractContainedIDs(entry.Resource.Tree)
		w := &refWalker{
			ctx: ctx, idx: idx, doc: doc, opts: opts,
			resourceType: entry.Resource.Type, resourceIndex: entry.Index,
			contained: contained,
		}
		if sd, err := idx.GetByType(ctx, entry.Resource.Type); err == nil && sd != nil {
			w.elements = schemaindex.BuildElementIndex(sd)
		}
		w.walk(entry.Resource.Tree, nil, entry.Resource.Type, document.NewPointer())
		out = append(out, w.out...)
	}
	return out
}

func extractContainedIDs(tree map[string]interface{}) map[string]string {
	out := make(map[string]string)
	arr, _ := tree["contained"].([]interface{})
	for _, item := range arr {
		res, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := res["id"].(string)
		rt, _ := res["resourceType"].(string)
		if id != "" && rt != "" {
			out[id] = rt
		}
	}
	return out
}

type refWalker struct {
	ctx           context.Context
	idx           *schemaindex.Index
	doc           *document.Document
	opts          Options
	resourceType  string
	resourceIndex int
	contained     map[string]string
	elements      schemaindex.ElementIndex
	out           []finding.Finding
}

func (w *refWalker) walk(value interface{}, elem *schemaindex.ElementDef, path string, ptr document.StructuralPointer) {
	switch v := value.(type) {
	case map[string]interface{}:
		if refStr, ok := v["reference"].(string); ok {
			w.checkReference(refStr, elem, path, ptr)
		}
		keys := maps.Keys(v)
		sort.Strings(keys)
		for _, key := range keys {
			if key == "contained" || key == "reference" {
				continue
			}
			childPath := path + "." + key
			w.walk(v[key], w.idx.FindElementDef(w.ctx, w.elements, childPath), childPath, ptr.Append(key))
		}
	case []interface{}:
		for i, item := range v {
			w.walk(item, elem, path, ptr.Append(fmt.Sprintf("%d", i)))
		}
	}
}

func (w *refWalker) checkReference(refStr string, elem *schemaindex.ElementDef, path string, ptr document.StructuralPointer) {
	parsed := Parse(refStr)
	if !parsed.Valid {
		w.emit(finding.CodeReferenceNotFound, path, ptr, map[string]interface{}{
			"reference": refStr,
			"reason":    "malformed reference",
		})
		return
	}

	switch parsed.Kind {
	case KindContained:
		if _, ok := w.contained[parsed.ID]; !ok {
			w.emit(finding.CodeReferenceNotFound, path, ptr, map[string]interface{}{"reference": refStr})
		}
	case KindRelative:
		if w.doc.FindByRelativeReference(parsed.ResourceType, parsed.ID) == -1 {
			w.emit(finding.CodeReferenceNotFound, path, ptr, map[string]interface{}{
				"reference":   refStr,
				"targetTypes": w.allowedTargetTypes(elem),
			})
		}
	case KindUrnUUID:
		if w.doc.FindByFullURL("urn:uuid:"+parsed.ID) == -1 {
			w.emit(finding.CodeReferenceNotFound, path, ptr, map[string]interface{}{"reference": refStr})
		}
	case KindAbsolute, KindCanonical, KindUrnOID:
		w.checkExternal(refStr, path, ptr)
	}
}

func (w *refWalker) checkExternal(refStr, path string, ptr document.StructuralPointer) {
	switch w.opts.External {
	case ExternalError:
		w.emit(finding.CodeReferenceNotFound, path, ptr, map[string]interface{}{
			"reference": refStr,
			"reason":    "external reference policy is error",
		})
	case ExternalWarn:
		idx := w.resourceIndex
		w.out = append(w.out, finding.Finding{
			Source:        finding.SourceReference,
			Severity:      finding.SeverityWarning,
			ErrorCode:     finding.CodeReferenceNotFound,
			ResourceType:  w.resourceType,
			ResourceIndex: &idx,
			Path:          path,
			Pointer:       ptr.String(),
			Details:       map[string]interface{}{"reference": refStr, "reason": "unresolved external reference"},
		})
	default: // ExternalSkip
	}
}

func (w *refWalker) allowedTargetTypes(elem *schemaindex.ElementDef) []string {
	if elem == nil {
		return nil
	}
	var out []string
	for _, t := range elem.Types {
		if t.Code != "Reference" {
			continue
		}
		for _, p := range t.TargetProfile {
			out = append(out, extractResourceTypeFromProfile(p))
		}
	}
	return out
}

func (w *refWalker) emit(code, path string, ptr document.StructuralPointer, details map[string]interface{}) {
	idx := w.resourceIndex
	w.out = append(w.out, finding.Finding{
		Source:        finding.SourceReference,
		Severity:      finding.SeverityError,
		ErrorCode:     code,
		ResourceType:  w.resourceType,
		ResourceIndex: &idx,
		Path:          path,
		Pointer:       ptr.String(),
		Details:       details,
	})
}

func extractResourceTypeFromProfile(profile string) string {
	if strings.Contains(profile, "/StructureDefinition/") {
		parts := strings.Split(profile, "/StructureDefinition/")
		if len(parts) == 2 {
			return strings.Split(parts[1], "|")[0]
		}
	}
	if !strings.Contains(profile, "/") {
		return profile
	}
	parts := strings.Split(profile, "/")
	return parts[len(parts)-1]
}
