// Package location implements the Location Resolver (C9, spec.md
// §4.9): converting expression-form paths to RFC-6901 structural
// pointers, recovering a pointer from a raw exception message, and
// resolving document-relative references to an entry index.
package location

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/clinval/clinval/pkg/document"
	"github.com/clinval/clinval/pkg/reference"
)

// segmentPattern splits one dot-delimited expression token into a field
// name and an optional bracketed index, e.g. "name[0]" -> ("name", 0).
var segmentPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)(?:\[(\d+)\])?$`)

// singletonFields are schema-universal singular fields that some
// expression-producing libraries still index defensively (spec.md
// §4.9: "Strip [0] immediately after segments known to be
// single-valued"). Bundle.entry.resource is the canonical example —
// entry is repeating, its resource is not.
var singletonFields = map[string]bool{"resource": true}

// NavigationInfo is the result of resolving an expression path against
// a live document tree.
type NavigationInfo struct {
	Pointer        document.StructuralPointer
	Breadcrumb     []string
	Exists         bool
	MissingParents []string
}

// BuildPointer converts an expression-form path (dotted, FHIRPath-style
// array indices) into a structural pointer, applying spec.md §4.9's
// expression→pointer rules: drop the leading resource-type token,
// `.foo`→`/foo`, `[i]`→`/i`, and the two defensive [0]-stripping rules
// (trailing singleton index, and known-singleton fields like
// "resource").
func BuildPointer(path, resourceType string) document.StructuralPointer {
	path = strings.TrimPrefix(path, resourceType)
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return document.NewPointer()
	}

	tokens := strings.Split(path, ".")
	var segments []string
	for i, tok := range tokens {
		field, index, hasIndex := parseToken(tok)
		if field == "" {
			continue
		}
		segments = append(segments, field)
		if !hasIndex {
			continue
		}
		isLast := i == len(tokens)-1
		if index == 0 && (isLast || singletonFields[field]) {
			continue // defensive strip: synthesized [0] on a singleton
		}
		segments = append(segments, strconv.Itoa(index))
	}
	return document.NewPointer(segments...)
}

func parseToken(tok string) (field string, index int, hasIndex bool) {
	m := segmentPattern.FindStringSubmatch(tok)
	if m == nil {
		return tok, 0, false
	}
	if m[2] == "" {
		return m[1], 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return m[1], 0, false
	}
	return m[1], n, true
}

// ResolvePath builds the pointer for path (relative to resourceType)
// and walks it against root, reporting whether it fully resolves and,
// if not, every ancestor pointer-path along the way that was absent.
func ResolvePath(root interface{}, path, resourceType string) NavigationInfo {
	ptr := BuildPointer(path, resourceType)
	info := NavigationInfo{
		Pointer:    ptr,
		Breadcrumb: Breadcrumb(ptr, resourceType),
		Exists:     true,
	}

	cur := root
	var accum strings.Builder
	for _, seg := range ptr.Segments {
		accum.WriteByte('/')
		accum.WriteString(seg)

		if !info.Exists {
			info.MissingParents = append(info.MissingParents, accum.String())
			continue
		}

		switch v := cur.(type) {
		case map[string]interface{}:
			next, ok := v[seg]
			if !ok {
				info.Exists = false
				info.MissingParents = append(info.MissingParents, accum.String())
				continue
			}
			cur = next
		case []interface{}:
			idx, ok := document.IsIndex(seg)
			if !ok || idx < 0 || idx >= len(v) {
				info.Exists = false
				info.MissingParents = append(info.MissingParents, accum.String())
				continue
			}
			cur = v[idx]
		default:
			info.Exists = false
			info.MissingParents = append(info.MissingParents, accum.String())
		}
	}
	return info
}

// Breadcrumb derives human-ready segment labels from a pointer, folding
// each array index into the field name that precedes it ("entry[0]"
// rather than two separate entries).
func Breadcrumb(ptr document.StructuralPointer, resourceType string) []string {
	crumbs := []string{resourceType}
	for _, seg := range ptr.Segments {
		if n, ok := document.IsIndex(seg); ok && len(crumbs) > 1 {
			crumbs[len(crumbs)-1] = crumbs[len(crumbs)-1] + "[" + strconv.Itoa(n) + "]"
			continue
		}
		crumbs = append(crumbs, seg)
	}
	return crumbs
}

// locationClause matches the "(at <path>)" suffix FHIR deserializers
// conventionally append to exception messages (spec.md §4.9, §4.10).
var locationClause = regexp.MustCompile(`\(at ([A-Za-z0-9_.\[\]]+)\)`)

// FromExceptionMessage recovers a structural pointer from a raw
// exception message's location clause, or returns (zero, false) when no
// clause is present (callers then fall back to FindFieldPath's
// best-effort field-name scan of the raw JSON, per spec.md §4.9, passing
// the raw bytes they already hold via C2/C4).
func FromExceptionMessage(msg string) (document.StructuralPointer, bool) {
	m := locationClause.FindStringSubmatch(msg)
	if m == nil {
		return document.StructuralPointer{}, false
	}
	expr := m[1]
	resourceType := leadingToken(expr)
	return BuildPointer(expr, resourceType), true
}

func leadingToken(expr string) string {
	end := len(expr)
	for i, r := range expr {
		if r == '.' || r == '[' {
			end = i
			break
		}
	}
	return expr[:end]
}

// FindEntryByReference resolves a reference string against doc's
// entries by resourceType/id or urn:uuid, returning the matching entry
// index. Shares pkg/reference's shape detection (C7) rather than
// re-parsing reference strings a second way.
func FindEntryByReference(doc *document.Document, ref string) (int, bool) {
	parsed := reference.Parse(ref)
	switch parsed.Kind {
	case reference.KindRelative, reference.KindAbsolute:
		idx := doc.FindByRelativeReference(parsed.ResourceType, parsed.ID)
		return idx, idx != -1
	case reference.KindUrnUUID:
		idx := doc.FindByFullURL("urn:uuid:" + parsed.ID)
		return idx, idx != -1
	default:
		return 0, false
	}
}
