// Package document models the raw input to the validation pipeline: an
// ordered bundle of clinical resources addressed by structural pointer.
package document

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FHIRVersion identifies which version of the schema a document targets.
type FHIRVersion string

const (
	VersionR4  FHIRVersion = "R4"
	VersionR4B FHIRVersion = "R4B"
	VersionR5  FHIRVersion = "R5"
)

// Document is the root input: an ordered sequence of Entries plus version
// and project context carried from the external request (SPEC_FULL.md §6).
type Document struct {
	FhirVersion FHIRVersion
	ProjectID   string
	Entries     []Entry
	raw         map[string]interface{}
}

// Entry wraps a single Resource at a given position in the bundle.
type Entry struct {
	Index    int
	FullURL  string
	Resource Resource
}

// Resource is a tagged record: tag = resourceType, body = the JSON object
// tree (interior nodes are maps/slices, leaves are primitives).
type Resource struct {
	Type string
	ID   string
	Tree map[string]interface{}
}

// Parse decodes raw bytes into a Document. It performs no schema validation;
// that is the Structural Validator's job (C3). Parse only recognizes the
// top-level envelope shape (a Bundle with an `entry` array, or a single
// resource treated as a one-entry document).
func Parse(raw []byte, version FHIRVersion, projectID string) (*Document, error) {
	var root map[string]interface{}
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, err
	}

	doc := &Document{FhirVersion: version, ProjectID: projectID, raw: root}

	resourceType, _ := root["resourceType"].(string)
	if resourceType == "Bundle" {
		entries, _ := root["entry"].([]interface{})
		for i, e := range entries {
			em, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			fullURL, _ := em["fullUrl"].(string)
			resMap, _ := em["resource"].(map[string]interface{})
			if resMap == nil {
				continue
			}
			rt, _ := resMap["resourceType"].(string)
			id, _ := resMap["id"].(string)
			doc.Entries = append(doc.Entries, Entry{
				Index:    i,
				FullURL:  fullURL,
				Resource: Resource{Type: rt, ID: id, Tree: resMap},
			})
		}
		return doc, nil
	}

	// Single resource, not wrapped in a Bundle: treat as a one-entry document.
	id, _ := root["id"].(string)
	doc.Entries = append(doc.Entries, Entry{
		Index:    0,
		Resource: Resource{Type: resourceType, ID: id, Tree: root},
	})
	return doc, nil
}

// Raw returns the original top-level decoded JSON object.
func (d *Document) Raw() map[string]interface{} { return d.raw }

// EntryByIndex returns the entry at position i, or (Entry{}, false).
func (d *Document) EntryByIndex(i int) (Entry, bool) {
	if i < 0 || i >= len(d.Entries) {
		return Entry{}, false
	}
	return d.Entries[i], true
}

// FindByRelativeReference resolves "ResourceType/id" against the document's
// entries. Returns the entry index, or -1 if not found.
func (d *Document) FindByRelativeReference(resourceType, id string) int {
	for _, e := range d.Entries {
		if e.Resource.Type == resourceType && e.Resource.ID == id {
			return e.Index
		}
	}
	return -1
}

// FindByFullURL resolves a urn:uuid / absolute fullUrl against entry.FullURL.
func (d *Document) FindByFullURL(fullURL string) int {
	for _, e := range d.Entries {
		if e.FullURL == fullURL {
			return e.Index
		}
	}
	return -1
}

// StructuralPointer is an RFC-6901-style path: a sequence of segments, each
// a property name or a base-10 array index.
type StructuralPointer struct {
	Segments []string
}

// NewPointer builds a pointer from unescaped segments.
func NewPointer(segments ...string) StructuralPointer {
	return StructuralPointer{Segments: segments}
}

// Append returns a new pointer with additional segments.
func (p StructuralPointer) Append(segments ...string) StructuralPointer {
	out := make([]string, 0, len(p.Segments)+len(segments))
	out = append(out, p.Segments...)
	out = append(out, segments...)
	return StructuralPointer{Segments: out}
}

// String renders the pointer per RFC 6901: "/" separated, "~0"/"~1" escapes.
func (p StructuralPointer) String() string {
	if len(p.Segments) == 0 {
		return ""
	}
	var b strings.Builder
	for _, seg := range p.Segments {
		b.WriteByte('/')
		b.WriteString(escapeSegment(seg))
	}
	return b.String()
}

func escapeSegment(seg string) string {
	seg = strings.ReplaceAll(seg, "~", "~0")
	seg = strings.ReplaceAll(seg, "/", "~1")
	return seg
}

func unescapeSegment(seg string) string {
	seg = strings.ReplaceAll(seg, "~1", "/")
	seg = strings.ReplaceAll(seg, "~0", "~")
	return seg
}

// ParsePointer parses an RFC-6901 pointer string back into segments.
func ParsePointer(s string) (StructuralPointer, error) {
	if s == "" {
		return StructuralPointer{}, nil
	}
	if !strings.HasPrefix(s, "/") {
		return StructuralPointer{}, fmt.Errorf("pointer must start with '/': %q", s)
	}
	parts := strings.Split(s[1:], "/")
	segs := make([]string, len(parts))
	for i, p := range parts {
		segs[i] = unescapeSegment(p)
	}
	return StructuralPointer{Segments: segs}, nil
}

// IsIndex reports whether a segment is a base-10 array index.
func IsIndex(segment string) (int, bool) {
	if segment == "" {
		return 0, false
	}
	for _, r := range segment {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(segment)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Resolve walks root following the pointer's segments, returning the node
// found and whether every segment resolved.
func Resolve(root interface{}, p StructuralPointer) (interface{}, bool) {
	cur := root
	for _, seg := range p.Segments {
		switch v := cur.(type) {
		case map[string]interface{}:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			idx, ok := IsIndex(seg)
			if !ok || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
