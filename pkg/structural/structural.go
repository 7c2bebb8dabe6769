package structural

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"

	"github.com/clinval/clinval/pkg/document"
	"github.com/clinval/clinval/pkg/finding"
	"github.com/clinval/clinval/pkg/schemaindex"
)

// Mode selects how unrecognized elements are treated (spec.md §4.3).
type Mode int

const (
	// ModeStandard tolerates unknown elements (they flow through to C8
	// only, never as a structural finding).
	ModeStandard Mode = iota
	// ModeStrictSchema additionally emits UNKNOWN_ELEMENT findings for
	// any property not present in the element index.
	ModeStrictSchema
)

// ValueSets supplies the concrete code list for a bound value set URL, as
// loaded by the terminology store. The Structural Validator consults it
// only for required-strength bindings (spec.md §9: extensible/preferred
// bindings never produce a blocking structural finding).
type ValueSets interface {
	Codes(valueSetURL string) []string
}

// Validate walks a single resource tree and returns every structural
// finding. resourceIndex is attached to each finding so C9 can locate the
// owning entry within a multi-resource bundle.
func Validate(ctx context.Context, idx *schemaindex.Index, vs ValueSets, res document.Resource, resourceIndex int, mode Mode) []finding.Finding {
	w := &walker{
		ctx:           ctx,
		idx:           idx,
		vs:            vs,
		resourceType:  res.Type,
		resourceIndex: resourceIndex,
		mode:          mode,
	}

	sd, err := idx.GetByType(ctx, res.Type)
	if err != nil {
		// No schema registered for this resource type: nothing
		// structural to check against (C4/C6 may still run).
		return nil
	}
	w.elements = schemaindex.BuildElementIndex(sd)

	w.walkNode(res.Tree, res.Type, document.NewPointer())
	return w.out
}

type walker struct {
	ctx           context.Context
	idx           *schemaindex.Index
	vs            ValueSets
	resourceType  string
	resourceIndex int
	mode          Mode
	elements      schemaindex.ElementIndex
	out           []finding.Finding
}

func (w *walker) emit(errorCode string, severity finding.Severity, path string, ptr document.StructuralPointer, details map[string]interface{}) {
	ri := w.resourceIndex
	if details == nil {
		details = map[string]interface{}{}
	}
	w.out = append(w.out, finding.Finding{
		Source:        finding.SourceStructure,
		Severity:      severity,
		ErrorCode:     errorCode,
		ResourceType:  w.resourceType,
		Path:          path,
		Pointer:       ptr.String(),
		ResourceIndex: &ri,
		Details:       details,
	})
}

// walkNode recursively validates one object node (dotted expression path
// in parallel with the RFC-6901 structural pointer — the two are built
// together but never cross-derived, per spec.md §9).
func (w *walker) walkNode(node map[string]interface{}, path string, ptr document.StructuralPointer) {
	present := make(map[string]bool, len(node))

	// Keys are walked in sorted order, not map order: Go randomizes
	// map iteration per-run, and emission order here feeds finding.Seq
	// (via builder.Build in the pipeline's runResource), which backs
	// the dedup/sort pass. Unsorted iteration would make the same
	// bundle yield a different finding sequence on every run.
	keys := maps.Keys(node)
	sort.Strings(keys)

	for _, key := range keys {
		if key == "resourceType" || strings.HasPrefix(key, "_") {
			continue
		}
		value := node[key]
		present[key] = true

		childPath := path + "." + key
		childPtr := ptr.Append(key)
		elem := w.idx.FindElementDef(w.ctx, w.elements, childPath)

		if elem == nil {
			if w.mode == ModeStrictSchema {
				w.emit(finding.CodeUnknownElement, finding.SeverityError, childPath, childPtr, map[string]interface{}{
					"unknownElement": key,
					"location":       childPath,
				})
			}
			continue
		}

		w.validateCardinalityAndShape(value, elem, childPath, childPtr)
		w.validateValue(value, elem, childPath, childPtr)
	}

	w.checkMandatory(path, ptr, present)
}

// validateCardinalityAndShape checks array-vs-scalar shape and, when the
// value is an array, its length against min/max.
func (w *walker) validateCardinalityAndShape(value interface{}, elem *schemaindex.ElementDef, path string, ptr document.StructuralPointer) {
	_, isArray := value.([]interface{})
	wantsArray := isArrayMax(elem.Max)

	if isArray != wantsArray {
		if wantsArray {
			w.emit(finding.CodeArrayExpected, finding.SeverityError, path, ptr, map[string]interface{}{
				"expectedType": "array",
				"actualType":   jsonTypeName(value),
			})
		}
		// A scalar-expected element holding an array is reported by
		// the typed parser (C4) as a type mismatch, not here.
		return
	}

	if isArray {
		arr := value.([]interface{})
		maxVal, unbounded := parseMax(elem.Max)
		if len(arr) < elem.Min || (!unbounded && len(arr) > maxVal) {
			details := map[string]interface{}{"actual": len(arr), "min": elem.Min}
			if !unbounded {
				details["max"] = maxVal
			}
			w.emit(finding.CodeArrayLength, finding.SeverityError, path, ptr, details)
		}
	}
}

// validateValue dispatches to primitive-format checks, required-binding
// enum checks, and recurses into object/array children.
func (w *walker) validateValue(value interface{}, elem *schemaindex.ElementDef, path string, ptr document.StructuralPointer) {
	switch v := value.(type) {
	case []interface{}:
		for i, item := range v {
			itemPath := path // teacher convention: array items reuse the parent's dotted path
			itemPtr := ptr.Append(strconv.Itoa(i))
			w.validateSingleValue(item, elem, itemPath, itemPtr)
		}
	default:
		w.validateSingleValue(value, elem, path, ptr)
	}
}

func (w *walker) validateSingleValue(value interface{}, elem *schemaindex.ElementDef, path string, ptr document.StructuralPointer) {
	if obj, ok := value.(map[string]interface{}); ok {
		w.walkComplexValue(obj, elem, path, ptr)
		return
	}

	typeCode := primaryTypeCode(elem)
	if ok, reason := primitiveCheck(value, typeCode); !ok {
		w.emit(finding.CodeInvalidPrimitive, finding.SeverityError, path, ptr, map[string]interface{}{
			"actual":       fmt.Sprintf("%v", value),
			"expectedType": typeCode,
			"reason":       reason,
		})
		return
	}

	if elem.Binding != nil && elem.Binding.Strength == string(schemaindex.BindingRequired) {
		w.checkRequiredBinding(value, elem, path, ptr)
	}
}

func (w *walker) checkRequiredBinding(value interface{}, elem *schemaindex.ElementDef, path string, ptr document.StructuralPointer) {
	s, ok := value.(string)
	if !ok || w.vs == nil {
		return
	}
	codes := w.vs.Codes(elem.Binding.ValueSet)
	if len(codes) == 0 {
		return // value set not loaded; nothing to enforce against
	}
	for _, c := range codes {
		if c == s {
			return
		}
	}
	w.emit(finding.CodeInvalidEnumValue, finding.SeverityError, path, ptr, map[string]interface{}{
		"actual":          s,
		"allowed":         codes,
		"valueType":       "enum",
		"valueSet":        elem.Binding.ValueSet,
		"bindingStrength": elem.Binding.Strength,
	})
}

// walkComplexValue recurses into an object-valued element, switching to
// the contained resource's own element index when the object declares its
// own resourceType (spec.md's contained-resource carve-out).
func (w *walker) walkComplexValue(obj map[string]interface{}, elem *schemaindex.ElementDef, path string, ptr document.StructuralPointer) {
	if rt, ok := obj["resourceType"].(string); ok && rt != "" {
		sd, err := w.idx.GetByType(w.ctx, rt)
		if err != nil {
			return
		}
		saved := w.elements
		savedType := w.resourceType
		w.elements = schemaindex.BuildElementIndex(sd)
		w.resourceType = rt
		w.walkNode(obj, rt, ptr)
		w.elements = saved
		w.resourceType = savedType
		return
	}
	w.walkNode(obj, path, ptr)
}

// checkMandatory emits MANDATORY_MISSING for every required child element
// of the current node that was not present among its keys.
func (w *walker) checkMandatory(path string, ptr document.StructuralPointer, present map[string]bool) {
	prefix := path + "."
	seen := map[string]bool{}
	for _, elem := range w.elements {
		if !strings.HasPrefix(elem.Path, prefix) || elem.Min <= 0 {
			continue
		}
		rest := strings.TrimPrefix(elem.Path, prefix)
		if strings.Contains(rest, ".") {
			continue // only direct children of this node
		}
		name := rest
		if strings.HasSuffix(name, "[x]") {
			name = strings.TrimSuffix(name, "[x]")
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		if !present[name] && !hasChoiceValue(present, name) {
			w.emit(finding.CodeMandatoryMissing, finding.SeverityError, path+"."+name, ptr.Append(name), map[string]interface{}{
				"missingElement": path + "." + name,
			})
		}
	}
}

// hasChoiceValue reports whether a choice element ("value[x]") is present
// under any of its concrete type suffixes (e.g. "valueString").
func hasChoiceValue(present map[string]bool, base string) bool {
	for key := range present {
		if strings.HasPrefix(key, base) && key != base {
			return true
		}
	}
	return false
}

// PrimaryTypeCode returns the first declared type code for elem, or "" if
// elem declares none. Exported for C4's reuse (see primitives.go).
func PrimaryTypeCode(elem *schemaindex.ElementDef) string {
	return primaryTypeCode(elem)
}

func primaryTypeCode(elem *schemaindex.ElementDef) string {
	if len(elem.Types) == 0 {
		return ""
	}
	return elem.Types[0].Code
}

func isArrayMax(max string) bool {
	_, unbounded := parseMax(max)
	if unbounded {
		return true
	}
	n, _ := parseMax(max)
	return n > 1
}

// jsonTypeName names the JSON type of a decoded value, for ARRAY_EXPECTED's
// actualType detail.
func jsonTypeName(value interface{}) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	default:
		return "unknown"
	}
}

func parseMax(max string) (int, bool) {
	if max == "*" || max == "" {
		return 0, true
	}
	n, err := strconv.Atoi(max)
	if err != nil {
		return 0, true
	}
	return n, false
}
