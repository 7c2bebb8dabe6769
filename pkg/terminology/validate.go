package terminology

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/exp/maps"

	"github.com/clinval/clinval/pkg/document"
	"github.com/clinval/clinval/pkg/finding"
	"github.com/clinval/clinval/pkg/schemaindex"
)

// Covered reports whether a node at path has already been checked by a
// project rule (C6), so C7 does not double-report it (spec.md §4.8:
// "whose rule set does not already cover it").
type Covered func(resourceType, path string) bool

// Validate walks res against its StructureDefinition and, for every
// coded element carrying a binding not already covered by a rule, checks
// (system, code) against store. Unbound/example/preferred/extensible
// bindings are left to C8 advisory handling (mirrors pkg/structural's
// binding-strength policy); only required bindings produce a blocking
// CODESYSTEM_VIOLATION here.
func Validate(ctx context.Context, idx *schemaindex.Index, store *Store, res document.Resource, resourceIndex int, covered Covered) []finding.Finding {
	sd, err := idx.GetByType(ctx, res.Type)
	if err != nil || sd == nil {
		return nil
	}
	elements := schemaindex.BuildElementIndex(sd)

	w := &walker{
		ctx: ctx, idx: idx, store: store, covered: covered,
		resourceType: res.Type, resourceIndex: resourceIndex, elements: elements,
	}
	w.walk(res.Tree, res.Type, document.NewPointer())
	return w.out
}

type walker struct {
	ctx           context.Context
	idx           *schemaindex.Index
	store         *Store
	covered       Covered
	resourceType  string
	resourceIndex int
	elements      schemaindex.ElementIndex
	out           []finding.Finding
}

func (w *walker) walk(node map[string]interface{}, path string, ptr document.StructuralPointer) {
	// Sorted for the same reason as pkg/structural's walker: emission
	// order here feeds finding.Seq, and map order is randomized per run.
	keys := maps.Keys(node)
	sort.Strings(keys)

	for _, key := range keys {
		if key == "resourceType" || len(key) == 0 || key[0] == '_' {
			continue
		}
		value := node[key]
		childPath := path + "." + key
		elem := w.idx.FindElementDef(w.ctx, w.elements, childPath)
		w.walkValue(value, elem, childPath, ptr.Append(key))
	}
}

func (w *walker) walkValue(value interface{}, elem *schemaindex.ElementDef, path string, ptr document.StructuralPointer) {
	switch v := value.(type) {
	case []interface{}:
		for i, item := range v {
			w.walkValue(item, elem, path, ptr.Append(fmt.Sprintf("%d", i)))
		}
	case map[string]interface{}:
		if elem != nil {
			w.checkCoding(v, elem, path, ptr)
		}
		w.walk(v, path, ptr)
	default:
		if elem != nil && elem.Binding != nil {
			w.checkCode(value, "", elem, path, ptr)
		}
	}
}

// checkCoding handles the common FHIR shape where the bound value is
// itself a Coding (system+code) or CodeableConcept (coding[]), rather
// than a bare code string.
func (w *walker) checkCoding(obj map[string]interface{}, elem *schemaindex.ElementDef, path string, ptr document.StructuralPointer) {
	if elem.Binding == nil {
		return
	}
	if system, ok := obj["system"].(string); ok {
		code, _ := obj["code"].(string)
		w.checkCode(code, system, elem, path, ptr)
	}
}

func (w *walker) checkCode(value interface{}, system string, elem *schemaindex.ElementDef, path string, ptr document.StructuralPointer) {
	if elem.Binding.Strength != string(schemaindex.BindingRequired) {
		return
	}
	code, ok := value.(string)
	if !ok || code == "" {
		return
	}
	if w.covered != nil && w.covered(w.resourceType, path) {
		return
	}

	ok, err := w.store.ValidateCode(w.ctx, system, code, elem.Binding.ValueSet)
	if err != nil {
		return // value set not loaded; nothing to enforce
	}
	if ok {
		return
	}

	idx := w.resourceIndex
	w.out = append(w.out, finding.Finding{
		Source:        finding.SourceTerminology,
		Severity:      finding.SeverityError,
		ErrorCode:     finding.CodeCodesystemViolation,
		ResourceType:  w.resourceType,
		ResourceIndex: &idx,
		Path:          path,
		Pointer:       ptr.String(),
		Details: map[string]interface{}{
			"system":       system,
			"code":         code,
			"valueSet":     elem.Binding.ValueSet,
			"allowedCodes": w.store.Codes(elem.Binding.ValueSet),
		},
	})
}
