// Package typedparse implements the Typed Parser with Capture (C4): a
// two-pass decode that, on the teacher's generic (non-codegen'd) model,
// means a strict schema-driven re-walk of the already-decoded JSON tree
// followed by a permissive fallback (spec.md §4.4).
package typedparse

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/exp/maps"

	"github.com/clinval/clinval/pkg/common"
	"github.com/clinval/clinval/pkg/document"
	"github.com/clinval/clinval/pkg/finding"
	"github.com/clinval/clinval/pkg/schemaindex"
	"github.com/clinval/clinval/pkg/structural"
)

// ValueSets supplies the concrete code list for a bound value set URL, so
// the strict pass can reject an out-of-enumeration literal the same way a
// real strict typed deserializer would (spec.md §4.4's "reject
// unrecognized enums"). Satisfied by *terminology.Store.
type ValueSets interface {
	Codes(valueSetURL string) []string
}

// Value is the typed output carried downstream to C5/C6/C7. Because no
// generated per-resource structs exist in this tree (see DESIGN.md), the
// "typed value" is the same tree the strict pass accepted, tagged as
// trustworthy — downstream consumers key off Value.Strict to decide
// whether enum/shape assumptions hold.
type Value struct {
	ResourceType string
	Tree         map[string]interface{}
	Strict       bool
}

// Result is the outcome of parsing a single resource: at most one of
// Value/Failure is meaningful, matching §4.4's "if both fail, report the
// strict-mapped Finding and continue with typed_value = None".
type Result struct {
	Value   *Value
	Failure *finding.Finding
}

// enumViolationError carries the full allowed-code list for a required
// binding rejection. Plain text alone can't recover that list on the other
// side of a regex match, so this bypasses the exception pattern table
// rather than losing the "allowed" detail the catalog schema requires.
type enumViolationError struct {
	value   string
	allowed []string
	path    string
}

func (e *enumViolationError) Error() string {
	return fmt.Sprintf("Literal '%s' is not a valid value for the bound enumeration (at %s)", e.value, e.path)
}

// Parse runs the strict pass, falling back to the lenient pass only if the
// strict pass fails with an Encountered/violates exception, per spec.md
// §4.4. onFallback, when non-nil, is invoked with unmatched exception
// messages (the caller logs them at info level — this package carries no
// logger dependency of its own).
func Parse(ctx context.Context, idx *schemaindex.Index, vs ValueSets, res document.Resource, resourceIndex int, onFallback func(msg string)) Result {
	elements, sd, err := loadElements(ctx, idx, res.Type)
	if err != nil {
		return Result{Failure: deserializationFailure(res.Type, resourceIndex, err.Error())}
	}

	if strictErr := strictWalk(ctx, idx, elements, vs, res.Tree, res.Type); strictErr != nil {
		var f finding.Finding
		var enumErr *enumViolationError
		if errors.As(strictErr, &enumErr) {
			f = finding.Finding{
				ErrorCode: finding.CodeInvalidEnumValue,
				Details: map[string]interface{}{
					"actual":    enumErr.value,
					"allowed":   enumErr.allowed,
					"valueType": "enum",
				},
				Explanation: enumErr.path,
			}
		} else {
			matched := false
			f, matched = mapException(strictErr.Error())
			if !matched && onFallback != nil {
				onFallback(strictErr.Error())
			}
		}
		f.Source = finding.SourceStructure
		f.Severity = finding.SeverityError
		f.ResourceType = res.Type
		ri := resourceIndex
		f.ResourceIndex = &ri

		// Lenient pass: best-effort typed value even though strict
		// parsing failed, per §4.4 ("surface best-effort typed
		// value").
		return Result{
			Value:   &Value{ResourceType: res.Type, Tree: res.Tree, Strict: false},
			Failure: &f,
		}
	}

	_ = sd
	return Result{Value: &Value{ResourceType: res.Type, Tree: res.Tree, Strict: true}}
}

func loadElements(ctx context.Context, idx *schemaindex.Index, resourceType string) (schemaindex.ElementIndex, *schemaindex.StructureDef, error) {
	sd, err := idx.GetByType(ctx, resourceType)
	if err != nil {
		return nil, nil, common.WrapPathf(resourceType, "no schema registered for resource type %q", resourceType)
	}
	return schemaindex.BuildElementIndex(sd), sd, nil
}

// strictWalk re-walks the tree rejecting unknown members, malformed
// primitives, and unrecognized enums, returning an error shaped like the
// exception messages §4.10's pattern table expects, so mapException can
// recover the errorCode. This simulates what a real strict typed
// deserializer throws on first violation (spec.md §9: "only the library
// boundary may raise, and the wrapper converts on the spot") — since this
// tree has no generated per-resource structs, the simulation is a
// schema-driven walk that stops at the first rejection, same as a real
// decoder would.
func strictWalk(ctx context.Context, idx *schemaindex.Index, elements schemaindex.ElementIndex, vs ValueSets, node map[string]interface{}, path string) error {
	// Sorted, not map-order: this walk stops at the first rejection, so
	// unsorted iteration would make which violation gets reported (and
	// therefore the resulting Finding's path/errorCode) vary run to run
	// for the same malformed resource.
	keys := maps.Keys(node)
	sort.Strings(keys)

	for _, key := range keys {
		if key == "resourceType" || len(key) > 0 && key[0] == '_' {
			continue
		}
		value := node[key]
		childPath := path + "." + key
		elem := idx.FindElementDef(ctx, elements, childPath)
		if elem == nil {
			return fmt.Errorf("Encountered unknown element '%s' (at %s)", key, childPath)
		}

		if arr, ok := value.([]interface{}); ok {
			for _, item := range arr {
				if err := strictWalkValue(ctx, idx, elements, vs, item, elem, childPath); err != nil {
					return err
				}
			}
			continue
		}
		if err := strictWalkValue(ctx, idx, elements, vs, value, elem, childPath); err != nil {
			return err
		}
	}
	return nil
}

func strictWalkValue(ctx context.Context, idx *schemaindex.Index, elements schemaindex.ElementIndex, vs ValueSets, value interface{}, elem *schemaindex.ElementDef, path string) error {
	if obj, ok := value.(map[string]interface{}); ok {
		return strictWalk(ctx, idx, elements, vs, obj, path)
	}

	typeCode := structural.PrimaryTypeCode(elem)
	if ok, _ := structural.PrimitiveCheck(value, typeCode); !ok {
		return fmt.Errorf("Literal '%v' cannot be parsed as %s (at %s)", value, typeCode, path)
	}

	if elem.Binding != nil && elem.Binding.Strength == string(schemaindex.BindingRequired) && vs != nil {
		s, isStr := value.(string)
		if isStr {
			codes := vs.Codes(elem.Binding.ValueSet)
			if len(codes) > 0 && !contains(codes, s) {
				return &enumViolationError{value: s, allowed: codes, path: path}
			}
		}
	}
	return nil
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

func deserializationFailure(resourceType string, resourceIndex int, msg string) *finding.Finding {
	ri := resourceIndex
	return &finding.Finding{
		Source:        finding.SourceStructure,
		Severity:      finding.SeverityError,
		ErrorCode:     finding.CodeDeserializationError,
		ResourceType:  resourceType,
		ResourceIndex: &ri,
		Details:       map[string]interface{}{"message": msg},
	}
}
