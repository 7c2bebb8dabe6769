package schemaindex

import (
	"context"
	"strings"
)

// choiceSuffixes lists the possible type suffixes for choice elements
// (value[x]).
var choiceSuffixes = []string{
	"Boolean", "Integer", "String", "Date", "DateTime", "Time",
	"Decimal", "Uri", "Url", "Canonical", "Code", "Oid", "Id", "Uuid",
	"Markdown", "Base64Binary", "Instant", "PositiveInt", "UnsignedInt",
	"CodeableConcept", "Coding", "Quantity", "Range", "Period",
	"Ratio", "SampledData", "Attachment", "Reference", "Identifier",
	"HumanName", "Address", "ContactPoint", "Timing", "Signature",
	"Annotation", "Money", "Age", "Distance", "Duration", "Count",
}

var complexTypes = map[string]bool{
	"Address": true, "Age": true, "Annotation": true, "Attachment": true,
	"CodeableConcept": true, "Coding": true, "ContactPoint": true,
	"Count": true, "Distance": true, "Duration": true, "HumanName": true,
	"Identifier": true, "Money": true, "Period": true, "Quantity": true,
	"Range": true, "Ratio": true, "SampledData": true, "Signature": true,
	"Timing": true, "Extension": true, "Narrative": true, "Meta": true,
	"Dosage": true, "ElementDefinition": true,
}

// ElementIndex is a per-StructureDefinition lookup of element definitions
// by dotted path (e.g. "Patient.name.family").
type ElementIndex map[string]*ElementDef

// BuildElementIndex indexes a StructureDefinition's snapshot by path.
func BuildElementIndex(sd *StructureDef) ElementIndex {
	idx := make(ElementIndex, len(sd.Snapshot))
	for i := range sd.Snapshot {
		elem := &sd.Snapshot[i]
		idx[elem.Path] = elem
	}
	return idx
}

// FindElementDef resolves an ElementDef for a dotted path, handling choice
// types (value[x]) and nested complex-type elements by recursing into the
// complex type's own StructureDefinition, capped at maxComplexTypeDepth.
func (idx *Index) FindElementDef(ctx context.Context, elements ElementIndex, path string) *ElementDef {
	if elem, ok := elements[path]; ok {
		return elem
	}

	parts := strings.Split(path, ".")

	if len(parts) >= 2 {
		lastPart := parts[len(parts)-1]
		for _, suffix := range choiceSuffixes {
			if strings.HasSuffix(lastPart, suffix) {
				baseName := strings.TrimSuffix(lastPart, suffix)
				choicePath := strings.Join(parts[:len(parts)-1], ".") + "." + baseName + "[x]"
				if elem, ok := elements[choicePath]; ok {
					return choiceResolvedElement(elem, path, suffix)
				}
			}
		}
	}

	if len(parts) >= 3 {
		for i := len(parts) - 1; i >= 2; i-- {
			ancestorPath := strings.Join(parts[:i], ".")

			if ancestorElem, ok := elements[ancestorPath]; ok && len(ancestorElem.Types) > 0 {
				typeCode := ancestorElem.Types[0].Code
				if isComplexType(typeCode) {
					if elemDef := idx.findElementInComplexType(ctx, typeCode, parts[i:], path, 1); elemDef != nil {
						return elemDef
					}
					return &ElementDef{Path: path, Min: 0, Max: "*"}
				}
			}

			ancestorParts := strings.Split(ancestorPath, ".")
			if len(ancestorParts) >= 2 {
				ancestorLastPart := ancestorParts[len(ancestorParts)-1]
				for _, suffix := range choiceSuffixes {
					if strings.HasSuffix(ancestorLastPart, suffix) {
						baseName := strings.TrimSuffix(ancestorLastPart, suffix)
						choicePath := strings.Join(ancestorParts[:len(ancestorParts)-1], ".") + "." + baseName + "[x]"
						if _, ok := elements[choicePath]; ok && isComplexType(suffix) {
							if elemDef := idx.findElementInComplexType(ctx, suffix, parts[i:], path, 1); elemDef != nil {
								return elemDef
							}
							return &ElementDef{Path: path, Min: 0, Max: "*"}
						}
					}
				}
			}
		}
	}

	return nil
}

func choiceResolvedElement(elem *ElementDef, path, suffix string) *ElementDef {
	typeCode := strings.ToLower(suffix[:1]) + suffix[1:]
	return &ElementDef{
		ID: elem.ID, Path: path, SliceName: elem.SliceName,
		Min: elem.Min, Max: elem.Max,
		Types:       []TypeRef{{Code: typeCode}},
		Binding:     elem.Binding,
		Constraints: elem.Constraints,
		Fixed:       elem.Fixed,
		Pattern:     elem.Pattern,
		Short:       elem.Short,
		Definition:  elem.Definition,
		MustSupport: elem.MustSupport,
		IsModifier:  elem.IsModifier,
		IsSummary:   elem.IsSummary,
	}
}

// findElementInComplexType loads typeCode's own StructureDefinition and
// resolves remainingParts within it, recursing into further nested complex
// types up to maxComplexTypeDepth (spec.md §4.1: "depth-capped expansion").
// Beyond the cap, nested elements are treated as opaque primitives — the
// caller receives nil and falls back to a permissive synthetic ElementDef.
func (idx *Index) findElementInComplexType(ctx context.Context, typeCode string, remainingParts []string, originalPath string, depth int) *ElementDef {
	if len(remainingParts) == 0 || depth > maxComplexTypeDepth {
		return nil
	}

	typeURL := "http://hl7.org/fhir/StructureDefinition/" + typeCode
	typeDef, err := idx.Get(ctx, typeURL)
	if err != nil {
		return nil
	}

	fullTypePath := typeCode + "." + strings.Join(remainingParts, ".")
	for i := range typeDef.Snapshot {
		elem := &typeDef.Snapshot[i]
		if elem.Path == fullTypePath {
			return cloneWithPath(elem, originalPath)
		}
	}

	if len(remainingParts) >= 1 {
		lastPart := remainingParts[len(remainingParts)-1]
		for _, suffix := range choiceSuffixes {
			if !strings.HasSuffix(lastPart, suffix) {
				continue
			}
			baseName := strings.TrimSuffix(lastPart, suffix)
			choicePath := typeCode + "." + baseName + "[x]"
			if len(remainingParts) > 1 {
				choicePath = typeCode + "." + strings.Join(remainingParts[:len(remainingParts)-1], ".") + "." + baseName + "[x]"
			}
			for i := range typeDef.Snapshot {
				elem := &typeDef.Snapshot[i]
				if elem.Path == choicePath {
					return choiceResolvedElement(elem, originalPath, suffix)
				}
			}
		}
	}

	for i := 1; i < len(remainingParts); i++ {
		intermediatePath := typeCode + "." + strings.Join(remainingParts[:i], ".")
		for j := range typeDef.Snapshot {
			elem := &typeDef.Snapshot[j]
			if elem.Path == intermediatePath && len(elem.Types) > 0 {
				intermediateTypeCode := elem.Types[0].Code
				if isComplexType(intermediateTypeCode) {
					if result := idx.findElementInComplexType(ctx, intermediateTypeCode, remainingParts[i:], originalPath, depth+1); result != nil {
						return result
					}
				}
			}
		}
	}

	return nil
}

func cloneWithPath(elem *ElementDef, path string) *ElementDef {
	return &ElementDef{
		ID: elem.ID, Path: path, SliceName: elem.SliceName,
		Min: elem.Min, Max: elem.Max, Types: elem.Types,
		Binding:     elem.Binding,
		Constraints: elem.Constraints,
		Fixed:       elem.Fixed,
		Pattern:     elem.Pattern,
		Short:       elem.Short,
		Definition:  elem.Definition,
		MustSupport: elem.MustSupport,
		IsModifier:  elem.IsModifier,
		IsSummary:   elem.IsSummary,
	}
}

func isComplexType(typeCode string) bool { return complexTypes[typeCode] }

// AllowedValues implements the C1 contract: allowed_values(resourceType,
// elementPath) -> (values, bindingStrength). Returns ok=false if the
// element has no binding.
func (idx *Index) AllowedValues(ctx context.Context, resourceType, elementPath string, values map[string][]string) (allowed []string, strength BindingStrength, ok bool) {
	sd, err := idx.GetByType(ctx, resourceType)
	if err != nil {
		return nil, "", false
	}
	elements := BuildElementIndex(sd)
	elem := idx.FindElementDef(ctx, elements, elementPath)
	if elem == nil || elem.Binding == nil || elem.Binding.Strength == "" {
		return nil, "", false
	}
	return values[elem.Binding.ValueSet], BindingStrength(elem.Binding.Strength), true
}

// Cardinality implements the C1 contract: cardinality(resourceType,
// elementPath) -> (min, max).
func (idx *Index) Cardinality(ctx context.Context, resourceType, elementPath string) (Cardinality, bool) {
	sd, err := idx.GetByType(ctx, resourceType)
	if err != nil {
		return Cardinality{}, false
	}
	elements := BuildElementIndex(sd)
	elem := idx.FindElementDef(ctx, elements, elementPath)
	if elem == nil {
		return Cardinality{}, false
	}
	return Cardinality{Min: elem.Min, Max: elem.Max}, true
}

// IsArray implements the C1 contract: is_array(resourceType, elementPath).
func (idx *Index) IsArray(ctx context.Context, resourceType, elementPath string) bool {
	card, ok := idx.Cardinality(ctx, resourceType, elementPath)
	if !ok {
		return false
	}
	max, unbounded := parseCardinalityMax(card.Max)
	return unbounded || max > 1
}

// RequiredFields implements the C1 contract: required_fields(resourceType)
// -> Set<path>, the set of top-level element paths with min > 0.
func (idx *Index) RequiredFields(ctx context.Context, resourceType string) (map[string]bool, error) {
	sd, err := idx.GetByType(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, elem := range sd.Snapshot {
		if elem.Min > 0 {
			out[elem.Path] = true
		}
	}
	return out, nil
}
