package rules

import (
	"strconv"
	"strings"

	"github.com/clinval/clinval/pkg/document"
)

// node is one resolved target: the matched value alongside its dotted
// expression path and structural pointer, both built during resolution
// (never cross-derived, mirroring pkg/structural's dual bookkeeping).
type node struct {
	value interface{}
	path  string
	ptr   document.StructuralPointer
}

// resolveTargetNodes evaluates a resource-relative dotted path (e.g.
// "name.family" or "identifier.value") against root, fanning out over
// every array encountered along the way — mirroring FHIRPath's
// collection semantics, where "Patient.name" denotes the collection of
// every HumanName, not "the array". ArrayLength judges cardinality from
// the size of the resulting collection (see evaluateArrayLength), not
// from inspecting an individual node's value. This is deliberately
// simpler than full expression-language evaluation: C6's target paths
// are plain navigation, per spec.md §4.6's RuleExecutionContext
// contract; only the CustomExpression kind and filter scopes escalate
// to boolean expression evaluation.
func resolveTargetNodes(root map[string]interface{}, resourceType, targetPath string) []node {
	segments := strings.Split(targetPath, ".")
	current := []node{{value: root, path: resourceType, ptr: document.NewPointer()}}

	for _, seg := range segments {
		var next []node
		for _, n := range current {
			next = append(next, stepInto(n, seg)...)
		}
		current = next
		if len(current) == 0 {
			return nil
		}
	}
	return current
}

// missingNode synthesizes a node for a target path that resolved to
// nothing, so Required/ArrayLength can still report an absent element
// rather than silently skipping it.
func missingNode(resourceType, targetPath string) node {
	segments := strings.Split(targetPath, ".")
	ptr := document.NewPointer(segments...)
	return node{value: nil, path: resourceType + "." + targetPath, ptr: ptr}
}

func stepInto(n node, seg string) []node {
	obj, ok := n.value.(map[string]interface{})
	if !ok {
		return nil
	}
	child, present := obj[seg]
	if !present {
		return nil
	}

	childPath := n.path + "." + seg
	childPtr := n.ptr.Append(seg)

	arr, isArray := child.([]interface{})
	if !isArray {
		return []node{{value: child, path: childPath, ptr: childPtr}}
	}

	out := make([]node, 0, len(arr))
	for i, item := range arr {
		out = append(out, node{value: item, path: childPath, ptr: childPtr.Append(strconv.Itoa(i))})
	}
	return out
}
