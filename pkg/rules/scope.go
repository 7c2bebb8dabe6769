package rules

import (
	"encoding/json"

	"github.com/clinval/clinval/pkg/exprlang"
)

// applyScope implements the Instance Scope contract (spec.md §4.7):
// "all" (default) keeps every matching node, "first" keeps only the
// first by document order, "filter(predicate)" keeps nodes for which the
// predicate expression evaluates truthy.
func applyScope(nodes []node, scope Scope) []node {
	switch scope.Shape {
	case ScopeFirst:
		if len(nodes) == 0 {
			return nil
		}
		return nodes[:1]
	case ScopeFilter:
		return filterNodes(nodes, scope.Predicate)
	default:
		return nodes
	}
}

// filterNodes evaluates scope.Predicate against each candidate node,
// wrapping non-object values as {"value": ...} so the expression
// evaluator always receives a JSON object root.
func filterNodes(nodes []node, predicate string) []node {
	if predicate == "" {
		return nodes
	}
	var out []node
	for _, n := range nodes {
		raw, err := marshalNode(n.value)
		if err != nil {
			continue
		}
		ok, err := exprlang.EvaluateToBoolean(raw, predicate)
		if err != nil || !ok {
			continue
		}
		out = append(out, n)
	}
	return out
}

func marshalNode(value interface{}) ([]byte, error) {
	if obj, ok := value.(map[string]interface{}); ok {
		return json.Marshal(obj)
	}
	return json.Marshal(map[string]interface{}{"value": value})
}
