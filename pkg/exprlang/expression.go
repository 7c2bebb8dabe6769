package exprlang

import (
	"github.com/clinval/clinval/pkg/exprlang/eval"
	"github.com/clinval/clinval/pkg/exprlang/funcs"
	"github.com/clinval/clinval/pkg/exprlang/parser"
	"github.com/clinval/clinval/pkg/exprlang/types"
)

// Expression represents a compiled FHIRPath expression.
type Expression struct {
	source string
	tree   parser.Node
}

// Evaluate executes the expression against a JSON resource.
func (e *Expression) Evaluate(resource []byte) (types.Collection, error) {
	ctx := eval.NewContext(resource)
	return e.EvaluateWithContext(ctx)
}

// EvaluateWithContext executes the expression with a custom context.
func (e *Expression) EvaluateWithContext(ctx *eval.Context) (types.Collection, error) {
	evaluator := eval.NewEvaluator(ctx, funcs.GetRegistry())
	return evaluator.Evaluate(e.tree)
}

// String returns the original expression string.
func (e *Expression) String() string {
	return e.source
}
