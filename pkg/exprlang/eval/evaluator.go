package eval

import (
	"context"
	"strconv"
	"strings"

	"github.com/clinval/clinval/pkg/exprlang/parser"
	"github.com/clinval/clinval/pkg/exprlang/types"
)

// FuncImpl is the signature for function implementations.
type FuncImpl func(ctx *Context, input types.Collection, args []interface{}) (types.Collection, error)

// FuncDef defines a FHIRPath function.
type FuncDef struct {
	Name    string
	MinArgs int
	MaxArgs int
	Fn      FuncImpl
}

// FuncRegistry is an interface for function lookup.
type FuncRegistry interface {
	Get(name string) (FuncDef, bool)
}

// Resolver handles FHIR reference resolution.
type Resolver interface {
	Resolve(ctx context.Context, reference string) ([]byte, error)
}

// Evaluator evaluates a FHIRPath AST against a Context.
type Evaluator struct {
	ctx   *Context
	funcs FuncRegistry
}

// Context holds the evaluation state.
type Context struct {
	root      types.Collection
	this      types.Collection
	index     int
	total     types.Value
	variables map[string]types.Collection
	limits    map[string]int
	goCtx     context.Context
	resolver  Resolver
}

// NewContext creates a new evaluation context.
// Automatically sets %resource and %context to the root resource for FHIR constraint evaluation.
// Per FHIRPath spec:
//   - %resource: the root resource being evaluated
//   - %context: the original node passed to the evaluation engine (same as %resource for top-level evaluation)
func NewContext(resource []byte) *Context {
	//nolint:errcheck // Empty collection is acceptable for invalid JSON in context creation
	root, _ := types.JSONToCollection(resource)

	// Initialize variables map with %resource and %context pointing to root
	// %resource is required by FHIR constraints like bdl-3, bdl-4
	// %context represents the evaluation context (same as root for top-level evaluation)
	variables := make(map[string]types.Collection)
	variables["resource"] = root
	variables["context"] = root

	return &Context{
		root:      root,
		this:      root,
		variables: variables,
		limits:    make(map[string]int),
		goCtx:     context.Background(),
	}
}

// SetLimit sets a limit value (e.g., maxDepth, maxCollectionSize).
func (c *Context) SetLimit(name string, value int) {
	if c.limits == nil {
		c.limits = make(map[string]int)
	}
	c.limits[name] = value
}

// GetLimit gets a limit value.
func (c *Context) GetLimit(name string) int {
	if c.limits == nil {
		return 0
	}
	return c.limits[name]
}

// SetContext sets the Go context for cancellation.
func (c *Context) SetContext(ctx context.Context) {
	c.goCtx = ctx
}

// Context returns the Go context.
func (c *Context) Context() context.Context {
	if c.goCtx == nil {
		return context.Background()
	}
	return c.goCtx
}

// SetResolver sets the reference resolver.
func (c *Context) SetResolver(r Resolver) {
	c.resolver = r
}

// GetResolver returns the reference resolver.
func (c *Context) GetResolver() Resolver {
	return c.resolver
}

// CheckCancellation checks if the context has been canceled.
func (c *Context) CheckCancellation() error {
	if c.goCtx == nil {
		return nil
	}
	select {
	case <-c.goCtx.Done():
		return c.goCtx.Err()
	default:
		return nil
	}
}

// CheckCollectionSize validates that a collection doesn't exceed the maximum size.
// Returns an error if the collection is too large.
func (c *Context) CheckCollectionSize(col types.Collection) error {
	maxSize := c.GetLimit("maxCollectionSize")
	if maxSize > 0 && len(col) > maxSize {
		return NewEvalError(ErrInvalidExpression,
			"collection size %d exceeds maximum allowed %d", len(col), maxSize)
	}
	return nil
}

// EnforceCollectionLimit truncates a collection if it exceeds the maximum size.
// Returns the (possibly truncated) collection and whether truncation occurred.
func (c *Context) EnforceCollectionLimit(col types.Collection) (types.Collection, bool) {
	maxSize := c.GetLimit("maxCollectionSize")
	if maxSize > 0 && len(col) > maxSize {
		return col[:maxSize], true
	}
	return col, false
}

// Root returns the root collection.
func (c *Context) Root() types.Collection {
	return c.root
}

// This returns the current $this value.
func (c *Context) This() types.Collection {
	return c.this
}

// WithThis returns a new context with the given $this value.
func (c *Context) WithThis(this types.Collection) *Context {
	newCtx := *c
	newCtx.this = this
	return &newCtx
}

// WithIndex returns a new context with the given $index value.
func (c *Context) WithIndex(index int) *Context {
	newCtx := *c
	newCtx.index = index
	return &newCtx
}

// SetVariable sets an external variable.
func (c *Context) SetVariable(name string, value types.Collection) {
	c.variables[name] = value
}

// GetVariable gets an external variable.
func (c *Context) GetVariable(name string) (types.Collection, bool) {
	v, ok := c.variables[name]
	return v, ok
}

// NewEvaluator creates a new evaluator with the given context and function registry.
func NewEvaluator(ctx *Context, funcs FuncRegistry) *Evaluator {
	return &Evaluator{ctx: ctx, funcs: funcs}
}

// Evaluate evaluates a parsed expression tree and returns the result.
func (e *Evaluator) Evaluate(tree parser.Node) (types.Collection, error) {
	result := e.Visit(tree)
	if err, ok := result.(error); ok {
		return nil, err
	}
	if col, ok := result.(types.Collection); ok {
		return col, nil
	}
	return types.Collection{}, nil
}

// Visit dispatches on the concrete AST node type.
func (e *Evaluator) Visit(node parser.Node) interface{} {
	if node == nil {
		return types.Collection{}
	}

	switch n := node.(type) {
	case *parser.NullLiteral:
		return types.Collection{}
	case *parser.BooleanLiteral:
		return types.Collection{types.NewBoolean(n.Value)}
	case *parser.StringLiteral:
		return types.Collection{types.NewString(unquoteString(n.Raw))}
	case *parser.NumberLiteral:
		return e.visitNumberLiteral(n)
	case *parser.DateLiteral:
		d, err := types.NewDate(n.Raw)
		if err != nil {
			return ParseError("invalid date: " + n.Raw)
		}
		return types.Collection{d}
	case *parser.DateTimeLiteral:
		dt, err := types.NewDateTime(n.Raw)
		if err != nil {
			return ParseError("invalid datetime: " + n.Raw)
		}
		return types.Collection{dt}
	case *parser.TimeLiteral:
		t, err := types.NewTime(n.Raw)
		if err != nil {
			return ParseError("invalid time: " + n.Raw)
		}
		return types.Collection{t}
	case *parser.QuantityLiteral:
		q, err := types.NewQuantity(n.Raw)
		if err != nil {
			return ParseError("invalid quantity: " + n.Raw)
		}
		return types.Collection{q}
	case *parser.ExternalConstant:
		if value, ok := e.ctx.GetVariable(n.Name); ok {
			return value
		}
		return NewEvalError(ErrInvalidPath, "undefined variable: %"+n.Name)
	case *parser.ThisInvocation:
		return e.ctx.This()
	case *parser.IndexInvocation:
		return types.Collection{types.NewInteger(int64(e.ctx.index))}
	case *parser.TotalInvocation:
		if e.ctx.total != nil {
			return types.Collection{e.ctx.total}
		}
		return types.Collection{}
	case *parser.MemberInvocation:
		return e.navigateMember(e.ctx.This(), n.Name)
	case *parser.FunctionInvocation:
		return e.visitFunctionInvocation(n)
	case *parser.Paren:
		return e.Visit(n.Inner)
	case *parser.Invocation:
		return e.visitInvocation(n)
	case *parser.Indexer:
		return e.visitIndexer(n)
	case *parser.Polarity:
		return e.visitPolarity(n)
	case *parser.Binary:
		return e.visitBinary(n)
	case *parser.TypeExpr:
		return e.visitTypeExpr(n)
	}

	return types.Collection{}
}

func (e *Evaluator) visitNumberLiteral(n *parser.NumberLiteral) interface{} {
	text := n.Raw

	// Check if it's an integer
	if !strings.Contains(text, ".") {
		if i, err := strconv.ParseInt(text, 10, 64); err == nil {
			return types.Collection{types.NewInteger(i)}
		}
	}

	// Parse as decimal
	d, err := types.NewDecimal(text)
	if err != nil {
		return ParseError("invalid number: " + text)
	}
	return types.Collection{d}
}

// visitInvocation visits base.invoke.
func (e *Evaluator) visitInvocation(n *parser.Invocation) interface{} {
	base := e.Visit(n.Base)
	if err, ok := base.(error); ok {
		return err
	}
	baseCol, ok := base.(types.Collection)
	if !ok {
		return types.Collection{}
	}

	oldThis := e.ctx.this
	e.ctx.this = baseCol
	defer func() { e.ctx.this = oldThis }()

	return e.Visit(n.Invoke)
}

// visitIndexer visits base[index].
func (e *Evaluator) visitIndexer(n *parser.Indexer) interface{} {
	base := e.Visit(n.Base)
	if err, ok := base.(error); ok {
		return err
	}
	baseCol, ok := base.(types.Collection)
	if !ok {
		return types.Collection{}
	}

	index := e.Visit(n.Index)
	if err, ok := index.(error); ok {
		return err
	}
	indexCol, ok := index.(types.Collection)
	if !ok || indexCol.Empty() {
		return types.Collection{}
	}

	idx, ok := indexCol[0].(types.Integer)
	if !ok {
		return TypeError("Integer", indexCol[0].Type(), "indexer")
	}

	i := int(idx.Value())
	if i < 0 || i >= len(baseCol) {
		return types.Collection{}
	}

	return types.Collection{baseCol[i]}
}

// visitPolarity visits +operand or -operand.
func (e *Evaluator) visitPolarity(n *parser.Polarity) interface{} {
	result := e.Visit(n.Operand)
	if err, ok := result.(error); ok {
		return err
	}
	col, ok := result.(types.Collection)
	if !ok {
		return types.Collection{}
	}

	if col.Empty() {
		return col
	}
	if len(col) != 1 {
		return SingletonError(len(col))
	}

	if n.Op == "-" {
		negated, err := Negate(col[0])
		if err != nil {
			return err
		}
		return types.Collection{negated}
	}

	return col
}

func (e *Evaluator) evalBinaryOperands(n *parser.Binary) (types.Collection, types.Collection, interface{}) {
	left := e.Visit(n.Left)
	if err, ok := left.(error); ok {
		return nil, nil, err
	}
	leftCol, _ := left.(types.Collection)

	right := e.Visit(n.Right)
	if err, ok := right.(error); ok {
		return nil, nil, err
	}
	rightCol, _ := right.(types.Collection)

	return leftCol, rightCol, nil
}

// visitBinary dispatches every infix operator except is/as, which have
// their own node since their right operand is a type name, not an
// expression.
func (e *Evaluator) visitBinary(n *parser.Binary) interface{} {
	switch n.Op {
	case "*", "/", "div", "mod":
		return e.visitMultiplicative(n)
	case "+", "-", "&":
		return e.visitAdditive(n)
	case "|":
		return e.visitUnion(n)
	case "<", "<=", ">", ">=":
		return e.visitInequality(n)
	case "=", "!=", "~", "!~":
		return e.visitEquality(n)
	case "in", "contains":
		return e.visitMembership(n)
	case "and":
		leftCol, rightCol, errv := e.evalBinaryOperands(n)
		if errv != nil {
			return errv
		}
		return And(leftCol, rightCol)
	case "or", "xor":
		return e.visitOrXor(n)
	case "implies":
		leftCol, rightCol, errv := e.evalBinaryOperands(n)
		if errv != nil {
			return errv
		}
		return Implies(leftCol, rightCol)
	}
	return types.Collection{}
}

func (e *Evaluator) visitMultiplicative(n *parser.Binary) interface{} {
	leftCol, rightCol, errv := e.evalBinaryOperands(n)
	if errv != nil {
		return errv
	}

	if leftCol.Empty() || rightCol.Empty() {
		return types.Collection{}
	}
	if len(leftCol) != 1 || len(rightCol) != 1 {
		return SingletonError(len(leftCol) + len(rightCol))
	}

	var result types.Value
	var err error
	switch n.Op {
	case "*":
		result, err = Multiply(leftCol[0], rightCol[0])
	case "/":
		result, err = Divide(leftCol[0], rightCol[0])
	case "div":
		result, err = IntegerDivide(leftCol[0], rightCol[0])
	case "mod":
		result, err = Modulo(leftCol[0], rightCol[0])
	}
	if err != nil {
		return err
	}
	return types.Collection{result}
}

func (e *Evaluator) visitAdditive(n *parser.Binary) interface{} {
	leftCol, rightCol, errv := e.evalBinaryOperands(n)
	if errv != nil {
		return errv
	}

	// String concatenation with & handles empty as empty string
	if n.Op == "&" {
		return Concatenate(leftCol, rightCol)
	}

	if leftCol.Empty() || rightCol.Empty() {
		return types.Collection{}
	}
	if len(leftCol) != 1 || len(rightCol) != 1 {
		return SingletonError(len(leftCol) + len(rightCol))
	}

	var result types.Value
	var err error
	switch n.Op {
	case "+":
		result, err = Add(leftCol[0], rightCol[0])
	case "-":
		result, err = Subtract(leftCol[0], rightCol[0])
	}
	if err != nil {
		return err
	}
	return types.Collection{result}
}

func (e *Evaluator) visitUnion(n *parser.Binary) interface{} {
	leftCol, rightCol, errv := e.evalBinaryOperands(n)
	if errv != nil {
		return errv
	}
	return Union(leftCol, rightCol)
}

func (e *Evaluator) visitInequality(n *parser.Binary) interface{} {
	leftCol, rightCol, errv := e.evalBinaryOperands(n)
	if errv != nil {
		return errv
	}

	if leftCol.Empty() || rightCol.Empty() {
		return types.Collection{}
	}
	if len(leftCol) != 1 || len(rightCol) != 1 {
		return SingletonError(len(leftCol) + len(rightCol))
	}

	var result types.Collection
	var err error
	switch n.Op {
	case "<":
		result, err = LessThan(leftCol[0], rightCol[0])
	case "<=":
		result, err = LessOrEqual(leftCol[0], rightCol[0])
	case ">":
		result, err = GreaterThan(leftCol[0], rightCol[0])
	case ">=":
		result, err = GreaterOrEqual(leftCol[0], rightCol[0])
	default:
		return types.Collection{}
	}
	if err != nil {
		return err
	}
	return result
}

func (e *Evaluator) visitEquality(n *parser.Binary) interface{} {
	leftCol, rightCol, errv := e.evalBinaryOperands(n)
	if errv != nil {
		return errv
	}

	switch n.Op {
	case "=":
		return Equal(leftCol, rightCol)
	case "!=":
		return NotEqual(leftCol, rightCol)
	case "~":
		return Equivalent(leftCol, rightCol)
	case "!~":
		return NotEquivalent(leftCol, rightCol)
	}
	return types.Collection{}
}

func (e *Evaluator) visitMembership(n *parser.Binary) interface{} {
	leftCol, rightCol, errv := e.evalBinaryOperands(n)
	if errv != nil {
		return errv
	}

	switch n.Op {
	case "in":
		return In(leftCol, rightCol)
	case "contains":
		return Contains(leftCol, rightCol)
	}
	return types.Collection{}
}

func (e *Evaluator) visitOrXor(n *parser.Binary) interface{} {
	leftCol, rightCol, errv := e.evalBinaryOperands(n)
	if errv != nil {
		return errv
	}

	switch n.Op {
	case "or":
		return Or(leftCol, rightCol)
	case "xor":
		return Xor(leftCol, rightCol)
	}
	return types.Collection{}
}

// visitTypeExpr visits the infix "expr is Type" / "expr as Type" forms.
func (e *Evaluator) visitTypeExpr(n *parser.TypeExpr) interface{} {
	left := e.Visit(n.Left)
	if err, ok := left.(error); ok {
		return err
	}
	leftCol, ok := left.(types.Collection)
	if !ok {
		return types.Collection{}
	}

	if leftCol.Empty() {
		return types.Collection{}
	}
	if len(leftCol) != 1 {
		return SingletonError(len(leftCol))
	}

	actualType := leftCol[0].Type()

	switch n.Op {
	case "is":
		return types.Collection{types.NewBoolean(TypeMatches(actualType, n.Type))}
	case "as":
		if TypeMatches(actualType, n.Type) {
			return leftCol
		}
		return types.Collection{}
	}
	return types.Collection{}
}

// visitFunctionInvocation visits a function call.
func (e *Evaluator) visitFunctionInvocation(n *parser.FunctionInvocation) interface{} {
	fn, ok := e.funcs.Get(n.Name)
	if !ok {
		return FunctionNotFoundError(n.Name)
	}

	argCount := len(n.Args)
	if argCount < fn.MinArgs {
		return InvalidArgumentsError(n.Name, fn.MinArgs, argCount)
	}
	if fn.MaxArgs >= 0 && argCount > fn.MaxArgs {
		return InvalidArgumentsError(n.Name, fn.MaxArgs, argCount)
	}

	// Handle special functions that need per-element evaluation
	input := e.ctx.This()
	switch n.Name {
	case "where":
		if argCount > 0 {
			return e.evaluateWhere(input, n.Args[0])
		}
	case "exists":
		if argCount > 0 {
			return e.evaluateExists(input, n.Args[0])
		}
	case "all":
		if argCount > 0 {
			return e.evaluateAll(input, n.Args[0])
		}
	case "select":
		if argCount > 0 {
			return e.evaluateSelect(input, n.Args[0])
		}
	case "is":
		if argCount > 0 {
			return e.evaluateIsFunction(input, n.Args[0])
		}
	case "as":
		if argCount > 0 {
			return e.evaluateAsFunction(input, n.Args[0])
		}
	case "ofType":
		if argCount > 0 {
			return e.evaluateOfType(input, n.Args[0])
		}
	case "iif":
		// iif requires lazy evaluation - only evaluate the branch that matches
		if argCount >= 2 {
			return e.evaluateIif(input, n.Args)
		}
	}

	// Evaluate arguments normally
	args := make([]interface{}, argCount)
	for i, argExpr := range n.Args {
		result := e.Visit(argExpr)
		if err, ok := result.(error); ok {
			return err
		}
		args[i] = result
	}

	result, err := fn.Fn(e.ctx, e.ctx.This(), args)
	if err != nil {
		return err
	}
	return result
}

// evaluateWhere evaluates the where() function with per-element criteria.
func (e *Evaluator) evaluateWhere(input types.Collection, criteria parser.Node) interface{} {
	result := types.Collection{}

	if err := e.ctx.CheckCollectionSize(input); err != nil {
		return err
	}

	for i, item := range input {
		if i%100 == 0 {
			if err := e.ctx.CheckCancellation(); err != nil {
				return err
			}
		}

		oldThis := e.ctx.this
		oldIndex := e.ctx.index
		e.ctx.this = types.Collection{item}
		e.ctx.index = i

		criteriaResult := e.Visit(criteria)

		e.ctx.this = oldThis
		e.ctx.index = oldIndex

		if err, ok := criteriaResult.(error); ok {
			return err
		}

		if col, ok := criteriaResult.(types.Collection); ok && !col.Empty() {
			if b, ok := col[0].(types.Boolean); ok && b.Bool() {
				result = append(result, item)
			}
		}
	}

	return result
}

// evaluateExists evaluates exists() with optional criteria.
func (e *Evaluator) evaluateExists(input types.Collection, criteria parser.Node) interface{} {
	for i, item := range input {
		if i%100 == 0 {
			if err := e.ctx.CheckCancellation(); err != nil {
				return err
			}
		}

		oldThis := e.ctx.this
		oldIndex := e.ctx.index
		e.ctx.this = types.Collection{item}
		e.ctx.index = i

		criteriaResult := e.Visit(criteria)

		e.ctx.this = oldThis
		e.ctx.index = oldIndex

		if err, ok := criteriaResult.(error); ok {
			return err
		}

		if col, ok := criteriaResult.(types.Collection); ok && !col.Empty() {
			if b, ok := col[0].(types.Boolean); ok && b.Bool() {
				return types.Collection{types.NewBoolean(true)}
			}
		}
	}

	return types.Collection{types.NewBoolean(false)}
}

// evaluateAll evaluates all() - returns true if all elements match criteria.
func (e *Evaluator) evaluateAll(input types.Collection, criteria parser.Node) interface{} {
	if input.Empty() {
		return types.Collection{types.NewBoolean(true)}
	}

	for i, item := range input {
		if i%100 == 0 {
			if err := e.ctx.CheckCancellation(); err != nil {
				return err
			}
		}

		oldThis := e.ctx.this
		oldIndex := e.ctx.index
		e.ctx.this = types.Collection{item}
		e.ctx.index = i

		criteriaResult := e.Visit(criteria)

		e.ctx.this = oldThis
		e.ctx.index = oldIndex

		if err, ok := criteriaResult.(error); ok {
			return err
		}

		if col, ok := criteriaResult.(types.Collection); ok {
			if col.Empty() {
				return types.Collection{types.NewBoolean(false)}
			}
			if b, ok := col[0].(types.Boolean); ok && !b.Bool() {
				return types.Collection{types.NewBoolean(false)}
			}
		}
	}

	return types.Collection{types.NewBoolean(true)}
}

// evaluateSelect evaluates select() - projects each element.
func (e *Evaluator) evaluateSelect(input types.Collection, projection parser.Node) interface{} {
	result := types.Collection{}

	if err := e.ctx.CheckCollectionSize(input); err != nil {
		return err
	}

	for i, item := range input {
		if i%100 == 0 {
			if err := e.ctx.CheckCancellation(); err != nil {
				return err
			}
		}

		oldThis := e.ctx.this
		oldIndex := e.ctx.index
		e.ctx.this = types.Collection{item}
		e.ctx.index = i

		projResult := e.Visit(projection)

		e.ctx.this = oldThis
		e.ctx.index = oldIndex

		if err, ok := projResult.(error); ok {
			return err
		}

		if col, ok := projResult.(types.Collection); ok {
			result = append(result, col...)

			if err := e.ctx.CheckCollectionSize(result); err != nil {
				return err
			}
		}
	}

	return result
}

// evaluateIsFunction evaluates is(Type) - checks if input is of specified type.
func (e *Evaluator) evaluateIsFunction(input types.Collection, typeExpr parser.Node) interface{} {
	if input.Empty() {
		return types.Collection{}
	}
	if len(input) != 1 {
		return SingletonError(len(input))
	}

	typeName := e.extractTypeNameFromExpr(typeExpr)
	if typeName == "" {
		return InvalidArgumentsError("is", 1, 0)
	}

	actualType := input[0].Type()
	matches := TypeMatches(actualType, typeName)
	return types.Collection{types.NewBoolean(matches)}
}

// evaluateAsFunction evaluates as(Type) - casts input to specified type.
// Returns input if it matches the type, empty otherwise.
func (e *Evaluator) evaluateAsFunction(input types.Collection, typeExpr parser.Node) interface{} {
	if input.Empty() {
		return types.Collection{}
	}
	if len(input) != 1 {
		return SingletonError(len(input))
	}

	typeName := e.extractTypeNameFromExpr(typeExpr)
	if typeName == "" {
		return InvalidArgumentsError("as", 1, 0)
	}

	actualType := input[0].Type()
	if TypeMatches(actualType, typeName) {
		return input
	}
	return types.Collection{}
}

// extractTypeNameFromExpr extracts a type name from a FHIRPath expression.
// Handles identifiers like Composition, Patient, and qualified names like FHIR.Patient.
func (e *Evaluator) extractTypeNameFromExpr(expr parser.Node) string {
	return parser.Text(expr)
}

// evaluateOfType evaluates ofType() function - filters collection by type.
// Unlike is()/as() which require singleton, ofType() works on collections.
func (e *Evaluator) evaluateOfType(input types.Collection, typeExpr parser.Node) interface{} {
	if input.Empty() {
		return types.Collection{}
	}

	typeName := e.extractTypeNameFromExpr(typeExpr)
	if typeName == "" {
		return InvalidArgumentsError("ofType", 1, 0)
	}

	result := types.Collection{}
	for _, item := range input {
		actualType := item.Type()

		if obj, ok := item.(*types.ObjectValue); ok {
			actualType = obj.Type()
		}

		if TypeMatches(actualType, typeName) {
			result = append(result, item)
		}
	}

	return result
}

// evaluateIif evaluates the iif() function with lazy evaluation.
// Only the matching branch is evaluated, preventing errors from the other branch.
// Signature: iif(criterion, true-result [, otherwise-result])
func (e *Evaluator) evaluateIif(_ types.Collection, args []parser.Node) interface{} {
	if len(args) < 2 {
		return InvalidArgumentsError("iif", 2, len(args))
	}

	criterionResult := e.Visit(args[0])
	if err, ok := criterionResult.(error); ok {
		return err
	}

	criterion := false
	if coll, ok := criterionResult.(types.Collection); ok {
		if !coll.Empty() {
			if b, ok := coll[0].(types.Boolean); ok {
				criterion = b.Bool()
			}
		}
	}

	if criterion {
		result := e.Visit(args[1])
		if err, ok := result.(error); ok {
			return err
		}
		if coll, ok := result.(types.Collection); ok {
			return coll
		}
		return types.Collection{}
	}

	if len(args) > 2 {
		result := e.Visit(args[2])
		if err, ok := result.(error); ok {
			return err
		}
		if coll, ok := result.(types.Collection); ok {
			return coll
		}
	}

	return types.Collection{}
}

// nonDomainResources contains FHIR resources that inherit directly from Resource,
// not from DomainResource. All other resources inherit from DomainResource.
var nonDomainResources = map[string]bool{
	"Bundle":     true,
	"Binary":     true,
	"Parameters": true,
}

// IsDomainResource returns true if the given resource type inherits from DomainResource.
// Bundle, Binary, and Parameters inherit directly from Resource, not DomainResource.
func IsDomainResource(resourceType string) bool {
	return !nonDomainResources[resourceType]
}

// IsSubtypeOf checks if actualType is a subtype of (or equal to) baseType.
// This handles the FHIR type hierarchy:
//
//	Resource
//	  └── DomainResource
//	        ├── Patient
//	        ├── Observation
//	        └── ... (most resources)
//	  └── Bundle, Binary, Parameters (directly inherit from Resource)
func IsSubtypeOf(actualType, baseType string) bool {
	// Direct match
	if actualType == baseType {
		return true
	}

	// Case-insensitive direct match
	if strings.EqualFold(actualType, baseType) {
		return true
	}

	// Check Resource base type - all resources inherit from Resource
	if baseType == "Resource" || strings.EqualFold(baseType, "resource") {
		// Any non-empty type that looks like a resource type matches Resource
		// Resource types are PascalCase and don't include primitives
		return isPossibleResourceType(actualType)
	}

	// Check DomainResource base type
	if baseType == "DomainResource" || strings.EqualFold(baseType, "domainresource") {
		// Most resources inherit from DomainResource, except Bundle, Binary, Parameters
		return isPossibleResourceType(actualType) && IsDomainResource(actualType)
	}

	return false
}

// isPossibleResourceType checks if the type looks like a FHIR resource type.
// Resource types are PascalCase and are not primitive types.
func isPossibleResourceType(typeName string) bool {
	if typeName == "" {
		return false
	}

	// Primitive types are not resources
	primitiveTypes := map[string]bool{
		"Boolean": true, "String": true, "Integer": true, "Decimal": true,
		"Date": true, "DateTime": true, "Time": true, "Quantity": true,
		"Object": true,
	}
	if primitiveTypes[typeName] {
		return false
	}

	// Resource types start with uppercase
	return typeName[0] >= 'A' && typeName[0] <= 'Z'
}

// TypeMatches checks if actualType matches the requested typeName.
// Handles case-insensitive comparison and FHIR type aliases.
// This function is exported for use by the is() function implementation.
func TypeMatches(actualType, typeName string) bool {
	// Direct match
	if actualType == typeName {
		return true
	}

	// Normalize to lowercase for comparison
	actualLower := strings.ToLower(actualType)
	typeNameLower := strings.ToLower(typeName)

	// Case-insensitive match
	if actualLower == typeNameLower {
		return true
	}

	// Check FHIR base type inheritance (Resource, DomainResource)
	if IsSubtypeOf(actualType, typeName) {
		return true
	}

	// FHIR primitive type mappings (FHIR uses lowercase, FHIRPath uses PascalCase)
	fhirToFHIRPath := map[string]string{
		"boolean":        "Boolean",
		"string":         "String",
		"integer":        "Integer",
		"decimal":        "Decimal",
		"date":           "Date",
		"datetime":       "DateTime",
		"time":           "Time",
		"instant":        "DateTime",
		"uri":            "String",
		"url":            "String",
		"canonical":      "String",
		"base64binary":   "String",
		"code":           "String",
		"id":             "String",
		"markdown":       "String",
		"oid":            "String",
		"uuid":           "String",
		"positiveint":    "Integer",
		"unsignedint":    "Integer",
		"integer64":      "Integer",
		"quantity":       "Quantity",
		"simplequantity": "Quantity",
		"age":            "Quantity",
		"count":          "Quantity",
		"distance":       "Quantity",
		"duration":       "Quantity",
		"money":          "Quantity",
	}

	// Check if requesting a FHIR type that maps to a FHIRPath type
	if fhirPathType, ok := fhirToFHIRPath[typeNameLower]; ok {
		if actualType == fhirPathType {
			return true
		}
	}

	// Check reverse: if actual type is a FHIR type that maps to the requested FHIRPath type
	if fhirPathType, ok := fhirToFHIRPath[actualLower]; ok {
		if fhirPathType == typeName || strings.EqualFold(fhirPathType, typeName) {
			return true
		}
	}

	// System type namespace handling (FHIR.* and System.*)
	// System.Boolean, System.String, etc.
	if strings.HasPrefix(typeNameLower, "system.") {
		systemType := typeName[7:] // Remove "System." prefix
		if strings.EqualFold(actualType, systemType) {
			return true
		}
	}

	// FHIR namespace handling
	if strings.HasPrefix(typeNameLower, "fhir.") {
		fhirType := typeName[5:] // Remove "FHIR." prefix
		if strings.EqualFold(actualType, fhirType) {
			return true
		}
	}

	return false
}

// Helper functions

// polymorphicTypeSuffixes contains all FHIR type suffixes for polymorphic elements (value[x] pattern).
// These are used to resolve element names like "value" to "valueQuantity", "valueString", etc.
var polymorphicTypeSuffixes = []string{
	// Primitive types
	"Boolean", "Integer", "Integer64", "Decimal", "String", "Code", "Id", "Uri", "Url", "Canonical",
	"Base64Binary", "Instant", "Date", "DateTime", "Time", "Oid", "Uuid", "Markdown", "PositiveInt", "UnsignedInt",
	// Complex types
	"Quantity", "CodeableConcept", "Coding", "Range", "Period", "Ratio", "RatioRange",
	"Identifier", "Reference", "Attachment", "HumanName", "Address", "ContactPoint",
	"Timing", "Signature", "Annotation", "SampledData", "Age", "Distance", "Duration",
	"Count", "Money", "MoneyQuantity", "SimpleQuantity",
	// Special types
	"Meta", "Dosage", "ContactDetail", "Contributor", "DataRequirement", "Expression",
	"ParameterDefinition", "RelatedArtifact", "TriggerDefinition", "UsageContext",
}

// navigateMember navigates to a member of objects in the collection.
// Supports FHIR polymorphic elements (value[x] pattern) by automatically
// resolving element names like "value" to their typed variants.
func (e *Evaluator) navigateMember(input types.Collection, name string) types.Collection {
	result := types.Collection{}

	for _, item := range input {
		obj, ok := item.(*types.ObjectValue)
		if !ok {
			continue
		}

		// Check if name matches resourceType (for FHIR resources)
		// Uses IsSubtypeOf to handle Resource and DomainResource base types
		if IsSubtypeOf(obj.Type(), name) {
			result = append(result, obj)
			continue
		}

		// Try direct field access first
		children := obj.GetCollection(name)
		if len(children) > 0 {
			result = append(result, children...)
			continue
		}

		// If direct access failed, try polymorphic element resolution
		// This handles FHIR's value[x] pattern where "value" can resolve to
		// "valueQuantity", "valueString", "valueCodeableConcept", etc.
		polymorphicChildren := e.resolvePolymorphicField(obj, name)
		result = append(result, polymorphicChildren...)
	}

	return result
}

// resolvePolymorphicField attempts to resolve a polymorphic FHIR element.
// For example, accessing "value" will search for "valueQuantity", "valueString", etc.
func (e *Evaluator) resolvePolymorphicField(obj *types.ObjectValue, name string) types.Collection {
	result := types.Collection{}

	// Try each possible type suffix
	for _, suffix := range polymorphicTypeSuffixes {
		fieldName := name + suffix
		children := obj.GetCollection(fieldName)
		if len(children) > 0 {
			result = append(result, children...)
			// Return on first match - polymorphic elements have only one variant
			return result
		}
	}

	return result
}

// unquoteString removes quotes and handles escape sequences.
func unquoteString(s string) string {
	if len(s) < 2 {
		return s
	}
	// Remove surrounding quotes
	s = s[1 : len(s)-1]

	// Handle escape sequences
	s = strings.ReplaceAll(s, "\\'", "'")
	s = strings.ReplaceAll(s, "\\\\", "\\")
	s = strings.ReplaceAll(s, "\\n", "\n")
	s = strings.ReplaceAll(s, "\\r", "\r")
	s = strings.ReplaceAll(s, "\\t", "\t")

	return s
}
