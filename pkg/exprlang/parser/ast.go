// Package parser turns a FHIRPath expression string into a small AST that
// pkg/exprlang/eval can walk. It replaces an ANTLR-generated front end with
// a hand-written recursive-descent lexer and parser: the grammar is small
// and stable enough that generated code buys little over a direct
// implementation, and it keeps the module's build independent of a code
// generation step.
package parser

// Node is any node in a parsed FHIRPath expression tree.
type Node interface {
	node()
}

// NullLiteral is the empty-collection literal {}.
type NullLiteral struct{}

// BooleanLiteral is the true/false literal.
type BooleanLiteral struct{ Value bool }

// StringLiteral holds the raw, still-quoted text of a 'string' literal.
type StringLiteral struct{ Raw string }

// NumberLiteral holds the raw text of an integer or decimal literal.
type NumberLiteral struct{ Raw string }

// DateLiteral holds the raw text (without the leading @) of a @date literal.
type DateLiteral struct{ Raw string }

// DateTimeLiteral holds the raw text of a @dateTime literal.
type DateTimeLiteral struct{ Raw string }

// TimeLiteral holds the raw text of a @T time literal.
type TimeLiteral struct{ Raw string }

// QuantityLiteral holds the reconstructed "<number> <unit>" text of a
// quantity literal, ready for types.NewQuantity.
type QuantityLiteral struct{ Raw string }

// ExternalConstant is a %name or %`name` or %'string' reference.
type ExternalConstant struct{ Name string }

// ThisInvocation is $this.
type ThisInvocation struct{}

// IndexInvocation is $index.
type IndexInvocation struct{}

// TotalInvocation is $total.
type TotalInvocation struct{}

// MemberInvocation is a bare identifier naming a member or resource type.
type MemberInvocation struct{ Name string }

// FunctionInvocation is name(args...).
type FunctionInvocation struct {
	Name string
	Args []Node
}

// Paren is a parenthesized sub-expression.
type Paren struct{ Inner Node }

// Invocation is base.invoke.
type Invocation struct{ Base, Invoke Node }

// Indexer is base[index].
type Indexer struct{ Base, Index Node }

// Polarity is a unary +operand or -operand.
type Polarity struct {
	Op      string
	Operand Node
}

// Binary is any infix operator expression: * / div mod, + - &, |,
// < <= > >=, = != ~ !~, in, contains, and, or, xor, implies.
type Binary struct {
	Op          string
	Left, Right Node
}

// TypeExpr is the infix "expr is Type" / "expr as Type" form.
type TypeExpr struct {
	Left Node
	Op   string
	Type string
}

func (*NullLiteral) node()        {}
func (*BooleanLiteral) node()     {}
func (*StringLiteral) node()      {}
func (*NumberLiteral) node()      {}
func (*DateLiteral) node()        {}
func (*DateTimeLiteral) node()    {}
func (*TimeLiteral) node()        {}
func (*QuantityLiteral) node()    {}
func (*ExternalConstant) node()   {}
func (*ThisInvocation) node()     {}
func (*IndexInvocation) node()    {}
func (*TotalInvocation) node()    {}
func (*MemberInvocation) node()   {}
func (*FunctionInvocation) node() {}
func (*Paren) node()              {}
func (*Invocation) node()         {}
func (*Indexer) node()            {}
func (*Polarity) node()           {}
func (*Binary) node()             {}
func (*TypeExpr) node()           {}

// Text reconstructs the source form of a type specifier expression, i.e.
// the right-hand operand of is()/as()/ofType() when it's passed as a
// plain argument expression rather than the dedicated "is Type" syntax.
// FHIRPath type specifiers are always a dotted identifier chain such as
// "Patient" or "FHIR.Patient", so only MemberInvocation and Invocation
// nodes need handling.
func Text(n Node) string {
	switch v := n.(type) {
	case *MemberInvocation:
		return v.Name
	case *Invocation:
		base := Text(v.Base)
		invoke := Text(v.Invoke)
		if base == "" {
			return invoke
		}
		if invoke == "" {
			return base
		}
		return base + "." + invoke
	case *Paren:
		return Text(v.Inner)
	default:
		return ""
	}
}
