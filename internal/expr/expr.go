// Package expr evaluates the small expressions that provider definition
// files use to build upstream calls and to pull text out of upstream
// replies.
//
// Expressions are written in a JavaScript subset and run on goja, but only
// after the parsed AST passes an allowlist: literals (including object and
// array literals), member access on declared bindings (a bracket key must be
// a string literal or a numeric index expression), arithmetic,
// comparisons, logical operators and the conditional operator. Calls, `new`,
// functions, assignment and statements are rejected at compile time, so a
// provider author can shape data but cannot run code.
package expr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"
)

// Binding names exposed to provider templates.
const (
	BindArgs      = "args"
	BindPrompt    = "prompt"
	BindTimestamp = "timestamp"
	BindResponse  = "response"
)

// RequestBindings are available while building the upstream call.
var RequestBindings = []string{BindArgs, BindPrompt, BindTimestamp}

// ResponseBindings are available while extracting text from a reply.
var ResponseBindings = []string{BindArgs, BindPrompt, BindResponse}

// ErrUndefined is returned by Text when the expression produced undefined,
// which almost always means it referenced a field the payload lacks.
var ErrUndefined = errors.New("expression evaluated to undefined")

// Expr is a compiled, allowlisted expression. It is immutable and safe to
// share between goroutines; each Eval gets its own runtime.
type Expr struct {
	src      string
	program  *goja.Program
	bindings []string
}

// Compile parses src, checks it against the allowlist and compiles it.
// Identifiers other than the given bindings (and `undefined`) are rejected.
func Compile(src string, bindings ...string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, errors.New("expression is empty")
	}

	// Parenthesise so a leading `{` is an object literal, not a block.
	// The newline keeps a trailing line comment from eating the paren.
	wrapped := "(" + src + "\n)"
	program, err := parser.ParseFile(nil, "", wrapped, 0)
	if err != nil {
		return nil, fmt.Errorf("parsing expression: %w", err)
	}
	if len(program.Body) != 1 {
		return nil, errors.New("expression must be a single expression")
	}
	stmt, ok := program.Body[0].(*ast.ExpressionStatement)
	if !ok {
		return nil, fmt.Errorf("expression must be a single expression, got %T", program.Body[0])
	}

	allowed := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		allowed[b] = true
	}
	if err := check(stmt.Expression, allowed); err != nil {
		return nil, err
	}

	compiled, err := goja.CompileAST(program, true)
	if err != nil {
		return nil, fmt.Errorf("compiling expression: %w", err)
	}
	return &Expr{src: src, program: compiled, bindings: bindings}, nil
}

// String returns the source the expression was compiled from.
func (e *Expr) String() string { return e.src }

// Eval runs the expression with the given bindings and exports the result
// as plain Go data (maps, slices, strings, numbers, bools, nil). A binding
// missing from vars is set to undefined.
func (e *Expr) Eval(ctx context.Context, vars map[string]any) (any, error) {
	v, err := e.run(ctx, vars)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(v) {
		return nil, ErrUndefined
	}
	return v.Export(), nil
}

// Text evaluates a response-extraction expression. A string result is
// returned as is and null means "nothing yet" (empty text). Anything else,
// undefined included, is an error: silently turning a typo into empty
// output would hide misconfigured providers.
func (e *Expr) Text(ctx context.Context, vars map[string]any) (string, error) {
	v, err := e.run(ctx, vars)
	if err != nil {
		return "", err
	}
	switch {
	case goja.IsUndefined(v):
		return "", ErrUndefined
	case goja.IsNull(v):
		return "", nil
	}
	s, ok := v.Export().(string)
	if !ok {
		return "", fmt.Errorf("expression must produce a string, got %T", v.Export())
	}
	return s, nil
}

func (e *Expr) run(ctx context.Context, vars map[string]any) (goja.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vm := goja.New()
	for _, name := range e.bindings {
		val, ok := vars[name]
		if !ok {
			val = goja.Undefined()
		}
		if err := vm.Set(name, val); err != nil {
			return nil, fmt.Errorf("binding %s: %w", name, err)
		}
	}

	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	v, err := vm.RunProgram(e.program)
	if err != nil {
		return nil, fmt.Errorf("evaluating expression: %w", err)
	}
	return v, nil
}

// Member names that would walk into the prototype chain.
var forbiddenMembers = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

var allowedBinary = map[token.Token]bool{
	token.PLUS: true, token.MINUS: true, token.MULTIPLY: true, token.SLASH: true,
	token.REMAINDER: true, token.EXPONENT: true,
	token.EQUAL: true, token.STRICT_EQUAL: true, token.NOT_EQUAL: true, token.STRICT_NOT_EQUAL: true,
	token.LESS: true, token.LESS_OR_EQUAL: true, token.GREATER: true, token.GREATER_OR_EQUAL: true,
	token.LOGICAL_AND: true, token.LOGICAL_OR: true, token.COALESCE: true,
}

var allowedUnary = map[token.Token]bool{
	token.PLUS:  true,
	token.MINUS: true,
	token.NOT:   true,
}

func check(node ast.Expression, bindings map[string]bool) error {
	switch n := node.(type) {
	case *ast.StringLiteral, *ast.NumberLiteral, *ast.BooleanLiteral, *ast.NullLiteral:
		return nil

	case *ast.Identifier:
		name := string(n.Name)
		if name == "undefined" || bindings[name] {
			return nil
		}
		return fmt.Errorf("unknown identifier %q (available: %s)", name, strings.Join(sortedKeys(bindings), ", "))

	case *ast.TemplateLiteral:
		if n.Tag != nil {
			return errors.New("tagged templates are not allowed")
		}
		for _, e := range n.Expressions {
			if err := check(e, bindings); err != nil {
				return err
			}
		}
		return nil

	case *ast.ArrayLiteral:
		for _, e := range n.Value {
			if e == nil { // elision: [a, , b]
				continue
			}
			if err := check(e, bindings); err != nil {
				return err
			}
		}
		return nil

	case *ast.ObjectLiteral:
		for _, prop := range n.Value {
			switch p := prop.(type) {
			case *ast.PropertyKeyed:
				if p.Kind != ast.PropertyKindValue || p.Computed {
					return errors.New("only plain key: value properties are allowed")
				}
				if err := check(p.Value, bindings); err != nil {
					return err
				}
			case *ast.PropertyShort:
				if p.Initializer != nil {
					return errors.New("property initializers are not allowed")
				}
				if err := check(&p.Name, bindings); err != nil {
					return err
				}
			default:
				return fmt.Errorf("%T is not allowed in object literals", prop)
			}
		}
		return nil

	case *ast.DotExpression:
		if forbiddenMembers[string(n.Identifier.Name)] {
			return fmt.Errorf("member %q is not allowed", n.Identifier.Name)
		}
		return check(n.Left, bindings)

	case *ast.BracketExpression:
		if err := checkMember(n.Member); err != nil {
			return err
		}
		if err := check(n.Left, bindings); err != nil {
			return err
		}
		return check(n.Member, bindings)

	case *ast.OptionalChain:
		return check(n.Expression, bindings)
	case *ast.Optional:
		return check(n.Expression, bindings)

	case *ast.UnaryExpression:
		if !allowedUnary[n.Operator] || n.Postfix {
			return fmt.Errorf("operator %s is not allowed", n.Operator)
		}
		return check(n.Operand, bindings)

	case *ast.BinaryExpression:
		if !allowedBinary[n.Operator] {
			return fmt.Errorf("operator %s is not allowed", n.Operator)
		}
		if err := check(n.Left, bindings); err != nil {
			return err
		}
		return check(n.Right, bindings)

	case *ast.ConditionalExpression:
		for _, e := range []ast.Expression{n.Test, n.Consequent, n.Alternate} {
			if err := check(e, bindings); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("%s is not allowed in templates", nodeName(node))
	}
}

// checkMember restricts the key of a bracket access to a string literal
// outside forbiddenMembers, or to an expression that always evaluates to a
// number (an array index such as `xs[xs.length - 1]`). Anything else could
// build a forbidden name at run time ("__pro" + "to__", a template literal,
// a binding holding client text), which the name check cannot see.
func checkMember(member ast.Expression) error {
	if s, ok := member.(*ast.StringLiteral); ok {
		if forbiddenMembers[string(s.Value)] {
			return fmt.Errorf("member %q is not allowed", s.Value)
		}
		return nil
	}
	if numeric(member) {
		return nil
	}
	return errors.New("computed member keys must be a string literal or a numeric expression")
}

// numeric reports whether e yields a number whatever its operands hold.
// Unary +/- and the arithmetic operators other than + always convert to a
// number; + only does when both sides are numeric.
func numeric(e ast.Expression) bool {
	switch n := e.(type) {
	case *ast.NumberLiteral:
		return true
	case *ast.UnaryExpression:
		return !n.Postfix && (n.Operator == token.PLUS || n.Operator == token.MINUS)
	case *ast.BinaryExpression:
		switch n.Operator {
		case token.MINUS, token.MULTIPLY, token.SLASH, token.REMAINDER, token.EXPONENT:
			return true
		case token.PLUS:
			return numeric(n.Left) && numeric(n.Right)
		}
	}
	return false
}

func nodeName(node ast.Expression) string {
	switch node.(type) {
	case *ast.CallExpression:
		return "function call"
	case *ast.NewExpression:
		return "new"
	case *ast.FunctionLiteral, *ast.ArrowFunctionLiteral:
		return "function literal"
	case *ast.AssignExpression:
		return "assignment"
	case *ast.ThisExpression:
		return "this"
	case *ast.SequenceExpression:
		return "comma expression"
	default:
		return fmt.Sprintf("%T", node)
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
