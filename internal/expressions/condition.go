package expressions

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/rendis/opflow/pkg/schema"
)

// Step conditions use a closed grammar:
//
//	expr    := or
//	or      := and ( "||" and )*
//	and     := unary ( "&&" unary )*
//	unary   := "!" unary | cmp
//	cmp     := operand ( ("===" | "!==" | ">" | "<" | ">=" | "<=") operand )?
//	operand := placeholder | string | number | "true" | "false" | "null" | "(" expr ")"
//
// Placeholders are resolved after tokenizing, so resolved values never change
// the shape of the expression.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokPlaceholder
	tokString
	tokNumber
	tokLiteral
	tokCompare
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind  tokenKind
	text  string // operator, placeholder path or raw string body
	value any    // literal value for tokNumber and tokLiteral
	pos   int
}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '{':
			end := strings.IndexByte(src[i:], '}')
			if end == -1 {
				return nil, conditionErr(src, i, "unterminated placeholder")
			}
			path := src[i+1 : i+end]
			if !isDottedPath(path) {
				return nil, conditionErr(src, i, fmt.Sprintf("invalid placeholder {%s}", path))
			}
			toks = append(toks, token{kind: tokPlaceholder, text: path, pos: i})
			i += end + 1

		case c == '"' || c == '\'':
			body, n, err := scanString(src[i:])
			if err != nil {
				return nil, conditionErr(src, i, err.Error())
			}
			toks = append(toks, token{kind: tokString, text: body, pos: i})
			i += n

		case isDigit(c) || (c == '-' && i+1 < len(src) && (isDigit(src[i+1]) || src[i+1] == '.')) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])):
			j := i + 1
			for j < len(src) && (isDigit(src[j]) || src[j] == '.' || src[j] == 'e' || src[j] == 'E' ||
				((src[j] == '+' || src[j] == '-') && (src[j-1] == 'e' || src[j-1] == 'E'))) {
				j++
			}
			f, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, conditionErr(src, i, fmt.Sprintf("invalid number %q", src[i:j]))
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], value: f, pos: i})
			i = j

		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isPathRune(rune(src[j])) {
				j++
			}
			word := src[i:j]
			var val any
			switch word {
			case "true":
				val = true
			case "false":
				val = false
			case "null":
				val = nil
			default:
				return nil, conditionErr(src, i,
					fmt.Sprintf("unexpected identifier %q; quote string literals and wrap references in {}", word))
			}
			toks = append(toks, token{kind: tokLiteral, text: word, value: val, pos: i})
			i = j

		default:
			op, kind := matchOperator(src[i:])
			if op == "" {
				if strings.HasPrefix(src[i:], "==") || strings.HasPrefix(src[i:], "!=") {
					return nil, conditionErr(src, i, "loose equality is not supported; use === or !==")
				}
				return nil, conditionErr(src, i, fmt.Sprintf("unexpected character %q", c))
			}
			toks = append(toks, token{kind: kind, text: op, pos: i})
			i += len(op)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

// matchOperator returns the longest operator at the start of s.
func matchOperator(s string) (string, tokenKind) {
	for _, op := range []string{"===", "!==", ">=", "<=", "&&", "||"} {
		if strings.HasPrefix(s, op) {
			switch op {
			case "&&":
				return op, tokAnd
			case "||":
				return op, tokOr
			default:
				return op, tokCompare
			}
		}
	}
	if strings.HasPrefix(s, "==") || strings.HasPrefix(s, "!=") {
		return "", tokEOF
	}
	switch s[0] {
	case '>', '<':
		return s[:1], tokCompare
	case '!':
		return "!", tokNot
	case '(':
		return "(", tokLParen
	case ')':
		return ")", tokRParen
	}
	return "", tokEOF
}

// scanString reads a quoted string at the start of s and returns its body
// (escapes removed) plus the number of bytes consumed.
func scanString(s string) (string, int, error) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			if i+1 >= len(s) {
				return "", 0, fmt.Errorf("unterminated string")
			}
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(s[i])
			}
		case quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

func conditionErr(src string, pos int, msg string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeCondition, "invalid condition %q at offset %d: %s", src, pos, msg).
		WithDetails(map[string]any{"expression": src, "offset": pos})
}

// --- AST ---

type condNode interface {
	eval(scope *Scope) (any, error)
}

type placeholderNode struct{ path string }

func (n placeholderNode) eval(scope *Scope) (any, error) { return Lookup(n.path, scope) }

// stringNode is a quoted literal; it may embed placeholders, which are stringified.
type stringNode struct{ text string }

func (n stringNode) eval(scope *Scope) (any, error) { return resolveEmbedded(n.text, scope) }

type literalNode struct{ value any }

func (n literalNode) eval(*Scope) (any, error) { return n.value, nil }

type notNode struct{ x condNode }

func (n notNode) eval(scope *Scope) (any, error) {
	v, err := n.x.eval(scope)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

type logicalNode struct {
	and         bool
	left, right condNode
}

func (n logicalNode) eval(scope *Scope) (any, error) {
	l, err := n.left.eval(scope)
	if err != nil {
		return nil, err
	}
	if n.and && !Truthy(l) {
		return false, nil
	}
	if !n.and && Truthy(l) {
		return true, nil
	}
	r, err := n.right.eval(scope)
	if err != nil {
		return nil, err
	}
	return Truthy(r), nil
}

type compareNode struct {
	op          string
	left, right condNode
}

func (n compareNode) eval(scope *Scope) (any, error) {
	l, err := n.left.eval(scope)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(scope)
	if err != nil {
		return nil, err
	}
	return compareValues(n.op, l, r), nil
}

// resolveEmbedded splices placeholders into text; it never preserves type.
func resolveEmbedded(text string, scope *Scope) (string, error) {
	tokens := findPlaceholders(text)
	if len(tokens) == 0 {
		return text, nil
	}
	var b strings.Builder
	last := 0
	for _, tok := range tokens {
		b.WriteString(text[last:tok.start])
		val, err := Lookup(tok.path, scope)
		if err != nil {
			return "", err
		}
		b.WriteString(Stringify(val))
		last = tok.end
	}
	b.WriteString(text[last:])
	return b.String(), nil
}

// --- Parser ---

type condParser struct {
	src  string
	toks []token
	pos  int
}

func (p *condParser) peek() token { return p.toks[p.pos] }

func (p *condParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *condParser) parseOr() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = logicalNode{and: false, left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (condNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = logicalNode{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseUnary() (condNode, error) {
	if p.peek().kind == tokNot {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{x: x}, nil
	}
	return p.parseCompare()
}

func (p *condParser) parseCompare() (condNode, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokCompare {
		return left, nil
	}
	op := p.next().text
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokCompare {
		t := p.peek()
		return nil, conditionErr(p.src, t.pos, "chained comparisons are not supported; use && to combine them")
	}
	return compareNode{op: op, left: left, right: right}, nil
}

func (p *condParser) parseOperand() (condNode, error) {
	t := p.next()
	switch t.kind {
	case tokPlaceholder:
		return placeholderNode{path: t.text}, nil
	case tokString:
		return stringNode{text: t.text}, nil
	case tokNumber, tokLiteral:
		return literalNode{value: t.value}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, conditionErr(p.src, closing.pos, "expected )")
		}
		return inner, nil
	case tokEOF:
		return nil, conditionErr(p.src, t.pos, "unexpected end of expression")
	default:
		return nil, conditionErr(p.src, t.pos, fmt.Sprintf("unexpected %q", t.text))
	}
}

// ParseCondition checks that expression belongs to the condition grammar.
func ParseCondition(expression string) error {
	_, err := compileCondition(expression)
	return err
}

func compileCondition(expression string) (condNode, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeCondition, "empty condition expression")
	}
	toks, err := tokenize(expression)
	if err != nil {
		return nil, err
	}
	p := &condParser{src: expression, toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, conditionErr(expression, t.pos, fmt.Sprintf("unexpected %q after expression", t.text))
	}
	return node, nil
}

// --- Evaluation ---

// ConditionEvaluator decides whether gated steps run. Parsed expressions are
// cached; it is safe for concurrent use.
type ConditionEvaluator struct {
	parsed *programCache[condNode]
}

func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{parsed: newProgramCache[condNode]()}
}

// ShouldRun reports whether a step gated by cond executes. A nil condition and
// "always" run unconditionally. "if-else" gates exactly like "if"; its else
// branch is not modeled.
func (c *ConditionEvaluator) ShouldRun(cond *schema.Condition, scope *Scope) (bool, error) {
	if cond == nil {
		return true, nil
	}
	switch cond.Type {
	case "", schema.ConditionAlways:
		return true, nil
	case schema.ConditionIf, schema.ConditionIfElse:
		return c.Evaluate(cond.Expression, scope)
	default:
		return false, schema.NewErrorf(schema.ErrCodeCondition, "unknown condition type %q", cond.Type)
	}
}

// Evaluate parses expression, caching the parse, and evaluates it against scope.
func (c *ConditionEvaluator) Evaluate(expression string, scope *Scope) (bool, error) {
	node, err := c.parsed.get(expression, compileCondition)
	if err != nil {
		return false, err
	}
	v, err := node.eval(scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy applies JavaScript-like truthiness: false, 0, "", null and NaN are false.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0 && !math.IsNaN(val)
	case int:
		return val != 0
	case int64:
		return val != 0
	default:
		return true
	}
}

// compareValues implements strict equality and ordering. Ordering across
// different types (or on non-scalars) is false.
func compareValues(op string, l, r any) bool {
	l, r = numeric(l), numeric(r)
	switch op {
	case "===":
		return reflect.DeepEqual(l, r)
	case "!==":
		return !reflect.DeepEqual(l, r)
	}

	if lf, ok := l.(float64); ok {
		rf, ok := r.(float64)
		if !ok {
			return false
		}
		return ordered(op, compareFloat(lf, rf), math.IsNaN(lf) || math.IsNaN(rf))
	}
	if ls, ok := l.(string); ok {
		rs, ok := r.(string)
		if !ok {
			return false
		}
		return ordered(op, strings.Compare(ls, rs), false)
	}
	return false
}

func numeric(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	}
	return v
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func ordered(op string, cmp int, nan bool) bool {
	if nan {
		return false
	}
	switch op {
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	}
	return false
}
