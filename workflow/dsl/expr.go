package dsl

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Expr is a compiled condition expression.
//
// Grammar (lowest to highest precedence):
//
//	or      = and { "||" and }
//	and     = cmp { "&&" cmp }
//	cmp     = sum [ ("==" | "!=" | ">" | "<" | ">=" | "<=") sum ]
//	sum     = product { ("+" | "-") product }
//	product = unary { ("*" | "/" | "%") unary }
//	unary   = ("!" | "-") unary | primary
//	primary = number | string | true | false | null | path | "(" or ")"
//
// A path such as order.items.0 walks maps by key and slices by index.
type Expr struct {
	src  string
	root exprNode
}

// Compile parses src.
func Compile(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	if p.done() {
		return &Expr{src: src, root: literal{value: false}}, nil
	}
	root, err := p.or()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("expr %q: unexpected %q at offset %d", src, p.peek().text, p.peek().pos)
	}
	return &Expr{src: src, root: root}, nil
}

// MustCompile is Compile that panics on error.
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Eval evaluates the expression against vars.
func (e *Expr) Eval(vars map[string]any) (any, error) {
	return e.root.eval(vars)
}

// EvalBool evaluates the expression and converts the result with Truthy.
func (e *Expr) EvalBool(vars map[string]any) (bool, error) {
	v, err := e.Eval(vars)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Evaluate compiles and evaluates src as a condition.
func Evaluate(src string, vars map[string]any) (bool, error) {
	e, err := Compile(src)
	if err != nil {
		return false, err
	}
	return e.EvalBool(vars)
}

// ---- lexer ----

type tokKind uint8

const (
	tokNum tokKind = iota + 1
	tokStr
	tokIdent
	tokOp
)

type tok struct {
	kind tokKind
	text string
	pos  int
}

var twoCharOps = []string{"==", "!=", ">=", "<=", "&&", "||"}

func lex(src string) ([]tok, error) {
	var out []tok
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '"' || r == '\'':
			s, next, err := lexString(rs, i)
			if err != nil {
				return nil, err
			}
			out = append(out, tok{kind: tokStr, text: s, pos: i})
			i = next
		case unicode.IsDigit(r):
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			out = append(out, tok{kind: tokNum, text: string(rs[i:j]), pos: i})
			i = j
		case unicode.IsLetter(r) || r == '_' || r == '$':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || strings.ContainsRune("_.$", rs[j])) {
				j++
			}
			out = append(out, tok{kind: tokIdent, text: string(rs[i:j]), pos: i})
			i = j
		default:
			if i+1 < len(rs) {
				pair := string(rs[i : i+2])
				matched := false
				for _, op := range twoCharOps {
					if pair == op {
						out = append(out, tok{kind: tokOp, text: op, pos: i})
						i += 2
						matched = true
						break
					}
				}
				if matched {
					continue
				}
			}
			if !strings.ContainsRune("()!<>+-*/%", r) {
				return nil, fmt.Errorf("expr %q: unexpected character %q at offset %d", src, r, i)
			}
			out = append(out, tok{kind: tokOp, text: string(r), pos: i})
			i++
		}
	}
	return out, nil
}

func lexString(rs []rune, start int) (string, int, error) {
	quote := rs[start]
	var b strings.Builder
	for i := start + 1; i < len(rs); i++ {
		switch rs[i] {
		case '\\':
			if i+1 < len(rs) {
				i++
				b.WriteRune(rs[i])
			}
		case quote:
			return b.String(), i + 1, nil
		default:
			b.WriteRune(rs[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string at offset %d", start)
}

// ---- parser ----

type exprParser struct {
	toks []tok
	pos  int
}

func (p *exprParser) done() bool { return p.pos >= len(p.toks) }

func (p *exprParser) peek() tok {
	if p.done() {
		return tok{}
	}
	return p.toks[p.pos]
}

func (p *exprParser) accept(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *exprParser) binary(next func() (exprNode, error), ops ...string) (exprNode, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.accept(ops...)
		if !ok {
			return left, nil
		}
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = binaryOp{op: op, left: left, right: right}
	}
}

func (p *exprParser) or() (exprNode, error)      { return p.binary(p.and, "||") }
func (p *exprParser) and() (exprNode, error)     { return p.binary(p.cmp, "&&") }
func (p *exprParser) sum() (exprNode, error)     { return p.binary(p.product, "+", "-") }
func (p *exprParser) product() (exprNode, error) { return p.binary(p.unary, "*", "/", "%") }

func (p *exprParser) cmp() (exprNode, error) {
	left, err := p.sum()
	if err != nil {
		return nil, err
	}
	op, ok := p.accept("==", "!=", ">=", "<=", ">", "<")
	if !ok {
		return left, nil
	}
	right, err := p.sum()
	if err != nil {
		return nil, err
	}
	return binaryOp{op: op, left: left, right: right}, nil
}

func (p *exprParser) unary() (exprNode, error) {
	if op, ok := p.accept("!", "-"); ok {
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return unaryOp{op: op, operand: operand}, nil
	}
	return p.primary()
}

func (p *exprParser) primary() (exprNode, error) {
	if p.done() {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	t := p.toks[p.pos]
	p.pos++
	switch t.kind {
	case tokNum:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at offset %d", t.text, t.pos)
		}
		return literal{value: f}, nil
	case tokStr:
		return literal{value: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return literal{value: true}, nil
		case "false":
			return literal{value: false}, nil
		case "null", "nil":
			return literal{value: nil}, nil
		}
		return path{parts: strings.Split(strings.TrimPrefix(t.text, "$"), ".")}, nil
	case tokOp:
		if t.text == "(" {
			inner, err := p.or()
			if err != nil {
				return nil, err
			}
			if _, ok := p.accept(")"); !ok {
				return nil, fmt.Errorf("missing ')' for '(' at offset %d", t.pos)
			}
			return inner, nil
		}
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
}

// ---- evaluation ----

type exprNode interface {
	eval(vars map[string]any) (any, error)
}

type literal struct{ value any }

func (l literal) eval(map[string]any) (any, error) { return l.value, nil }

type path struct{ parts []string }

func (p path) eval(vars map[string]any) (any, error) {
	var cur any = vars
	for _, part := range p.parts {
		switch c := cur.(type) {
		case map[string]any:
			cur = c[part]
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, nil
			}
			cur = c[idx]
		default:
			return nil, nil
		}
	}
	return cur, nil
}

type unaryOp struct {
	op      string
	operand exprNode
}

func (u unaryOp) eval(vars map[string]any) (any, error) {
	v, err := u.operand.eval(vars)
	if err != nil {
		return nil, err
	}
	if u.op == "!" {
		return !Truthy(v), nil
	}
	f, ok := number(v)
	if !ok {
		return nil, fmt.Errorf("cannot negate %T", v)
	}
	return -f, nil
}

type binaryOp struct {
	op          string
	left, right exprNode
}

func (b binaryOp) eval(vars map[string]any) (any, error) {
	l, err := b.left.eval(vars)
	if err != nil {
		return nil, err
	}
	// 短路求值
	switch b.op {
	case "&&":
		if !Truthy(l) {
			return false, nil
		}
		r, err := b.right.eval(vars)
		return Truthy(r), err
	case "||":
		if Truthy(l) {
			return true, nil
		}
		r, err := b.right.eval(vars)
		return Truthy(r), err
	}

	r, err := b.right.eval(vars)
	if err != nil {
		return nil, err
	}
	switch b.op {
	case "==", "!=", ">", "<", ">=", "<=":
		return compare(b.op, l, r), nil
	}
	return arith(b.op, l, r)
}

func arith(op string, l, r any) (any, error) {
	if op == "+" {
		if ls, ok := l.(string); ok {
			return ls + fmt.Sprint(r), nil
		}
		if rs, ok := r.(string); ok {
			return fmt.Sprint(l) + rs, nil
		}
	}
	lf, lok := number(l)
	rf, rok := number(r)
	if !lok || !rok {
		return nil, fmt.Errorf("operator %s needs numbers, got %T and %T", op, l, r)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if int64(rf) == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		return float64(int64(lf) % int64(rf)), nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}

// compare orders numbers numerically and everything else by its string
// form. nil equals only nil and sorts before any other value.
func compare(op string, l, r any) bool {
	var c int
	switch {
	case l == nil && r == nil:
		c = 0
	case l == nil:
		c = -1
	case r == nil:
		c = 1
	default:
		lf, lok := number(l)
		rf, rok := number(r)
		if lok && rok {
			switch {
			case lf < rf:
				c = -1
			case lf > rf:
				c = 1
			}
		} else {
			c = strings.Compare(fmt.Sprint(l), fmt.Sprint(r))
		}
	}
	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case ">":
		return c > 0
	case "<":
		return c < 0
	case ">=":
		return c >= 0
	default:
		return c <= 0
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		return 0, false
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Truthy reports the boolean meaning of a value: nil, false, 0, "", "0",
// "false" and empty collections are false.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && x != "0" && x != "false"
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	if f, ok := number(v); ok {
		return f != 0
	}
	return true
}
