package deps

import (
	"strconv"
	"strings"
)

// tristate is the outcome of a conditional whose inputs may not all be known
type tristate int

const (
	unknown tristate = iota
	isFalse
	isTrue
)

// value is an integer that may be unknown
type value struct {
	n     int64
	known bool
}

var unknownValue = value{}

func known(n int64) value { return value{n: n, known: true} }

func boolValue(b bool) value {
	if b {
		return known(1)
	}
	return known(0)
}

// macroEnv answers macro questions from the supplied definitions. Macros that
// a scanned file defines or undefines become unknown, since their state then
// depends on preprocessing order the resolver does not model.
type macroEnv struct {
	defs    map[string]string
	touched map[string]bool
}

func newMacroEnv(defs map[string]string) *macroEnv {
	return &macroEnv{defs: defs, touched: make(map[string]bool)}
}

func (m *macroEnv) touch(name string) {
	if name != "" {
		m.touched[name] = true
	}
}

func (m *macroEnv) defined(name string) value {
	if m.touched[name] {
		return unknownValue
	}

	_, ok := m.defs[name]
	return boolValue(ok)
}

func (m *macroEnv) value(name string) value {
	if m.touched[name] {
		return unknownValue
	}

	v, ok := m.defs[name]
	if !ok {
		return known(0)
	}

	v = strings.TrimSpace(v)
	if v == "" {
		return known(1)
	}

	if n, ok := parseNumber(v); ok {
		return known(n)
	}

	return unknownValue
}

// evalDirective decides an #if/#ifdef/#ifndef/#elif directive
func (m *macroEnv) evalDirective(d directive) tristate {
	var v value

	switch d.kind {
	case dirIfdef:
		v = m.defined(d.arg)
	case dirIfndef:
		v = m.defined(d.arg)
		if v.known {
			v = boolValue(v.n == 0)
		}
	default:
		v = m.evalExpr(d.arg)
	}

	switch {
	case !v.known:
		return unknown
	case v.n != 0:
		return isTrue
	default:
		return isFalse
	}
}

func (m *macroEnv) evalExpr(expr string) value {
	toks, ok := tokenize(expr)
	if !ok || len(toks) == 0 {
		return unknownValue
	}

	p := &exprParser{toks: toks, env: m}
	v, ok := p.ternary()
	if !ok || p.pos != len(p.toks) {
		return unknownValue
	}

	return v
}

type tokKind int

const (
	tokNum tokKind = iota
	tokIdent
	tokOp
)

type token struct {
	kind tokKind
	text string
	n    int64
}

var operators = []string{
	"&&", "||", "==", "!=", "<=", ">=", "<<", ">>",
	"(", ")", "!", "~", "*", "/", "%", "+", "-", "<", ">", "&", "^", "|", "?", ":",
}

func tokenize(s string) ([]token, bool) {
	var toks []token

	for i := 0; i < len(s); {
		c := s[i]

		switch {
		case c == ' ' || c == '\t':
			i++
		case isIdentStart(c):
			j := i + 1
			for j < len(s) && isIdentChar(s[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: s[i:j]})
			i = j
		case c >= '0' && c <= '9':
			j := i + 1
			for j < len(s) && (isIdentChar(s[j]) || s[j] == '\'') {
				j++
			}
			n, ok := parseNumber(s[i:j])
			if !ok {
				return nil, false
			}
			toks = append(toks, token{kind: tokNum, n: n})
			i = j
		default:
			matched := false
			for _, op := range operators {
				if strings.HasPrefix(s[i:], op) {
					toks = append(toks, token{kind: tokOp, text: op})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				// Character literals, string literals and the like
				return nil, false
			}
		}
	}

	return toks, true
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// parseNumber parses C integer literals including hex, octal, binary and suffixes
func parseNumber(s string) (int64, bool) {
	s = strings.ReplaceAll(s, "'", "")
	s = strings.TrimRight(s, "uUlL")
	if strings.HasSuffix(strings.ToLower(s), "i64") {
		s = s[:len(s)-3]
	}

	base := 10
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		base, s = 16, s[2:]
	case strings.HasPrefix(s, "0b") || strings.HasPrefix(s, "0B"):
		base, s = 2, s[2:]
	case len(s) > 1 && s[0] == '0':
		base, s = 8, s[1:]
	}

	n, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, false
	}

	return int64(n), true
}

type exprParser struct {
	toks []token
	pos  int
	env  *macroEnv
}

func (p *exprParser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *exprParser) acceptOp(op string) bool {
	if t, ok := p.peek(); ok && t.kind == tokOp && t.text == op {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) ternary() (value, bool) {
	cond, ok := p.binary(1)
	if !ok {
		return unknownValue, false
	}

	if !p.acceptOp("?") {
		return cond, true
	}

	a, ok := p.ternary()
	if !ok || !p.acceptOp(":") {
		return unknownValue, false
	}

	b, ok := p.ternary()
	if !ok {
		return unknownValue, false
	}

	switch {
	case cond.known && cond.n != 0:
		return a, true
	case cond.known:
		return b, true
	case a.known && b.known && a.n == b.n:
		return a, true
	default:
		return unknownValue, true
	}
}

var precedence = map[string]int{
	"||": 1,
	"&&": 2,
	"|":  3,
	"^":  4,
	"&":  5,
	"==": 6, "!=": 6,
	"<": 7, ">": 7, "<=": 7, ">=": 7,
	"<<": 8, ">>": 8,
	"+": 9, "-": 9,
	"*": 10, "/": 10, "%": 10,
}

// binary parses left-associative operators of at least minPrec
func (p *exprParser) binary(minPrec int) (value, bool) {
	lhs, ok := p.unary()
	if !ok {
		return unknownValue, false
	}

	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOp {
			return lhs, true
		}

		prec, isBinary := precedence[t.text]
		if !isBinary || prec < minPrec {
			return lhs, true
		}
		p.pos++

		rhs, ok := p.binary(prec + 1)
		if !ok {
			return unknownValue, false
		}

		lhs = applyBinary(t.text, lhs, rhs)
	}
}

func applyBinary(op string, a, b value) value {
	switch op {
	case "&&":
		if (a.known && a.n == 0) || (b.known && b.n == 0) {
			return known(0)
		}
		if a.known && b.known {
			return known(1)
		}
		return unknownValue
	case "||":
		if (a.known && a.n != 0) || (b.known && b.n != 0) {
			return known(1)
		}
		if a.known && b.known {
			return known(0)
		}
		return unknownValue
	}

	if !a.known || !b.known {
		return unknownValue
	}

	switch op {
	case "|":
		return known(a.n | b.n)
	case "^":
		return known(a.n ^ b.n)
	case "&":
		return known(a.n & b.n)
	case "==":
		return boolValue(a.n == b.n)
	case "!=":
		return boolValue(a.n != b.n)
	case "<":
		return boolValue(a.n < b.n)
	case ">":
		return boolValue(a.n > b.n)
	case "<=":
		return boolValue(a.n <= b.n)
	case ">=":
		return boolValue(a.n >= b.n)
	case "<<":
		return known(a.n << uint64(b.n&63))
	case ">>":
		return known(a.n >> uint64(b.n&63))
	case "+":
		return known(a.n + b.n)
	case "-":
		return known(a.n - b.n)
	case "*":
		return known(a.n * b.n)
	case "/":
		if b.n == 0 {
			return unknownValue
		}
		return known(a.n / b.n)
	case "%":
		if b.n == 0 {
			return unknownValue
		}
		return known(a.n % b.n)
	}

	return unknownValue
}

func (p *exprParser) unary() (value, bool) {
	switch {
	case p.acceptOp("!"):
		v, ok := p.unary()
		if !ok || !v.known {
			return unknownValue, ok
		}
		return boolValue(v.n == 0), true
	case p.acceptOp("~"):
		v, ok := p.unary()
		if !ok || !v.known {
			return unknownValue, ok
		}
		return known(^v.n), true
	case p.acceptOp("-"):
		v, ok := p.unary()
		if !ok || !v.known {
			return unknownValue, ok
		}
		return known(-v.n), true
	case p.acceptOp("+"):
		return p.unary()
	}

	return p.primary()
}

func (p *exprParser) primary() (value, bool) {
	t, ok := p.peek()
	if !ok {
		return unknownValue, false
	}

	switch t.kind {
	case tokNum:
		p.pos++
		return known(t.n), true
	case tokOp:
		if !p.acceptOp("(") {
			return unknownValue, false
		}
		v, ok := p.ternary()
		if !ok || !p.acceptOp(")") {
			return unknownValue, false
		}
		return v, true
	}

	p.pos++

	if t.text == "defined" {
		paren := p.acceptOp("(")
		name, ok := p.peek()
		if !ok || name.kind != tokIdent {
			return unknownValue, false
		}
		p.pos++
		if paren && !p.acceptOp(")") {
			return unknownValue, false
		}
		return p.env.defined(name.text), true
	}

	// Function-like macro invocations and __has_include are not evaluated
	if next, ok := p.peek(); ok && next.kind == tokOp && next.text == "(" {
		if !p.skipParens() {
			return unknownValue, false
		}
		return unknownValue, true
	}

	if t.text == "true" {
		return known(1), true
	}
	if t.text == "false" {
		return known(0), true
	}

	return p.env.value(t.text), true
}

// skipParens consumes a balanced parenthesised group starting at the current token
func (p *exprParser) skipParens() bool {
	depth := 0
	for p.pos < len(p.toks) {
		t := p.toks[p.pos]
		p.pos++
		if t.kind != tokOp {
			continue
		}
		switch t.text {
		case "(":
			depth++
		case ")":
			depth--
			if depth == 0 {
				return true
			}
		}
	}
	return false
}
