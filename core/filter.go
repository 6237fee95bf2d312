package core

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Filter is a compiled rule filter expression: a small boolean predicate
// language over canonical event fields. Supported forms:
//
//	event_type = "ssh_login_failed"
//	source != "syslog"
//	fields.user in ("root", "admin")
//	fields.status not in (200, 204)
//	event_type = "ssh_login_failed" and fields.user = "root"
//	(source = "auth" or source = "syslog") and fields.src_ip = "10.0.0.5"
//
// "and" binds tighter than "or"; parentheses group. Addressable fields are
// event_type, source, host, message and fields.<key>. Keywords and field
// names are case-insensitive; a comparison against an absent field is false.
type Filter struct {
	Expression string
	root       filterNode
}

// CompileFilter parses an expression into a matchable filter. A parse error
// is a rule-definition error: the caller disables the offending rule and
// continues.
func CompileFilter(expr string) (*Filter, error) {
	toks, err := lexFilter(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid filter expression: %w", err)
	}
	p := &filterParser{tokens: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("invalid filter expression: %w", err)
	}
	if !p.eof() {
		return nil, fmt.Errorf("invalid filter expression: unexpected %q", p.peek().text)
	}
	return &Filter{Expression: expr, root: root}, nil
}

// Match evaluates the filter against a canonical event.
func (f *Filter) Match(ev *Event) bool {
	if f == nil || f.root == nil || ev == nil {
		return false
	}
	return f.root.eval(ev)
}

type filterNode interface {
	eval(ev *Event) bool
}

type boolNode struct {
	and         bool
	left, right filterNode
}

func (n *boolNode) eval(ev *Event) bool {
	if n.and {
		return n.left.eval(ev) && n.right.eval(ev)
	}
	return n.left.eval(ev) || n.right.eval(ev)
}

type cmpOp int

const (
	cmpEq cmpOp = iota
	cmpNe
	cmpIn
	cmpNotIn
)

type cmpNode struct {
	field  string
	op     cmpOp
	values []interface{}
}

func (n *cmpNode) eval(ev *Event) bool {
	actual, ok := fieldValue(ev, n.field)
	if !ok {
		return false
	}
	switch n.op {
	case cmpEq:
		return literalEqual(actual, n.values[0])
	case cmpNe:
		return !literalEqual(actual, n.values[0])
	case cmpIn, cmpNotIn:
		member := false
		for _, v := range n.values {
			if literalEqual(actual, v) {
				member = true
				break
			}
		}
		if n.op == cmpIn {
			return member
		}
		return !member
	}
	return false
}

// fieldValue resolves an addressable field on the event.
func fieldValue(ev *Event, field string) (interface{}, bool) {
	switch field {
	case "event_type":
		return ev.EventType, true
	case "source":
		return ev.Source, true
	case "host":
		return ev.Host, true
	case "message":
		return ev.Message, true
	}
	if key, ok := strings.CutPrefix(field, "fields."); ok {
		v, present := ev.Fields[key]
		return v, present
	}
	return nil, false
}

// literalEqual compares an event value with a filter literal. Strings compare
// exactly; anything coercible to a number on both sides compares numerically.
func literalEqual(actual, expected interface{}) bool {
	if as, ok := actual.(string); ok {
		if es, ok := expected.(string); ok {
			return as == es
		}
	}
	af, aok := toFloat(actual)
	ef, eok := toFloat(expected)
	if aok && eok {
		return af == ef
	}
	return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", expected)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// lexer

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOp     // = or !=
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

func lexFilter(expr string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '=':
			toks = append(toks, token{tokOp, "="})
			i++
		case c == '!':
			if i+1 >= len(expr) || expr[i+1] != '=' {
				return nil, fmt.Errorf("unexpected '!' at offset %d", i)
			}
			toks = append(toks, token{tokOp, "!="})
			i += 2
		case c == '"':
			j := i + 1
			var sb strings.Builder
			for j < len(expr) && expr[j] != '"' {
				if expr[j] == '\\' && j+1 < len(expr) {
					j++
				}
				sb.WriteByte(expr[j])
				j++
			}
			if j >= len(expr) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokString, sb.String()})
			i = j + 1
		case c >= '0' && c <= '9' || c == '-':
			j := i + 1
			for j < len(expr) && (expr[j] >= '0' && expr[j] <= '9' || expr[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, expr[i:j]})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(expr) && (unicode.IsLetter(rune(expr[j])) || unicode.IsDigit(rune(expr[j])) || expr[j] == '_' || expr[j] == '.') {
				j++
			}
			toks = append(toks, token{tokIdent, expr[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return toks, nil
}

// parser

type filterParser struct {
	tokens []token
	pos    int
}

func (p *filterParser) eof() bool { return p.pos >= len(p.tokens) }

func (p *filterParser) peek() token {
	if p.eof() {
		return token{}
	}
	return p.tokens[p.pos]
}

func (p *filterParser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *filterParser) keyword(word string) bool {
	if p.eof() {
		return false
	}
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *filterParser) parseOr() (filterNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &boolNode{and: false, left: left, right: right}
	}
	return left, nil
}

func (p *filterParser) parseAnd() (filterNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") {
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &boolNode{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *filterParser) parseTerm() (filterNode, error) {
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.next()
		return inner, nil
	}
	return p.parseComparison()
}

func (p *filterParser) parseComparison() (filterNode, error) {
	t := p.next()
	if t.kind != tokIdent {
		return nil, fmt.Errorf("expected field name, got %q", t.text)
	}
	field := strings.ToLower(t.text)

	switch {
	case p.peek().kind == tokOp:
		op := cmpEq
		if p.next().text == "!=" {
			op = cmpNe
		}
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return &cmpNode{field: field, op: op, values: []interface{}{lit}}, nil

	case p.keyword("in"):
		values, err := p.parseLiteralList()
		if err != nil {
			return nil, err
		}
		return &cmpNode{field: field, op: cmpIn, values: values}, nil

	case p.keyword("not"):
		if !p.keyword("in") {
			return nil, fmt.Errorf("expected 'in' after 'not'")
		}
		values, err := p.parseLiteralList()
		if err != nil {
			return nil, err
		}
		return &cmpNode{field: field, op: cmpNotIn, values: values}, nil
	}
	return nil, fmt.Errorf("expected comparison operator after %q", field)
}

func (p *filterParser) parseLiteral() (interface{}, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return t.text, nil
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.text)
		}
		return f, nil
	}
	return nil, fmt.Errorf("expected literal, got %q", t.text)
}

func (p *filterParser) parseLiteralList() ([]interface{}, error) {
	if p.peek().kind != tokLParen {
		return nil, fmt.Errorf("expected '(' to open membership list")
	}
	p.next()
	var values []interface{}
	for {
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		values = append(values, lit)
		if p.peek().kind == tokComma {
			p.next()
			continue
		}
		break
	}
	if p.peek().kind != tokRParen {
		return nil, fmt.Errorf("missing closing parenthesis in membership list")
	}
	p.next()
	return values, nil
}
