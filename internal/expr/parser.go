package expr

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	maxSourceLen = 4096
	maxDepth     = 64
)

// SyntaxError is an expression that does not parse.
type SyntaxError struct {
	Source string
	Pos    int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("expression %q: position %d: %s", e.Source, e.Pos, e.Msg)
}

type node interface{}

type literal struct{ value any }

type path struct {
	root   string
	fields []string
}

func (p path) String() string {
	if len(p.fields) == 0 {
		return p.root
	}
	return p.root + "." + strings.Join(p.fields, ".")
}

type list struct{ elems []node }

type unary struct {
	op string
	x  node
}

type binary struct {
	op   string
	l, r node
}

type conj struct {
	terms []node
	srcs  []string
}

type call struct {
	name string
	arg  node
}

type parser struct {
	src   string
	toks  []token
	pos   int
	depth int
}

func parse(src string) (node, error) {
	if len(src) > maxSourceLen {
		return nil, &SyntaxError{Source: src, Msg: fmt.Sprintf("longer than %d bytes", maxSourceLen)}
	}
	if strings.TrimSpace(src) == "" {
		return nil, &SyntaxError{Source: src, Msg: "empty expression"}
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", t)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Source: p.src, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tokIdent && t.text == word
}

func (p *parser) isOp(op string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == op
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxDepth {
		return p.errorf(p.peek(), "nested deeper than %d", maxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") || p.isOp("||") {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = binary{op: "or", l: l, r: r}
	}
	return l, nil
}

// parseAnd flattens a chain of conjunctions so that each operand keeps its
// own source text.
func (p *parser) parseAnd() (node, error) {
	start := p.peek().pos
	first, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	if !p.isKeyword("and") && !p.isOp("&&") {
		return first, nil
	}
	c := conj{terms: []node{first}, srcs: []string{p.span(start)}}
	for p.isKeyword("and") || p.isOp("&&") {
		p.next()
		start = p.peek().pos
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		c.terms = append(c.terms, r)
		c.srcs = append(c.srcs, p.span(start))
	}
	return c, nil
}

func (p *parser) parseNot() (node, error) {
	if p.isKeyword("not") || p.isOp("!") {
		p.next()
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unary{op: "not", x: x}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	l, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	var op string
	t := p.peek()
	switch {
	case t.kind == tokOp && (t.text == "==" || t.text == "!=" || t.text == "<" || t.text == "<=" || t.text == ">" || t.text == ">="):
		op = t.text
		p.next()
	case p.isKeyword("in"):
		op = "in"
		p.next()
	case p.isKeyword("not") && p.toks[p.pos+1].kind == tokIdent && p.toks[p.pos+1].text == "in":
		op = "not in"
		p.next()
		p.next()
	default:
		return l, nil
	}
	r, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return binary{op: op, l: l, r: r}, nil
}

func (p *parser) parseOperand() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	t := p.next()
	switch t.kind {
	case tokNumber:
		return p.number(t, false)
	case tokString:
		return literal{value: t.text}, nil
	case tokOp:
		if t.text == "-" && p.peek().kind == tokNumber {
			return p.number(p.next(), true)
		}
	case tokLParen:
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, p.errorf(c, "expected ) but found %s", c)
		}
		return n, nil
	case tokLBracket:
		return p.parseList()
	case tokIdent:
		switch t.text {
		case "true":
			return literal{value: true}, nil
		case "false":
			return literal{value: false}, nil
		case "null", "nil":
			return literal{value: nil}, nil
		case "and", "or", "not", "in":
			return nil, p.errorf(t, "unexpected keyword %s", t)
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		return p.parsePath(t)
	}
	return nil, p.errorf(t, "unexpected %s", t)
}

func (p *parser) number(t token, neg bool) (node, error) {
	f, err := strconv.ParseFloat(t.text, 64)
	if err != nil {
		return nil, p.errorf(t, "bad number %s", t)
	}
	if neg {
		f = -f
	}
	return literal{value: f}, nil
}

func (p *parser) parseList() (node, error) {
	var l list
	if p.peek().kind == tokRBracket {
		p.next()
		return l, nil
	}
	for {
		e, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		l.elems = append(l.elems, e)
		t := p.next()
		if t.kind == tokRBracket {
			return l, nil
		}
		if t.kind != tokComma {
			return nil, p.errorf(t, "expected , or ] but found %s", t)
		}
	}
}

func (p *parser) parseCall(name token) (node, error) {
	if name.text != "len" {
		return nil, p.errorf(name, "unknown function %s", name)
	}
	p.next() // (
	arg, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if c := p.next(); c.kind != tokRParen {
		return nil, p.errorf(c, "expected ) but found %s", c)
	}
	return call{name: name.text, arg: arg}, nil
}

func (p *parser) parsePath(root token) (node, error) {
	pa := path{root: root.text}
	for p.peek().kind == tokDot {
		p.next()
		f := p.next()
		if f.kind != tokIdent {
			return nil, p.errorf(f, "expected field name but found %s", f)
		}
		pa.fields = append(pa.fields, f.text)
	}
	return pa, nil
}

// span returns the trimmed source from start to the end of the last
// consumed token.
func (p *parser) span(start int) string {
	end := len(p.src)
	if p.pos < len(p.toks) {
		end = p.toks[p.pos].pos
	}
	return strings.TrimSpace(p.src[start:end])
}
