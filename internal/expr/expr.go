// Package expr compiles and evaluates the restricted boolean expressions used
// by ensure postconditions and refine until conditions.
//
// The language has literals (strings, numbers, booleans, null, lists), dotted
// paths rooted at a name of the environment, comparisons, membership (in,
// not in), boolean combinators (and, or, not and their &&, ||, ! forms),
// parentheses and a single pure builtin, len. There is no assignment and no
// other function call.
package expr

import (
	"fmt"
	"sort"
)

// Env maps root names (result, input) to their values.
type Env map[string]any

// Program is a compiled expression. It is immutable and safe for concurrent
// use.
type Program struct {
	source string
	root   node
}

// Compile parses src into a Program.
func Compile(src string) (*Program, error) {
	root, err := parse(src)
	if err != nil {
		return nil, err
	}
	return &Program{source: src, root: root}, nil
}

// MustCompile is like Compile but panics on error. It is meant for tests
// and package-level fixtures.
func MustCompile(src string) *Program {
	p, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source text.
func (p *Program) String() string { return p.source }

// Eval evaluates the program. The result must be a boolean.
func (p *Program) Eval(env Env) (bool, error) {
	ev := &evaluator{src: p.source, env: env}
	v, err := ev.eval(p.root)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, ev.errorf("evaluates to %s, not a boolean", describe(v))
	}
	return b, nil
}

// Paths returns the distinct dotted paths the program references, sorted.
func (p *Program) Paths() []string {
	seen := map[string]struct{}{}
	walk(p.root, func(pa path) { seen[pa.String()] = struct{}{} })
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Conjuncts splits a top-level conjunction into its operands. A program that
// is not a conjunction is its own single conjunct.
func (p *Program) Conjuncts() []*Program {
	c, ok := p.root.(conj)
	if !ok {
		return []*Program{p}
	}
	out := make([]*Program, len(c.terms))
	for i, t := range c.terms {
		out[i] = &Program{source: c.srcs[i], root: t}
	}
	return out
}

// Check evaluates every program and returns the sources of those that are
// false together with any evaluation errors, keyed by source.
func Check(progs []*Program, env Env) (failed []string, errs map[string]error) {
	for _, p := range progs {
		ok, err := p.Eval(env)
		if err != nil {
			if errs == nil {
				errs = map[string]error{}
			}
			errs[p.source] = err
			failed = append(failed, p.source)
			continue
		}
		if !ok {
			failed = append(failed, p.source)
		}
	}
	return failed, errs
}

func walk(n node, visit func(path)) {
	switch n := n.(type) {
	case path:
		visit(n)
	case list:
		for _, e := range n.elems {
			walk(e, visit)
		}
	case unary:
		walk(n.x, visit)
	case binary:
		walk(n.l, visit)
		walk(n.r, visit)
	case conj:
		for _, t := range n.terms {
			walk(t, visit)
		}
	case call:
		walk(n.arg, visit)
	case literal:
	default:
		panic(fmt.Sprintf("expr: unexpected node %T", n))
	}
}
