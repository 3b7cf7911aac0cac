package expr

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// EvalError is an expression that parsed but could not be evaluated
// against a concrete environment.
type EvalError struct {
	Source string
	Msg    string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("expression %q: %s", e.Source, e.Msg)
}

type evaluator struct {
	src string
	env Env
}

func (ev *evaluator) errorf(format string, args ...any) error {
	return &EvalError{Source: ev.src, Msg: fmt.Sprintf(format, args...)}
}

func (ev *evaluator) eval(n node) (any, error) {
	switch n := n.(type) {
	case literal:
		return n.value, nil
	case path:
		return ev.lookup(n)
	case list:
		out := make([]any, 0, len(n.elems))
		for _, e := range n.elems {
			v, err := ev.eval(e)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case unary:
		b, err := ev.evalBool(n.x)
		if err != nil {
			return nil, err
		}
		return !b, nil
	case conj:
		for _, t := range n.terms {
			b, err := ev.evalBool(t)
			if err != nil {
				return nil, err
			}
			if !b {
				return false, nil
			}
		}
		return true, nil
	case binary:
		return ev.evalBinary(n)
	case call:
		v, err := ev.eval(n.arg)
		if err != nil {
			return nil, err
		}
		return ev.length(v)
	default:
		return nil, ev.errorf("unsupported node %T", n)
	}
}

func (ev *evaluator) evalBool(n node) (bool, error) {
	v, err := ev.eval(n)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, ev.errorf("want boolean, got %s", describe(v))
	}
	return b, nil
}

func (ev *evaluator) evalBinary(n binary) (any, error) {
	if n.op == "or" {
		l, err := ev.evalBool(n.l)
		if err != nil {
			return nil, err
		}
		if l {
			return true, nil
		}
		return ev.evalBool(n.r)
	}

	l, err := ev.eval(n.l)
	if err != nil {
		return nil, err
	}
	r, err := ev.eval(n.r)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	case "<", "<=", ">", ">=":
		return ev.compare(n.op, l, r)
	case "in":
		return ev.contains(r, l)
	case "not in":
		in, err := ev.contains(r, l)
		if err != nil {
			return nil, err
		}
		return !in, nil
	default:
		return nil, ev.errorf("unknown operator %s", n.op)
	}
}

// lookup resolves a path against the environment. A missing field evaluates
// to null; traversing through a non-object is an error.
func (ev *evaluator) lookup(p path) (any, error) {
	cur, ok := ev.env[p.root]
	if !ok {
		return nil, ev.errorf("unknown name %s", p.root)
	}
	cur = normalize(cur)
	for i, f := range p.fields {
		if cur == nil {
			return nil, nil
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, ev.errorf("%s is %s, not an object", path{root: p.root, fields: p.fields[:i]}, describe(cur))
		}
		cur = normalize(m[f])
	}
	return cur, nil
}

func (ev *evaluator) compare(op string, l, r any) (bool, error) {
	if lf, ok := toFloat(l); ok {
		rf, ok := toFloat(r)
		if !ok {
			return false, ev.errorf("cannot compare %s with %s", describe(l), describe(r))
		}
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		default:
			return lf >= rf, nil
		}
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if !lok || !rok {
		return false, ev.errorf("cannot compare %s with %s", describe(l), describe(r))
	}
	c := strings.Compare(ls, rs)
	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}

func (ev *evaluator) contains(container, item any) (bool, error) {
	switch c := container.(type) {
	case []any:
		for _, e := range c {
			if equal(e, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := item.(string)
		if !ok {
			return false, ev.errorf("cannot look for %s in a string", describe(item))
		}
		return strings.Contains(c, s), nil
	case map[string]any:
		s, ok := item.(string)
		if !ok {
			return false, ev.errorf("object keys are strings, got %s", describe(item))
		}
		_, ok = c[s]
		return ok, nil
	case nil:
		return false, nil
	default:
		return false, ev.errorf("%s is not a container", describe(container))
	}
}

func (ev *evaluator) length(v any) (any, error) {
	switch v := v.(type) {
	case string:
		return float64(len([]rune(v))), nil
	case []any:
		return float64(len(v)), nil
	case map[string]any:
		return float64(len(v)), nil
	case nil:
		return float64(0), nil
	default:
		return nil, ev.errorf("len of %s", describe(v))
	}
}

// normalize converts typed Go values reachable from an environment into the
// small set the evaluator works on: nil, bool, float64, string, []any and
// map[string]any.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, bool, float64, string, []any, map[string]any:
		return v
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	}
	return v
}

func toFloat(v any) (float64, bool) {
	f, ok := normalize(v).(float64)
	return f, ok
}

func equal(a, b any) bool {
	a, b = normalize(a), normalize(b)
	switch x := a.(type) {
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !equal(xv, yv) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
