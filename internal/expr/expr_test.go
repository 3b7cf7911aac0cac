package expr

import (
	"errors"
	"reflect"
	"testing"
)

// TestEval covers the operators of the language against a typed result.
func TestEval(t *testing.T) {
	env := Env{
		"result": map[string]any{
			"failures":   "",
			"label":      "pass",
			"confidence": 0.75,
			"count":      int64(3),
			"tags":       []any{"a", "b"},
			"ok":         true,
			"nested":     map[string]any{"depth": 2},
		},
		"input": map[string]any{"threshold": 0.5},
	}

	tests := []struct {
		src  string
		want bool
	}{
		{"result.failures == ''", true},
		{`result.failures != ""`, false},
		{"result.confidence >= 0.5", true},
		{"result.confidence > input.threshold", true},
		{"result.count < 3", false},
		{"result.count <= 3", true},
		{"result.count == 3", true},
		{"result.label in ['pass', 'fail']", true},
		{"result.label not in ['pass', 'fail']", false},
		{"'a' in result.tags", true},
		{"'pa' in result.label", true},
		{"'depth' in result.nested", true},
		{"result.nested.depth == 2", true},
		{"result.ok and result.count > 1", true},
		{"result.ok && !result.ok", false},
		{"not result.ok or result.label == 'pass'", true},
		{"(result.count > 5 or result.ok) and len(result.tags) == 2", true},
		{"len(result.label) == 4", true},
		{"result.missing == null", true},
		{"result.confidence > -1", true},
		{"result.tags == ['a', 'b']", true},
		{"'b' < 'c'", true},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			p, err := Compile(tt.src)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			got, err := p.Eval(env)
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCompile_SyntaxErrors tests that malformed expressions are rejected.
func TestCompile_SyntaxErrors(t *testing.T) {
	bad := []string{
		"",
		"   ",
		"result.a ==",
		"(result.a == 1",
		"result.a == 'unterminated",
		"exec('rm -rf')",
		"result.a = 1",
		"result.",
		"[1, 2",
		"and",
		"result.a == 1 result.b",
		"result.a # 2",
	}
	for _, src := range bad {
		t.Run(src, func(t *testing.T) {
			_, err := Compile(src)
			var se *SyntaxError
			if !errors.As(err, &se) {
				t.Fatalf("expected SyntaxError, got %v", err)
			}
		})
	}
}

// TestEval_Errors tests evaluation failures of well-formed expressions.
func TestEval_Errors(t *testing.T) {
	env := Env{"result": map[string]any{"s": "x", "n": 1.0}}
	tests := []string{
		"result.s > 1",
		"result.n",
		"other.value == 1",
		"result.s.deeper == 1",
		"1 in result.s",
		"len(result.n) == 1",
		"result.n and true",
	}
	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			_, err := MustCompile(src).Eval(env)
			var ee *EvalError
			if !errors.As(err, &ee) {
				t.Fatalf("expected EvalError, got %v", err)
			}
		})
	}
}

// TestCompile_DepthLimit tests that pathological nesting is refused.
func TestCompile_DepthLimit(t *testing.T) {
	src := ""
	for i := 0; i < maxDepth+1; i++ {
		src += "("
	}
	src += "true"
	for i := 0; i < maxDepth+1; i++ {
		src += ")"
	}
	if _, err := Compile(src); err == nil {
		t.Fatal("expected depth error")
	}
}

// TestPaths tests static path extraction.
func TestPaths(t *testing.T) {
	p := MustCompile("result.b > input.x and (result.a == 1 or len(result.b) > 0) and 'k' in result.c.d")
	want := []string{"input.x", "result.a", "result.b", "result.c.d"}
	if got := p.Paths(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestConjuncts tests splitting of a top-level conjunction.
func TestConjuncts(t *testing.T) {
	p := MustCompile("result.a == 1 and (result.b or result.c) && result.d > 2")
	parts := p.Conjuncts()
	var got []string
	for _, c := range parts {
		got = append(got, c.String())
	}
	want := []string{"result.a == 1", "(result.b or result.c)", "result.d > 2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}

	env := Env{"result": map[string]any{"a": 1, "b": false, "c": true, "d": 1}}
	failed, errs := Check(parts, env)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if !reflect.DeepEqual(failed, []string{"result.d > 2"}) {
		t.Fatalf("failed = %v", failed)
	}

	single := MustCompile("result.a == 1 or result.b")
	if n := len(single.Conjuncts()); n != 1 {
		t.Fatalf("expected 1 conjunct, got %d", n)
	}
}

// TestCheck_CollectsAll tests that every failing expression is reported.
func TestCheck_CollectsAll(t *testing.T) {
	progs := []*Program{
		MustCompile("result.a == 1"),
		MustCompile("result.b == 2"),
		MustCompile("result.c > 'x'"),
		MustCompile("result.a > 0"),
	}
	env := Env{"result": map[string]any{"a": 0, "b": 3, "c": 1}}
	failed, errs := Check(progs, env)
	want := []string{"result.a == 1", "result.b == 2", "result.c > 'x'", "result.a > 0"}
	if !reflect.DeepEqual(failed, want) {
		t.Fatalf("failed = %v, want %v", failed, want)
	}
	if _, ok := errs["result.c > 'x'"]; !ok || len(errs) != 1 {
		t.Fatalf("errs = %v", errs)
	}
}
