package graph

import (
	"errors"
	"reflect"
	"testing"

	"github.com/regression-io/stratum/contracts"
)

func steps(spec ...[]string) []contracts.Step {
	out := make([]contracts.Step, 0, len(spec))
	for _, s := range spec {
		st := contracts.Step{ID: contracts.StepID(s[0])}
		for _, d := range s[1:] {
			st.DependsOn = append(st.DependsOn, contracts.StepID(d))
		}
		out = append(out, st)
	}
	return out
}

func ids(s ...string) []contracts.StepID {
	out := make([]contracts.StepID, len(s))
	for i, v := range s {
		out[i] = contracts.StepID(v)
	}
	return out
}

// TestNewDependencyResolver verifies resolver creation.
func TestNewDependencyResolver(t *testing.T) {
	resolver := NewDependencyResolver()
	if resolver == nil {
		t.Fatal("expected non-nil resolver")
	}
}

// TestBuildDAG_NilInput tests building DAG with nil input.
func TestBuildDAG_NilInput(t *testing.T) {
	dag, err := NewDependencyResolver().BuildDAG(nil)
	if !errors.Is(err, contracts.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if dag != nil {
		t.Fatal("expected nil DAG for nil input")
	}
}

// TestBuildDAG_Empty tests building DAG from an empty step list.
func TestBuildDAG_Empty(t *testing.T) {
	dag, err := NewDependencyResolver().BuildDAG([]contracts.Step{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(dag.Nodes) != 0 {
		t.Fatalf("expected 0 nodes, got %d", len(dag.Nodes))
	}
	if err := NewDependencyResolver().Validate(dag); err != nil {
		t.Fatalf("empty DAG should validate: %v", err)
	}
}

// TestBuildDAG_Edges tests Deps, Next and Pending bookkeeping.
func TestBuildDAG_Edges(t *testing.T) {
	dag, err := NewDependencyResolver().BuildDAG(steps(
		[]string{"s1"},
		[]string{"s2", "s1"},
		[]string{"s3", "s1", "s2", "s1"},
	))
	if err != nil {
		t.Fatalf("BuildDAG: %v", err)
	}

	if got := dag.Nodes["s1"].Next; !reflect.DeepEqual(got, ids("s2", "s3")) {
		t.Errorf("s1.Next = %v", got)
	}
	if got := dag.Nodes["s3"].Pending; got != 2 {
		t.Errorf("s3.Pending = %d, want 2 (duplicates collapsed)", got)
	}
	if !reflect.DeepEqual(dag.Order, ids("s1", "s2", "s3")) {
		t.Errorf("Order = %v", dag.Order)
	}
}

// TestBuildDAG_UnknownDependencies tests that every missing dependency is reported.
func TestBuildDAG_UnknownDependencies(t *testing.T) {
	_, err := NewDependencyResolver().BuildDAG(steps(
		[]string{"s1", "ghost"},
		[]string{"s2", "s1", "phantom"},
	))
	if !errors.Is(err, contracts.ErrDepNotFound) {
		t.Fatalf("expected ErrDepNotFound, got %v", err)
	}

	var ude *contracts.UnknownDependencyError
	if !errors.As(err, &ude) {
		t.Fatalf("expected UnknownDependencyError, got %T", err)
	}
	if ude.Step != "s1" || ude.Dependency != "ghost" {
		t.Errorf("first error = %+v", ude)
	}

	joined, ok := err.(interface{ Unwrap() []error })
	if !ok || len(joined.Unwrap()) != 2 {
		t.Fatalf("expected 2 joined errors, got %v", err)
	}
}

// TestBuildDAG_Duplicate tests duplicate step ids.
func TestBuildDAG_Duplicate(t *testing.T) {
	_, err := NewDependencyResolver().BuildDAG(steps([]string{"a"}, []string{"a"}))
	if !errors.Is(err, contracts.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

// TestValidate_Cycles tests that a cycle is named with every member in cycle order.
func TestValidate_Cycles(t *testing.T) {
	tests := []struct {
		name  string
		steps []contracts.Step
		want  []contracts.StepID
	}{
		{
			name:  "self loop",
			steps: steps([]string{"a", "a"}),
			want:  ids("a"),
		},
		{
			name:  "two step",
			steps: steps([]string{"a", "b"}, []string{"b", "a"}),
			want:  ids("a", "b"),
		},
		{
			name: "three step behind a prefix",
			steps: steps(
				[]string{"root"},
				[]string{"s1", "root", "s3"},
				[]string{"s2", "s1"},
				[]string{"s3", "s2"},
			),
			want: ids("s1", "s2", "s3"),
		},
		{
			name: "cycle entered from the middle",
			steps: steps(
				[]string{"x", "z"},
				[]string{"y", "x"},
				[]string{"z", "y"},
				[]string{"w", "y"},
			),
			want: ids("x", "y", "z"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewDependencyResolver()
			dag, err := r.BuildDAG(tt.steps)
			if err != nil {
				t.Fatalf("BuildDAG: %v", err)
			}
			err = r.Validate(dag)
			if !errors.Is(err, contracts.ErrDAGCycle) {
				t.Fatalf("expected ErrDAGCycle, got %v", err)
			}
			var ce *contracts.CycleError
			if !errors.As(err, &ce) {
				t.Fatalf("expected CycleError, got %T", err)
			}
			if !reflect.DeepEqual(ce.Steps, tt.want) {
				t.Fatalf("cycle = %v, want %v", ce.Steps, tt.want)
			}
		})
	}
}

// TestCycleError_Message tests the rendered cycle.
func TestCycleError_Message(t *testing.T) {
	err := &contracts.CycleError{Steps: ids("s1", "s2", "s3")}
	want := "cycle detected in step dependencies: s1 -> s2 -> s3 -> s1"
	if err.Error() != want {
		t.Fatalf("got %q", err.Error())
	}
}

// TestCycles_Disjoint tests that disjoint cycles are all found.
func TestCycles_Disjoint(t *testing.T) {
	dag, err := NewDependencyResolver().BuildDAG(steps(
		[]string{"a", "b"}, []string{"b", "a"},
		[]string{"c", "d"}, []string{"d", "c"},
	))
	if err != nil {
		t.Fatal(err)
	}
	got := Cycles(dag)
	want := [][]contracts.StepID{ids("a", "b"), ids("c", "d")}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("cycles = %v, want %v", got, want)
	}
}

// TestReadySets tests maximal ready set computation.
func TestReadySets(t *testing.T) {
	dag, err := NewDependencyResolver().BuildDAG(steps(
		[]string{"fetch"},
		[]string{"parse", "fetch"},
		[]string{"lint", "fetch"},
		[]string{"audit"},
		[]string{"report", "parse", "lint", "audit"},
	))
	if err != nil {
		t.Fatal(err)
	}

	sets, err := ReadySets(dag)
	if err != nil {
		t.Fatalf("ReadySets: %v", err)
	}
	want := [][]contracts.StepID{ids("audit", "fetch"), ids("lint", "parse"), ids("report")}
	if !reflect.DeepEqual(sets, want) {
		t.Fatalf("sets = %v, want %v", sets, want)
	}

	if a := Ancestors(dag, "report"); len(a) != 4 || !a["fetch"] {
		t.Fatalf("ancestors = %v", a)
	}
}

// TestReadySets_Cycle tests that ready sets refuse cyclic graphs.
func TestReadySets_Cycle(t *testing.T) {
	dag, _ := NewDependencyResolver().BuildDAG(steps([]string{"a", "b"}, []string{"b", "a"}, []string{"c"}))
	_, err := ReadySets(dag)
	var ce *contracts.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CycleError, got %v", err)
	}
}

// TestClone tests that a cloned DAG does not share counters.
func TestClone(t *testing.T) {
	dag, _ := NewDependencyResolver().BuildDAG(steps([]string{"a"}, []string{"b", "a"}))
	c := Clone(dag)
	c.Nodes["b"].Pending--
	if dag.Nodes["b"].Pending != 1 {
		t.Fatal("clone shares Pending with the original")
	}
}
