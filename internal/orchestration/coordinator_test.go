package orchestration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/contracts"
	"github.com/regression-io/stratum/internal/audit"
	"github.com/regression-io/stratum/internal/memory"
)

// =============================================================================
// Fixtures
// =============================================================================

const chainYAML = `
version: "1"
contracts:
  Num:
    n: {type: integer}
  Check:
    failures: {type: string}
functions:
  load:
    mode: compute
    intent: load the number
    input: {n: {type: integer}}
    output: Num
  bump:
    mode: compute
    intent: add one
    input: {n: {type: integer}}
    output: Num
    ensure: ["result.n > input.n"]
    retries: 1
  check:
    mode: infer
    intent: run the checks and list the failures
    input: {n: {type: integer}}
    output: Check
    ensure: ["result.failures == ''"]
    retries: 2
    budget: {cost: 0.1}
flows:
  chain:
    input: {n: {type: integer}}
    output: Check
    steps:
      - {id: s1, function: load, inputs: {n: input.n}}
      - {id: s2, function: bump, inputs: {n: steps.s1.output.n}, depends_on: [s1]}
      - {id: s3, function: check, inputs: {n: steps.s2.output.n}, depends_on: [s2]}
`

const pricedYAML = `
version: "1"
contracts:
  Text:
    text: {type: string}
functions:
  write:
    mode: infer
    intent: write the next paragraph
    input: {text: {type: string}}
    output: Text
    budget: {cost: 0.2}
flows:
  essay:
    input: {text: {type: string}}
    output: Text
    budget: {max_cost: 0.30}
    steps:
      - {id: s1, function: write, inputs: {text: input.text}}
      - {id: s2, function: write, inputs: {text: steps.s1.output.text}, depends_on: [s1]}
      - {id: s3, function: write, inputs: {text: steps.s2.output.text}, depends_on: [s2]}
`

const pairYAML = `
version: "1"
contracts:
  Text:
    text: {type: string}
functions:
  draft:
    mode: infer
    intent: draft a paragraph
    input: {text: {type: string}}
    output: Text
    ensure: ["len(result.text) > 0"]
    retries: 1
    budget: {cost: 0.2}
flows:
  pair:
    input: {text: {type: string}}
    output: Text
    steps:
      - {id: x, function: draft, inputs: {text: input.text}}
      - {id: y, function: draft, inputs: {text: input.text}}
`

const debateYAML = `
version: "1"
contracts:
  Answer:
    text: {type: string}
  Debated:
    converged: {type: boolean}
    outputs:   {type: list}
functions:
  argue:
    mode: infer
    intent: answer the question
    input: {q: {type: string}}
    output: Answer
    debate: {branches: 2, require: agreement}
flows:
  ask:
    input: {q: {type: string}}
    output: Debated
    output_map:
      converged: steps.d.output.converged
      outputs: steps.d.output.outputs
    steps:
      - {id: d, function: argue, inputs: {q: input.q}}
`

const refineYAML = `
version: "1"
contracts:
  Draft:
    score: {type: number}
functions:
  draft:
    mode: infer
    intent: improve the draft
    input: {topic: {type: string}}
    output: Draft
    refine: {until: "result.score >= 0.9", max_iterations: 3}
flows:
  polish:
    input: {topic: {type: string}}
    output: Draft
    steps:
      - {id: r, function: draft, inputs: {topic: input.topic}}
`

const refineRetryYAML = `
version: "1"
contracts:
  Draft:
    score: {type: number}
functions:
  draft:
    mode: infer
    intent: improve the draft
    input: {topic: {type: string}}
    output: Draft
    retries: 1
    refine: {until: "result.score >= 0.9", max_iterations: 3}
flows:
  polish:
    input: {topic: {type: string}}
    output: Draft
    steps:
      - {id: r, function: draft, inputs: {topic: input.topic}}
`

const diamondYAML = `
version: "1"
contracts:
  Num:
    n: {type: integer}
  Pair:
    left:  {type: integer}
    right: {type: integer}
functions:
  seed:
    mode: compute
    intent: seed
    input: {n: {type: integer}}
    output: Num
  side:
    mode: compute
    intent: one side
    input: {n: {type: integer}}
    output: Num
  join:
    mode: compute
    intent: join both sides
    input: {left: {type: integer}, right: {type: integer}}
    output: Pair
  note:
    mode: infer
    intent: annotate
    input: {n: {type: integer}}
    output: Num
    ensure: ["result.n > 0"]
flows:
  diamond:
    input: {n: {type: integer}}
    output: Pair
    steps:
      - {id: a, function: seed, inputs: {n: input.n}}
      - {id: b, function: side, inputs: {n: steps.a.output.n}, depends_on: [a]}
      - {id: c, function: side, inputs: {n: steps.a.output.n}, depends_on: [a]}
      - {id: d, function: join, inputs: {left: steps.b.output.n, right: steps.c.output.n}, depends_on: [b, c]}
  optional:
    input: {n: {type: integer}}
    output: Num
    steps:
      - {id: a, function: seed, inputs: {n: input.n}}
      - {id: extra, function: note, inputs: {n: steps.a.output.n}, depends_on: [a], optional: true}
      - {id: after, function: side, inputs: {n: steps.extra.output.n}, depends_on: [extra]}
      - {id: last, function: side, inputs: {n: steps.a.output.n}, depends_on: [a, after]}
`

const humanYAML = `
version: "1"
contracts:
  Plan:
    text: {type: string}
  Approval:
    approved: {type: boolean}
functions:
  propose:
    mode: infer
    intent: propose a plan
    input: {goal: {type: string}}
    output: Plan
  approve:
    mode: infer
    intent: approve the plan
    input: {text: {type: string}}
    output: Approval
    ensure: ["result.approved == true"]
flows:
  gated:
    input: {goal: {type: string}}
    output: Approval
    steps:
      - {id: plan, function: propose, inputs: {goal: input.goal}}
      - id: gate
        function: approve
        inputs: {text: steps.plan.output.text}
        depends_on: [plan]
        await_human: {prompt: "approve the plan?", timeout: 1h}
`

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
}

func compile(t *testing.T, doc string) *config.Compiled {
	t.Helper()
	c, err := config.NewLoader().LoadFromBytes([]byte(doc))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return c
}

func newTestCoordinator(clock *fakeClock, opts ...Option) *Coordinator {
	base := []Option{WithIDs(sequentialIDs()), WithClock(clock.Now)}
	return NewCoordinator(append(base, opts...)...)
}

func plan(t *testing.T, c *Coordinator, spec *config.Compiled, flow string, in contracts.Record, id contracts.RunID) contracts.Outcome {
	t.Helper()
	out, err := c.Plan(context.Background(), spec, flow, in, PlanOptions{RunID: id})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	return out
}

func done(t *testing.T, c *Coordinator, task contracts.StepTask, output contracts.Record, cost float64) contracts.Outcome {
	t.Helper()
	out, err := c.StepDone(context.Background(), task.RunID, task.StepID, contracts.Report{
		Output: output,
		Usage:  contracts.Usage{Cost: cost},
	})
	if err != nil {
		t.Fatalf("StepDone(%s): %v", task.StepID, err)
	}
	return out
}

func single(t *testing.T, out contracts.Outcome) contracts.StepTask {
	t.Helper()
	if len(out.Ready) != 1 {
		t.Fatalf("expected one ready task, got %+v", out.Ready)
	}
	return out.Ready[0]
}

func steps(tasks []contracts.StepTask) []contracts.StepID {
	ids := make([]contracts.StepID, len(tasks))
	for i, task := range tasks {
		ids[i] = task.StepID
	}
	return ids
}

func events(out contracts.Outcome, kind contracts.EventKind) int {
	n := 0
	for _, e := range out.Events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// =============================================================================
// Scenarios
// =============================================================================

// TestScenarioA_RetryWithFeedback tests a chain whose last step violates its
// postcondition once and is accepted on the retry.
func TestScenarioA_RetryWithFeedback(t *testing.T) {
	c := newTestCoordinator(&fakeClock{t: epoch})
	spec := compile(t, chainYAML)

	out := plan(t, c, spec, "chain", contracts.Record{"n": 1}, "run-a")
	if out.Kind != contracts.OutcomeNext || out.Status != contracts.RunRunning {
		t.Fatalf("plan outcome = %+v", out)
	}
	s1 := single(t, out)
	if s1.StepID != "s1" || s1.Attempt != 1 || s1.Inputs["n"] != int64(1) {
		t.Fatalf("s1 task = %+v", s1)
	}

	s2 := single(t, done(t, c, s1, contracts.Record{"n": 1}, 0))
	s3 := single(t, done(t, c, s2, contracts.Record{"n": 2}, 0))
	if s3.StepID != "s3" || s3.Inputs["n"] != int64(2) || s3.Feedback != nil {
		t.Fatalf("s3 task = %+v", s3)
	}

	out = done(t, c, s3, contracts.Record{"failures": "timeout"}, 0.1)
	if out.Kind != contracts.OutcomeViolation {
		t.Fatalf("expected violation, got %+v", out)
	}
	if out.Retry == nil || out.Retry.Attempt != 2 || out.Retry.Feedback == nil {
		t.Fatalf("expected a second attempt with feedback, got %+v", out.Retry)
	}
	fb := out.Retry.Feedback
	if len(fb.Failed) != 1 || !strings.Contains(fb.Failed[0], "failures") {
		t.Fatalf("feedback should name only the failed check, got %v", fb.Failed)
	}
	if fb.Rejected["failures"] != "timeout" {
		t.Fatalf("feedback should carry the rejected output, got %v", fb.Rejected)
	}

	out = done(t, c, *out.Retry, contracts.Record{"failures": ""}, 0.1)
	if out.Kind != contracts.OutcomeCompleted || out.Status != contracts.RunCompleted {
		t.Fatalf("expected completion, got %+v", out)
	}
	if out.Output["failures"] != "" || out.Degraded {
		t.Fatalf("output = %v degraded = %v", out.Output, out.Degraded)
	}

	trace, err := c.Audit(context.Background(), "run-a", contracts.AuditQuery{StepID: "s3"})
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if len(trace) != 2 {
		t.Fatalf("expected 2 attempts of s3, got %d", len(trace))
	}
	if trace[0].Status != contracts.AttemptViolated || trace[0].Feedback == "" || len(trace[0].Violations) != 1 {
		t.Fatalf("first attempt = %+v", trace[0])
	}
	if trace[1].Status != contracts.AttemptAccepted || trace[1].Index != 2 {
		t.Fatalf("second attempt = %+v", trace[1])
	}

	retries, err := c.Audit(context.Background(), "run-a", contracts.AuditQuery{RetriesOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(retries) != 1 || retries[0].StepID != "s3" {
		t.Fatalf("retries = %+v", retries)
	}
}

// TestScenarioB_BudgetCap tests that no step starts once the next estimate
// would pass the cap.
func TestScenarioB_BudgetCap(t *testing.T) {
	c := newTestCoordinator(&fakeClock{t: epoch})
	spec := compile(t, pricedYAML)

	out := plan(t, c, spec, "essay", contracts.Record{"text": "go"}, "run-b")
	s1 := single(t, out)
	if s1.Estimate.Cost != 0.2 {
		t.Fatalf("estimate = %+v", s1.Estimate)
	}

	out = done(t, c, s1, contracts.Record{"text": "one"}, 0.2)
	if out.Kind != contracts.OutcomeBudgetExceeded || out.Status != contracts.RunBudgetExceeded {
		t.Fatalf("expected budget exceeded, got %+v", out)
	}
	if len(out.Ready) != 0 || out.Retry != nil {
		t.Fatalf("nothing may start past the cap, got %+v", out.Ready)
	}
	if events(out, contracts.EventBudgetExceeded) != 1 {
		t.Fatalf("events = %+v", out.Events)
	}
	want := map[contracts.StepID]contracts.Record{"s1": {"text": "one"}}
	if !reflect.DeepEqual(out.Partial, want) {
		t.Fatalf("partial = %v", out.Partial)
	}

	snap, err := c.Snapshot("run-b")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Steps["s2"].Status != contracts.StepBudgetExceeded || snap.Steps["s3"].Status != contracts.StepPending {
		t.Fatalf("steps = %+v", snap.Steps)
	}
	if snap.Consumed.Cost != 0.2 {
		t.Fatalf("consumed = %+v", snap.Consumed)
	}
}

// TestScenarioC_DebateDisagreement tests that disagreeing branches are a
// normal result and are never retried.
func TestScenarioC_DebateDisagreement(t *testing.T) {
	c := newTestCoordinator(&fakeClock{t: epoch})
	spec := compile(t, debateYAML)

	task := single(t, plan(t, c, spec, "ask", contracts.Record{"q": "which?"}, "run-c"))
	if task.Branches != 2 {
		t.Fatalf("branches = %d", task.Branches)
	}

	out, err := c.StepDone(context.Background(), "run-c", "d", contracts.Report{
		Branches: []contracts.Record{{"text": "A"}, {"text": "B"}},
		Usage:    contracts.Usage{Cost: 0.2},
	})
	if err != nil {
		t.Fatalf("StepDone: %v", err)
	}
	if out.Kind != contracts.OutcomeCompleted {
		t.Fatalf("expected completion, got %+v", out)
	}
	if out.Debate == nil || out.Debate.Converged || len(out.Debate.Distinct) != 2 {
		t.Fatalf("debate = %+v", out.Debate)
	}
	if out.Output["converged"] != false {
		t.Fatalf("output = %v", out.Output)
	}
	outputs, ok := out.Output["outputs"].([]any)
	if !ok || len(outputs) != 2 {
		t.Fatalf("outputs = %#v", out.Output["outputs"])
	}

	retries, err := c.Audit(context.Background(), "run-c", contracts.AuditQuery{RetriesOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(retries) != 0 {
		t.Fatalf("disagreement must not retry, got %+v", retries)
	}
}

// TestDebate_NoBranches tests that a debate report without branch outputs
// fails the step instead of passing as a disagreement.
func TestDebate_NoBranches(t *testing.T) {
	tests := []struct {
		name   string
		report contracts.Report
	}{
		{"every branch failed", contracts.Report{Failed: 2}},
		{"plain output instead of branches", contracts.Report{Output: contracts.Record{"text": "A"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCoordinator(&fakeClock{t: epoch})
			spec := compile(t, debateYAML)
			plan(t, c, spec, "ask", contracts.Record{"q": "which?"}, "run-1")

			out, err := c.StepDone(context.Background(), "run-1", "d", tt.report)
			if err != nil {
				t.Fatal(err)
			}
			if out.Status != contracts.RunFailed || out.Debate != nil {
				t.Fatalf("outcome = %+v", out)
			}
			snap, _ := c.Snapshot("run-1")
			if snap.Steps["d"].Status != contracts.StepFailed {
				t.Fatalf("step = %+v", snap.Steps["d"])
			}
			trace, _ := c.Audit(context.Background(), "run-1", contracts.AuditQuery{})
			if len(trace) != 1 || trace[0].Status != contracts.AttemptProviderError {
				t.Fatalf("trace = %+v", trace)
			}
		})
	}
}

func TestDebate_ConvergedValueFacesContract(t *testing.T) {
	c := newTestCoordinator(&fakeClock{t: epoch})
	spec := compile(t, debateYAML)
	plan(t, c, spec, "ask", contracts.Record{"q": "which?"}, "run-1")

	out, err := c.StepDone(context.Background(), "run-1", "d", contracts.Report{
		Branches: []contracts.Record{{"text": "A"}, {"text": "A"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != contracts.OutcomeCompleted || out.Output["converged"] != true {
		t.Fatalf("outcome = %+v", out)
	}
	snap, _ := c.Snapshot("run-1")
	if snap.Steps["d"].Output["text"] != "A" {
		t.Fatalf("converged value should be kept, got %v", snap.Steps["d"].Output)
	}
}

// =============================================================================
// Properties
// =============================================================================

// TestAttemptBound tests that a step takes at most retries+1 attempts.
func TestAttemptBound(t *testing.T) {
	c := newTestCoordinator(&fakeClock{t: epoch})
	spec := compile(t, chainYAML)

	out := plan(t, c, spec, "chain", contracts.Record{"n": 1}, "run-1")
	out = done(t, c, single(t, out), contracts.Record{"n": 1}, 0)
	out = done(t, c, single(t, out), contracts.Record{"n": 2}, 0)
	task := single(t, out)

	attempts := 0
	for {
		attempts++
		out = done(t, c, task, contracts.Record{"failures": "still failing"}, 0.1)
		if out.Retry == nil {
			break
		}
		task = *out.Retry
		if attempts > 10 {
			t.Fatal("retries never stopped")
		}
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if out.Kind != contracts.OutcomeFailed || out.Status != contracts.RunFailed {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Error, "s3") {
		t.Fatalf("error should name the step, got %q", out.Error)
	}

	snap, _ := c.Snapshot("run-1")
	if st := snap.Steps["s3"]; st.Status != contracts.StepRetriesExhausted || st.Attempts != 3 {
		t.Fatalf("s3 = %+v", st)
	}

	_, err := c.StepDone(context.Background(), "run-1", "s3", contracts.Report{Output: contracts.Record{"failures": ""}})
	if !errors.Is(err, contracts.ErrStepNotRunning) {
		t.Fatalf("expected ErrStepNotRunning, got %v", err)
	}
}

// TestAcceptedAttemptsHaveNoViolations tests that the trace never marks an
// attempt accepted while it carries violations.
func TestAcceptedAttemptsHaveNoViolations(t *testing.T) {
	c := newTestCoordinator(&fakeClock{t: epoch})
	spec := compile(t, chainYAML)

	out := plan(t, c, spec, "chain", contracts.Record{"n": 1}, "run-1")
	out = done(t, c, single(t, out), contracts.Record{"n": 1}, 0)
	// bump must grow n; the first answer violates its postcondition
	out = done(t, c, single(t, out), contracts.Record{"n": 1}, 0)
	if out.Retry == nil {
		t.Fatalf("expected a retry, got %+v", out)
	}
	out = done(t, c, *out.Retry, contracts.Record{"n": 5}, 0)
	out = done(t, c, single(t, out), contracts.Record{"failures": "x"}, 0)
	done(t, c, *out.Retry, contracts.Record{"failures": ""}, 0)

	trace, err := c.Audit(context.Background(), "run-1", contracts.AuditQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(trace) != 5 {
		t.Fatalf("expected 5 attempts, got %d", len(trace))
	}
	var last int64
	for _, a := range trace {
		if a.Seq <= last {
			t.Fatalf("sequence must increase, got %d after %d", a.Seq, last)
		}
		last = a.Seq
		if a.Status == contracts.AttemptAccepted && len(a.Violations) > 0 {
			t.Fatalf("accepted attempt with violations: %+v", a)
		}
	}
}

// TestBudgetMonotone tests that consumption never decreases and that the
// started estimates never exceed the cap.
func TestBudgetMonotone(t *testing.T) {
	c := newTestCoordinator(&fakeClock{t: epoch})
	spec := compile(t, pricedYAML)
	budget := &contracts.Budget{MaxCost: 0.45}

	out, err := c.Plan(context.Background(), spec, "essay", contracts.Record{"text": "go"}, PlanOptions{RunID: "run-1", Budget: budget})
	if err != nil {
		t.Fatal(err)
	}

	var started float64
	var consumed float64
	for len(out.Ready) > 0 {
		task := out.Ready[0]
		started += task.Estimate.Cost
		if started > budget.MaxCost+1e-9 {
			t.Fatalf("started %g past the cap %g", started, budget.MaxCost)
		}
		out = done(t, c, task, contracts.Record{"text": "more"}, 0.15)

		snap, _ := c.Snapshot("run-1")
		if snap.Consumed.Cost < consumed {
			t.Fatalf("consumption decreased from %g to %g", consumed, snap.Consumed.Cost)
		}
		consumed = snap.Consumed.Cost
	}
	if out.Status != contracts.RunBudgetExceeded {
		t.Fatalf("status = %s", out.Status)
	}
	if math.Abs(consumed-0.3) > 1e-9 {
		t.Fatalf("consumed = %g", consumed)
	}
}

// TestBudgetExceeded_InFlightFinishes tests that a sibling still in flight
// when the budget runs out is recorded and charged but never retried, and
// that the run is finalized only once it reported.
func TestBudgetExceeded_InFlightFinishes(t *testing.T) {
	objects := &objectStore{}
	c := newTestCoordinator(&fakeClock{t: epoch}, WithArchiver(audit.NewArchiver(objects, "traces", "runs")))
	spec := compile(t, pairYAML)

	out, err := c.Plan(context.Background(), spec, "pair", contracts.Record{"text": "go"},
		PlanOptions{RunID: "run-1", Budget: &contracts.Budget{MaxCost: 0.5}})
	if err != nil {
		t.Fatal(err)
	}
	if got := steps(out.Ready); !reflect.DeepEqual(got, []contracts.StepID{"x", "y"}) {
		t.Fatalf("ready = %v", got)
	}
	x, y := out.Ready[0], out.Ready[1]

	out = done(t, c, x, contracts.Record{"text": ""}, 0.2)
	if out.Kind != contracts.OutcomeBudgetExceeded || out.Retry != nil {
		t.Fatalf("retry of x should be denied, got %+v", out)
	}
	var exceeded []contracts.Event
	for _, e := range out.Events {
		if e.Kind == contracts.EventBudgetExceeded {
			exceeded = append(exceeded, e)
		}
	}
	if len(exceeded) != 1 || exceeded[0].StepID != "x" || !strings.Contains(exceeded[0].Message, "0.1 cost left") {
		t.Fatalf("budget event = %+v", exceeded)
	}
	if len(objects.keys) != 0 {
		t.Fatal("run must not be finalized while y is in flight")
	}

	out = done(t, c, y, contracts.Record{"text": ""}, 0.2)
	if out.Retry != nil || out.Status != contracts.RunBudgetExceeded {
		t.Fatalf("late violation must not retry, got %+v", out)
	}

	snap, _ := c.Snapshot("run-1")
	if snap.Steps["x"].Status != contracts.StepBudgetExceeded || snap.Steps["y"].Status != contracts.StepFailed {
		t.Fatalf("steps = %+v", snap.Steps)
	}
	if math.Abs(snap.Consumed.Cost-0.4) > 1e-9 {
		t.Fatalf("consumed = %g", snap.Consumed.Cost)
	}
	trace, _ := c.Audit(context.Background(), "run-1", contracts.AuditQuery{StepID: "y"})
	if len(trace) != 1 || trace[0].Status != contracts.AttemptViolated {
		t.Fatalf("trace of y = %+v", trace)
	}
	if len(objects.keys) != 1 {
		t.Fatalf("run should be finalized once, archived %v", objects.keys)
	}
}

// TestBudgetExceeded_ReadyStillRuns tests that a denial during plan still
// hands out the siblings it reserved budget for, and that the run waits for
// them before it is finalized.
func TestBudgetExceeded_ReadyStillRuns(t *testing.T) {
	objects := &objectStore{}
	c := newTestCoordinator(&fakeClock{t: epoch}, WithArchiver(audit.NewArchiver(objects, "traces", "runs")))
	spec := compile(t, pairYAML)

	out, err := c.Plan(context.Background(), spec, "pair", contracts.Record{"text": "go"},
		PlanOptions{RunID: "run-1", Budget: &contracts.Budget{MaxCost: 0.3}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != contracts.OutcomeBudgetExceeded {
		t.Fatalf("kind = %s", out.Kind)
	}
	x := single(t, out)
	if x.StepID != "x" {
		t.Fatalf("ready = %v", steps(out.Ready))
	}
	if len(objects.keys) != 0 {
		t.Fatal("run must not be finalized while x is in flight")
	}

	out = done(t, c, x, contracts.Record{"text": "para"}, 0.2)
	if out.Status != contracts.RunBudgetExceeded || len(out.Ready) != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Partial["x"]["text"] != "para" {
		t.Fatalf("partial = %v", out.Partial)
	}
	snap, _ := c.Snapshot("run-1")
	if snap.Steps["x"].Status != contracts.StepAccepted || snap.Steps["y"].Status != contracts.StepBudgetExceeded {
		t.Fatalf("steps = %+v", snap.Steps)
	}
	if len(objects.keys) != 1 {
		t.Fatalf("archived %v", objects.keys)
	}
}

// TestCheckpointOnce tests that the checkpoint event fires exactly once.
func TestCheckpointOnce(t *testing.T) {
	c := newTestCoordinator(&fakeClock{t: epoch})
	spec := compile(t, pricedYAML)
	budget := &contracts.Budget{MaxCost: 1.0, Checkpoint: 0.3}

	out, err := c.Plan(context.Background(), spec, "essay", contracts.Record{"text": "go"}, PlanOptions{RunID: "run-1", Budget: budget})
	if err != nil {
		t.Fatal(err)
	}
	fired := 0
	for len(out.Ready) > 0 {
		out = done(t, c, out.Ready[0], contracts.Record{"text": "more"}, 0.2)
		fired += events(out, contracts.EventCheckpoint)
	}
	if out.Status != contracts.RunCompleted {
		t.Fatalf("status = %s", out.Status)
	}
	if fired != 1 {
		t.Fatalf("checkpoint fired %d times", fired)
	}
}

// TestConfluence tests that the order in which parallel steps report does
// not change the result.
func TestConfluence(t *testing.T) {
	spec := compile(t, diamondYAML)
	answers := map[contracts.StepID]contracts.Record{
		"a": {"n": 1},
		"b": {"n": 2},
		"c": {"n": 3},
		"d": {"left": 2, "right": 3},
	}

	runOrder := func(reverse bool) (contracts.Outcome, contracts.RunSnapshot, []contracts.Attempt) {
		c := newTestCoordinator(&fakeClock{t: epoch})
		out := plan(t, c, spec, "diamond", contracts.Record{"n": 1}, "run-1")
		out = done(t, c, single(t, out), answers["a"], 0)
		if got := steps(out.Ready); !reflect.DeepEqual(got, []contracts.StepID{"b", "c"}) {
			t.Fatalf("ready = %v", got)
		}
		first, second := out.Ready[0], out.Ready[1]
		if reverse {
			first, second = second, first
		}
		if mid := done(t, c, first, answers[first.StepID], 0); len(mid.Ready) != 0 {
			t.Fatalf("d must wait for both sides, got %v", steps(mid.Ready))
		}
		out = done(t, c, second, answers[second.StepID], 0)
		d := single(t, out)
		if d.Inputs["left"] != int64(2) || d.Inputs["right"] != int64(3) {
			t.Fatalf("d inputs = %v", d.Inputs)
		}
		out = done(t, c, d, answers["d"], 0)

		snap, _ := c.Snapshot("run-1")
		trace, _ := c.Audit(context.Background(), "run-1", contracts.AuditQuery{StepID: "d"})
		return out, snap, trace
	}

	outA, snapA, traceA := runOrder(false)
	outB, snapB, traceB := runOrder(true)

	if outA.Kind != contracts.OutcomeCompleted || outB.Kind != contracts.OutcomeCompleted {
		t.Fatalf("outcomes = %s, %s", outA.Kind, outB.Kind)
	}
	if !reflect.DeepEqual(outA.Output, outB.Output) {
		t.Fatalf("outputs differ: %v vs %v", outA.Output, outB.Output)
	}
	for id := range snapA.Steps {
		if !reflect.DeepEqual(snapA.Steps[id], snapB.Steps[id]) {
			t.Fatalf("step %s differs: %+v vs %+v", id, snapA.Steps[id], snapB.Steps[id])
		}
	}
	if !reflect.DeepEqual(traceA[0].Inputs, traceB[0].Inputs) {
		t.Fatalf("d saw different inputs: %v vs %v", traceA[0].Inputs, traceB[0].Inputs)
	}
}

// TestValidate_CycleNamesSteps tests that a cyclic flow is rejected with the
// steps of the cycle.
func TestValidate_CycleNamesSteps(t *testing.T) {
	data := `
version: "1"
contracts: {Out: {v: {type: string}}}
functions: {f: {mode: compute, intent: x, output: Out}}
flows:
  loop:
    output: Out
    steps:
      - {id: a, function: f, depends_on: [b]}
      - {id: b, function: f, depends_on: [a]}
`
	spec, err := config.Parse([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	err = NewCoordinator().Validate(spec)
	var ce *contracts.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if !reflect.DeepEqual(ce.Steps, []contracts.StepID{"a", "b"}) {
		t.Fatalf("cycle = %v", ce.Steps)
	}
	var verr *contracts.SpecValidationError
	if !errors.As(err, &verr) || len(verr.Issues) == 0 {
		t.Fatalf("expected a SpecValidationError, got %v", err)
	}
}

// =============================================================================
// Refine
// =============================================================================

func TestRefine_IteratesUntilHolds(t *testing.T) {
	c := newTestCoordinator(&fakeClock{t: epoch})
	spec := compile(t, refineYAML)

	task := single(t, plan(t, c, spec, "polish", contracts.Record{"topic": "go"}, "run-1"))
	if task.Iteration != 1 || task.Attempt != 1 {
		t.Fatalf("first task = %+v", task)
	}

	out := done(t, c, task, contracts.Record{"score": 0.5}, 0)
	if out.Kind != contracts.OutcomeIterate || out.Retry == nil {
		t.Fatalf("expected iterate, got %+v", out)
	}
	next := *out.Retry
	if next.Iteration != 2 || next.Attempt != 1 || next.Feedback == nil || !next.Feedback.Refine {
		t.Fatalf("second task = %+v", next)
	}

	out = done(t, c, next, contracts.Record{"score": 0.95}, 0)
	if out.Kind != contracts.OutcomeCompleted || out.Output["score"] != 0.95 {
		t.Fatalf("outcome = %+v", out)
	}
	snap, _ := c.Snapshot("run-1")
	if st := snap.Steps["r"]; st.DidNotConverge || st.Iterations != 2 {
		t.Fatalf("step = %+v", st)
	}

	trace, _ := c.Audit(context.Background(), "run-1", contracts.AuditQuery{})
	if len(trace) != 2 || trace[0].Status != contracts.AttemptIterated || trace[1].Iteration != 2 {
		t.Fatalf("trace = %+v", trace)
	}
}

func TestRefine_DidNotConverge(t *testing.T) {
	c := newTestCoordinator(&fakeClock{t: epoch})
	spec := compile(t, refineYAML)

	out := plan(t, c, spec, "polish", contracts.Record{"topic": "go"}, "run-1")
	task := single(t, out)
	for _, score := range []float64{0.5, 0.6, 0.7} {
		out = done(t, c, task, contracts.Record{"score": score}, 0)
		if out.Retry != nil {
			task = *out.Retry
		}
	}
	if out.Kind != contracts.OutcomeCompleted {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Output["score"] != 0.7 {
		t.Fatalf("expected the best candidate, got %v", out.Output)
	}
	snap, _ := c.Snapshot("run-1")
	if st := snap.Steps["r"]; !st.DidNotConverge || st.Iterations != 3 || st.Status != contracts.StepAccepted {
		t.Fatalf("step = %+v", st)
	}
}

// TestRefine_AttemptBound tests that the retry bound applies per iteration:
// a refine step takes at most max_iterations*(retries+1) attempts and no
// iteration goes past retries+1.
func TestRefine_AttemptBound(t *testing.T) {
	const iterations, perIteration = 3, 2

	tests := []struct {
		name    string
		violate func(task contracts.StepTask) bool
		want    int
	}{
		{"never violates", func(contracts.StepTask) bool { return false }, iterations},
		{"violates once per iteration", func(task contracts.StepTask) bool { return task.Attempt == 1 }, iterations * perIteration},
		{"always violates", func(contracts.StepTask) bool { return true }, perIteration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCoordinator(&fakeClock{t: epoch})
			spec := compile(t, refineRetryYAML)

			task := single(t, plan(t, c, spec, "polish", contracts.Record{"topic": "go"}, "run-1"))
			for range iterations * perIteration * 2 {
				output := contracts.Record{"score": 0.5}
				if tt.violate(task) {
					output = contracts.Record{"score": "bad"}
				}
				out := done(t, c, task, output, 0)
				if out.Retry == nil {
					break
				}
				task = *out.Retry
			}

			trace, _ := c.Audit(context.Background(), "run-1", contracts.AuditQuery{StepID: "r"})
			if len(trace) != tt.want || len(trace) > iterations*perIteration {
				t.Fatalf("attempts = %d, want %d", len(trace), tt.want)
			}
			for _, a := range trace {
				if a.Index > perIteration || a.Iteration > iterations {
					t.Fatalf("attempt out of bounds: %+v", a)
				}
			}
			snap, _ := c.Snapshot("run-1")
			if snap.Steps["r"].Attempts != len(trace) {
				t.Fatalf("snapshot attempts = %d, trace %d", snap.Steps["r"].Attempts, len(trace))
			}
		})
	}
}

// =============================================================================
// Human gates
// =============================================================================

func TestSuspendAndResume(t *testing.T) {
	clock := &fakeClock{t: epoch}
	c := newTestCoordinator(clock)
	spec := compile(t, humanYAML)

	out := plan(t, c, spec, "gated", contracts.Record{"goal": "ship"}, "run-1")
	out = done(t, c, single(t, out), contracts.Record{"text": "the plan"}, 0)
	if out.Kind != contracts.OutcomeSuspended || out.Status != contracts.RunSuspended {
		t.Fatalf("expected suspension, got %+v", out)
	}
	if len(out.Pending) != 1 || out.Pending[0].StepID != "gate" || out.Pending[0].Inputs["text"] != "the plan" {
		t.Fatalf("pending = %+v", out.Pending)
	}
	if !out.Pending[0].Deadline.Equal(epoch.Add(time.Hour)) {
		t.Fatalf("deadline = %v", out.Pending[0].Deadline)
	}
	if events(out, contracts.EventSuspended) != 1 {
		t.Fatalf("events = %+v", out.Events)
	}

	ctx := context.Background()
	out, err := c.Resume(ctx, "run-1", "gate", contracts.Record{"approved": false}, ResumeOptions{Validate: true})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if out.Kind != contracts.OutcomeViolation || out.Status != contracts.RunSuspended || out.Feedback == nil {
		t.Fatalf("rejected value should keep the step waiting, got %+v", out)
	}

	out, err = c.Resume(ctx, "run-1", "gate", contracts.Record{"approved": true}, ResumeOptions{Validate: true})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if out.Kind != contracts.OutcomeCompleted || out.Output["approved"] != true {
		t.Fatalf("outcome = %+v", out)
	}

	_, err = c.Resume(ctx, "run-1", "gate", contracts.Record{"approved": true}, ResumeOptions{})
	if !errors.Is(err, contracts.ErrRunTerminal) {
		t.Fatalf("expected ErrRunTerminal, got %v", err)
	}

	trace, _ := c.Audit(ctx, "run-1", contracts.AuditQuery{StepID: "gate"})
	if len(trace) != 2 || trace[0].Status != contracts.AttemptHuman || trace[1].Index != 2 {
		t.Fatalf("trace = %+v", trace)
	}
}

func TestResume_Unvalidated(t *testing.T) {
	c := newTestCoordinator(&fakeClock{t: epoch})
	spec := compile(t, humanYAML)

	out := plan(t, c, spec, "gated", contracts.Record{"goal": "ship"}, "run-1")
	done(t, c, single(t, out), contracts.Record{"text": "the plan"}, 0)

	ctx := context.Background()
	if _, err := c.Resume(ctx, "run-1", "plan", nil, ResumeOptions{}); !errors.Is(err, contracts.ErrStepNotAwaiting) {
		t.Fatalf("expected ErrStepNotAwaiting, got %v", err)
	}
	out, err := c.Resume(ctx, "run-1", "gate", contracts.Record{"approved": false}, ResumeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != contracts.OutcomeCompleted || out.Output["approved"] != false {
		t.Fatalf("unvalidated value should be taken as is, got %+v", out)
	}
}

func TestResume_Expired(t *testing.T) {
	clock := &fakeClock{t: epoch}
	c := newTestCoordinator(clock)
	spec := compile(t, humanYAML)

	out := plan(t, c, spec, "gated", contracts.Record{"goal": "ship"}, "run-1")
	done(t, c, single(t, out), contracts.Record{"text": "the plan"}, 0)

	clock.Advance(2 * time.Hour)
	out, err := c.Resume(context.Background(), "run-1", "gate", contracts.Record{"approved": true}, ResumeOptions{})
	if !errors.Is(err, contracts.ErrSuspensionExpired) {
		t.Fatalf("expected ErrSuspensionExpired, got %v", err)
	}
	if out.Status != contracts.RunFailed {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestExpireSuspensions(t *testing.T) {
	clock := &fakeClock{t: epoch}
	c := newTestCoordinator(clock)
	spec := compile(t, humanYAML)
	ctx := context.Background()

	for _, id := range []contracts.RunID{"run-2", "run-1"} {
		out := plan(t, c, spec, "gated", contracts.Record{"goal": "ship"}, id)
		done(t, c, single(t, out), contracts.Record{"text": "the plan"}, 0)
	}

	outs, err := c.ExpireSuspensions(ctx, epoch.Add(30*time.Minute))
	if err != nil || len(outs) != 0 {
		t.Fatalf("nothing is due yet, got %v %v", outs, err)
	}

	outs, err = c.ExpireSuspensions(ctx, epoch.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 2 || outs[0].RunID != "run-1" || outs[1].RunID != "run-2" {
		t.Fatalf("outcomes = %+v", outs)
	}
	for _, out := range outs {
		if out.Kind != contracts.OutcomeFailed {
			t.Fatalf("outcome = %+v", out)
		}
	}

	trace, _ := c.Audit(ctx, "run-1", contracts.AuditQuery{StepID: "gate"})
	if len(trace) != 1 || trace[0].Error == "" || trace[0].Index != 1 {
		t.Fatalf("trace = %+v", trace)
	}
}

// =============================================================================
// Degradation and failures
// =============================================================================

func TestOptionalStepDegrades(t *testing.T) {
	c := newTestCoordinator(&fakeClock{t: epoch})
	spec := compile(t, diamondYAML)
	ctx := context.Background()

	out := plan(t, c, spec, "optional", contracts.Record{"n": 1}, "run-1")
	out = done(t, c, single(t, out), contracts.Record{"n": 1}, 0)
	extra := single(t, out)

	out, err := c.StepFailed(ctx, "run-1", extra.StepID, contracts.Usage{Cost: 0.05}, errors.New("provider unavailable"))
	if err != nil {
		t.Fatalf("StepFailed: %v", err)
	}
	if !out.Degraded || events(out, contracts.EventDegraded) < 2 {
		t.Fatalf("expected a degraded run, got %+v", out)
	}
	last := single(t, out)
	if last.StepID != "last" {
		t.Fatalf("ready = %v", steps(out.Ready))
	}

	out = done(t, c, last, contracts.Record{"n": 7}, 0)
	if out.Kind != contracts.OutcomeCompleted || !out.Degraded || out.Output["n"] != int64(7) {
		t.Fatalf("outcome = %+v", out)
	}

	snap, _ := c.Snapshot("run-1")
	if snap.Steps["extra"].Status != contracts.StepFailed || snap.Steps["after"].Status != contracts.StepSkipped {
		t.Fatalf("steps = %+v", snap.Steps)
	}
	trace, _ := c.Audit(ctx, "run-1", contracts.AuditQuery{StepID: "extra"})
	if len(trace) != 1 || trace[0].Status != contracts.AttemptProviderError || trace[0].Cost != 0.05 {
		t.Fatalf("trace = %+v", trace)
	}
}

func TestStepFailed_RequiredStepFailsRun(t *testing.T) {
	c := newTestCoordinator(&fakeClock{t: epoch})
	spec := compile(t, chainYAML)
	ctx := context.Background()

	task := single(t, plan(t, c, spec, "chain", contracts.Record{"n": 1}, "run-1"))
	out, err := c.StepFailed(ctx, "run-1", task.StepID, contracts.Usage{}, contracts.ErrFunctionNotRegistered)
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != contracts.OutcomeFailed || !strings.Contains(out.Error, "s1") {
		t.Fatalf("outcome = %+v", out)
	}

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"negative usage", func() error {
			_, err := c.StepFailed(ctx, "run-1", "s1", contracts.Usage{Cost: -1}, nil)
			return err
		}, contracts.ErrNegativeUsage},
		{"unknown run", func() error {
			_, err := c.StepDone(ctx, "nope", "s1", contracts.Report{})
			return err
		}, contracts.ErrRunNotFound},
		{"unknown step", func() error {
			_, err := c.StepDone(ctx, "run-1", "nope", contracts.Report{})
			return err
		}, contracts.ErrStepNotFound},
		{"not running", func() error {
			_, err := c.StepDone(ctx, "run-1", "s2", contracts.Report{})
			return err
		}, contracts.ErrStepNotRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

// =============================================================================
// Planning and audit
// =============================================================================

func TestPlan_Errors(t *testing.T) {
	c := newTestCoordinator(&fakeClock{t: epoch})
	spec := compile(t, chainYAML)
	ctx := context.Background()

	_, err := c.Plan(ctx, spec, "chain", contracts.Record{"n": "one"}, PlanOptions{})
	var verr *contracts.SpecValidationError
	if !errors.As(err, &verr) || len(verr.Issues) != 1 || verr.Issues[0].Path != "input.n" {
		t.Fatalf("expected an input issue, got %v", err)
	}

	if _, err := c.Plan(ctx, spec, "missing", nil, PlanOptions{}); !errors.Is(err, contracts.ErrFlowNotFound) {
		t.Fatalf("expected ErrFlowNotFound, got %v", err)
	}
	if _, err := c.Plan(ctx, nil, "chain", nil, PlanOptions{}); !errors.Is(err, contracts.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	plan(t, c, spec, "chain", contracts.Record{"n": 1}, "run-1")
	if _, err := c.Plan(ctx, spec, "chain", contracts.Record{"n": 1}, PlanOptions{RunID: "run-1"}); !errors.Is(err, contracts.ErrInvalidInput) {
		t.Fatalf("expected duplicate run to fail, got %v", err)
	}

	out := plan(t, c, spec, "chain", contracts.Record{"n": 1}, "")
	if out.RunID == "" {
		t.Fatal("expected a generated run id")
	}
	if got := c.Runs(); len(got) != 2 {
		t.Fatalf("runs = %v", got)
	}
}

func TestAudit_UnknownRun(t *testing.T) {
	c := newTestCoordinator(&fakeClock{t: epoch})
	if _, err := c.Audit(context.Background(), "nope", contracts.AuditQuery{}); !errors.Is(err, contracts.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := c.Snapshot("nope"); !errors.Is(err, contracts.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

type objectStore struct {
	mu   sync.Mutex
	keys []string
	body [][]byte
}

func (s *objectStore) Put(_ context.Context, bucket, key string, body io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, bucket+"/"+key)
	s.body = append(s.body, data)
	return nil
}

// TestFinalize_MemoryAndArchive tests that a finished run feeds its fired
// postconditions into memory and archives its trace once.
func TestFinalize_MemoryAndArchive(t *testing.T) {
	store := memory.NewStore()
	objects := &objectStore{}
	var seen []contracts.Event
	c := newTestCoordinator(&fakeClock{t: epoch},
		WithMemory(store, 5),
		WithArchiver(audit.NewArchiver(objects, "traces", "runs")),
		WithEventSink(func(e contracts.Event) { seen = append(seen, e) }),
	)
	spec := compile(t, chainYAML)

	out := plan(t, c, spec, "chain", contracts.Record{"n": 1}, "run-1")
	out = done(t, c, single(t, out), contracts.Record{"n": 1}, 0)
	out = done(t, c, single(t, out), contracts.Record{"n": 2}, 0)
	out = done(t, c, single(t, out), contracts.Record{"failures": "timeout"}, 0)
	done(t, c, *out.Retry, contracts.Record{"failures": ""}, 0)

	entries, err := store.Read(context.Background(), "chain")
	if err != nil || len(entries) != 1 {
		t.Fatalf("memory = %+v, %v", entries, err)
	}
	if len(objects.keys) != 1 || !strings.Contains(objects.keys[0], "run-1") {
		t.Fatalf("archived = %v", objects.keys)
	}
	if !bytes.Contains(objects.body[0], []byte("timeout")) {
		t.Fatalf("archive should hold the trace, got %s", objects.body[0])
	}

	out = plan(t, c, spec, "chain", contracts.Record{"n": 1}, "run-2")
	out = done(t, c, single(t, out), contracts.Record{"n": 1}, 0)
	out = done(t, c, single(t, out), contracts.Record{"n": 2}, 0)
	task := single(t, out)
	if len(task.Memory) != 1 || !strings.Contains(task.Memory[0], "failed 1 time") {
		t.Fatalf("memory notes = %v", task.Memory)
	}
	if len(objects.keys) != 1 {
		t.Fatal("an unfinished run must not be archived")
	}
	if len(seen) != 0 {
		t.Fatalf("no events expected, got %+v", seen)
	}
}
