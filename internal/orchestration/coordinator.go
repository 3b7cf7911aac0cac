// Package orchestration drives runs of a flow: it plans a run, hands out the
// steps that are ready, judges every reported attempt and decides what
// happens next.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/contracts"
	"github.com/regression-io/stratum/internal/audit"
	"github.com/regression-io/stratum/internal/cost"
	"github.com/regression-io/stratum/internal/memory"
	"github.com/regression-io/stratum/internal/retry"
	"github.com/regression-io/stratum/internal/validation"
)

// DefaultMemoryNotes is how many cross-run notes an infer step receives.
const DefaultMemoryNotes = 20

// PlanOptions customizes one run.
type PlanOptions struct {
	// RunID overrides the generated run id.
	RunID contracts.RunID
	// Budget overrides the budget declared by the flow.
	Budget *contracts.Budget
}

// ResumeOptions customizes Resume.
type ResumeOptions struct {
	// Validate checks the human-supplied value against the step contract
	// and its postconditions before accepting it.
	Validate bool
}

// Coordinator owns every live run and is the only thing that mutates one.
// A run moves forward only through Plan, StepDone, StepFailed, Resume and
// ExpireSuspensions; each call returns an Outcome telling the caller what to
// do next.
//
// Thread-safety: all methods are safe for concurrent use. Calls on the same
// run are serialized; calls on different runs proceed independently.
type Coordinator struct {
	mu   sync.RWMutex
	runs map[contracts.RunID]*run

	validator   *config.Validator
	checker     *validation.Validator
	retry       *retry.Controller
	scheduler   *scheduler
	estimator   *cost.Estimator
	audit       contracts.AuditRecorder
	memory      contracts.MemoryStore
	memoryNotes int
	archiver    *audit.Archiver
	comparators map[string]contracts.Comparator
	budget      contracts.Budget
	sink        contracts.EventSink
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAudit sets the audit recorder. The default keeps the trace in memory.
func WithAudit(rec contracts.AuditRecorder) Option {
	return func(c *Coordinator) {
		if rec != nil {
			c.audit = rec
		}
	}
}

// WithMemory sets the cross-run memory store and how many notes infer steps
// receive. n <= 0 selects DefaultMemoryNotes.
func WithMemory(store contracts.MemoryStore, n int) Option {
	return func(c *Coordinator) {
		c.memory = store
		if n > 0 {
			c.memoryNotes = n
		}
	}
}

// WithArchiver archives the trace of every finished run.
func WithArchiver(a *audit.Archiver) Option {
	return func(c *Coordinator) { c.archiver = a }
}

// WithComparators registers the comparators debate steps may name in
// comparator:<name> policies.
func WithComparators(cmps map[string]contracts.Comparator) Option {
	return func(c *Coordinator) {
		for name, cmp := range cmps {
			c.comparators[name] = cmp
		}
	}
}

// WithEstimator sets how step estimates are derived.
func WithEstimator(e *cost.Estimator) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.estimator = e
		}
	}
}

// WithDefaultBudget caps runs of flows that declare no budget.
func WithDefaultBudget(b contracts.Budget) Option {
	return func(c *Coordinator) { c.budget = b }
}

// WithEventSink receives every event as it is raised, after the run lock is
// released.
func WithEventSink(sink contracts.EventSink) Option {
	return func(c *Coordinator) { c.sink = sink }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDs overrides run and attempt id generation, for tests.
func WithIDs(next func() string) Option {
	return func(c *Coordinator) {
		if next != nil {
			c.newID = next
		}
	}
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		runs:        make(map[contracts.RunID]*run),
		checker:     validation.New(),
		retry:       retry.NewController(),
		scheduler:   newScheduler(),
		estimator:   cost.NewEstimator(contracts.Usage{}),
		audit:       audit.NewMemoryRecorder(),
		memoryNotes: DefaultMemoryNotes,
		comparators: make(map[string]contracts.Comparator),
		logger:      slog.New(slog.DiscardHandler),
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}

	names := make([]string, 0, len(c.comparators))
	for name := range c.comparators {
		names = append(names, name)
	}
	c.validator = config.NewValidator(config.WithComparators(names...))
	return c
}

// Validate checks spec exhaustively. The error, if any, is a
// *contracts.SpecValidationError listing every issue.
func (c *Coordinator) Validate(spec *contracts.Spec) error {
	return c.validator.Validate(spec)
}

// Compile validates spec and compiles it for planning.
func (c *Coordinator) Compile(spec *contracts.Spec) (*config.Compiled, error) {
	return c.validator.Compile(spec)
}

// Plan starts a run of the named flow. The inputs are checked against the
// flow input schema; the returned outcome lists the first ready steps.
//
// Returns error if:
//   - spec is nil (ErrInvalidInput)
//   - the flow does not exist (ErrFlowNotFound)
//   - the inputs do not match the flow input schema (*SpecValidationError)
//   - opts.RunID names an existing run (ErrInvalidInput)
func (c *Coordinator) Plan(ctx context.Context, spec *config.Compiled, flowName string, inputs contracts.Record, opts PlanOptions) (contracts.Outcome, error) {
	if spec == nil {
		return contracts.Outcome{}, contracts.ErrInvalidInput
	}
	flow, err := spec.Flow(flowName)
	if err != nil {
		return contracts.Outcome{}, err
	}

	coerced, violations := validation.CheckFields(inputs, flow.Input)
	if len(violations) > 0 {
		verr := &contracts.SpecValidationError{}
		for _, v := range violations {
			verr.Add("input."+v.Field, contracts.CodeBadInput, "%s", v.Message)
		}
		return contracts.Outcome{}, verr
	}

	var notes []string
	if c.memory != nil {
		entries, err := c.memory.Read(ctx, flow.Name)
		if err != nil {
			c.logger.WarnContext(ctx, "reading memory failed", "flow", flow.Name, "error", err)
		}
		notes = memory.Notes(entries, c.memoryNotes)
	}

	id := opts.RunID
	if id == "" {
		id = contracts.RunID(c.newID())
	}
	r := newRun(id, spec, flow, coerced, c.budgetFor(flow, opts), c.now())
	r.memory = notes

	c.mu.Lock()
	if _, exists := c.runs[id]; exists {
		c.mu.Unlock()
		return contracts.Outcome{}, fmt.Errorf("run %s already exists: %w", id, contracts.ErrInvalidInput)
	}
	c.runs[id] = r
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "run planned", "run_id", id, "flow", flow.Name, "steps", len(flow.Steps))

	r.mu.Lock()
	out := contracts.Outcome{RunID: id}
	c.advance(ctx, r, &out)
	out = c.finish(ctx, r, out)
	r.mu.Unlock()

	c.emit(out.Events)
	return out, nil
}

// StepDone reports the result of the in-flight attempt of a step. The output
// is judged against the step contract and the outcome says whether the step
// was accepted, must be retried with feedback, must iterate, or whether the
// run ended.
//
// Returns error if:
//   - the usage is negative (ErrNegativeUsage)
//   - the run or step does not exist (ErrRunNotFound, ErrStepNotFound)
//   - the step has no attempt in flight (ErrStepNotRunning)
//   - the attempt could not be recorded; the step stays in flight
func (c *Coordinator) StepDone(ctx context.Context, runID contracts.RunID, stepID contracts.StepID, rep contracts.Report) (contracts.Outcome, error) {
	if rep.Usage.Cost < 0 || rep.Usage.Duration < 0 {
		return contracts.Outcome{}, contracts.ErrNegativeUsage
	}
	return c.withStep(runID, stepID, func(r *run, st *stepState) (contracts.Outcome, error) {
		if !st.status.InFlight() {
			return contracts.Outcome{}, fmt.Errorf("step %s is %s: %w", stepID, st.status, contracts.ErrStepNotRunning)
		}
		return c.stepDone(ctx, r, st, rep)
	})
}

// StepFailed reports that the collaborator of the in-flight attempt failed
// to answer, after its own backoff. usage is what the failed calls consumed.
// The step fails; the run fails with it unless the step is optional.
//
// Returns error if:
//   - the usage is negative (ErrNegativeUsage)
//   - the run or step does not exist (ErrRunNotFound, ErrStepNotFound)
//   - the step has no attempt in flight (ErrStepNotRunning)
func (c *Coordinator) StepFailed(ctx context.Context, runID contracts.RunID, stepID contracts.StepID, usage contracts.Usage, cause error) (contracts.Outcome, error) {
	if usage.Cost < 0 || usage.Duration < 0 {
		return contracts.Outcome{}, contracts.ErrNegativeUsage
	}
	if cause == nil {
		cause = contracts.ErrProvider
	}
	return c.withStep(runID, stepID, func(r *run, st *stepState) (contracts.Outcome, error) {
		if !st.status.InFlight() {
			return contracts.Outcome{}, fmt.Errorf("step %s is %s: %w", stepID, st.status, contracts.ErrStepNotRunning)
		}
		return c.stepFailed(ctx, r, st, usage, cause)
	})
}

// Resume answers a step that awaits a human. The value becomes the accepted
// output of the step, checked against its contract only when opts.Validate
// is set; a rejected value leaves the step waiting and returns the feedback.
//
// Returns error if:
//   - the run or step does not exist (ErrRunNotFound, ErrStepNotFound)
//   - the run is terminal (ErrRunTerminal)
//   - the step is not awaiting a human (ErrStepNotAwaiting)
//   - the deadline passed (ErrSuspensionExpired); the step fails and the
//     returned outcome reflects it
func (c *Coordinator) Resume(ctx context.Context, runID contracts.RunID, stepID contracts.StepID, value contracts.Record, opts ResumeOptions) (contracts.Outcome, error) {
	return c.withStep(runID, stepID, func(r *run, st *stepState) (contracts.Outcome, error) {
		if r.status.Terminal() {
			return contracts.Outcome{}, fmt.Errorf("run %s is %s: %w", runID, r.status, contracts.ErrRunTerminal)
		}
		if st.status != contracts.StepAwaitingHuman {
			return contracts.Outcome{}, fmt.Errorf("step %s is %s: %w", stepID, st.status, contracts.ErrStepNotAwaiting)
		}
		return c.resume(ctx, r, st, value, opts)
	})
}

// ExpireSuspensions fails every awaiting step whose deadline is before now
// and returns the outcome of each affected run, ordered by run id.
func (c *Coordinator) ExpireSuspensions(ctx context.Context, now time.Time) ([]contracts.Outcome, error) {
	var outcomes []contracts.Outcome
	for _, r := range c.list() {
		r.mu.Lock()
		if r.status.Terminal() {
			r.mu.Unlock()
			continue
		}
		expired := r.gates.Expired(now)
		if len(expired) == 0 {
			r.mu.Unlock()
			continue
		}

		out := contracts.Outcome{RunID: r.id}
		var err error
		for _, id := range expired {
			if err = c.expire(ctx, r, r.steps[id], &out); err != nil {
				break
			}
		}
		if err == nil {
			c.advance(ctx, r, &out)
			out = c.finish(ctx, r, out)
		}
		r.mu.Unlock()
		if err != nil {
			return outcomes, err
		}

		c.emit(out.Events)
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// Audit returns the attempts of a run in the order they were recorded,
// filtered by q. The run id of q is ignored.
//
// Returns error if the run is unknown to both the coordinator and the
// recorder (ErrRunNotFound).
func (c *Coordinator) Audit(ctx context.Context, runID contracts.RunID, q contracts.AuditQuery) ([]contracts.Attempt, error) {
	q.RunID = runID
	attempts, err := c.audit.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying audit of run %s: %w", runID, err)
	}
	if len(attempts) > 0 || c.known(runID) {
		return attempts, nil
	}
	// A filtered query may be empty for a run that exists only in the
	// recorder.
	all, err := c.audit.Query(ctx, contracts.AuditQuery{RunID: runID})
	if err != nil {
		return nil, fmt.Errorf("querying audit of run %s: %w", runID, err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("run %s: %w", runID, contracts.ErrRunNotFound)
	}
	return attempts, nil
}

// Snapshot returns a copy of the state of a run.
func (c *Coordinator) Snapshot(runID contracts.RunID) (contracts.RunSnapshot, error) {
	r, err := c.lookup(runID)
	if err != nil {
		return contracts.RunSnapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(), nil
}

// Runs returns the ids of the live runs, sorted.
func (c *Coordinator) Runs() []contracts.RunID {
	ids := make([]contracts.RunID, 0)
	for _, r := range c.list() {
		ids = append(ids, r.id)
	}
	return ids
}

func (c *Coordinator) budgetFor(flow *config.Flow, opts PlanOptions) contracts.Budget {
	switch {
	case opts.Budget != nil:
		return *opts.Budget
	case flow.Flow.Budget != nil:
		return flow.DefaultBudget()
	default:
		return c.budget
	}
}

func (c *Coordinator) lookup(id contracts.RunID) (*run, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, contracts.ErrRunNotFound)
	}
	return r, nil
}

func (c *Coordinator) known(id contracts.RunID) bool {
	_, err := c.lookup(id)
	return err == nil
}

func (c *Coordinator) list() []*run {
	c.mu.RLock()
	runs := make([]*run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.RUnlock()
	sort.Slice(runs, func(i, j int) bool { return runs[i].id < runs[j].id })
	return runs
}

// withStep runs fn under the run lock and emits the events of its outcome
// once the lock is released.
func (c *Coordinator) withStep(runID contracts.RunID, stepID contracts.StepID, fn func(*run, *stepState) (contracts.Outcome, error)) (contracts.Outcome, error) {
	r, err := c.lookup(runID)
	if err != nil {
		return contracts.Outcome{}, err
	}
	r.mu.Lock()
	st, ok := r.steps[stepID]
	if !ok {
		r.mu.Unlock()
		return contracts.Outcome{}, fmt.Errorf("step %s in run %s: %w", stepID, runID, contracts.ErrStepNotFound)
	}
	out, err := fn(r, st)
	r.mu.Unlock()

	c.emit(out.Events)
	return out, err
}

func (c *Coordinator) emit(events []contracts.Event) {
	if c.sink == nil {
		return
	}
	for _, e := range events {
		c.sink(e)
	}
}

// record appends a to the trace. The run sequence only advances once the
// recorder accepted the attempt.
func (c *Coordinator) record(ctx context.Context, r *run, a contracts.Attempt) error {
	if err := c.audit.Append(ctx, a); err != nil {
		return fmt.Errorf("recording attempt %d of step %s: %w", a.Index, a.StepID, err)
	}
	r.seq = a.Seq
	return nil
}

// finalize runs once per run after it ended and nothing is in flight: the
// fired postconditions go to memory and the trace to the archive.
func (c *Coordinator) finalize(ctx context.Context, r *run) {
	r.finalized = true
	if c.memory == nil && c.archiver == nil {
		return
	}
	attempts, err := c.audit.Query(ctx, contracts.AuditQuery{RunID: r.id})
	if err != nil {
		c.logger.WarnContext(ctx, "reading trace failed", "run_id", r.id, "error", err)
		return
	}
	if c.memory != nil {
		if entries := memory.FromTrace(r.flow.Name, r.id, attempts); len(entries) > 0 {
			if err := c.memory.Append(ctx, entries...); err != nil {
				c.logger.WarnContext(ctx, "appending memory failed", "run_id", r.id, "error", err)
			}
		}
	}
	if c.archiver != nil {
		key, err := c.archiver.Archive(ctx, r.snapshot(), attempts)
		if err != nil {
			c.logger.WarnContext(ctx, "archiving trace failed", "run_id", r.id, "error", err)
			return
		}
		c.logger.InfoContext(ctx, "trace archived", "run_id", r.id, "key", key)
	}
}

func isExpired(err error) bool {
	return errors.Is(err, contracts.ErrSuspensionExpired)
}
