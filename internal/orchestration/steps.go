package orchestration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/contracts"
	"github.com/regression-io/stratum/internal/executor"
	"github.com/regression-io/stratum/internal/retry"
	"github.com/regression-io/stratum/internal/validation"
)

type verdictKind int

const (
	verdictAccept verdictKind = iota
	verdictViolate
	verdictIterate
	// verdictExhausted is a refine step out of iterations.
	verdictExhausted
	// verdictError is a debate with no answering branch, or whose branches
	// could not be aggregated.
	verdictError
)

// verdict is the judgement of one reported attempt, computed before any
// state changes so a failed audit append leaves the run untouched.
type verdict struct {
	kind       verdictKind
	output     contracts.Record
	rejected   contracts.Record
	violations []contracts.Violation
	unmet      []string
	debate     *contracts.DebateResult
	err        error
	attempt    contracts.Attempt
}

// advance starts every step that became ready. Starting a step can settle
// it at once (skipped, or failed for want of inputs), which may make more
// steps ready, so it loops until nothing changes.
func (c *Coordinator) advance(ctx context.Context, r *run, out *contracts.Outcome) {
	for changed := true; changed; {
		changed = false
		if r.status.Terminal() {
			return
		}
		ready, err := c.scheduler.NextReady(r)
		if err != nil {
			r.status = contracts.RunFailed
			r.err = err.Error()
			return
		}
		for _, id := range ready {
			if r.status.Terminal() {
				return
			}
			if c.start(ctx, r, r.steps[id], out) {
				changed = true
			}
		}
	}
}

// start hands out the first attempt of a ready step, or suspends it when it
// awaits a human. It reports whether the step settled without running.
func (c *Coordinator) start(ctx context.Context, r *run, st *stepState, out *contracts.Outcome) bool {
	inputs, upstreamGone, err := c.bindInputs(r, st)
	switch {
	case upstreamGone:
		c.skip(ctx, r, st, "an upstream output it needs is unavailable", out)
		return true
	case err != nil:
		c.giveUp(ctx, r, st, contracts.StepFailed, err.Error(), out)
		return true
	}
	st.inputs = inputs

	if st.step.AwaitHuman != nil {
		c.suspend(ctx, r, st, out)
		return false
	}
	if task, ok := c.dispatch(ctx, r, st, out); ok {
		out.Ready = append(out.Ready, task)
	}
	return false
}

// bindInputs resolves the input sources of st against the flow input and the
// accepted outputs. upstreamGone is set when a required value comes from a
// step that settled without it (skipped, failed optional, or a debate that
// did not converge).
func (c *Coordinator) bindInputs(r *run, st *stepState) (contracts.Record, bool, error) {
	bindings := r.flow.Bindings[st.step.ID]
	fields := make([]string, 0, len(bindings))
	for f := range bindings {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	outputs := r.outputs()
	rec := make(contracts.Record, len(bindings))
	for _, field := range fields {
		src := bindings[field]
		if v, ok := src.Resolve(r.input, outputs); ok {
			rec[field] = v
			continue
		}
		if spec, ok := st.fn.Input[field]; ok && spec.Optional {
			continue
		}
		if src.Kind == config.SourceStep {
			if up, ok := r.steps[src.Step]; ok && (up.status != contracts.StepAccepted || up.fn.Debate != nil) {
				return nil, true, nil
			}
		}
		return nil, false, fmt.Errorf("input %s: %s is not available", field, src.Raw)
	}

	coerced, violations := validation.CheckFields(rec, st.fn.Input)
	if len(violations) > 0 {
		return nil, false, fmt.Errorf("inputs do not match the input schema: %s", texts(violations))
	}
	return coerced, false, nil
}

func (c *Coordinator) suspend(ctx context.Context, r *run, st *stepState, out *contracts.Outcome) {
	req := contracts.HumanRequest{
		RunID:  r.id,
		StepID: st.step.ID,
		Prompt: st.step.AwaitHuman.Prompt,
		Inputs: st.inputs.Clone(),
		Schema: st.fn.Contract,
	}
	if d := r.flow.Gates[st.step.ID]; d > 0 {
		req.Deadline = c.now().Add(d)
	}
	if err := r.gates.Suspend(req); err != nil {
		c.giveUp(ctx, r, st, contracts.StepFailed, err.Error(), out)
		return
	}
	st.status = contracts.StepAwaitingHuman
	out.Events = append(out.Events, contracts.Event{
		Kind:    contracts.EventSuspended,
		RunID:   r.id,
		StepID:  st.step.ID,
		Message: req.Prompt,
	})
	c.logger.InfoContext(ctx, "step awaits a human", "run_id", r.id, "step_id", st.step.ID, "deadline", req.Deadline)
}

// dispatch reserves budget for the next attempt of st and builds its task.
// When the budget cannot cover the estimate the attempt is not started and
// the run stops with BudgetExceeded.
func (c *Coordinator) dispatch(ctx context.Context, r *run, st *stepState, out *contracts.Outcome) (contracts.StepTask, bool) {
	estimate := c.estimator.Estimate(st.fn)
	res, err := r.ledger.Allow(estimate)
	if err != nil {
		c.exceed(ctx, r, st, err, out)
		return contracts.StepTask{}, false
	}
	st.reservation, st.reserved = res, true

	st.attempt++
	st.attempts++
	st.started = c.now()
	if st.fn.Until != nil && st.iteration == 0 {
		st.iteration = 1
	}
	switch {
	case st.feedback == nil:
		st.status = contracts.StepRunning
	case st.feedback.Refine:
		st.status = contracts.StepRefining
	default:
		st.status = contracts.StepRetrying
	}

	task := contracts.StepTask{
		RunID:     r.id,
		StepID:    st.step.ID,
		Function:  st.fn.Name,
		Mode:      st.fn.Mode,
		Intent:    st.fn.Intent,
		Inputs:    st.inputs.Clone(),
		Attempt:   st.attempt,
		Iteration: st.iteration,
		Feedback:  st.feedback,
		Estimate:  estimate,
	}
	if st.fn.Mode == contracts.ModeInfer {
		task.Memory = r.memory
		if st.fn.Debate != nil {
			task.Branches = st.fn.Debate.Branches
		}
	}
	c.logger.DebugContext(ctx, "step dispatched",
		"run_id", r.id, "step_id", st.step.ID, "attempt", st.attempt, "iteration", st.iteration)
	return task, true
}

func (c *Coordinator) exceed(ctx context.Context, r *run, st *stepState, err error, out *contracts.Outcome) {
	st.status = contracts.StepBudgetExceeded
	st.err = err.Error()
	r.status = contracts.RunBudgetExceeded
	r.err = fmt.Sprintf("step %s not started: %v", st.step.ID, err)

	consumed, _ := r.ledger.Snapshot()
	msg := err.Error()
	if r.ledger.Budget().MaxCost > 0 {
		left, _ := r.ledger.Remaining()
		msg = fmt.Sprintf("%s; %.4g cost left", msg, left)
	}
	out.Events = append(out.Events, contracts.Event{
		Kind:    contracts.EventBudgetExceeded,
		RunID:   r.id,
		StepID:  st.step.ID,
		Message: msg,
		Usage:   consumed,
	})
	c.logger.WarnContext(ctx, "budget exceeded", "run_id", r.id, "step_id", st.step.ID, "error", err)
}

func (c *Coordinator) stepDone(ctx context.Context, r *run, st *stepState, rep contracts.Report) (contracts.Outcome, error) {
	v := c.judge(r, st, rep)
	if err := c.record(ctx, r, v.attempt); err != nil {
		return contracts.Outcome{}, err
	}

	out := contracts.Outcome{RunID: r.id}
	c.charge(r, st, v.attempt, &out)
	c.apply(ctx, r, st, v, &out)
	c.advance(ctx, r, &out)
	return c.finish(ctx, r, out), nil
}

// judge checks a reported attempt. Debate branches are aggregated first;
// disagreement is accepted as is and only a converged value faces the
// contract. A debate report without branches fails the step like an
// executor whose every branch failed.
func (c *Coordinator) judge(r *run, st *stepState, rep contracts.Report) verdict {
	a := c.newAttempt(r, st)
	a.Cost = rep.Usage.Cost
	a.Duration = c.elapsed(st, rep.Usage.Duration)
	if !rep.Started.IsZero() {
		a.StartedAt = rep.Started
	}

	v := verdict{}
	output := rep.Output
	if st.fn.Debate != nil {
		if len(rep.Branches) == 0 {
			err := &contracts.ProviderError{
				StepID:   st.step.ID,
				Attempts: rep.Failed,
				Err:      fmt.Errorf("debate reported no branch outputs (%d failed)", rep.Failed),
			}
			a.Status = contracts.AttemptProviderError
			a.Error = err.Error()
			v.kind, v.err, v.attempt = verdictError, err, a
			return v
		}
		res, err := executor.Aggregate(st.fn.Debate.Require, rep.Branches, rep.Failed, c.comparators)
		if err != nil {
			a.Status = contracts.AttemptProviderError
			a.Error = err.Error()
			v.kind, v.err, v.attempt = verdictError, err, a
			return v
		}
		v.debate = &res
		if !res.Converged {
			v.output = debateOutput(nil, res)
			a.Status, a.Output = contracts.AttemptAccepted, v.output
			v.kind, v.attempt = verdictAccept, a
			return v
		}
		output = res.Value
	}

	check := c.checker.Check(output, st.fn.Contract, st.fn.Ensure, st.inputs)
	a.Output = check.Output
	switch {
	case !check.Accepted:
		v.kind = verdictViolate
		v.violations = check.Violations
		v.rejected = output
		a.Status = contracts.AttemptViolated
		a.Violations = check.Violations
		a.Feedback = retry.Render(retry.NewFeedback(st.step.ID, st.attempt, check.Violations, output))

	case st.fn.Until != nil:
		holds, unmet := executor.Until(st.fn.Until, check.Output, st.inputs)
		v.output = check.Output
		switch {
		case holds:
			v.kind = verdictAccept
			a.Status = contracts.AttemptAccepted
		case st.iteration < st.fn.Refine.MaxIterations && !r.status.Terminal():
			v.kind = verdictIterate
			v.unmet = unmet
			a.Status = contracts.AttemptIterated
			a.Feedback = retry.Render(refineFeedback(st, unmet, check.Output))
		default:
			v.kind = verdictExhausted
			v.unmet = unmet
			a.Status = contracts.AttemptDidNotConverge
		}

	default:
		v.kind = verdictAccept
		v.output = check.Output
		a.Status = contracts.AttemptAccepted
	}

	if v.debate != nil && v.kind == verdictAccept {
		v.output = debateOutput(v.output, *v.debate)
		a.Output = v.output
	}
	v.attempt = a
	return v
}

func (c *Coordinator) apply(ctx context.Context, r *run, st *stepState, v verdict, out *contracts.Outcome) {
	switch v.kind {
	case verdictAccept:
		c.accept(r, st, v.output)
		out.Debate = v.debate

	case verdictViolate:
		// In-flight work finishing after the run stopped is recorded but
		// never retried.
		if r.status.Terminal() {
			c.giveUp(ctx, r, st, contracts.StepFailed, "contract violated after the run stopped", out)
			return
		}
		fb, err := c.retry.Decide(st.step.ID, st.attempt, st.fn.MaxAttempts(), v.violations, v.rejected)
		if err != nil {
			if best, ok := st.refinement.Best(); ok {
				c.acceptBest(ctx, r, st, best)
				return
			}
			c.giveUp(ctx, r, st, contracts.StepRetriesExhausted, err.Error(), out)
			return
		}
		st.feedback = fb
		out.Kind = contracts.OutcomeViolation
		out.Feedback = fb
		c.redispatch(ctx, r, st, out)

	case verdictIterate:
		st.refinement.Offer(executor.Candidate{Output: v.output, Iteration: st.iteration, Attempt: st.attempt, Unmet: v.unmet})
		st.feedback = refineFeedback(st, v.unmet, v.output)
		st.iteration++
		st.attempt = 0
		out.Kind = contracts.OutcomeIterate
		out.Feedback = st.feedback
		c.redispatch(ctx, r, st, out)

	case verdictExhausted:
		st.refinement.Offer(executor.Candidate{Output: v.output, Iteration: st.iteration, Attempt: st.attempt, Unmet: v.unmet})
		best, _ := st.refinement.Best()
		c.acceptBest(ctx, r, st, best)

	case verdictError:
		c.giveUp(ctx, r, st, contracts.StepFailed, v.err.Error(), out)
	}
}

func (c *Coordinator) redispatch(ctx context.Context, r *run, st *stepState, out *contracts.Outcome) {
	if task, ok := c.dispatch(ctx, r, st, out); ok {
		out.Retry = &task
	}
}

func (c *Coordinator) stepFailed(ctx context.Context, r *run, st *stepState, usage contracts.Usage, cause error) (contracts.Outcome, error) {
	a := c.newAttempt(r, st)
	a.Status = contracts.AttemptProviderError
	a.Error = cause.Error()
	a.Cost = usage.Cost
	a.Duration = c.elapsed(st, usage.Duration)
	if err := c.record(ctx, r, a); err != nil {
		return contracts.Outcome{}, err
	}

	out := contracts.Outcome{RunID: r.id}
	c.charge(r, st, a, &out)
	c.giveUp(ctx, r, st, contracts.StepFailed, cause.Error(), &out)
	c.advance(ctx, r, &out)
	return c.finish(ctx, r, out), nil
}

func (c *Coordinator) resume(ctx context.Context, r *run, st *stepState, value contracts.Record, opts ResumeOptions) (contracts.Outcome, error) {
	req, err := r.gates.Resume(st.step.ID, c.now())
	if err != nil && !isExpired(err) {
		return contracts.Outcome{}, err
	}

	out := contracts.Outcome{RunID: r.id}
	if err != nil {
		if rerr := c.expire(ctx, r, st, &out); rerr != nil {
			r.gates.Restore(req)
			return contracts.Outcome{}, rerr
		}
		c.advance(ctx, r, &out)
		return c.finish(ctx, r, out), err
	}

	st.attempt++
	a := c.newAttempt(r, st)
	a.Status = contracts.AttemptHuman
	a.StartedAt = c.now()
	output := value.Clone()

	if opts.Validate {
		check := c.checker.Check(value, st.fn.Contract, st.fn.Ensure, st.inputs)
		if !check.Accepted {
			fb := retry.NewFeedback(st.step.ID, st.attempt, check.Violations, value)
			a.Output = check.Output
			a.Violations = check.Violations
			a.Feedback = retry.Render(fb)
			r.gates.Restore(req)
			if err := c.record(ctx, r, a); err != nil {
				st.attempt--
				return contracts.Outcome{}, err
			}
			st.attempts++
			out.Kind = contracts.OutcomeViolation
			out.Feedback = fb
			return c.finish(ctx, r, out), nil
		}
		output = check.Output
	}

	a.Output = output
	if err := c.record(ctx, r, a); err != nil {
		r.gates.Restore(req)
		st.attempt--
		return contracts.Outcome{}, err
	}
	st.attempts++
	c.accept(r, st, output)
	if r.status == contracts.RunSuspended {
		r.status = contracts.RunRunning
	}
	c.logger.InfoContext(ctx, "step resumed", "run_id", r.id, "step_id", st.step.ID, "validated", opts.Validate)

	c.advance(ctx, r, &out)
	return c.finish(ctx, r, out), nil
}

// expire fails an awaiting step whose deadline passed. Its request has
// already left the suspension manager.
func (c *Coordinator) expire(ctx context.Context, r *run, st *stepState, out *contracts.Outcome) error {
	a := c.newAttempt(r, st)
	a.Index = st.attempt + 1
	a.Status = contracts.AttemptHuman
	a.StartedAt = c.now()
	a.Error = contracts.ErrSuspensionExpired.Error()
	if err := c.record(ctx, r, a); err != nil {
		return err
	}
	c.giveUp(ctx, r, st, contracts.StepFailed, a.Error, out)
	return nil
}

func (c *Coordinator) charge(r *run, st *stepState, a contracts.Attempt, out *contracts.Outcome) {
	if !st.reserved {
		return
	}
	st.reserved = false
	fired, err := r.ledger.Record(st.reservation, contracts.Usage{Cost: a.Cost, Duration: a.Duration})
	if err != nil || !fired {
		return
	}
	consumed, _ := r.ledger.Snapshot()
	out.Events = append(out.Events, contracts.Event{
		Kind:    contracts.EventCheckpoint,
		RunID:   r.id,
		StepID:  st.step.ID,
		Message: fmt.Sprintf("consumption crossed %.0f%% of the budget", r.ledger.Budget().Checkpoint*100),
		Usage:   consumed,
	})
}

func (c *Coordinator) accept(r *run, st *stepState, output contracts.Record) {
	if output == nil {
		output = contracts.Record{}
	}
	st.status = contracts.StepAccepted
	st.output = output.Clone()
	st.feedback = nil
	st.err = ""
	_ = c.scheduler.MarkSettled(r, st.step.ID)
}

// acceptBest ends a refine step with its best contract-accepted candidate.
func (c *Coordinator) acceptBest(ctx context.Context, r *run, st *stepState, best executor.Candidate) {
	st.didNotConverge = true
	c.accept(r, st, best.Output)
	c.logger.InfoContext(ctx, "refine did not converge",
		"run_id", r.id, "step_id", st.step.ID, "iterations", st.iteration, "best_iteration", best.Iteration)
}

// giveUp ends st without an output. A required step takes the run down with
// it; an optional one only degrades it.
func (c *Coordinator) giveUp(ctx context.Context, r *run, st *stepState, status contracts.StepStatus, reason string, out *contracts.Outcome) {
	st.status = status
	st.err = reason
	if st.reserved {
		r.ledger.Release(st.reservation)
		st.reserved = false
	}
	if r.status.Terminal() {
		return
	}
	if st.step.Optional {
		c.degrade(ctx, r, st, reason, out)
		return
	}
	r.status = contracts.RunFailed
	r.err = fmt.Sprintf("step %s: %s", st.step.ID, reason)
	c.logger.WarnContext(ctx, "step failed", "run_id", r.id, "step_id", st.step.ID, "status", status, "error", reason)
}

func (c *Coordinator) skip(ctx context.Context, r *run, st *stepState, reason string, out *contracts.Outcome) {
	st.status = contracts.StepSkipped
	st.err = reason
	c.degrade(ctx, r, st, reason, out)
}

func (c *Coordinator) degrade(ctx context.Context, r *run, st *stepState, reason string, out *contracts.Outcome) {
	r.degraded = true
	_ = c.scheduler.MarkSettled(r, st.step.ID)
	out.Events = append(out.Events, contracts.Event{
		Kind:    contracts.EventDegraded,
		RunID:   r.id,
		StepID:  st.step.ID,
		Message: reason,
	})
	c.logger.InfoContext(ctx, "step dropped", "run_id", r.id, "step_id", st.step.ID, "status", st.status, "reason", reason)
}

// finish settles the run status after an operation and fills in the
// outcome. A run with steps in flight keeps running even after it stopped
// starting new ones; it is finalized once the last of them reported.
func (c *Coordinator) finish(ctx context.Context, r *run, out contracts.Outcome) contracts.Outcome {
	if !r.status.Terminal() {
		switch {
		case r.allTerminal():
			c.complete(r, &out)
		case r.inFlight() == 0 && len(out.Ready) == 0 && out.Retry == nil:
			if r.gates.Len() > 0 {
				r.status = contracts.RunSuspended
			} else {
				r.status = contracts.RunFailed
				r.err = "no step can make progress"
			}
		default:
			r.status = contracts.RunRunning
		}
	}
	r.updatedAt = c.now()

	out.Status = r.status
	out.Degraded = r.degraded
	if r.gates.Len() > 0 {
		out.Pending = r.gates.Pending()
	}
	switch r.status {
	case contracts.RunCompleted:
		out.Kind = contracts.OutcomeCompleted
		out.Output = r.output.Clone()
		out.Partial = r.partial()
	case contracts.RunFailed:
		out.Kind = contracts.OutcomeFailed
		out.Error = r.err
		out.Partial = r.partial()
	case contracts.RunBudgetExceeded:
		out.Kind = contracts.OutcomeBudgetExceeded
		out.Error = r.err
		out.Partial = r.partial()
	case contracts.RunSuspended:
		if out.Kind == "" {
			out.Kind = contracts.OutcomeSuspended
		}
		out.Partial = r.partial()
	default:
		if out.Kind == "" {
			out.Kind = contracts.OutcomeNext
		}
	}
	sortTasks(out.Ready)

	if r.status.Terminal() && r.inFlight() == 0 && !r.finalized {
		c.logger.InfoContext(ctx, "run finished", "run_id", r.id, "status", r.status, "degraded", r.degraded)
		c.finalize(ctx, r)
	}
	return out
}

// complete assembles the flow output: the output_map when declared, else
// the output of the last step. Missing fields degrade the run rather than
// failing it; every step already passed its own contract.
func (c *Coordinator) complete(r *run, out *contracts.Outcome) {
	outputs := r.outputs()
	var output contracts.Record
	if r.flow.OutputSources != nil {
		output = make(contracts.Record, len(r.flow.OutputSources))
		for field, src := range r.flow.OutputSources {
			if v, ok := src.Resolve(r.input, outputs); ok {
				output[field] = v
			}
		}
	} else {
		output = outputs[r.flow.Last()].Clone()
	}

	coerced, violations := validation.CheckFields(output, r.flow.OutputContract)
	if len(violations) > 0 {
		r.degraded = true
		out.Events = append(out.Events, contracts.Event{
			Kind:    contracts.EventDegraded,
			RunID:   r.id,
			Message: "flow output incomplete: " + texts(violations),
		})
	}
	r.output = coerced
	r.status = contracts.RunCompleted
}

func (c *Coordinator) newAttempt(r *run, st *stepState) contracts.Attempt {
	return contracts.Attempt{
		ID:        c.newID(),
		Seq:       r.nextSeq(),
		RunID:     r.id,
		Flow:      r.flow.Name,
		StepID:    st.step.ID,
		Function:  st.fn.Name,
		Index:     st.attempt,
		Iteration: st.iteration,
		Inputs:    st.inputs.Clone(),
		StartedAt: st.started,
	}
}

// elapsed is the reported duration, or the time since the attempt was
// handed out when the reporter measured none.
func (c *Coordinator) elapsed(st *stepState, reported time.Duration) time.Duration {
	if reported > 0 || st.started.IsZero() {
		return reported
	}
	if d := c.now().Sub(st.started); d > 0 {
		return d
	}
	return 0
}

func refineFeedback(st *stepState, unmet []string, output contracts.Record) *contracts.Feedback {
	return &contracts.Feedback{
		StepID:   st.step.ID,
		Attempt:  st.attempt,
		Failed:   unmet,
		Rejected: output.Clone(),
		Refine:   true,
	}
}

// debateOutput is the accepted output of a debate step: the converged value
// (if any) plus the converged flag and the distinct branch outputs.
func debateOutput(value contracts.Record, res contracts.DebateResult) contracts.Record {
	out := value.Clone()
	if out == nil {
		out = contracts.Record{}
	}
	outputs := make([]any, len(res.Distinct))
	for i, d := range res.Distinct {
		outputs[i] = map[string]any(d.Clone())
	}
	out[config.FieldConverged] = res.Converged
	out[config.FieldOutputs] = outputs
	return out
}

func texts(vs []contracts.Violation) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, v.Text())
	}
	return strings.Join(parts, "; ")
}
