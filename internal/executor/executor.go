package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/regression-io/stratum/contracts"
	"github.com/regression-io/stratum/internal/retry"
)

// ErrNoProvider is returned for infer tasks when no provider is configured.
var ErrNoProvider = errors.New("no inference provider configured")

// Executor runs one attempt of a step.
// Thread-safety: Execute may be called concurrently for different steps.
// Debate branches share nothing but the provider.
type Executor struct {
	compute  *ComputeRegistry
	provider contracts.InferenceProvider
	backoff  retry.Backoff
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithBackoff sets the backoff used for collaborator failures.
func WithBackoff(b retry.Backoff) Option {
	return func(e *Executor) { e.backoff = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides time.Now for measuring attempt duration.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an Executor. Either collaborator may be nil when the specs it
// serves never use that mode.
func New(compute *ComputeRegistry, provider contracts.InferenceProvider, opts ...Option) *Executor {
	if compute == nil {
		compute = NewComputeRegistry()
	}
	e := &Executor{
		compute:  compute,
		provider: provider,
		backoff:  retry.DefaultBackoff(),
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one attempt of the task and reports what it produced.
// A compute attempt is charged its estimated cost; an infer attempt is
// charged what the provider reports. Debate tasks fan out to Branches
// concurrent provider calls.
//
// Returns error if:
//   - the compute function is not registered (ErrFunctionNotRegistered)
//   - the collaborator keeps failing after backoff (*contracts.ProviderError)
//   - every debate branch failed (*contracts.ProviderError)
func (e *Executor) Execute(ctx context.Context, task contracts.StepTask) (contracts.Report, error) {
	start := e.now()
	inv := invocation(task)

	var (
		report contracts.Report
		err    error
	)
	switch {
	case task.Mode == contracts.ModeCompute:
		report, err = e.runCompute(ctx, task, inv)
	case task.Branches > 1:
		report, err = e.runDebate(ctx, task, inv)
	default:
		report, err = e.runInfer(ctx, task, inv)
	}
	report.Started = start
	report.Usage.Duration = e.now().Sub(start)
	if err != nil {
		e.logger.Warn("attempt failed",
			"run_id", task.RunID, "step_id", task.StepID, "attempt", task.Attempt, "error", err)
	}
	return report, err
}

func (e *Executor) runCompute(ctx context.Context, task contracts.StepTask, inv contracts.Invocation) (contracts.Report, error) {
	fn, err := e.compute.Lookup(task.Function)
	if err != nil {
		return contracts.Report{}, err
	}

	var out contracts.Record
	calls, err := e.backoff.Do(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = fn(ctx, inv)
		return callErr
	})
	if err != nil {
		return contracts.Report{}, &contracts.ProviderError{StepID: task.StepID, Attempts: calls, Err: err}
	}
	return contracts.Report{Output: out, Usage: contracts.Usage{Cost: task.Estimate.Cost}}, nil
}

func (e *Executor) runInfer(ctx context.Context, task contracts.StepTask, inv contracts.Invocation) (contracts.Report, error) {
	res, calls, err := e.infer(ctx, inv)
	if err != nil {
		return contracts.Report{Usage: contracts.Usage{Cost: res.Cost}},
			&contracts.ProviderError{StepID: task.StepID, Attempts: calls, Err: err}
	}
	return contracts.Report{Output: res.Output, Usage: contracts.Usage{Cost: res.Cost}}, nil
}

// runDebate runs the branches independently. A failing branch does not
// cancel its siblings; it is counted and left out of the aggregation.
func (e *Executor) runDebate(ctx context.Context, task contracts.StepTask, inv contracts.Invocation) (contracts.Report, error) {
	n := task.Branches
	results := make([]contracts.InferResult, n)
	errs := make([]error, n)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		branch := inv
		branch.Branch = i + 1
		branch.Inputs = inv.Inputs.Clone()
		g.Go(func() error {
			res, _, err := e.infer(ctx, branch)
			results[i], errs[i] = res, err
			return nil
		})
	}
	_ = g.Wait()

	var (
		report  contracts.Report
		lastErr error
	)
	for i := 0; i < n; i++ {
		report.Usage.Cost += results[i].Cost
		if errs[i] != nil {
			report.Failed++
			lastErr = errs[i]
			e.logger.Debug("debate branch failed",
				"run_id", task.RunID, "step_id", task.StepID, "branch", i+1, "error", errs[i])
			continue
		}
		report.Branches = append(report.Branches, results[i].Output)
	}
	if len(report.Branches) == 0 {
		return report, &contracts.ProviderError{
			StepID:   task.StepID,
			Attempts: n,
			Err:      fmt.Errorf("all %d debate branches failed: %w", n, lastErr),
		}
	}
	return report, nil
}

// infer calls the provider under backoff. The cost of failed calls is kept.
func (e *Executor) infer(ctx context.Context, inv contracts.Invocation) (contracts.InferResult, int, error) {
	if e.provider == nil {
		return contracts.InferResult{}, 0, ErrNoProvider
	}
	var (
		res   contracts.InferResult
		spent float64
	)
	calls, err := e.backoff.Do(ctx, func(ctx context.Context) error {
		r, callErr := e.provider.Infer(ctx, inv)
		spent += r.Cost
		if callErr != nil {
			return callErr
		}
		res = r
		return nil
	})
	res.Cost = spent
	return res, calls, err
}

func invocation(task contracts.StepTask) contracts.Invocation {
	return contracts.Invocation{
		RunID:     task.RunID,
		StepID:    task.StepID,
		Function:  task.Function,
		Intent:    task.Intent,
		Inputs:    task.Inputs.Clone(),
		Attempt:   task.Attempt,
		Iteration: task.Iteration,
		Feedback:  task.Feedback,
		Memory:    task.Memory,
	}
}
