package orchestration

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/contracts"
)

// Executor runs one attempt of a step. *executor.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, task contracts.StepTask) (contracts.Report, error)
}

// Runner drives runs without a caller in the loop: every task is executed
// as soon as it is handed out, bounded by the parallelism, and every result
// is merged into the coordinator one at a time.
// CRITICAL: executor calls run concurrently, merges never do. A step gets
// its next attempt only through the outcome of merging its previous one,
// so retries of one step are strictly sequential.
type Runner struct {
	coord       *Coordinator
	exec        Executor
	parallelism int
	logger      *slog.Logger
}

// NewRunner creates a Runner. maxParallelism <= 0 defaults to 1.
func NewRunner(coord *Coordinator, exec Executor, maxParallelism int, logger *slog.Logger) *Runner {
	if maxParallelism <= 0 {
		maxParallelism = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{coord: coord, exec: exec, parallelism: maxParallelism, logger: logger}
}

// Run plans a run of the flow and drives it until it stops.
func (r *Runner) Run(ctx context.Context, spec *config.Compiled, flow string, inputs contracts.Record, opts PlanOptions) (contracts.Outcome, error) {
	out, err := r.coord.Plan(ctx, spec, flow, inputs, opts)
	if err != nil {
		return out, err
	}
	return r.Drive(ctx, out)
}

type result struct {
	task   contracts.StepTask
	report contracts.Report
	err    error
}

// Drive executes the tasks of out and everything that follows until nothing
// is left to execute: the run completed, failed, ran out of budget or waits
// for a human. The returned outcome is the last one merged, carrying the
// events of every merge.
//
// Returns error if a merge failed; the step it concerned stays in flight.
// A canceled ctx makes outstanding attempts fail and returns ctx.Err().
func (r *Runner) Drive(ctx context.Context, out contracts.Outcome) (contracts.Outcome, error) {
	queue := newTaskQueue()
	enqueue(queue, out)
	events := out.Events

	results := make(chan result, r.parallelism)
	var g errgroup.Group
	g.SetLimit(r.parallelism)

	var (
		last     = out
		inFlight int
		firstErr error
	)
	for {
		for inFlight < r.parallelism {
			task, ok := queue.Pop()
			if !ok {
				break
			}
			inFlight++
			g.Go(func() error {
				rep, err := r.exec.Execute(ctx, task)
				results <- result{task: task, report: rep, err: err}
				return nil
			})
		}
		if inFlight == 0 {
			break
		}

		res := <-results
		inFlight--
		next, err := r.merge(ctx, res)
		if err != nil {
			r.logger.ErrorContext(ctx, "merging attempt failed",
				"run_id", res.task.RunID, "step_id", res.task.StepID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		events = append(events, next.Events...)
		last = next
		enqueue(queue, next)
	}
	_ = g.Wait()

	last.Events = events
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	return last, firstErr
}

func (r *Runner) merge(ctx context.Context, res result) (contracts.Outcome, error) {
	if res.err != nil {
		return r.coord.StepFailed(ctx, res.task.RunID, res.task.StepID, res.report.Usage, res.err)
	}
	return r.coord.StepDone(ctx, res.task.RunID, res.task.StepID, res.report)
}

func enqueue(q *taskQueue, out contracts.Outcome) {
	q.Push(out.Ready...)
	if out.Retry != nil {
		q.Push(*out.Retry)
	}
}
