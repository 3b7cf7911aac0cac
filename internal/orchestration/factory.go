package orchestration

import (
	"log/slog"
	"time"

	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/contracts"
	"github.com/regression-io/stratum/internal/audit"
	"github.com/regression-io/stratum/internal/cost"
	"github.com/regression-io/stratum/internal/executor"
	"github.com/regression-io/stratum/internal/retry"
)

// Deps are the collaborators of an engine. Every field is optional.
type Deps struct {
	// Compute holds the deterministic functions.
	Compute *executor.ComputeRegistry
	// Provider answers infer steps.
	Provider contracts.InferenceProvider
	// Audit defaults to an in-memory recorder.
	Audit       contracts.AuditRecorder
	Memory      contracts.MemoryStore
	Archiver    *audit.Archiver
	Comparators map[string]contracts.Comparator
	Events      contracts.EventSink
	Logger      *slog.Logger
}

// Engine is a coordinator with the executor and runner wired from the same
// settings.
type Engine struct {
	Coordinator *Coordinator
	Executor    *executor.Executor
	Runner      *Runner
}

// NewEngine assembles an engine from settings:
//   - step estimates default to DefaultStepCost / DefaultStepMs
//   - flows without a budget are capped by MaxCost / MaxMs
//   - provider calls back off per ProviderAttempts and the backoff bounds
//   - the runner executes at most MaxParallelism attempts at once
//
// Every appended attempt is also logged.
func NewEngine(s config.EngineSettings, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	rec := deps.Audit
	if rec == nil {
		rec = audit.NewMemoryRecorder()
	}

	coord := NewCoordinator(
		WithAudit(audit.Log(rec, logger)),
		WithMemory(deps.Memory, 0),
		WithArchiver(deps.Archiver),
		WithComparators(deps.Comparators),
		WithEstimator(cost.NewEstimator(contracts.Usage{
			Cost:     s.DefaultStepCost,
			Duration: millis(s.DefaultStepMs),
		})),
		WithDefaultBudget(contracts.Budget{
			MaxCost:    s.MaxCost,
			MaxTime:    millis(s.MaxMs),
			Checkpoint: s.Checkpoint,
		}),
		WithEventSink(deps.Events),
		WithLogger(logger),
	)

	exec := executor.New(deps.Compute, deps.Provider,
		executor.WithBackoff(retry.Backoff{
			Attempts: s.ProviderAttempts,
			Initial:  millis(int64(s.ProviderBackoffMs)),
			Max:      millis(int64(s.ProviderMaxBackoffMs)),
		}),
		executor.WithLogger(logger),
	)

	return &Engine{
		Coordinator: coord,
		Executor:    exec,
		Runner:      NewRunner(coord, exec, s.MaxParallelism, logger),
	}
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
