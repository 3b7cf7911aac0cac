// Package api provides the HTTP adapter of the engine: spec validation and
// registration, run planning, step reports, human answers and audit reads.
package api

import (
	"time"

	"github.com/regression-io/stratum/contracts"
	"github.com/regression-io/stratum/internal/audit"
	"github.com/regression-io/stratum/internal/orchestration"
)

// ============================================================================
// Request DTOs
// ============================================================================

// RegisterSpecRequest is the request body for POST /api/v1/specs.
type RegisterSpecRequest struct {
	Name string `json:"name"`
	// Document is the spec in YAML or JSON.
	Document string `json:"document"`
}

// StartRunRequest is the request body for POST /api/v1/runs.
type StartRunRequest struct {
	ID     string           `json:"id,omitempty"`
	Spec   string           `json:"spec"`
	Flow   string           `json:"flow"`
	Inputs contracts.Record `json:"inputs"`
	Budget *BudgetDTO       `json:"budget,omitempty"`
	// Drive executes the run in the background with the server's executor
	// instead of handing the tasks to the caller.
	Drive bool `json:"drive,omitempty"`
}

// BudgetDTO overrides the budget of a run.
type BudgetDTO struct {
	MaxCost    float64 `json:"max_cost"`
	MaxMs      int64   `json:"max_ms"`
	Checkpoint float64 `json:"checkpoint"`
}

// StepDoneRequest is the request body for POST /api/v1/runs/{id}/steps/{step}/done.
// A non-empty Error reports that the collaborator failed instead of answering.
type StepDoneRequest struct {
	Output         contracts.Record   `json:"output,omitempty"`
	Branches       []contracts.Record `json:"branches,omitempty"`
	FailedBranches int                `json:"failed_branches,omitempty"`
	Cost           float64            `json:"cost"`
	DurationMs     int64              `json:"duration_ms"`
	Error          string             `json:"error,omitempty"`
}

// ResumeRequest is the request body for POST /api/v1/runs/{id}/steps/{step}/resume.
type ResumeRequest struct {
	Value    contracts.Record `json:"value"`
	Validate bool             `json:"validate,omitempty"`
}

// ============================================================================
// Response DTOs
// ============================================================================

// ValidateResponse is the response body for POST /api/v1/validate.
type ValidateResponse struct {
	Valid  bool              `json:"valid"`
	Flows  []string          `json:"flows,omitempty"`
	Issues []contracts.Issue `json:"issues,omitempty"`
}

// SpecResponse describes a registered spec.
type SpecResponse struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Flows   []string `json:"flows"`
	// Stages lists, per flow, the waves of steps that may run concurrently.
	Stages    map[string][][]contracts.StepID `json:"stages,omitempty"`
	UpdatedAt time.Time                       `json:"updated_at"`
}

// AuditResponse is the response body for GET /api/v1/runs/{id}/audit.
type AuditResponse struct {
	RunID    contracts.RunID     `json:"run_id"`
	Attempts []contracts.Attempt `json:"attempts"`
	Patterns []PatternDTO        `json:"patterns,omitempty"`
}

// PatternDTO summarizes how often a postcondition of a function fired.
type PatternDTO struct {
	Function string  `json:"function"`
	Check    string  `json:"check"`
	Fires    int     `json:"fires"`
	Runs     int     `json:"runs"`
	RunsHit  int     `json:"runs_hit"`
	Rate     float64 `json:"rate"`
}

// ErrorDTO represents an error in the response.
type ErrorDTO struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Issues  []contracts.Issue `json:"issues,omitempty"`
}

// ============================================================================
// Converters
// ============================================================================

// ToPlanOptions converts the request into planning options.
func (r *StartRunRequest) ToPlanOptions() orchestration.PlanOptions {
	opts := orchestration.PlanOptions{RunID: contracts.RunID(r.ID)}
	if r.Budget != nil {
		opts.Budget = &contracts.Budget{
			MaxCost:    r.Budget.MaxCost,
			MaxTime:    time.Duration(r.Budget.MaxMs) * time.Millisecond,
			Checkpoint: r.Budget.Checkpoint,
		}
	}
	return opts
}

// ToReport converts the request into a step report.
func (r *StepDoneRequest) ToReport() contracts.Report {
	return contracts.Report{
		Output:   r.Output,
		Branches: r.Branches,
		Failed:   r.FailedBranches,
		Usage:    r.Usage(),
	}
}

// Usage returns the reported consumption.
func (r *StepDoneRequest) Usage() contracts.Usage {
	return contracts.Usage{
		Cost:     r.Cost,
		Duration: time.Duration(r.DurationMs) * time.Millisecond,
	}
}

// PatternsToDTO converts audit patterns.
func PatternsToDTO(patterns []audit.Pattern) []PatternDTO {
	out := make([]PatternDTO, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, PatternDTO{
			Function: p.Function,
			Check:    p.Check,
			Fires:    p.Fires,
			Runs:     p.Runs,
			RunsHit:  p.RunsHit,
			Rate:     p.Rate(),
		})
	}
	return out
}
