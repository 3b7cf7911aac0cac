package executor

import (
	"github.com/regression-io/stratum/contracts"
	"github.com/regression-io/stratum/internal/expr"
)

// Until evaluates a refine condition against an accepted output. It reports
// whether the condition holds and, when it does not, the top-level
// conjuncts that are unmet. An evaluation error counts as unmet.
//
// Edge case: a nil program always holds.
func Until(until *expr.Program, output, inputs contracts.Record) (bool, []string) {
	if until == nil {
		return true, nil
	}
	env := expr.Env{"result": map[string]any(output), "input": map[string]any(inputs)}
	unmet, _ := expr.Check(until.Conjuncts(), env)
	return len(unmet) == 0, unmet
}

// Candidate is one contract-accepted iteration of a refine step.
type Candidate struct {
	Output    contracts.Record
	Iteration int
	Attempt   int
	Unmet     []string
}

// Refinement tracks the best candidate across the iterations of one refine
// step. The best has the fewest unmet conjuncts; on a tie the later one wins.
// Not safe for concurrent use; iterations of a step are sequential.
type Refinement struct {
	best *Candidate
}

// Offer considers c as the new best.
func (r *Refinement) Offer(c Candidate) {
	if r.best == nil || len(c.Unmet) <= len(r.best.Unmet) {
		c.Output = c.Output.Clone()
		r.best = &c
	}
}

// Best returns the best candidate so far.
func (r *Refinement) Best() (Candidate, bool) {
	if r.best == nil {
		return Candidate{}, false
	}
	return *r.best, true
}
