package cost

import (
	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/contracts"
)

// Estimator derives the projected usage of one attempt of a step.
type Estimator struct {
	fallback contracts.Usage
}

// NewEstimator creates an Estimator that uses fallback for functions without
// a budget hint.
func NewEstimator(fallback contracts.Usage) *Estimator {
	return &Estimator{fallback: fallback}
}

// Estimate returns the usage one attempt of fn is expected to consume. A
// debate attempt calls the provider once per branch, so its cost hint is
// scaled by the branch count. Branches run concurrently and the time hint is
// not scaled.
//
// Edge case: nil fn returns the fallback.
func (e *Estimator) Estimate(fn *config.Function) contracts.Usage {
	if fn == nil {
		return e.fallback
	}
	u := fn.Estimate(e.fallback)
	if fn.Debate != nil && fn.Debate.Branches > 1 {
		u.Cost *= float64(fn.Debate.Branches)
	}
	return u
}
