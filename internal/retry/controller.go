// Package retry decides whether a violating step gets another attempt and
// retries failing collaborators with backoff.
package retry

import (
	"fmt"
	"strings"

	"github.com/regression-io/stratum/contracts"
)

// Controller turns a contract violation into feedback for the next attempt
// or into a terminal exhaustion. It holds no state; attempt counting is owned
// by the run.
type Controller struct{}

// NewController creates a retry controller.
func NewController() *Controller {
	return &Controller{}
}

// Decide handles a violated attempt of step. attempt is the 1-based index of
// the attempt that failed and maxAttempts the total the function allows.
//
// The returned feedback carries only the failed checks and the rejected
// output of this attempt, never earlier history. When attempt has reached
// maxAttempts the result is a *contracts.RetriesExhaustedError instead.
//
// Edge case: maxAttempts < 1 is treated as 1.
func (c *Controller) Decide(step contracts.StepID, attempt, maxAttempts int, violations []contracts.Violation, rejected contracts.Record) (*contracts.Feedback, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if attempt >= maxAttempts {
		return nil, &contracts.RetriesExhaustedError{
			StepID:   step,
			Attempts: attempt,
			Last:     violations,
		}
	}
	return NewFeedback(step, attempt, violations, rejected), nil
}

// NewFeedback builds the feedback for a failed attempt.
func NewFeedback(step contracts.StepID, attempt int, violations []contracts.Violation, rejected contracts.Record) *contracts.Feedback {
	failed := make([]string, 0, len(violations))
	for _, v := range violations {
		failed = append(failed, v.Text())
	}
	return &contracts.Feedback{
		StepID:   step,
		Attempt:  attempt,
		Failed:   failed,
		Rejected: rejected.Clone(),
	}
}

// Render formats feedback as the text injected into the next attempt.
func Render(f *contracts.Feedback) string {
	if f == nil || len(f.Failed) == 0 {
		return ""
	}
	what := "violated"
	if f.Refine {
		what = "not yet satisfied"
	}
	return fmt.Sprintf("attempt %d %s: %s", f.Attempt, what, strings.Join(f.Failed, "; "))
}
