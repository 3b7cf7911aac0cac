package cost

import (
	"fmt"
	"sync"
	"time"

	"github.com/regression-io/stratum/contracts"
)

// DefaultCheckpoint is the fraction of the cap at which the checkpoint fires.
const DefaultCheckpoint = 0.8

// epsilon absorbs float rounding in cost sums (0.1 + 0.2 must fit a 0.3 cap).
const epsilon = 1e-9

// ExceededError reports which dimension of the cap a projection would break.
type ExceededError struct {
	Dimension string
	Projected float64
	Cap       float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("projected %s %g exceeds cap %g: %v", e.Dimension, e.Projected, e.Cap, contracts.ErrBudgetExceeded)
}

func (e *ExceededError) Unwrap() error { return contracts.ErrBudgetExceeded }

// Reservation is budget held for one started attempt until it reports.
type Reservation struct {
	id       int64
	Estimate contracts.Usage
}

// Ledger is the budget of one run.
// CRITICAL: the ledger is shared by every concurrently running step of the
// run. All reads and writes go through mu so two deductions can never spend
// the same remaining budget.
//
// Invariant: consumed never decreases.
type Ledger struct {
	mu sync.Mutex

	budget       contracts.Budget
	consumed     contracts.Usage
	reserved     contracts.Usage
	reservations map[int64]contracts.Usage
	nextID       int64
	checkpointed bool
}

// NewLedger creates a ledger for the given budget. A zero dimension is
// uncapped; a zero checkpoint fraction selects DefaultCheckpoint.
func NewLedger(budget contracts.Budget) *Ledger {
	if budget.Checkpoint <= 0 || budget.Checkpoint > 1 {
		budget.Checkpoint = DefaultCheckpoint
	}
	return &Ledger{
		budget:       budget,
		reservations: make(map[int64]contracts.Usage),
	}
}

// Budget returns the cap of the ledger.
func (l *Ledger) Budget() contracts.Budget {
	return l.budget
}

// Allow checks that consumed + reserved + estimate stays within the cap in
// every capped dimension and, if so, reserves the estimate.
// Returns error if:
//   - estimate is negative (ErrNegativeUsage)
//   - the projection would exceed the cap (*ExceededError, ErrBudgetExceeded)
func (l *Ledger) Allow(estimate contracts.Usage) (Reservation, error) {
	if estimate.Cost < 0 || estimate.Duration < 0 {
		return Reservation{}, contracts.ErrNegativeUsage
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.budget.MaxCost > 0 {
		projected := l.consumed.Cost + l.reserved.Cost + estimate.Cost
		if projected > l.budget.MaxCost+epsilon {
			return Reservation{}, &ExceededError{Dimension: "cost", Projected: projected, Cap: l.budget.MaxCost}
		}
	}
	if l.budget.MaxTime > 0 {
		projected := l.consumed.Duration + l.reserved.Duration + estimate.Duration
		if projected > l.budget.MaxTime {
			return Reservation{}, &ExceededError{
				Dimension: "time",
				Projected: projected.Seconds(),
				Cap:       l.budget.MaxTime.Seconds(),
			}
		}
	}

	l.nextID++
	l.reservations[l.nextID] = estimate
	l.reserved = l.reserved.Add(estimate)
	return Reservation{id: l.nextID, Estimate: estimate}, nil
}

// Record releases the reservation and adds the actual usage of the attempt.
// Actual usage is always recorded, even past the cap: the work has already
// been done. It reports whether this record crossed the checkpoint for the
// first time.
//
// Edge case: an unknown or already released reservation only adds actual.
func (l *Ledger) Record(r Reservation, actual contracts.Usage) (bool, error) {
	if actual.Cost < 0 || actual.Duration < 0 {
		return false, contracts.ErrNegativeUsage
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if est, ok := l.reservations[r.id]; ok {
		delete(l.reservations, r.id)
		l.reserved.Cost -= est.Cost
		l.reserved.Duration -= est.Duration
	}
	l.consumed = l.consumed.Add(actual)

	if l.checkpointed || !l.crossed() {
		return false, nil
	}
	l.checkpointed = true
	return true, nil
}

// Release drops a reservation without recording usage, for an attempt that
// never started.
func (l *Ledger) Release(r Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if est, ok := l.reservations[r.id]; ok {
		delete(l.reservations, r.id)
		l.reserved.Cost -= est.Cost
		l.reserved.Duration -= est.Duration
	}
}

// crossed reports whether consumption reached the checkpoint fraction of a
// capped dimension. Must be called with mu held.
func (l *Ledger) crossed() bool {
	f := l.budget.Checkpoint
	if l.budget.MaxCost > 0 && l.consumed.Cost+epsilon >= f*l.budget.MaxCost {
		return true
	}
	if l.budget.MaxTime > 0 && float64(l.consumed.Duration) >= f*float64(l.budget.MaxTime) {
		return true
	}
	return false
}

// Snapshot returns consumed and reserved usage as copies.
func (l *Ledger) Snapshot() (consumed, reserved contracts.Usage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consumed, l.reserved
}

// Remaining returns the unreserved headroom per dimension. Uncapped
// dimensions report zero.
func (l *Ledger) Remaining() (cost float64, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.budget.MaxCost > 0 {
		cost = max(0, l.budget.MaxCost-l.consumed.Cost-l.reserved.Cost)
	}
	if l.budget.MaxTime > 0 {
		duration = max(0, l.budget.MaxTime-l.consumed.Duration-l.reserved.Duration)
	}
	return cost, duration
}
