package orchestration

import (
	"sort"
	"sync"
	"time"

	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/contracts"
	"github.com/regression-io/stratum/internal/cost"
	"github.com/regression-io/stratum/internal/executor"
	"github.com/regression-io/stratum/internal/graph"
	"github.com/regression-io/stratum/internal/suspension"
)

// run is the live state of one execution of a flow. It is owned by the
// coordinator; every field is guarded by mu.
type run struct {
	mu sync.Mutex

	id     contracts.RunID
	spec   *config.Compiled
	flow   *config.Flow
	input  contracts.Record
	status contracts.RunStatus
	steps  map[contracts.StepID]*stepState
	// dag is a private copy of the flow graph whose pending counts track
	// settled dependencies.
	dag    *contracts.DAG
	ledger *cost.Ledger
	gates  *suspension.Manager
	memory []string

	// seq numbers the attempts of the run in audit order.
	seq       int64
	degraded  bool
	output    contracts.Record
	err       string
	finalized bool

	createdAt time.Time
	updatedAt time.Time
}

// stepState is the per-step state of a run.
type stepState struct {
	step contracts.Step
	fn   *config.Function

	status contracts.StepStatus
	// attempt is the 1-based contract attempt within the current iteration.
	attempt   int
	attempts  int
	iteration int
	inputs    contracts.Record
	output    contracts.Record
	feedback  *contracts.Feedback
	started   time.Time

	reservation    cost.Reservation
	reserved       bool
	refinement     executor.Refinement
	didNotConverge bool
	err            string
}

func newRun(id contracts.RunID, spec *config.Compiled, flow *config.Flow, input contracts.Record, budget contracts.Budget, now time.Time) *run {
	r := &run{
		id:        id,
		spec:      spec,
		flow:      flow,
		input:     input,
		status:    contracts.RunRunning,
		steps:     make(map[contracts.StepID]*stepState, len(flow.Steps)),
		dag:       graph.Clone(flow.DAG),
		ledger:    cost.NewLedger(budget),
		gates:     suspension.NewManager(),
		createdAt: now,
		updatedAt: now,
	}
	for _, st := range flow.Steps {
		r.steps[st.ID] = &stepState{step: st, fn: spec.Functions[st.Function]}
	}
	return r
}

// outputs returns the accepted outputs by step id. Failed, skipped and
// pending steps are absent.
func (r *run) outputs() map[contracts.StepID]contracts.Record {
	out := make(map[contracts.StepID]contracts.Record)
	for id, st := range r.steps {
		if st.status == contracts.StepAccepted {
			out[id] = st.output
		}
	}
	return out
}

// partial returns copies of the accepted outputs.
func (r *run) partial() map[contracts.StepID]contracts.Record {
	out := make(map[contracts.StepID]contracts.Record)
	for id, o := range r.outputs() {
		out[id] = o.Clone()
	}
	return out
}

func (r *run) count(pred func(contracts.StepStatus) bool) int {
	n := 0
	for _, st := range r.steps {
		if pred(st.status) {
			n++
		}
	}
	return n
}

func (r *run) inFlight() int {
	return r.count(contracts.StepStatus.InFlight)
}

func (r *run) allTerminal() bool {
	return r.count(contracts.StepStatus.Terminal) == len(r.steps)
}

func (r *run) nextSeq() int64 {
	return r.seq + 1
}

func (r *run) snapshot() contracts.RunSnapshot {
	consumed, _ := r.ledger.Snapshot()
	snap := contracts.RunSnapshot{
		ID:        r.id,
		Flow:      r.flow.Name,
		Status:    r.status,
		Steps:     make(map[contracts.StepID]contracts.StepSnapshot, len(r.steps)),
		Budget:    r.ledger.Budget(),
		Consumed:  consumed,
		Degraded:  r.degraded,
		Output:    r.output.Clone(),
		Error:     r.err,
		CreatedAt: r.createdAt,
		UpdatedAt: r.updatedAt,
	}
	for id, st := range r.steps {
		snap.Steps[id] = contracts.StepSnapshot{
			Status:         st.status,
			Attempts:       st.attempts,
			Iterations:     st.iteration,
			Output:         st.output.Clone(),
			DidNotConverge: st.didNotConverge,
			Error:          st.err,
		}
	}
	return snap
}

func sortTasks(tasks []contracts.StepTask) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].StepID < tasks[j].StepID })
}
