package audit

import (
	"sort"

	"github.com/regression-io/stratum/contracts"
)

// Pattern summarizes how often one check of one function fails across runs.
type Pattern struct {
	Function string `json:"function"`
	Check    string `json:"check"`
	// Fires is the number of attempts that failed the check.
	Fires int `json:"fires"`
	// Runs is the number of runs that executed the function at all.
	Runs int `json:"runs"`
	// RunsHit is the number of those runs with at least one failure.
	RunsHit int `json:"runs_hit"`
}

// Rate is the fraction of runs in which the check fired.
func (p Pattern) Rate() float64 {
	if p.Runs == 0 {
		return 0
	}
	return float64(p.RunsHit) / float64(p.Runs)
}

// Patterns aggregates violations over attempts of any number of runs.
// A check that fires in nearly every run points at a bad spec or prompt;
// one that never fires may be dead. Only checks that fired at least once are
// listed, highest rate first.
func Patterns(attempts []contracts.Attempt) []Pattern {
	type key struct{ fn, check string }

	runsByFn := map[string]map[contracts.RunID]bool{}
	hits := map[key]map[contracts.RunID]bool{}
	fires := map[key]int{}

	for _, a := range attempts {
		if runsByFn[a.Function] == nil {
			runsByFn[a.Function] = map[contracts.RunID]bool{}
		}
		runsByFn[a.Function][a.RunID] = true

		seen := map[string]bool{}
		for _, v := range a.Violations {
			k := key{a.Function, v.Text()}
			if seen[k.check] {
				continue
			}
			seen[k.check] = true
			fires[k]++
			if hits[k] == nil {
				hits[k] = map[contracts.RunID]bool{}
			}
			hits[k][a.RunID] = true
		}
	}

	out := make([]Pattern, 0, len(fires))
	for k, n := range fires {
		out = append(out, Pattern{
			Function: k.fn,
			Check:    k.check,
			Fires:    n,
			Runs:     len(runsByFn[k.fn]),
			RunsHit:  len(hits[k]),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Rate(), out[j].Rate(); ri != rj {
			return ri > rj
		}
		if out[i].Function != out[j].Function {
			return out[i].Function < out[j].Function
		}
		return out[i].Check < out[j].Check
	})
	return out
}
