package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/contracts"
)

// Aggregate joins the outputs of the branches that answered under the
// require policy. Branches that failed are not part of the vote; failed is
// only carried into the result.
//
// Policies:
//   - agreement: every branch produced the same output.
//   - majority: strictly more than half of the branches produced the same
//     output; that output is the value.
//   - comparator:<name>: every branch agrees with the first according to the
//     registered comparator, which gets the final say on equality.
//
// Disagreement is a normal result with Converged false, never an error.
// Distinct always lists the distinct outputs in branch order.
//
// Returns error if the policy is unknown or names an unregistered comparator.
func Aggregate(policy string, branches []contracts.Record, failed int, comparators map[string]contracts.Comparator) (contracts.DebateResult, error) {
	res := contracts.DebateResult{Failed: failed}

	keys := make([]string, len(branches))
	counts := map[string]int{}
	for i, b := range branches {
		k, err := canonical(b)
		if err != nil {
			return res, err
		}
		keys[i] = k
		if counts[k] == 0 {
			res.Distinct = append(res.Distinct, b.Clone())
		}
		counts[k]++
	}
	if len(branches) == 0 {
		return res, nil
	}

	switch {
	case policy == config.RequireAgreement:
		if len(counts) == 1 {
			res.Converged = true
			res.Value = branches[0].Clone()
		}

	case policy == config.RequireMajority:
		best, bestN := -1, 0
		for i, k := range keys {
			if counts[k] > bestN {
				best, bestN = i, counts[k]
			}
		}
		if bestN*2 > len(branches) {
			res.Converged = true
			res.Value = branches[best].Clone()
		}

	case strings.HasPrefix(policy, config.RequireComparatorPrefix):
		name := strings.TrimPrefix(policy, config.RequireComparatorPrefix)
		cmp, ok := comparators[name]
		if !ok || cmp == nil {
			return res, fmt.Errorf("comparator %q is not registered", name)
		}
		res.Converged = true
		for _, b := range branches[1:] {
			if !cmp(branches[0], b) {
				res.Converged = false
				break
			}
		}
		if res.Converged {
			res.Value = branches[0].Clone()
		}

	default:
		return res, fmt.Errorf("unknown require policy %q", policy)
	}
	return res, nil
}

// canonical renders a record so that equal records compare equal; map keys
// are emitted sorted.
func canonical(r contracts.Record) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("branch output is not serializable: %w", err)
	}
	return string(b), nil
}
