package validation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/regression-io/stratum/contracts"
	"github.com/regression-io/stratum/internal/expr"
)

// Result is the verdict on one produced output.
type Result struct {
	Accepted bool
	// Output is the coerced output. Fields that failed coercion keep their
	// raw value so postconditions still see them.
	Output     contracts.Record
	Violations []contracts.Violation
}

// Failed returns the violation texts.
func (r Result) Failed() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Text())
	}
	return out
}

// Validator checks outputs against contracts. It is stateless and safe for
// concurrent use.
type Validator struct{}

// New creates a contract validator.
func New() *Validator {
	return &Validator{}
}

// Check validates output against contract, then evaluates every ensure
// expression with the output bound to result and inputs bound to input.
// All violations are collected; a field failure does not stop the
// postconditions from being evaluated.
func (v *Validator) Check(output contracts.Record, contract contracts.Contract, ensure []*expr.Program, inputs contracts.Record) Result {
	coerced, violations := CheckFields(output, contract)

	env := expr.Env{"result": map[string]any(coerced), "input": map[string]any(inputs)}
	for _, p := range ensure {
		ok, err := p.Eval(env)
		switch {
		case err != nil:
			violations = append(violations, contracts.Violation{
				Kind:       contracts.ViolationEval,
				Expression: p.String(),
				Message:    err.Error(),
			})
		case !ok:
			violations = append(violations, contracts.Violation{
				Kind:       contracts.ViolationEnsure,
				Expression: p.String(),
				Message:    "postcondition is false",
			})
		}
	}

	return Result{Accepted: len(violations) == 0, Output: coerced, Violations: violations}
}

// CheckFields coerces every declared field of record. Missing required
// fields, type errors, range errors and enum failures are reported in field
// name order. Undeclared fields pass through unchanged.
func CheckFields(record contracts.Record, schema map[string]contracts.FieldSpec) (contracts.Record, []contracts.Violation) {
	out := make(contracts.Record, len(record))
	for k, val := range record {
		out[k] = val
	}

	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)

	var violations []contracts.Violation
	for _, name := range names {
		spec := schema[name]
		raw, present := record[name]
		if !present || raw == nil {
			if !spec.Optional {
				violations = append(violations, contracts.Violation{
					Kind:    contracts.ViolationMissing,
					Field:   name,
					Message: fmt.Sprintf("field %s is required", name),
				})
			}
			continue
		}
		val, err := Coerce(name, spec, raw)
		if err != nil {
			violations = append(violations, violationFor(name, err))
			continue
		}
		out[name] = val
	}
	return out, violations
}

func violationFor(field string, err error) contracts.Violation {
	kind := contracts.ViolationType
	var re *contracts.RangeError
	var ee *EnumError
	switch {
	case errors.As(err, &re):
		kind = contracts.ViolationRange
	case errors.As(err, &ee):
		kind = contracts.ViolationEnum
	}
	return contracts.Violation{Kind: kind, Field: field, Message: err.Error()}
}
