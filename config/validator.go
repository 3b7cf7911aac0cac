package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/regression-io/stratum/contracts"
	"github.com/regression-io/stratum/internal/expr"
	"github.com/regression-io/stratum/internal/graph"
)

// Debate require policies.
const (
	RequireAgreement = "agreement"
	RequireMajority  = "majority"
	// RequireComparatorPrefix introduces a named, engine-registered comparator.
	RequireComparatorPrefix = "comparator:"
)

// Validator validates specs. It is pure and safe for concurrent use.
type Validator struct {
	comparators map[string]bool
	resolver    contracts.DependencyResolver
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithComparators restricts comparator:<name> policies to the given names.
// Without it any non-empty name is accepted.
func WithComparators(names ...string) ValidatorOption {
	return func(v *Validator) {
		v.comparators = make(map[string]bool, len(names))
		for _, n := range names {
			v.comparators[n] = true
		}
	}
}

// NewValidator creates a new spec validator.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{resolver: graph.NewDependencyResolver()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate performs exhaustive validation of a spec.
// Returns nil if valid, or a *contracts.SpecValidationError enumerating every
// problem found.
func (v *Validator) Validate(spec *contracts.Spec) error {
	_, err := v.Compile(spec)
	return err
}

// Compile validates a spec and returns its compiled form. Validation is
// exhaustive: every issue is collected before the error is returned.
func (v *Validator) Compile(spec *contracts.Spec) (*Compiled, error) {
	if spec == nil {
		return nil, ErrSpecEmpty
	}

	c := &compiler{
		v:    v,
		spec: spec,
		out: &Compiled{
			Spec:      spec,
			Functions: make(map[string]*Function, len(spec.Functions)),
			Flows:     make(map[string]*Flow, len(spec.Flows)),
		},
		errs: &contracts.SpecValidationError{},
	}

	if strings.TrimSpace(spec.Version) == "" {
		c.errs.Add("version", contracts.CodeMissing, "version is required")
	}
	if len(spec.Flows) == 0 {
		c.errs.Add("flows", contracts.CodeMissing, "at least one flow is required")
	}

	// (a) contract field types
	for _, name := range sortedKeys(spec.Contracts) {
		c.checkFields("contracts."+name, spec.Contracts[name])
	}

	// (b) functions
	for _, name := range sortedKeys(spec.Functions) {
		c.compileFunction(name, spec.Functions[name])
	}

	// (c) step sources and (d) step graphs
	for _, name := range sortedKeys(spec.Flows) {
		c.compileFlow(name, spec.Flows[name])
	}

	if err := c.errs.OrNil(); err != nil {
		return nil, err
	}
	return c.out, nil
}

type compiler struct {
	v    *Validator
	spec *contracts.Spec
	out  *Compiled
	errs *contracts.SpecValidationError
}

// checkFields validates a contract or inline schema.
func (c *compiler) checkFields(path string, fields map[string]contracts.FieldSpec) {
	for _, name := range sortedKeys(fields) {
		f := fields[name]
		fp := path + "." + name
		if strings.Contains(name, ".") || name == "" {
			c.errs.Add(fp, contracts.CodeBadInput, "field name %q must be a non-empty identifier", name)
		}
		if !f.Type.Valid() {
			c.errs.Add(fp, contracts.CodeUnknownType, "unknown type %q", f.Type)
			continue
		}
		if (f.Min != nil || f.Max != nil) && !f.Type.Numeric() {
			c.errs.Add(fp, contracts.CodeBadRange, "min/max apply to numeric types, not %s", f.Type)
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			c.errs.Add(fp, contracts.CodeBadRange, "min %g is greater than max %g", *f.Min, *f.Max)
		}
		if len(f.Values) > 0 && f.Type != contracts.TypeString {
			c.errs.Add(fp, contracts.CodeBadEnum, "values apply to string fields, not %s", f.Type)
		}
	}
}

func (c *compiler) compileFunction(name string, fn contracts.Function) {
	path := "functions." + name
	fn.Name = name
	cf := &Function{Function: fn}

	if !fn.Mode.Valid() {
		c.errs.Add(path+".mode", contracts.CodeBadMode, "mode must be compute or infer, got %q", fn.Mode)
	}
	contract, ok := c.spec.Contracts[fn.Output]
	if !ok {
		c.errs.Add(path+".output", contracts.CodeUnknownContract, "output contract %q is not declared", fn.Output)
	}
	cf.Contract = contract
	if fn.Retries < 0 {
		c.errs.Add(path+".retries", contracts.CodeBadRetries, "retries must be >= 0, got %d", fn.Retries)
	}
	if fn.Budget != nil && (fn.Budget.Cost < 0 || fn.Budget.Ms < 0) {
		c.errs.Add(path+".budget", contracts.CodeBadRange, "budget hint must not be negative")
	}
	c.checkFields(path+".input", fn.Input)

	for i, src := range fn.Ensure {
		p := c.compileExpr(fmt.Sprintf("%s.ensure[%d]", path, i), src, contract, ok, fn)
		if p != nil {
			cf.Ensure = append(cf.Ensure, p)
		}
	}

	if fn.Refine != nil {
		rp := path + ".refine"
		if fn.Mode != contracts.ModeInfer {
			c.errs.Add(rp, contracts.CodeBadComposite, "refine requires mode infer")
		}
		if fn.Refine.MaxIterations < 1 {
			c.errs.Add(rp+".max_iterations", contracts.CodeBadComposite, "max_iterations must be >= 1, got %d", fn.Refine.MaxIterations)
		}
		cf.Until = c.compileExpr(rp+".until", fn.Refine.Until, contract, ok, fn)
	}

	if fn.Debate != nil {
		dp := path + ".debate"
		if fn.Mode != contracts.ModeInfer {
			c.errs.Add(dp, contracts.CodeBadComposite, "debate requires mode infer")
		}
		if fn.Refine != nil {
			c.errs.Add(dp, contracts.CodeBadComposite, "debate and refine cannot be combined")
		}
		if fn.Debate.Branches < 2 {
			c.errs.Add(dp+".branches", contracts.CodeBadComposite, "branches must be >= 2, got %d", fn.Debate.Branches)
		}
		if err := c.v.checkPolicy(fn.Debate.Require); err != nil {
			c.errs.Add(dp+".require", contracts.CodeBadComposite, "%v", err)
		}
	}

	c.out.Functions[name] = cf
}

func (v *Validator) checkPolicy(require string) error {
	switch {
	case require == RequireAgreement || require == RequireMajority:
		return nil
	case strings.HasPrefix(require, RequireComparatorPrefix):
		name := strings.TrimPrefix(require, RequireComparatorPrefix)
		if name == "" {
			return fmt.Errorf("comparator name is empty")
		}
		if v.comparators != nil && !v.comparators[name] {
			return fmt.Errorf("comparator %q is not registered", name)
		}
		return nil
	default:
		return fmt.Errorf("require must be agreement, majority or comparator:<name>, got %q", require)
	}
}

// compileExpr compiles an ensure or until expression and checks that its
// paths name declared result and input fields.
func (c *compiler) compileExpr(path, src string, contract contracts.Contract, known bool, fn contracts.Function) *expr.Program {
	p, err := expr.Compile(src)
	if err != nil {
		c.errs.Add(path, contracts.CodeBadExpression, "%v", err)
		return nil
	}
	bad := false
	for _, ref := range p.Paths() {
		parts := strings.Split(ref, ".")
		switch {
		case parts[0] == "result" && len(parts) == 1:
		case parts[0] == "result":
			if !known {
				continue
			}
			if _, ok := contract[parts[1]]; !ok {
				c.errs.Add(path, contracts.CodeBadExpression, "%s is not a field of contract %s", ref, fn.Output)
				bad = true
			}
		case parts[0] == "input" && len(parts) > 1:
			if _, ok := fn.Input[parts[1]]; !ok {
				c.errs.Add(path, contracts.CodeBadExpression, "%s is not a declared input", ref)
				bad = true
			}
		default:
			c.errs.Add(path, contracts.CodeBadExpression, "%s must start with result or input", ref)
			bad = true
		}
	}
	if bad {
		return nil
	}
	return p
}

func (c *compiler) compileFlow(name string, fl contracts.Flow) {
	path := "flows." + name
	fl.Name = name
	cf := &Flow{
		Flow:     fl,
		Bindings: make(map[contracts.StepID]map[string]Source, len(fl.Steps)),
		Gates:    make(map[contracts.StepID]time.Duration),
	}

	c.checkFields(path+".input", fl.Input)
	outContract, outKnown := c.spec.Contracts[fl.Output]
	if !outKnown {
		c.errs.Add(path+".output", contracts.CodeUnknownContract, "output contract %q is not declared", fl.Output)
	}
	cf.OutputContract = outContract
	if fl.Budget != nil {
		if fl.Budget.MaxCost < 0 || fl.Budget.MaxMs < 0 {
			c.errs.Add(path+".budget", contracts.CodeBadRange, "budget caps must not be negative")
		}
		if fl.Budget.Checkpoint < 0 || fl.Budget.Checkpoint > 1 {
			c.errs.Add(path+".budget.checkpoint", contracts.CodeBadRange, "checkpoint must be within [0, 1], got %g", fl.Budget.Checkpoint)
		}
	}
	if len(fl.Steps) == 0 {
		c.errs.Add(path+".steps", contracts.CodeMissing, "at least one step is required")
	}

	// Step ids, functions and gates; collect the graph-safe step list
	seen := make(map[contracts.StepID]bool, len(fl.Steps))
	var graphSteps []contracts.Step
	for i, st := range fl.Steps {
		sp := fmt.Sprintf("%s.steps[%d]", path, i)
		if st.ID == "" {
			c.errs.Add(sp+".id", contracts.CodeMissing, "step id is required")
			continue
		}
		sp = fmt.Sprintf("%s.steps.%s", path, st.ID)
		if seen[st.ID] {
			c.errs.Add(sp, contracts.CodeDuplicateStep, "step %s is declared more than once", st.ID)
			continue
		}
		seen[st.ID] = true
		if _, ok := c.spec.Functions[st.Function]; !ok {
			c.errs.Add(sp+".function", contracts.CodeUnknownFunction, "function %q is not declared", st.Function)
		}
		if st.AwaitHuman != nil {
			d, err := st.AwaitHuman.TimeoutDuration()
			if err != nil {
				c.errs.Add(sp+".await_human", contracts.CodeBadInput, "%v", err)
			} else if d > 0 {
				cf.Gates[st.ID] = d
			}
		}
		graphSteps = append(graphSteps, st)
	}

	// (d) graph: report unknown dependencies, then build from the known
	// edges so cycles are still found
	dag := c.buildGraph(path, graphSteps, seen)
	cf.DAG = dag
	if dag != nil {
		// A cyclic graph has no stages; the cycle is already reported.
		if stages, err := graph.ReadySets(dag); err == nil {
			cf.Stages = stages
		}
	}

	// (c) bindings
	for _, st := range graphSteps {
		c.bindStep(path, cf, st, dag)
	}
	c.bindOutput(path, cf, outContract, outKnown)

	c.out.Flows[name] = cf
}

func (c *compiler) buildGraph(path string, steps []contracts.Step, known map[contracts.StepID]bool) *contracts.DAG {
	pruned := make([]contracts.Step, len(steps))
	for i, st := range steps {
		pruned[i] = st
		pruned[i].DependsOn = nil
		for _, d := range st.DependsOn {
			if known[d] {
				pruned[i].DependsOn = append(pruned[i].DependsOn, d)
				continue
			}
			c.errs.AddCause(fmt.Sprintf("%s.steps.%s.depends_on", path, st.ID), contracts.CodeUnknownDep,
				&contracts.UnknownDependencyError{Step: st.ID, Dependency: d})
		}
	}

	dag, err := c.v.resolver.BuildDAG(pruned)
	if err != nil {
		c.errs.Add(path+".steps", contracts.CodeBadInput, "%v", err)
		return nil
	}
	for _, cycle := range graph.Cycles(dag) {
		c.errs.AddCause(path+".steps", contracts.CodeCycle, &contracts.CycleError{Steps: cycle})
	}
	return dag
}

func (c *compiler) bindStep(path string, cf *Flow, st contracts.Step, dag *contracts.DAG) {
	sp := fmt.Sprintf("%s.steps.%s.inputs", path, st.ID)
	fn, fnKnown := c.spec.Functions[st.Function]
	bindings := make(map[string]Source, len(st.Inputs))

	var upstream map[contracts.StepID]bool
	if dag != nil {
		upstream = graph.Ancestors(dag, st.ID)
	}

	for _, field := range sortedKeys(st.Inputs) {
		fp := sp + "." + field
		src, err := ParseSource(st.Inputs[field])
		if err != nil {
			c.errs.Add(fp, contracts.CodeBadSource, "%v", err)
			continue
		}
		bindings[field] = src

		var want contracts.FieldSpec
		if fnKnown {
			spec, ok := fn.Input[field]
			if !ok {
				c.errs.Add(fp, contracts.CodeBadInput, "function %s declares no input %q", st.Function, field)
				continue
			}
			want = spec
		}

		got, ok := c.sourceType(fp, cf, src, upstream, st.ID)
		if !ok || !fnKnown || !want.Type.Valid() {
			continue
		}
		if !got.AssignableTo(want.Type) {
			c.errs.Add(fp, contracts.CodeTypeMismatch, "%s is %s, input %q wants %s", src.Raw, got, field, want.Type)
		}
	}

	if fnKnown {
		for _, field := range sortedKeys(fn.Input) {
			if _, bound := st.Inputs[field]; !bound && !fn.Input[field].Optional {
				c.errs.Add(sp+"."+field, contracts.CodeUnboundInput, "input %q of function %s is not bound", field, st.Function)
			}
		}
	}
	cf.Bindings[st.ID] = bindings
}

// sourceType resolves the static type of a source. upstream restricts step
// references to steps reachable through depends_on; nil means any step of
// the flow other than self.
func (c *compiler) sourceType(path string, cf *Flow, src Source, upstream map[contracts.StepID]bool, self contracts.StepID) (contracts.FieldType, bool) {
	switch src.Kind {
	case SourceLiteral:
		return src.LiteralType(), true
	case SourceInput:
		f, ok := cf.Input[src.Field]
		if !ok {
			c.errs.Add(path, contracts.CodeBadSource, "flow %s has no input %q", cf.Name, src.Field)
			return "", false
		}
		return f.Type, true
	case SourceStep:
		producer, ok := cf.Step(src.Step)
		if !ok {
			c.errs.Add(path, contracts.CodeBadSource, "step %s does not exist", src.Step)
			return "", false
		}
		if src.Step == self || (upstream != nil && !upstream[src.Step]) {
			c.errs.Add(path, contracts.CodeBadSource, "step %s is not upstream of %s; add it to depends_on", src.Step, self)
			return "", false
		}
		fn, ok := c.spec.Functions[producer.Function]
		if !ok {
			return "", false
		}
		if fn.Debate != nil {
			switch src.Field {
			case FieldConverged:
				return contracts.TypeBoolean, true
			case FieldOutputs:
				return contracts.TypeList, true
			}
		}
		contract, ok := c.spec.Contracts[fn.Output]
		if !ok {
			return "", false
		}
		f, ok := contract[src.Field]
		if !ok {
			c.errs.Add(path, contracts.CodeBadSource, "contract %s of step %s has no field %q", fn.Output, src.Step, src.Field)
			return "", false
		}
		return f.Type, true
	default:
		return "", false
	}
}

func (c *compiler) bindOutput(path string, cf *Flow, out contracts.Contract, known bool) {
	if len(cf.OutputMap) > 0 {
		cf.OutputSources = make(map[string]Source, len(cf.OutputMap))
		for _, field := range sortedKeys(cf.OutputMap) {
			fp := path + ".output_map." + field
			src, err := ParseSource(cf.OutputMap[field])
			if err != nil {
				c.errs.Add(fp, contracts.CodeBadSource, "%v", err)
				continue
			}
			cf.OutputSources[field] = src
			got, ok := c.sourceType(fp, cf, src, nil, "")
			if !ok || !known {
				continue
			}
			want, declared := out[field]
			if !declared {
				c.errs.Add(fp, contracts.CodeBadSource, "contract %s has no field %q", cf.Flow.Output, field)
				continue
			}
			if want.Type.Valid() && !got.AssignableTo(want.Type) {
				c.errs.Add(fp, contracts.CodeTypeMismatch, "%s is %s, output %q wants %s", src.Raw, got, field, want.Type)
			}
		}
		if known {
			for _, field := range sortedKeys(out) {
				if _, ok := cf.OutputMap[field]; !ok && !out[field].Optional {
					c.errs.Add(path+".output_map", contracts.CodeUnboundInput, "output field %q is not mapped", field)
				}
			}
		}
		return
	}

	// Without output_map the flow output is the output of the last step.
	last, ok := cf.Step(cf.Last())
	if !ok || !known {
		return
	}
	fn, ok := c.spec.Functions[last.Function]
	if !ok || fn.Output == cf.Flow.Output {
		return
	}
	produced, ok := c.spec.Contracts[fn.Output]
	if !ok {
		return
	}
	for _, field := range sortedKeys(out) {
		want := out[field]
		got, ok := produced[field]
		switch {
		case !ok && !want.Optional:
			c.errs.Add(path+".output", contracts.CodeTypeMismatch, "last step %s does not produce output field %q", last.ID, field)
		case ok && want.Type.Valid() && !got.Type.AssignableTo(want.Type):
			c.errs.Add(path+".output", contracts.CodeTypeMismatch, "last step %s produces %q as %s, flow output wants %s", last.ID, field, got.Type, want.Type)
		}
	}
}

// Issues extracts the issue list of a validation error.
func Issues(err error) []contracts.Issue {
	var sve *contracts.SpecValidationError
	if errors.As(err, &sve) {
		return sve.Issues
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
