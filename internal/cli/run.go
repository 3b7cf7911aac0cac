package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/contracts"
	"github.com/regression-io/stratum/internal/orchestration"
)

type runOptions struct {
	flow       string
	inputsFile string
	inputs     []string
	fixture    string
	runID      string
	maxCost    float64
	jsonOut    bool
}

func newRunCommand(a *app) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run SPEC",
		Short: "Execute a flow of a spec",
		Long: `Run executes one flow of a spec document to completion. Infer steps are
answered by a scripted fixture (--fixture); compute steps use the built-in
functions. A run that reaches a human gate stops and lists what it awaits.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.flow, "flow", "f", "", "flow to run (default: the only flow of the spec)")
	f.StringVar(&opts.inputsFile, "inputs", "", "YAML or JSON file with the flow inputs")
	f.StringArrayVarP(&opts.inputs, "input", "i", nil, "flow input as key=value (repeatable)")
	f.StringVar(&opts.fixture, "fixture", "", "scripted provider fixture answering infer steps")
	f.StringVar(&opts.runID, "run-id", "", "run id (default: generated)")
	f.Float64Var(&opts.maxCost, "max-cost", 0, "override the cost cap of the run")
	f.BoolVar(&opts.jsonOut, "json", false, "print the outcome as JSON")
	return cmd
}

func (a *app) run(cmd *cobra.Command, path string, opts *runOptions) error {
	ctx := cmd.Context()

	spec, err := config.NewLoader().LoadFromFile(path)
	if err != nil {
		return err
	}
	flow, err := pickFlow(spec, opts.flow)
	if err != nil {
		return err
	}
	inputs, err := parseInputs(opts.inputsFile, opts.inputs)
	if err != nil {
		return err
	}

	b, err := openBackends(ctx, a.settings, a.logger)
	if err != nil {
		return err
	}
	defer b.close()

	eng, err := newEngine(a.settings, b, opts.fixture, a.logger)
	if err != nil {
		return err
	}

	planOpts := orchestration.PlanOptions{RunID: contracts.RunID(opts.runID)}
	if opts.maxCost > 0 {
		budget := spec.Flows[flow].DefaultBudget()
		budget.MaxCost = opts.maxCost
		planOpts.Budget = &budget
	}

	out, err := eng.Runner.Run(ctx, spec, flow, inputs, planOpts)
	if err != nil && out.RunID == "" {
		return err
	}
	snap, serr := eng.Coordinator.Snapshot(out.RunID)
	if serr != nil {
		return serr
	}

	if opts.jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if jerr := enc.Encode(out); jerr != nil {
			return jerr
		}
	} else {
		renderOutcome(cmd.OutOrStdout(), out, snap)
	}
	if err != nil {
		return err
	}

	switch out.Status {
	case contracts.RunFailed, contracts.RunBudgetExceeded:
		return fmt.Errorf("run %s ended %s", out.RunID, out.Status)
	}
	return nil
}

func pickFlow(spec *config.Compiled, name string) (string, error) {
	if name != "" {
		if _, err := spec.Flow(name); err != nil {
			return "", err
		}
		return name, nil
	}
	if len(spec.Flows) != 1 {
		return "", fmt.Errorf("spec has %d flows, choose one with --flow: %w", len(spec.Flows), contracts.ErrInvalidInput)
	}
	for name := range spec.Flows {
		return name, nil
	}
	return "", nil
}
