package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/regression-io/stratum/api"
	"github.com/regression-io/stratum/contracts"
	"github.com/regression-io/stratum/internal/audit"
)

type auditOptions struct {
	step     string
	retries  bool
	patterns bool
	jsonOut  bool
	server   string
}

func newAuditCommand(a *app) *cobra.Command {
	opts := &auditOptions{}

	cmd := &cobra.Command{
		Use:   "audit [RUN_ID]",
		Short: "Show the recorded attempts of a run",
		Long: `Audit reads the attempt trace of a run from the persistent audit backend
(audit.backend=postgres), or from a running server with --server. With
--patterns it also summarizes how often each postcondition fired, across
every recorded run when no run id is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var runID contracts.RunID
			if len(args) == 1 {
				runID = contracts.RunID(args[0])
			}
			return a.audit(cmd, runID, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.step, "step", "", "only attempts of this step")
	f.BoolVar(&opts.retries, "retries", false, "only retries")
	f.BoolVar(&opts.patterns, "patterns", false, "summarize postcondition failures")
	f.BoolVar(&opts.jsonOut, "json", false, "print as JSON")
	f.StringVar(&opts.server, "server", "", "read from the server at this base URL")
	return cmd
}

func (a *app) audit(cmd *cobra.Command, runID contracts.RunID, opts *auditOptions) error {
	if opts.server != "" {
		return a.remoteAudit(cmd, runID, opts)
	}
	if a.settings.Audit.Backend != "postgres" {
		return fmt.Errorf("audit needs a persistent backend, set audit.backend=postgres: %w", contracts.ErrInvalidInput)
	}
	if runID == "" && !opts.patterns {
		return fmt.Errorf("a run id is required without --patterns: %w", contracts.ErrInvalidInput)
	}

	ctx := cmd.Context()
	b, err := openBackends(ctx, a.settings, a.logger)
	if err != nil {
		return err
	}
	defer b.close()

	attempts, err := b.recorder.Query(ctx, contracts.AuditQuery{
		RunID:       runID,
		StepID:      contracts.StepID(opts.step),
		RetriesOnly: opts.retries,
	})
	if err != nil {
		return err
	}
	if runID != "" && len(attempts) == 0 && opts.step == "" && !opts.retries {
		return fmt.Errorf("run %s: %w", runID, contracts.ErrRunNotFound)
	}

	var patterns []audit.Pattern
	if opts.patterns {
		patterns = audit.Patterns(attempts)
	}
	return writeAudit(cmd, attempts, patterns, runID != "", opts)
}

func writeAudit(cmd *cobra.Command, attempts []contracts.Attempt, patterns []audit.Pattern, showAttempts bool, opts *auditOptions) error {
	w := cmd.OutOrStdout()
	if opts.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Attempts []contracts.Attempt `json:"attempts,omitempty"`
			Patterns []audit.Pattern     `json:"patterns,omitempty"`
		}{Attempts: attempts, Patterns: patterns})
	}
	if showAttempts {
		renderAttempts(w, attempts)
	}
	if opts.patterns {
		renderPatterns(w, patterns)
	}
	return nil
}

// remoteAudit reads the attempts of one run through the HTTP API.
func (a *app) remoteAudit(cmd *cobra.Command, runID contracts.RunID, opts *auditOptions) error {
	if runID == "" {
		return fmt.Errorf("a run id is required with --server: %w", contracts.ErrInvalidInput)
	}
	resp, err := api.NewClient(opts.server, nil).Audit(cmd.Context(), runID, contracts.AuditQuery{
		StepID:      contracts.StepID(opts.step),
		RetriesOnly: opts.retries,
	})
	if err != nil {
		return err
	}
	a.logger.Debug("fetched audit", "run_id", runID, "attempts", len(resp.Attempts))

	var patterns []audit.Pattern
	if opts.patterns {
		patterns = audit.Patterns(resp.Attempts)
	}
	return writeAudit(cmd, resp.Attempts, patterns, true, opts)
}
