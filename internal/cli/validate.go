package cli

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/contracts"
)

// errInvalidSpecs is returned when at least one validated file is invalid.
var errInvalidSpecs = errors.New("invalid spec documents")

func newValidateCommand(_ *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate spec documents",
		Long: `Validate checks every spec document exhaustively and lists all problems
found: unknown types and contracts, bad expressions, unbound inputs, type
mismatches between steps, unknown dependencies and cycles.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := config.NewLoader()
			w := cmd.OutOrStdout()

			invalid := 0
			for _, path := range args {
				compiled, err := loader.LoadFromFile(path)
				if err == nil {
					renderValid(w, path, compiled)
					continue
				}
				invalid++
				var verr *contracts.SpecValidationError
				if errors.As(err, &verr) {
					renderIssues(w, path, verr.Issues)
				} else {
					renderIssues(w, path, []contracts.Issue{{Code: "unreadable", Message: err.Error()}})
				}
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d: %w", invalid, len(args), errInvalidSpecs)
			}
			return nil
		},
	}
}

func sortedFlows(c *config.Compiled) []string {
	names := make([]string, 0, len(c.Flows))
	for name := range c.Flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
