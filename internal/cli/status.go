package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/regression-io/stratum/api"
	"github.com/regression-io/stratum/contracts"
)

func newStatusCommand(a *app) *cobra.Command {
	var (
		server  string
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show the state of a run on a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				return fmt.Errorf("--server is required: %w", contracts.ErrInvalidInput)
			}
			snap, err := api.NewClient(server, nil).Run(cmd.Context(), contracts.RunID(args[0]))
			if err != nil {
				return err
			}
			a.logger.Debug("fetched run", "run_id", snap.ID, "status", snap.Status)

			w := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			renderOutcome(w, contracts.Outcome{
				RunID:    snap.ID,
				Status:   snap.Status,
				Output:   snap.Output,
				Degraded: snap.Degraded,
				Error:    snap.Error,
			}, snap)
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "base URL of a stratum server")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the snapshot as JSON")
	return cmd
}
