// Package cli implements the stratum command line.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/internal/logging"
)

// app carries what every command needs once settings are loaded.
type app struct {
	cfgFile   string
	logLevel  string
	logFormat string

	settings *config.Settings
	logger   *slog.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "stratum",
		Short: "Typed execution engine for contract-checked flows",
		Long: `Stratum validates spec documents and executes their flows: every step
output is checked against its contract and postconditions, violations are
retried with feedback, budgets are enforced and every attempt is audited.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
	}

	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "settings file (default is ./stratum.yaml or $HOME/.config/stratum/stratum.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(
		newValidateCommand(a),
		newRunCommand(a),
		newServeCommand(a),
		newAuditCommand(a),
		newStatusCommand(a),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	v, err := config.NewViper(a.cfgFile)
	if err != nil {
		return err
	}
	// Flags win over the file and the environment.
	if a.logLevel != "" {
		v.Set("logging.level", a.logLevel)
	}
	if a.logFormat != "" {
		v.Set("logging.format", a.logFormat)
	}

	s, err := config.LoadSettings(v)
	if err != nil {
		return err
	}
	a.settings = s
	a.logger = logging.New(s.Logging.Format, s.Logging.Level, cmd.ErrOrStderr())
	return nil
}
