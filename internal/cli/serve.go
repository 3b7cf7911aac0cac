package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/regression-io/stratum/api"
	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/internal/orchestration"
	"github.com/regression-io/stratum/internal/specwatch"
)

type serveOptions struct {
	addr     string
	specsDir string
	fixture  string
	sweep    time.Duration
}

func newServeCommand(a *app) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over HTTP",
		Long: `Serve exposes the engine over HTTP. Clients register specs, plan runs and
report step results; with --fixture the server can also drive runs itself.
With --specs every spec file in the directory is registered under its file
name and reloaded when it changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "", "listen address (overrides server.addr)")
	f.StringVar(&opts.specsDir, "specs", "", "directory of spec files to register and watch (overrides server.specs_dir)")
	f.StringVar(&opts.fixture, "fixture", "", "scripted provider fixture for server-driven runs")
	f.DurationVar(&opts.sweep, "sweep", 30*time.Second, "interval of the expired suspension sweep (0 disables)")
	return cmd
}

func (a *app) serve(cmd *cobra.Command, opts *serveOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := *a.settings
	if opts.addr != "" {
		s.Server.Addr = opts.addr
	}
	if opts.specsDir != "" {
		s.Server.SpecsDir = opts.specsDir
	}

	b, err := openBackends(ctx, &s, a.logger)
	if err != nil {
		return err
	}
	defer b.close()

	eng, err := newEngine(&s, b, opts.fixture, a.logger)
	if err != nil {
		return err
	}
	var runner *orchestration.Runner
	if opts.fixture != "" {
		runner = eng.Runner
	}

	srv := api.NewServer(s.Server, eng.Coordinator, runner,
		api.WithLogger(a.logger),
		api.WithSweepInterval(opts.sweep),
	)

	if dir := s.Server.SpecsDir; dir != "" {
		w, err := specwatch.New(dir, config.NewLoader(), srv.Specs(), a.logger)
		if err != nil {
			return err
		}
		n, err := w.LoadAll()
		if err != nil {
			a.logger.Warn("some specs failed to load", "dir", dir, "error", err)
		}
		a.logger.Info("specs loaded", "dir", dir, "count", n)
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("spec watcher stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.logger.Info("server stopped")
	return nil
}
