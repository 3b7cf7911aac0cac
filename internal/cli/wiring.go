package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/contracts"
	"github.com/regression-io/stratum/internal/audit"
	"github.com/regression-io/stratum/internal/executor"
	"github.com/regression-io/stratum/internal/memory"
	"github.com/regression-io/stratum/internal/orchestration"
	"github.com/regression-io/stratum/internal/provider"
)

// backends holds the collaborators opened from settings.
type backends struct {
	recorder contracts.AuditRecorder
	archiver *audit.Archiver
	close    func() error
}

// openBackends opens the audit recorder and the optional archiver.
func openBackends(ctx context.Context, s *config.Settings, logger *slog.Logger) (*backends, error) {
	b := &backends{close: func() error { return nil }}

	switch s.Audit.Backend {
	case "postgres":
		db, err := audit.OpenPostgres(ctx, audit.PostgresConfig{
			URL:             s.Audit.DatabaseURL,
			PingTimeout:     5 * time.Second,
			MaxOpenConns:    s.Audit.MaxOpenConns,
			MaxIdleConns:    s.Audit.MaxOpenConns / 2,
			ConnMaxLifetime: 30 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("opening audit database: %w", err)
		}
		rec, err := audit.NewPostgresRecorder(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := rec.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		b.recorder = rec
		b.close = db.Close
		logger.Debug("audit backend ready", "backend", "postgres")
	default:
		b.recorder = audit.NewMemoryRecorder()
	}

	if a := s.Audit.Archive; a.Enabled {
		store, err := audit.NewMinioStore(audit.MinioConfig{
			Endpoint:  a.Endpoint,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
			UseSSL:    a.UseSSL,
		})
		if err != nil {
			_ = b.close()
			return nil, fmt.Errorf("opening archive: %w", err)
		}
		if err := store.EnsureBucket(ctx, a.Bucket); err != nil {
			_ = b.close()
			return nil, fmt.Errorf("opening archive: %w", err)
		}
		b.archiver = audit.NewArchiver(store, a.Bucket, a.Prefix)
		logger.Debug("archive ready", "endpoint", a.Endpoint, "bucket", a.Bucket)
	}
	return b, nil
}

// builtins returns the compute functions available to every spec run from
// the command line.
func builtins() *executor.ComputeRegistry {
	reg := executor.NewComputeRegistry()
	reg.MustRegister("identity", func(_ context.Context, inv contracts.Invocation) (contracts.Record, error) {
		return inv.Inputs.Clone(), nil
	})
	return reg
}

// newEngine wires an engine from settings. fixture, when set, is a scripted
// provider file answering infer steps.
func newEngine(s *config.Settings, b *backends, fixture string, logger *slog.Logger) (*orchestration.Engine, error) {
	deps := orchestration.Deps{
		Compute:  builtins(),
		Audit:    b.recorder,
		Memory:   memory.NewStore(),
		Archiver: b.archiver,
		Logger:   logger,
	}
	if fixture != "" {
		p, err := provider.LoadScripted(fixture)
		if err != nil {
			return nil, err
		}
		deps.Provider = p
	}
	return orchestration.NewEngine(s.Engine, deps), nil
}

// parseInputs builds the flow inputs from a YAML or JSON file and key=value
// pairs. Pair values are YAML scalars, so n=3 is an integer and ok=true a
// boolean. Pairs override the file.
func parseInputs(file string, pairs []string) (contracts.Record, error) {
	in := contracts.Record{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading inputs: %w", err)
		}
		if err := yaml.Unmarshal(data, &in); err != nil {
			return nil, fmt.Errorf("parsing inputs %s: %w", file, err)
		}
	}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("input %q must be key=value: %w", pair, contracts.ErrInvalidInput)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		in[key] = v
	}
	return in, nil
}
