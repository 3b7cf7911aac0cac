// Package audit records every attempt of every run in an append-only trace.
package audit

import (
	"context"
	"log/slog"

	"github.com/regression-io/stratum/contracts"
)

// Log wraps next so each appended attempt is also written as one structured
// "audit" log line.
func Log(next contracts.AuditRecorder, logger *slog.Logger) contracts.AuditRecorder {
	if logger == nil {
		return next
	}
	return &logged{next: next, logger: logger}
}

type logged struct {
	next   contracts.AuditRecorder
	logger *slog.Logger
}

func (l *logged) Append(ctx context.Context, a contracts.Attempt) error {
	if err := l.next.Append(ctx, a); err != nil {
		return err
	}
	attrs := []any{
		"run_id", a.RunID,
		"step_id", a.StepID,
		"function", a.Function,
		"attempt", a.Index,
		"status", a.Status,
		"cost", a.Cost,
		"duration", a.Duration,
	}
	if a.Iteration > 0 {
		attrs = append(attrs, "iteration", a.Iteration)
	}
	if len(a.Violations) > 0 {
		attrs = append(attrs, "violations", len(a.Violations))
	}
	if a.Error != "" {
		attrs = append(attrs, "error", a.Error)
	}
	l.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

func (l *logged) Query(ctx context.Context, q contracts.AuditQuery) ([]contracts.Attempt, error) {
	return l.next.Query(ctx, q)
}

func (l *logged) Runs(ctx context.Context) ([]contracts.RunID, error) {
	return l.next.Runs(ctx)
}
