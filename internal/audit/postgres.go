package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/regression-io/stratum/contracts"
)

// PostgresConfig configures the connection pool of a PostgresRecorder.
type PostgresConfig struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Validate checks the pool settings.
func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return errors.New("database url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max idle conns must be within [0, max open conns]")
	}
	return nil
}

// OpenPostgres opens a pgx-backed pool and checks it with a ping.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// Schema creates the attempts table. Rows are only ever inserted.
const Schema = `CREATE TABLE IF NOT EXISTS stratum_attempts (
	id          TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	seq         BIGINT NOT NULL,
	flow        TEXT NOT NULL,
	step_id     TEXT NOT NULL,
	function    TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	iteration   INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	inputs      JSONB,
	output      JSONB,
	violations  JSONB,
	feedback    TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL,
	cost        DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, seq)
)`

const insertAttempt = `INSERT INTO stratum_attempts (
	id, run_id, seq, flow, step_id, function, attempt, iteration, status,
	inputs, output, violations, feedback, error, started_at, duration_ms, cost
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (run_id, seq) DO NOTHING`

const selectAttempts = `SELECT
	id, run_id, seq, flow, step_id, function, attempt, iteration, status,
	inputs, output, violations, feedback, error, started_at, duration_ms, cost
FROM stratum_attempts`

// PostgresRecorder stores traces in PostgreSQL through database/sql and the
// pgx driver. A re-append of the same (run, seq) is ignored, so the trace is
// never overwritten.
type PostgresRecorder struct {
	db *sql.DB
}

// NewPostgresRecorder wraps an open pool.
func NewPostgresRecorder(db *sql.DB) (*PostgresRecorder, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres recorder: %w", contracts.ErrInvalidInput)
	}
	return &PostgresRecorder{db: db}, nil
}

// Migrate creates the table when it does not exist.
func (p *PostgresRecorder) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Append inserts one attempt.
func (p *PostgresRecorder) Append(ctx context.Context, a contracts.Attempt) error {
	if a.RunID == "" {
		return contracts.ErrInvalidInput
	}
	args, err := insertArgs(a)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, insertAttempt, args...); err != nil {
		return fmt.Errorf("insert attempt %s/%d: %w", a.RunID, a.Seq, err)
	}
	return nil
}

// Query returns matching attempts ordered by run and sequence.
func (p *PostgresRecorder) Query(ctx context.Context, q contracts.AuditQuery) ([]contracts.Attempt, error) {
	query, args := buildQuery(q)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	out := []contracts.Attempt{}
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	return out, nil
}

// Runs returns the distinct run ids, sorted.
func (p *PostgresRecorder) Runs(ctx context.Context) ([]contracts.RunID, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT run_id FROM stratum_attempts ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []contracts.RunID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		out = append(out, contracts.RunID(id))
	}
	return out, rows.Err()
}

// buildQuery renders the filter with positional parameters.
func buildQuery(q contracts.AuditQuery) (string, []any) {
	var (
		where []string
		args  []any
	)
	if q.RunID != "" {
		args = append(args, string(q.RunID))
		where = append(where, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if q.StepID != "" {
		args = append(args, string(q.StepID))
		where = append(where, fmt.Sprintf("step_id = $%d", len(args)))
	}
	if q.RetriesOnly {
		where = append(where, "attempt > 1")
	}

	var b strings.Builder
	b.WriteString(selectAttempts)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY run_id, seq")
	return b.String(), args
}

func insertArgs(a contracts.Attempt) ([]any, error) {
	inputs, err := jsonColumn(a.Inputs)
	if err != nil {
		return nil, err
	}
	output, err := jsonColumn(a.Output)
	if err != nil {
		return nil, err
	}
	violations, err := jsonColumn(a.Violations)
	if err != nil {
		return nil, err
	}
	return []any{
		a.ID, string(a.RunID), a.Seq, a.Flow, string(a.StepID), a.Function,
		a.Index, a.Iteration, string(a.Status), inputs, output, violations,
		a.Feedback, a.Error, a.StartedAt.UTC(), a.Duration.Milliseconds(), a.Cost,
	}, nil
}

// jsonColumn encodes v, or returns NULL for empty values.
func jsonColumn[T any](v T) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode column: %w", err)
	}
	if s := string(b); s == "null" || s == "{}" || s == "[]" {
		return nil, nil
	}
	return b, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (contracts.Attempt, error) {
	var (
		a                          contracts.Attempt
		runID, stepID, status      string
		inputs, output, violations []byte
		durationMs                 int64
	)
	err := row.Scan(
		&a.ID, &runID, &a.Seq, &a.Flow, &stepID, &a.Function, &a.Index, &a.Iteration, &status,
		&inputs, &output, &violations, &a.Feedback, &a.Error, &a.StartedAt, &durationMs, &a.Cost,
	)
	if err != nil {
		return a, fmt.Errorf("scan attempt: %w", err)
	}
	a.RunID = contracts.RunID(runID)
	a.StepID = contracts.StepID(stepID)
	a.Status = contracts.AttemptStatus(status)
	a.Duration = time.Duration(durationMs) * time.Millisecond

	for _, col := range []struct {
		raw []byte
		dst any
	}{{inputs, &a.Inputs}, {output, &a.Output}, {violations, &a.Violations}} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return a, fmt.Errorf("decode attempt %s/%d: %w", a.RunID, a.Seq, err)
		}
	}
	return a, nil
}
