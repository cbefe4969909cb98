// Package ledger indexes run attempts in a SQL database. SQLite and
// PostgreSQL are supported; the driver is chosen from the DSN scheme.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"phaselock/domain/core"
	"phaselock/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS run_ledger (
	output_root   TEXT NOT NULL,
	run_id        TEXT NOT NULL,
	attempt_id    TEXT NOT NULL,
	status        TEXT NOT NULL,
	engine        TEXT NOT NULL,
	null_model    TEXT NOT NULL,
	error_code    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	row_count     INTEGER NOT NULL DEFAULT 0,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	updated_at    TIMESTAMP NOT NULL,
	PRIMARY KEY (output_root, run_id)
)`

const columns = `output_root, run_id, attempt_id, status, engine, null_model, error_code, error_message, row_count, duration_ms, updated_at`

// SQLLedger implements ports.LedgerPort with sqlx
type SQLLedger struct {
	db *sqlx.DB
}

var _ ports.LedgerPort = (*SQLLedger)(nil)

// ParseDSN maps sqlite3://path and postgres://... to a driver name and data source
func ParseDSN(dsn string) (driver, source string, err error) {
	switch {
	case strings.HasPrefix(dsn, "sqlite3://"):
		return "sqlite3", strings.TrimPrefix(dsn, "sqlite3://"), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres", dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported ledger DSN %q (use sqlite3://path or postgres://...)", dsn)
	}
}

// Open connects to the ledger and creates its table
func Open(ctx context.Context, dsn string) (*SQLLedger, error) {
	driver, source, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to ledger: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger table: %w", err)
	}
	return &SQLLedger{db: db}, nil
}

// Record upserts the latest attempt of a run under its output root
func (l *SQLLedger) Record(ctx context.Context, e ports.LedgerEntry) error {
	if e.OutputRoot == "" {
		return fmt.Errorf("run %s: ledger entries need an output root", e.RunID)
	}
	query := l.db.Rebind(`
		INSERT INTO run_ledger (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (output_root, run_id) DO UPDATE SET
			attempt_id = excluded.attempt_id,
			status = excluded.status,
			engine = excluded.engine,
			null_model = excluded.null_model,
			error_code = excluded.error_code,
			error_message = excluded.error_message,
			row_count = excluded.row_count,
			duration_ms = excluded.duration_ms,
			updated_at = excluded.updated_at`)
	_, err := l.db.ExecContext(ctx, query,
		e.OutputRoot, string(e.RunID), string(e.AttemptID), string(e.Status), e.Engine, e.NullModel,
		e.ErrorCode, e.ErrorMessage, e.Rows, e.DurationMS, e.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", e.RunID, err)
	}
	return nil
}

// Get returns the most recent attempt of a run across output roots
func (l *SQLLedger) Get(ctx context.Context, runID core.RunID) (*ports.LedgerEntry, error) {
	var e ports.LedgerEntry
	err := l.db.GetContext(ctx, &e, l.db.Rebind(`
		SELECT `+columns+`
		FROM run_ledger WHERE run_id = ? ORDER BY updated_at DESC LIMIT 1`), string(runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns attempts ordered by output root and run id. An OutputRoot
// filter matches that root and the roots nested below it.
func (l *SQLLedger) List(ctx context.Context, filters ports.LedgerFilters) ([]ports.LedgerEntry, error) {
	query := `SELECT ` + columns + ` FROM run_ledger`
	var where []string
	var args []interface{}
	if filters.OutputRoot != "" {
		where = append(where, `(output_root = ? OR output_root LIKE ? ESCAPE '\')`)
		args = append(args, filters.OutputRoot, escapeLike(filters.OutputRoot)+"/%")
	}
	if filters.Status != nil {
		where = append(where, `status = ?`)
		args = append(args, string(*filters.Status))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY output_root, run_id`
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}

	var entries []ports.LedgerEntry
	if err := l.db.SelectContext(ctx, &entries, l.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return entries, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Close releases the connection pool
func (l *SQLLedger) Close() error {
	return l.db.Close()
}
