package ports

import (
	"context"
	"time"

	"phaselock/domain/core"
	"phaselock/domain/run"
)

// LedgerEntry indexes the latest execution attempt of a run. Entries are
// keyed by (OutputRoot, RunID) so several output roots can share a database.
type LedgerEntry struct {
	OutputRoot   string         `db:"output_root" json:"output_root"`
	RunID        core.RunID     `db:"run_id" json:"run_id"`
	AttemptID    core.AttemptID `db:"attempt_id" json:"attempt_id"`
	Status       run.Status     `db:"status" json:"status"`
	Engine       string         `db:"engine" json:"engine"`
	NullModel    string         `db:"null_model" json:"null_model"`
	ErrorCode    string         `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage string         `db:"error_message" json:"error_message,omitempty"`
	Rows         int            `db:"row_count" json:"rows"`
	DurationMS   int64          `db:"duration_ms" json:"duration_ms"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// LedgerFilters for querying the ledger
type LedgerFilters struct {
	OutputRoot string // absolute; also matches roots nested below it
	Status     *run.Status
	Limit      int
}

// LedgerWriterPort records run attempts. The filesystem stays authoritative;
// the ledger is an index for browsing and must never block a sweep.
type LedgerWriterPort interface {
	Record(ctx context.Context, entry LedgerEntry) error
}

// LedgerReaderPort provides read-only access to recorded attempts
type LedgerReaderPort interface {
	Get(ctx context.Context, runID core.RunID) (*LedgerEntry, error)
	List(ctx context.Context, filters LedgerFilters) ([]LedgerEntry, error)
}

// LedgerPort combines read and write access
type LedgerPort interface {
	LedgerWriterPort
	LedgerReaderPort
	Close() error
}
