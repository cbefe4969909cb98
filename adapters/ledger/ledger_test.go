package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaselock/domain/core"
	"phaselock/domain/run"
	"phaselock/ports"
)

func TestParseDSN(t *testing.T) {
	tests := []struct {
		dsn, driver, source string
		wantErr             bool
	}{
		{"sqlite3:///tmp/ledger.db", "sqlite3", "/tmp/ledger.db", false},
		{"sqlite://ledger.db", "sqlite3", "ledger.db", false},
		{"postgres://u:p@localhost/db", "postgres", "postgres://u:p@localhost/db", false},
		{"mysql://x", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			driver, source, err := ParseDSN(tt.dsn)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.driver, driver)
			assert.Equal(t, tt.source, source)
		})
	}
}

func TestSQLiteLedger(t *testing.T) {
	ctx := context.Background()
	l, err := Open(ctx, "sqlite3://"+filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	id := core.RunID("0123456789abcdef")
	entry := ports.LedgerEntry{
		OutputRoot: "/data/outputs",
		RunID:      id,
		AttemptID:  "a1",
		Status:     run.StatusFailed,
		Engine:     "builtin",
		NullModel:  "phase-shuffle",
		ErrorCode:  "RUN_TIMEOUT",
		UpdatedAt:  now,
	}
	require.NoError(t, l.Record(ctx, entry))

	entry.AttemptID = "a2"
	entry.Status = run.StatusDone
	entry.ErrorCode = ""
	entry.Rows = 2
	entry.DurationMS = 1500
	require.NoError(t, l.Record(ctx, entry))
	require.NoError(t, l.Record(ctx, ports.LedgerEntry{
		OutputRoot: "/data/outputs",
		RunID:      "fedcba9876543210",
		AttemptID:  "b1",
		Status:     run.StatusFailed,
		Engine:     "builtin",
		NullModel:  "phi-roll",
		UpdatedAt:  now,
	}))

	got, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.AttemptID("a2"), got.AttemptID)
	assert.Equal(t, run.StatusDone, got.Status)
	assert.Equal(t, 2, got.Rows)
	assert.True(t, now.Equal(got.UpdatedAt))

	all, err := l.List(ctx, ports.LedgerFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	failed := run.StatusFailed
	only, err := l.List(ctx, ports.LedgerFilters{Status: &failed, Limit: 10})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, core.RunID("fedcba9876543210"), only[0].RunID)

	_, err = l.Get(ctx, "ffffffffffffffff")
	assert.ErrorIs(t, err, core.ErrRunNotFound)
}

func TestLedgerKeepsOutputRootsApart(t *testing.T) {
	ctx := context.Background()
	l, err := Open(ctx, "sqlite3://"+filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	id := core.RunID("0123456789abcdef")
	record := func(root string, status run.Status, at time.Time) {
		require.NoError(t, l.Record(ctx, ports.LedgerEntry{
			OutputRoot: root, RunID: id, AttemptID: core.AttemptID(root), Status: status,
			Engine: "builtin", NullModel: "phase-shuffle", UpdatedAt: at,
		}))
	}
	record("/data/sweep_a", run.StatusDone, now)
	record("/data/sweep_b", run.StatusFailed, now.Add(time.Minute))
	record("/data/sweep_a/controls/negative", run.StatusDone, now)
	record("/data/sweep_ab", run.StatusDone, now)

	all, err := l.List(ctx, ports.LedgerFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	scoped, err := l.List(ctx, ports.LedgerFilters{OutputRoot: "/data/sweep_a"})
	require.NoError(t, err)
	require.Len(t, scoped, 2)
	assert.Equal(t, "/data/sweep_a", scoped[0].OutputRoot)
	assert.Equal(t, run.StatusDone, scoped[0].Status)
	assert.Equal(t, "/data/sweep_a/controls/negative", scoped[1].OutputRoot)

	latest, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "/data/sweep_b", latest.OutputRoot)

	assert.Error(t, l.Record(ctx, ports.LedgerEntry{RunID: id, UpdatedAt: now}))
}
