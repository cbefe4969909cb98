package orchestrator

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaselock/adapters/datasource"
	"phaselock/adapters/engine"
	"phaselock/adapters/filestore"
	"phaselock/domain/core"
	"phaselock/domain/result"
	"phaselock/domain/run"
	"phaselock/domain/skymap"
	"phaselock/internal/errors"
	"phaselock/ports"
)

// stubEngine returns fixed rows and counts invocations
type stubEngine struct {
	calls   atomic.Int64
	analyze func(ctx context.Context, req ports.AnalysisRequest) (*ports.EngineOutput, error)
}

func (s *stubEngine) Name() string    { return "stub" }
func (s *stubEngine) Version() string { return "1" }

func (s *stubEngine) Analyze(ctx context.Context, req ports.AnalysisRequest) (*ports.EngineOutput, error) {
	s.calls.Add(1)
	if s.analyze != nil {
		return s.analyze(ctx, req)
	}
	return rowsFor(req.Config.Targets, 0.5, 0.01), nil
}

func rowsFor(targets []int, effect, p float64) *ports.EngineOutput {
	rows := make([]ports.EngineRow, len(targets))
	for i, k := range targets {
		rows[i] = ports.EngineRow{Target: k, EffectSize: effect, PValue: p, ZScore: 3}
	}
	return &ports.EngineOutput{Rows: rows, Raw: engine.EncodeCSV(rows), Format: engine.FormatCSV}
}

type memLedger struct {
	mu      sync.Mutex
	entries []ports.LedgerEntry
}

func (l *memLedger) Record(_ context.Context, e ports.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func gridConfigs(n int) []run.Config {
	configs := make([]run.Config, n)
	for i := range configs {
		configs[i] = run.Config{
			Params: run.Params{
				WindowSize:     8 + i,
				WindowFunction: skymap.WindowNone,
				Resolution:     1,
				NullModel:      run.NullPhaseShuffle,
				MCSamples:      19,
				TargetSet:      "primary",
			},
			Targets: []int{5, 7},
			DataSource: run.DataSource{
				Mode:      run.DataSynthetic,
				Synthetic: &run.SyntheticSpec{Rings: 32, SamplesPerRing: 64, NoiseSigma: 1},
			},
			Seed: 42,
		}
	}
	return configs
}

func newTestExecutor(t *testing.T, eng ports.AnalysisEngine, opts Options) (*Executor, *filestore.LocalStore) {
	t.Helper()
	store, err := filestore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	if opts.ToolVersion == "" {
		opts.ToolVersion = "test"
	}
	return NewExecutor(eng, store, opts, nil, nil), store
}

func TestExecuteWritesRunDirectory(t *testing.T) {
	eng := engine.NewCoherence(datasource.New(nil), nil)
	exec, store := newTestExecutor(t, eng, Options{ArchiveNull: true, FullSpectrum: true})
	ledger := &memLedger{}
	exec.SetLedger(ledger)

	cfg := gridConfigs(1)[0]
	out, err := exec.Execute(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, run.StatusDone, out.Status)
	assert.False(t, out.Skipped)
	require.Len(t, out.Rows, 2)
	assert.Equal(t, 5, out.Rows[0].Target)
	assert.Equal(t, 7, out.Rows[1].Target)

	dir := store.RunDir(cfg.ID())
	for _, name := range []string{filestore.SnapshotFile, filestore.ResultFile, filestore.StatusFile,
		"engine_output.csv", "spectrum.csv", "null_distribution.csv"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	assert.NoFileExists(t, filepath.Join(dir, filestore.ErrorLogFile))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, e.IsDir(), "work directory %s left behind", e.Name())
	}

	snap, err := store.ReadSnapshot(cfg.ID())
	require.NoError(t, err)
	assert.Equal(t, engine.KindBuiltin, snap.Provenance.Engine)
	assert.Equal(t, engine.CoherenceVersion, snap.Provenance.EngineVersion)

	require.Len(t, ledger.entries, 1)
	assert.Equal(t, run.StatusDone, ledger.entries[0].Status)
	assert.Equal(t, 2, ledger.entries[0].Rows)
	assert.Equal(t, snap.Provenance.AttemptID, ledger.entries[0].AttemptID)
	assert.Equal(t, store.Root(), ledger.entries[0].OutputRoot)

	assert.Equal(t, 1.0, testutil.ToFloat64(exec.Metrics().engineInvocations))
	assert.Equal(t, 1.0, testutil.ToFloat64(exec.Metrics().runsTotal.WithLabelValues("done")))
}

func TestExecuteResumeSkipsDoneRuns(t *testing.T) {
	stub := &stubEngine{}
	exec, _ := newTestExecutor(t, stub, Options{Resume: true})
	cfg := gridConfigs(1)[0]

	first, err := exec.Execute(context.Background(), cfg)
	require.NoError(t, err)
	second, err := exec.Execute(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, int64(1), stub.calls.Load())
	assert.True(t, second.Skipped)
	assert.Equal(t, run.StatusDone, second.Status)
	assert.Equal(t, first.Rows[0].PValue, second.Rows[0].PValue)
	assert.Equal(t, 1.0, testutil.ToFloat64(exec.Metrics().runsTotal.WithLabelValues("skipped")))
}

func TestExecuteWithoutResumeReruns(t *testing.T) {
	stub := &stubEngine{}
	exec, _ := newTestExecutor(t, stub, Options{})
	cfg := gridConfigs(1)[0]

	for i := 0; i < 2; i++ {
		_, err := exec.Execute(context.Background(), cfg)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), stub.calls.Load())
}

// renamedEngine is the stub engine under another name
type renamedEngine struct{ *stubEngine }

func (renamedEngine) Name() string { return "other" }

func TestExecuteResumeRerunsRunsFromAnotherEngine(t *testing.T) {
	store, err := filestore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	stub := &stubEngine{}
	opts := Options{Resume: true, ToolVersion: "test"}
	cfg := gridConfigs(1)[0]

	_, err = NewExecutor(stub, store, opts, nil, nil).Execute(context.Background(), cfg)
	require.NoError(t, err)

	switched := NewExecutor(renamedEngine{stub}, store, opts, nil, nil)
	out, err := switched.Execute(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Equal(t, int64(2), stub.calls.Load())

	snap, err := store.ReadSnapshot(cfg.ID())
	require.NoError(t, err)
	assert.Equal(t, "other", snap.Provenance.Engine)

	again, err := switched.Execute(context.Background(), cfg)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, int64(2), stub.calls.Load())
}

// brokenResultStore cannot persist result tables
type brokenResultStore struct{ *filestore.LocalStore }

func (brokenResultStore) WriteResult(core.RunID, []result.RunResult) error {
	return fmt.Errorf("no space left on device")
}

func TestExecuteMarksRunFailedWhenResultsCannotBeWritten(t *testing.T) {
	store, err := filestore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	exec := NewExecutor(&stubEngine{}, brokenResultStore{store}, Options{ToolVersion: "test"}, nil, nil)
	cfg := gridConfigs(1)[0]

	_, err = exec.Execute(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeIOFatal))

	status, err := store.Status(cfg.ID())
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, status)

	logged, err := os.ReadFile(filepath.Join(store.RunDir(cfg.ID()), filestore.ErrorLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(logged), errors.CodeEngineInvocation)
	assert.Contains(t, string(logged), "no space left on device")
}

func TestExecuteClassifiesFailures(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		analyze func(ctx context.Context, req ports.AnalysisRequest) (*ports.EngineOutput, error)
		code    string
	}{
		{
			name: "data unavailable",
			analyze: func(context.Context, ports.AnalysisRequest) (*ports.EngineOutput, error) {
				return nil, errors.DataUnavailable("maps/missing.csv", os.ErrNotExist)
			},
			code: errors.CodeDataUnavailable,
		},
		{
			name: "engine error",
			analyze: func(context.Context, ports.AnalysisRequest) (*ports.EngineOutput, error) {
				return nil, fmt.Errorf("segfault")
			},
			code: errors.CodeEngineInvocation,
		},
		{
			name: "missing target row",
			analyze: func(_ context.Context, req ports.AnalysisRequest) (*ports.EngineOutput, error) {
				return rowsFor(req.Config.Targets[:1], 0.5, 0.01), nil
			},
			code: errors.CodeEngineInvocation,
		},
		{
			name:    "timeout",
			timeout: 20 * time.Millisecond,
			analyze: func(ctx context.Context, _ ports.AnalysisRequest) (*ports.EngineOutput, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			code: errors.CodeRunTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, store := newTestExecutor(t, &stubEngine{analyze: tt.analyze}, Options{RunTimeout: tt.timeout})
			cfg := gridConfigs(1)[0]

			out, err := exec.Execute(context.Background(), cfg)
			require.NoError(t, err, "per-run failures must not surface as errors")
			assert.Equal(t, run.StatusFailed, out.Status)
			assert.True(t, errors.HasCode(out.Err, tt.code), "got %v", out.Err)

			status, err := store.Status(cfg.ID())
			require.NoError(t, err)
			assert.Equal(t, run.StatusFailed, status)

			log, err := os.ReadFile(filepath.Join(store.RunDir(cfg.ID()), filestore.ErrorLogFile))
			require.NoError(t, err)
			assert.Contains(t, string(log), tt.code)
			assert.NoFileExists(t, filepath.Join(store.RunDir(cfg.ID()), filestore.ResultFile))
		})
	}
}

func TestExecuteFlagsNonFiniteStatistics(t *testing.T) {
	stub := &stubEngine{analyze: func(_ context.Context, req ports.AnalysisRequest) (*ports.EngineOutput, error) {
		return rowsFor(req.Config.Targets, math.NaN(), math.NaN()), nil
	}}
	exec, store := newTestExecutor(t, stub, Options{})
	cfg := gridConfigs(1)[0]

	out, err := exec.Execute(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, run.StatusDone, out.Status)

	rows, err := store.ReadResult(cfg.ID())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.True(t, r.HasFlag(result.FlagNumericallyUnstable))
	}
}

func TestExecuteRetriesFailedButNotPermanent(t *testing.T) {
	fail := true
	stub := &stubEngine{analyze: func(_ context.Context, req ports.AnalysisRequest) (*ports.EngineOutput, error) {
		if fail {
			return nil, fmt.Errorf("flaky")
		}
		return rowsFor(req.Config.Targets, 0.5, 0.01), nil
	}}
	exec, store := newTestExecutor(t, stub, Options{Resume: true})
	configs := gridConfigs(2)

	for _, cfg := range configs {
		out, err := exec.Execute(context.Background(), cfg)
		require.NoError(t, err)
		require.True(t, out.Failed())
	}
	require.NoError(t, store.MarkPermanent(configs[1].ID()))

	fail = false
	retried, err := exec.Execute(context.Background(), configs[0])
	require.NoError(t, err)
	assert.Equal(t, run.StatusDone, retried.Status)
	assert.NoFileExists(t, filepath.Join(store.RunDir(configs[0].ID()), filestore.ErrorLogFile))

	permanent, err := exec.Execute(context.Background(), configs[1])
	require.NoError(t, err)
	assert.True(t, permanent.Skipped)
	assert.True(t, permanent.Failed())
	assert.Equal(t, int64(3), stub.calls.Load())
}

func TestCheckCoverage(t *testing.T) {
	assert.NoError(t, checkCoverage([]int{1, 2}, rowsFor([]int{2, 1}, 0, 0)))
	assert.Error(t, checkCoverage([]int{1, 2}, rowsFor([]int{1, 2, 3}, 0, 0)))
	assert.Error(t, checkCoverage([]int{1, 2}, rowsFor([]int{1, 1}, 0, 0)))
	assert.Error(t, checkCoverage([]int{1}, nil))
}

func TestToResultsKeepsTargetOrder(t *testing.T) {
	cfg := gridConfigs(1)[0]
	rows := toResults(core.RunID("0123456789abcdef"), cfg, rowsFor([]int{7, 5}, 0.1, 0.2), time.Second)
	require.Len(t, rows, 2)
	assert.Equal(t, 5, rows[0].Target)
	assert.Equal(t, 7, rows[1].Target)
	assert.Equal(t, run.NullPhaseShuffle, rows[0].NullModel)
	assert.Equal(t, 19, rows[0].MCSamples)
}
