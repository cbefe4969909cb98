package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaselock/domain/core"
	"phaselock/domain/result"
	"phaselock/domain/run"
	"phaselock/domain/skymap"
	apperrors "phaselock/internal/errors"
)

func testConfig() run.Config {
	return run.Config{
		Params: run.Params{
			WindowSize:     16,
			WindowFunction: skymap.WindowHann,
			Resolution:     1,
			NullModel:      run.NullPhiRoll,
			MCSamples:      100,
			TargetSet:      "primary",
		},
		Targets: []int{137, 139},
		DataSource: run.DataSource{
			Mode: run.DataSynthetic,
			Synthetic: &run.SyntheticSpec{
				Rings: 48, SamplesPerRing: 512, NoiseSigma: 1,
				Signals: []run.Signal{{Target: 137, Amplitude: 0.5, Phase: -0.0}},
			},
		},
		Seed: 42,
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	snap := run.NewSnapshot(testConfig(), "0.1.0", "builtin", "plv-1")
	require.NoError(t, store.WriteSnapshot(snap))

	back, err := store.ReadSnapshot(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, snap.RunID, back.RunID)
	assert.Equal(t, snap.Provenance.AttemptID, back.Provenance.AttemptID)
	assert.Equal(t, snap.Provenance.CreatedAt.String(), back.Provenance.CreatedAt.String())
	assert.Equal(t, snap.Config.ID(), back.Config.ID())
}

func TestReadSnapshotDetectsTampering(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	snap := run.NewSnapshot(testConfig(), "0.1.0", "builtin", "plv-1")
	require.NoError(t, store.WriteSnapshot(snap))

	path := filepath.Join(store.RunDir(snap.RunID), SnapshotFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(replaceOnce(string(data), "mc_samples: 100", "mc_samples: 101")), 0o644))

	_, err = store.ReadSnapshot(snap.RunID)
	assert.ErrorIs(t, err, core.ErrHashMismatch)
}

func replaceOnce(s, old, new string) string {
	for i := 0; i+len(old) <= len(s); i++ {
		if s[i:i+len(old)] == old {
			return s[:i] + new + s[i+len(old):]
		}
	}
	return s
}

func TestMissingSnapshot(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.ReadSnapshot("0123456789abcdef")
	assert.ErrorIs(t, err, core.ErrConfigNotFound)
}

func TestStatusLifecycle(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	id := core.RunID("0123456789abcdef")

	status, err := store.Status(id)
	require.NoError(t, err)
	assert.Equal(t, run.StatusPending, status)

	assert.Error(t, store.MarkPermanent(id), "unknown runs cannot be marked")

	for _, s := range []run.Status{run.StatusRunning, run.StatusFailed} {
		require.NoError(t, store.WriteStatus(id, s))
		got, err := store.Status(id)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	assert.False(t, store.IsPermanent(id))
	require.NoError(t, store.MarkPermanent(id))
	assert.True(t, store.IsPermanent(id))
}

func TestResultAndArtifacts(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	id := core.RunID("fedcba9876543210")

	rows := []result.RunResult{{RunID: id, Target: 137, EffectSize: 0.4, PValue: 0.02, ZScore: 2.1, NullModel: run.NullPhiRoll, MCSamples: 100}}
	require.NoError(t, store.WriteResult(id, rows))
	back, err := store.ReadResult(id)
	require.NoError(t, err)
	assert.Equal(t, rows, back)

	require.NoError(t, store.WriteArtifact(id, "spectrum.csv", []byte("k,plv\n")))
	assert.FileExists(t, filepath.Join(store.RunDir(id), "spectrum.csv"))
	assert.Error(t, store.WriteArtifact(id, "../escape.csv", nil))

	require.NoError(t, store.WriteErrorLog(id, apperrors.EngineInvocation("builtin", fmt.Errorf("boom"))))
	log, err := os.ReadFile(filepath.Join(store.RunDir(id), ErrorLogFile))
	require.NoError(t, err)
	assert.Contains(t, string(log), "code: ENGINE_INVOCATION")
	require.NoError(t, store.ClearErrorLog(id))
	require.NoError(t, store.ClearErrorLog(id))
	assert.NoFileExists(t, filepath.Join(store.RunDir(id), ErrorLogFile))
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status")
	require.NoError(t, WriteAtomic(path, []byte("done\n")))
	require.NoError(t, WriteAtomic(path, []byte("failed\n")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, _ := os.ReadFile(path)
	assert.Equal(t, "failed\n", string(data))
}

func TestListSkipsForeignDirectories(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root)
	require.NoError(t, err)
	require.NoError(t, store.WriteStatus("bbbbbbbbbbbbbbbb", run.StatusDone))
	require.NoError(t, store.WriteStatus("aaaaaaaaaaaaaaaa", run.StatusDone))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "run_not-an-id"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "controls"), 0o755))

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []core.RunID{"aaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbb"}, ids)
}

func TestFailureManifest(t *testing.T) {
	root := t.TempDir()
	empty, err := ReadFailureManifest(root)
	require.NoError(t, err)
	assert.Empty(t, empty.Failures)

	m := &FailureManifest{GeneratedAt: core.Now(), Total: 4, Failures: []FailureRecord{
		{RunID: "0123456789abcdef", Code: apperrors.CodeRunTimeout, Message: "exceeded"},
	}}
	require.NoError(t, WriteFailureManifest(root, m))
	back, err := ReadFailureManifest(root)
	require.NoError(t, err)
	assert.Equal(t, m.Failures, back.Failures)
	assert.True(t, back.RunIDs()["0123456789abcdef"])
}
