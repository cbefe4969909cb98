package aggregate

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"phaselock/adapters/filestore"
	"phaselock/domain/result"
	"phaselock/domain/run"
	"phaselock/domain/skymap"
)

func testConfig(window int, model run.NullModel) run.Config {
	return run.Config{
		Params: run.Params{
			WindowSize:     window,
			WindowFunction: skymap.WindowNone,
			Resolution:     1,
			NullModel:      model,
			MCSamples:      99,
			TargetSet:      "primary",
		},
		Targets: []int{137, 139},
		DataSource: run.DataSource{
			Mode:      run.DataSynthetic,
			Synthetic: &run.SyntheticSpec{Rings: 16, SamplesPerRing: 512, NoiseSigma: 1},
		},
		Seed: 42,
	}
}

// writeDone persists a completed run the way the executor does
func writeDone(t *testing.T, store *filestore.LocalStore, cfg run.Config, p137, p139 float64) {
	t.Helper()
	id := cfg.ID()
	require.NoError(t, store.WriteSnapshot(run.NewSnapshot(cfg, "test", "builtin", "plv-1")))
	rows := []result.RunResult{
		{RunID: id, Target: 137, EffectSize: 0.9, PValue: p137, ZScore: 8, NullModel: cfg.Params.NullModel, MCSamples: 99, Duration: 12 * time.Millisecond},
		{RunID: id, Target: 139, EffectSize: 0.1, PValue: p139, ZScore: 0.2, NullModel: cfg.Params.NullModel, MCSamples: 99, Duration: 12 * time.Millisecond},
	}
	require.NoError(t, store.WriteResult(id, rows))
	require.NoError(t, store.WriteStatus(id, run.StatusDone))
}

func TestScanLoadsDoneRunsOnly(t *testing.T) {
	root := t.TempDir()
	store, err := filestore.NewLocalStore(root)
	require.NoError(t, err)

	writeDone(t, store, testConfig(8, run.NullPhaseShuffle), 0.01, 0.6)
	writeDone(t, store, testConfig(16, run.NullPhaseShuffle), 0.01, 0.4)

	failed := testConfig(8, run.NullPhiRoll)
	require.NoError(t, store.WriteSnapshot(run.NewSnapshot(failed, "test", "builtin", "plv-1")))
	require.NoError(t, store.WriteStatus(failed.ID(), run.StatusFailed))

	res, err := Scan(root)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Runs)
	assert.Len(t, res.Entries, 4)
	assert.Equal(t, 1, res.Incomplete[run.StatusFailed])
	assert.Empty(t, res.Orphans)
}

func TestScanReportsOrphans(t *testing.T) {
	root := t.TempDir()
	store, err := filestore.NewLocalStore(root)
	require.NoError(t, err)

	cfg := testConfig(8, run.NullPhaseShuffle)
	writeDone(t, store, cfg, 0.01, 0.5)
	require.NoError(t, os.Remove(filepath.Join(store.RunDir(cfg.ID()), filestore.SnapshotFile)))

	res, err := Scan(root)
	require.NoError(t, err)

	assert.Zero(t, res.Runs)
	assert.Empty(t, res.Entries)
	require.Len(t, res.Orphans, 1)
	assert.Equal(t, cfg.ID().DirName(), res.Orphans[0].Dir)
}

func TestScanSkipsControlRuns(t *testing.T) {
	root := t.TempDir()
	store, err := filestore.NewLocalStore(root)
	require.NoError(t, err)
	controls, err := filestore.NewLocalStore(filepath.Join(root, filestore.ControlsDir, "negative"))
	require.NoError(t, err)

	writeDone(t, store, testConfig(8, run.NullPhaseShuffle), 0.01, 0.5)
	writeDone(t, controls, testConfig(16, run.NullPhaseShuffle), 0.01, 0.5)

	res, err := Scan(root)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Runs)

	nested, err := Scan(filepath.Join(root, filestore.ControlsDir, "negative"))
	require.NoError(t, err)
	assert.Equal(t, 1, nested.Runs)
}

func TestScanMissingDirectory(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestBuildSortsAndCorrects(t *testing.T) {
	a := testConfig(8, run.NullPhaseShuffle)
	b := testConfig(16, run.NullPhiRoll)
	entries := []Entry{
		{Config: b, Result: result.RunResult{RunID: b.ID(), Target: 139, PValue: 0.5, EffectSize: 0.1}},
		{Config: a, Result: result.RunResult{RunID: a.ID(), Target: 139, PValue: 0.7, EffectSize: 0.1}},
		{Config: b, Result: result.RunResult{RunID: b.ID(), Target: 137, PValue: 0.01, EffectSize: 0.9}},
		{Config: a, Result: result.RunResult{RunID: a.ID(), Target: 137, PValue: 0.01, EffectSize: 0.8}},
		{Config: a, Result: result.RunResult{RunID: a.ID(), Target: 140, PValue: math.NaN(), EffectSize: math.NaN(),
			Flags: []result.Flag{result.FlagNumericallyUnstable}}},
	}

	s := Build(entries, 0.05)
	require.Len(t, s.Rows, 5)
	for i := 1; i < len(s.Rows); i++ {
		prev, cur := s.Rows[i-1], s.Rows[i]
		assert.True(t, prev.RunID < cur.RunID || (prev.RunID == cur.RunID && prev.Target < cur.Target))
	}

	for _, r := range s.Rows {
		switch r.Target {
		case 137:
			assert.True(t, r.Significant)
			assert.InDelta(t, 0.02, r.QValue, 1e-12)
		case 139:
			assert.False(t, r.Significant)
		case 140:
			assert.True(t, math.IsNaN(r.QValue))
			assert.False(t, r.Significant)
		}
	}

	assert.Equal(t, []int{137, 139, 140}, s.Targets())
	for _, r := range s.RowsFor(137) {
		want := a
		if r.RunID == b.ID() {
			want = b
		}
		assert.Equal(t, want.ParamValue(run.ParamWindowSize), r.Param(run.ParamWindowSize))
		assert.Equal(t, string(want.Params.NullModel), r.Param(run.ParamNullModel))
	}
}

func TestSummaryCSVIsReproducible(t *testing.T) {
	a := testConfig(8, run.NullPhaseShuffle)
	b := testConfig(16, run.NullPhiRoll)
	entries := []Entry{
		{Config: a, Result: result.RunResult{RunID: a.ID(), Target: 137, PValue: 0.01, EffectSize: 0.8, ZScore: 5, Duration: time.Second}},
		{Config: b, Result: result.RunResult{RunID: b.ID(), Target: 137, PValue: 0.02, EffectSize: 0.7, ZScore: 4, Duration: time.Second}},
	}
	reversed := []Entry{entries[1], entries[0]}

	var first, second bytes.Buffer
	require.NoError(t, Build(entries, 0.05).WriteCSV(&first))
	require.NoError(t, Build(reversed, 0.05).WriteCSV(&second))
	assert.Equal(t, first.String(), second.String())

	back, err := ReadSummary(bytes.NewReader(first.Bytes()), 0.05)
	require.NoError(t, err)
	require.Len(t, back.Rows, 2)
	for _, r := range back.Rows {
		assert.True(t, r.Significant)
		assert.InDelta(t, 0.02, r.QValue, 1e-12)
		assert.Equal(t, time.Second, r.Duration)
		if r.RunID == b.ID() {
			assert.Equal(t, run.NullPhiRoll, r.NullModel)
			assert.Equal(t, "16", r.Param(run.ParamWindowSize))
		}
	}
}

func TestReadSummaryRejectsForeignHeader(t *testing.T) {
	_, err := ReadSummary(bytes.NewBufferString("a,b,c\n1,2,3\n"), 0.05)
	assert.Error(t, err)
}

func TestGroupsPerParameterValue(t *testing.T) {
	a := testConfig(8, run.NullPhaseShuffle)
	b := testConfig(16, run.NullPhaseShuffle)
	entries := []Entry{
		{Config: a, Result: result.RunResult{RunID: a.ID(), Target: 137, PValue: 0.01, EffectSize: 0.8}},
		{Config: b, Result: result.RunResult{RunID: b.ID(), Target: 137, PValue: 0.03, EffectSize: 0.6}},
	}
	s := Build(entries, 0.05)

	var windowGroups []Group
	var modelGroup *Group
	for i, g := range s.Groups {
		switch g.Param {
		case run.ParamWindowSize:
			windowGroups = append(windowGroups, g)
		case run.ParamNullModel:
			modelGroup = &s.Groups[i]
		}
	}
	require.Len(t, windowGroups, 2)
	assert.Equal(t, "8", windowGroups[0].Value)
	assert.Equal(t, "16", windowGroups[1].Value)
	assert.Zero(t, windowGroups[0].StdEffect)

	require.NotNil(t, modelGroup)
	assert.Equal(t, 2, modelGroup.N)
	assert.InDelta(t, 0.7, modelGroup.MeanEffect, 1e-12)
	assert.InDelta(t, 0.7, modelGroup.MedianEffect, 1e-12)
	assert.InDelta(t, math.Sqrt(0.02), modelGroup.StdEffect, 1e-12)
	assert.Equal(t, 2, modelGroup.SignificantCount)

	var buf bytes.Buffer
	require.NoError(t, s.WriteGroupsCSV(&buf))
	assert.Contains(t, buf.String(), "parameter,value,target,n")
}

func TestWriteXLSX(t *testing.T) {
	a := testConfig(8, run.NullPhaseShuffle)
	entries := []Entry{
		{Config: a, Result: result.RunResult{RunID: a.ID(), Target: 137, PValue: 0.01, EffectSize: 0.8}},
		{Config: a, Result: result.RunResult{RunID: a.ID(), Target: 139, PValue: math.NaN(), EffectSize: math.NaN()}},
	}
	path := filepath.Join(t.TempDir(), SummaryXLSXFile)
	require.NoError(t, Build(entries, 0.05).WriteXLSX(path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("summary")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, SummaryHeader(), rows[0])
	assert.Equal(t, string(a.ID()), rows[1][0])
	assert.Equal(t, "NaN", rows[2][len(run.ParamNames)+2])

	groups, err := f.GetRows("groups")
	require.NoError(t, err)
	assert.Equal(t, GroupsHeader, groups[0])
}
