package result

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaselock/domain/run"
)

func TestResultCSVKeepsUnstableRows(t *testing.T) {
	rows := []RunResult{
		{RunID: "0123456789abcdef", Target: 137, EffectSize: 0.93, PValue: 0.004975, ZScore: 11.2,
			NullModel: run.NullPhaseShuffle, MCSamples: 200, Duration: 1500 * time.Millisecond},
		{RunID: "0123456789abcdef", Target: 139, EffectSize: math.NaN(), PValue: 1, ZScore: math.Inf(1),
			NullModel: run.NullPhaseShuffle, MCSamples: 200, Flags: []Flag{FlagNumericallyUnstable}},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows))
	assert.True(t, strings.HasPrefix(buf.String(), "run_id,target,effect_size"))

	back, err := ReadCSV(&buf)
	require.NoError(t, err)
	require.Len(t, back, 2)

	assert.Equal(t, 0.93, back[0].EffectSize)
	assert.Equal(t, 1500*time.Millisecond, back[0].Duration)
	assert.True(t, math.IsNaN(back[1].EffectSize))
	assert.True(t, math.IsInf(back[1].ZScore, 1))
	assert.True(t, back[1].Unstable())
}

func TestReadCSVRejectsForeignHeader(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("target,effect\n137,0.5\n"))
	assert.Error(t, err)
}

func TestMarkInstability(t *testing.T) {
	r := RunResult{EffectSize: 0.5, PValue: 0.1, ZScore: 0.3}
	assert.False(t, r.MarkInstability())
	assert.Empty(t, r.Flags)

	r.ZScore = math.NaN()
	assert.True(t, r.MarkInstability())
	assert.True(t, r.MarkInstability())
	assert.Equal(t, []Flag{FlagNumericallyUnstable}, r.Flags)
}
