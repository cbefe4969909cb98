package engine

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaselock/adapters/datasource"
)

func shellEngine(t *testing.T, script, output string) *Command {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	eng, err := NewCommand(CommandOptions{
		Path:    "sh",
		Args:    []string{"-c", script, "engine"},
		Output:  output,
		Version: "test-1",
	}, datasource.New(nil), nil)
	require.NoError(t, err)
	return eng
}

const writeOut = `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--out" ]; then out="$2"; fi
  shift
done
printf 'target,effect_size,p_value,z_score\n20,0.7,0.02,2.5\n' > "$out"
`

func TestCommandReadsOutFile(t *testing.T) {
	eng := shellEngine(t, writeOut, FormatCSV)
	req := request(1, []int{20}, 10)
	req.WorkDir = t.TempDir()

	out, err := eng.Analyze(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, 0.02, out.Rows[0].PValue)
	assert.Equal(t, "test-1", out.Version)
	assert.FileExists(t, req.WorkDir+"/input.csv")
}

func TestCommandFallsBackToStdout(t *testing.T) {
	eng := shellEngine(t, `echo '{"version":"x","rows":[{"target":20,"effect_size":0.5,"p_value":0.2,"z_score":1}]}'`, FormatJSON)
	req := request(1, []int{20}, 10)
	req.WorkDir = t.TempDir()

	out, err := eng.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "x", out.Version)
	assert.Equal(t, 0.2, out.Rows[0].PValue)
}

func TestCommandFailure(t *testing.T) {
	eng := shellEngine(t, `echo boom >&2; exit 3`, FormatCSV)
	req := request(1, []int{20}, 10)
	req.WorkDir = t.TempDir()

	_, err := eng.Analyze(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCommandTimeout(t *testing.T) {
	eng := shellEngine(t, `sleep 5`, FormatCSV)
	req := request(1, []int{20}, 10)
	req.WorkDir = t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := eng.Analyze(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestFlags(t *testing.T) {
	cfg := request(1, []int{137, 139}, 200).Config
	flags := RequestFlags(cfg, "in.csv", "out.csv")
	assert.Equal(t, []string{
		"--data", "in.csv",
		"--targets", "137,139",
		"--window-size", "16",
		"--window-function", "hann",
		"--resolution", "1",
		"--null-model", "phase-shuffle",
		"--mc-samples", "200",
		"--seed", "42",
		"--out", "out.csv",
	}, flags)
}

func TestFactory(t *testing.T) {
	eng, err := New(Options{}, datasource.New(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, KindBuiltin, eng.Name())

	_, err = New(Options{Kind: KindCommand}, datasource.New(nil), nil)
	assert.Error(t, err)
	_, err = New(Options{Kind: "matlab"}, datasource.New(nil), nil)
	assert.Error(t, err)
}
