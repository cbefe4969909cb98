package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"phaselock/adapters/datasource"
	"phaselock/domain/run"
	"phaselock/internal"
	apperrors "phaselock/internal/errors"
	"phaselock/ports"
)

// CommandOptions configures an external analysis executable
type CommandOptions struct {
	Path    string
	Args    []string
	Output  string // csv or json
	Version string
}

// Command runs an external engine once per run. The engine receives the
// request as flags and writes its table to --out, or to stdout when it
// leaves --out absent.
type Command struct {
	opts   CommandOptions
	source ports.MapSource
	logger *internal.Logger
}

var _ ports.AnalysisEngine = (*Command)(nil)

// NewCommand creates an engine invoking opts.Path
func NewCommand(opts CommandOptions, source ports.MapSource, logger *internal.Logger) (*Command, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("engine.command is required for the command engine")
	}
	if opts.Output == "" {
		opts.Output = FormatCSV
	}
	if opts.Output != FormatCSV && opts.Output != FormatJSON {
		return nil, fmt.Errorf("unsupported engine output format %q", opts.Output)
	}
	if opts.Version == "" {
		opts.Version = "unversioned"
	}
	if logger == nil {
		logger = internal.DefaultLogger
	}
	return &Command{opts: opts, source: source, logger: logger.With("engine/command")}, nil
}

func (e *Command) Name() string    { return filepath.Base(e.opts.Path) }
func (e *Command) Version() string { return e.opts.Version }

// Analyze invokes the executable and parses its output
func (e *Command) Analyze(ctx context.Context, req ports.AnalysisRequest) (*ports.EngineOutput, error) {
	dataPath, err := e.materialize(ctx, req)
	if err != nil {
		return nil, err
	}

	outPath := filepath.Join(req.WorkDir, "engine_raw."+e.opts.Output)
	args := append(append([]string(nil), e.opts.Args...), RequestFlags(req.Config, dataPath, outPath)...)

	cmd := exec.CommandContext(ctx, e.opts.Path, args...)
	cmd.Dir = req.WorkDir
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("run %s: %s %s", req.RunID, e.opts.Path, strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s exited: %w: %s", e.opts.Path, err, strings.TrimSpace(stderr.String()))
	}

	raw, err := os.ReadFile(outPath)
	if errors.Is(err, os.ErrNotExist) {
		raw = stdout.Bytes()
	} else if err != nil {
		return nil, fmt.Errorf("failed to read engine output: %w", err)
	}

	out, err := ParseOutput(raw, e.opts.Output)
	if err != nil {
		return nil, err
	}
	if out.Version == "" {
		out.Version = e.opts.Version
	}
	return out, nil
}

// materialize returns a path the executable can read. File sources without
// a transform are passed through; everything else is written to the work dir.
func (e *Command) materialize(ctx context.Context, req ports.AnalysisRequest) (string, error) {
	ds := req.Config.DataSource
	if ds.Mode == run.DataFile && ds.File.Format == "csv" &&
		(ds.Transform == "" || ds.Transform == run.TransformNone) {
		if _, err := os.Stat(ds.File.Path); err != nil {
			return "", apperrors.DataUnavailable(ds.File.Path, err)
		}
		return ds.File.Path, nil
	}

	m, err := e.source.Load(ctx, ds, req.Config.Seed)
	if err != nil {
		return "", err
	}
	path := filepath.Join(req.WorkDir, "input.csv")
	if err := datasource.WriteMapCSV(path, m); err != nil {
		return "", err
	}
	return path, nil
}

// RequestFlags renders a run configuration as the flag set of the command engine contract
func RequestFlags(cfg run.Config, dataPath, outPath string) []string {
	targets := make([]string, len(cfg.Targets))
	for i, t := range cfg.Targets {
		targets[i] = strconv.Itoa(t)
	}
	return []string{
		"--data", dataPath,
		"--targets", strings.Join(targets, ","),
		"--window-size", strconv.Itoa(cfg.Params.WindowSize),
		"--window-function", string(cfg.Params.WindowFunction),
		"--resolution", strconv.Itoa(cfg.Params.Resolution),
		"--null-model", string(cfg.Params.NullModel),
		"--mc-samples", strconv.Itoa(cfg.Params.MCSamples),
		"--seed", strconv.FormatInt(cfg.Seed, 10),
		"--out", outPath,
	}
}
