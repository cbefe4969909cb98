package ports

import (
	"context"

	"phaselock/domain/core"
	"phaselock/domain/run"
)

// AnalysisEngine computes per-target coherence statistics for one run configuration
type AnalysisEngine interface {
	Name() string
	Version() string
	Analyze(ctx context.Context, req AnalysisRequest) (*EngineOutput, error)
}

// AnalysisRequest carries everything an engine needs for a single run
type AnalysisRequest struct {
	RunID   core.RunID
	Config  run.Config
	WorkDir string

	// Optional outputs requested by the output section of the configuration
	FullSpectrum bool
	ArchiveNull  bool
}

// EngineRow is one per-target line of engine output
type EngineRow struct {
	Target     int     `json:"target"`
	EffectSize float64 `json:"effect_size"`
	PValue     float64 `json:"p_value"`
	ZScore     float64 `json:"z_score"`
}

// EngineOutput is the parsed engine result plus its raw form for archiving
type EngineOutput struct {
	Rows    []EngineRow
	Raw     []byte
	Format  string // csv or json
	Version string

	// Artifacts are extra files the engine produced, keyed by file name
	Artifacts map[string][]byte
}
