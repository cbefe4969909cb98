package run

import (
	"fmt"
	"os"

	"phaselock/domain/core"
)

// Provenance records who produced a run and with what
type Provenance struct {
	CreatedAt     core.Timestamp `yaml:"created_at" json:"created_at"`
	ToolVersion   string         `yaml:"tool_version" json:"tool_version"`
	Engine        string         `yaml:"engine" json:"engine"`
	EngineVersion string         `yaml:"engine_version" json:"engine_version"`
	AttemptID     core.AttemptID `yaml:"attempt_id" json:"attempt_id"`
	Host          string         `yaml:"host,omitempty" json:"host,omitempty"`
	Fingerprint   core.Hash      `yaml:"fingerprint" json:"fingerprint"`
}

// Snapshot is the persisted config.snapshot: the exact configuration of a run plus provenance.
// It is written before the engine runs, so every result row has an originating config.
type Snapshot struct {
	RunID      core.RunID `yaml:"run_id" json:"run_id"`
	Config     Config     `yaml:"config" json:"config"`
	Provenance Provenance `yaml:"provenance" json:"provenance"`
}

// NewSnapshot creates a snapshot for one execution attempt of cfg
func NewSnapshot(cfg Config, toolVersion, engine, engineVersion string) *Snapshot {
	runID := cfg.ID()
	host, _ := os.Hostname()

	return &Snapshot{
		RunID:  runID,
		Config: cfg,
		Provenance: Provenance{
			CreatedAt:     core.Now(),
			ToolVersion:   toolVersion,
			Engine:        engine,
			EngineVersion: engineVersion,
			AttemptID:     core.NewAttemptID(),
			Host:          host,
			Fingerprint:   ComputeFingerprint(runID, toolVersion, engine, engineVersion),
		},
	}
}

// ComputeFingerprint ties a run id to the code that produced it
func ComputeFingerprint(runID core.RunID, toolVersion, engine, engineVersion string) core.Hash {
	return core.ComputeFingerprint(map[string]interface{}{
		"run":            runID,
		"tool":           toolVersion,
		"engine":         engine,
		"engine_version": engineVersion,
	})
}

// Validate checks the snapshot is complete and that its id matches its content
func (s *Snapshot) Validate() error {
	if s.RunID == "" {
		return core.NewValidationError("snapshot", "run_id cannot be empty")
	}
	if s.Provenance.ToolVersion == "" {
		return core.NewValidationError("snapshot", "tool_version cannot be empty")
	}
	if s.Provenance.Engine == "" {
		return core.NewValidationError("snapshot", "engine cannot be empty")
	}
	if got := s.Config.ID(); got != s.RunID {
		return fmt.Errorf("%w: snapshot run_id %s but config hashes to %s", core.ErrHashMismatch, s.RunID, got)
	}
	return nil
}
