package filestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"phaselock/domain/core"
)

// FailureManifestFile lists the runs that failed in the last sweep
const FailureManifestFile = "failures.yaml"

// FailureRecord describes one failed run
type FailureRecord struct {
	RunID     core.RunID `yaml:"run_id"`
	Code      string     `yaml:"code"`
	Message   string     `yaml:"message"`
	Permanent bool       `yaml:"permanent,omitempty"`
}

// FailureManifest is the persisted failures.yaml
type FailureManifest struct {
	GeneratedAt core.Timestamp  `yaml:"generated_at"`
	Total       int             `yaml:"total"`
	Failures    []FailureRecord `yaml:"failures"`
}

// WriteFailureManifest replaces root/failures.yaml
func WriteFailureManifest(root string, m *FailureManifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode failure manifest: %w", err)
	}
	return WriteAtomic(filepath.Join(root, FailureManifestFile), data)
}

// ReadFailureManifest loads root/failures.yaml; a missing file yields an empty manifest
func ReadFailureManifest(root string) (*FailureManifest, error) {
	data, err := os.ReadFile(filepath.Join(root, FailureManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return &FailureManifest{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m FailureManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode failure manifest: %w", err)
	}
	return &m, nil
}

// RunIDs returns the ids listed in the manifest
func (m *FailureManifest) RunIDs() map[core.RunID]bool {
	ids := make(map[core.RunID]bool, len(m.Failures))
	for _, f := range m.Failures {
		ids[f.RunID] = true
	}
	return ids
}
