// Package filestore keeps one directory per run under an output root. Files
// are written to a temporary name and renamed into place; the status file is
// the completion marker.
package filestore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"phaselock/domain/core"
	"phaselock/domain/result"
	"phaselock/domain/run"
	apperrors "phaselock/internal/errors"
	"phaselock/ports"
)

// File names inside a run directory
const (
	SnapshotFile  = "config.snapshot"
	ResultFile    = "result.csv"
	StatusFile    = "status"
	ErrorLogFile  = "error.log"
	PermanentFile = "permanent"
)

// ControlsDir is the subtree of the output root that holds control runs
const ControlsDir = "controls"

// LocalStore implements ports.RunStore on the local filesystem
type LocalStore struct {
	basePath string
}

var _ ports.RunStore = (*LocalStore)(nil)

// NewLocalStore creates the output root if needed
func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, apperrors.IOFatal(fmt.Sprintf("cannot create output root %s", basePath), err)
	}
	return &LocalStore{basePath: basePath}, nil
}

// Open returns a store over an existing root without creating it
func Open(basePath string) *LocalStore {
	return &LocalStore{basePath: basePath}
}

// Root returns the output root
func (s *LocalStore) Root() string { return s.basePath }

// RunDir returns the directory of run id
func (s *LocalStore) RunDir(id core.RunID) string {
	return filepath.Join(s.basePath, id.DirName())
}

func (s *LocalStore) path(id core.RunID, name string) string {
	return filepath.Join(s.RunDir(id), name)
}

// Status reads the persisted status; a run without a status file is pending
func (s *LocalStore) Status(id core.RunID) (run.Status, error) {
	data, err := os.ReadFile(s.path(id, StatusFile))
	if errors.Is(err, os.ErrNotExist) {
		return run.StatusPending, nil
	}
	if err != nil {
		return "", err
	}
	return run.ParseStatus(strings.TrimSpace(string(data)))
}

// WriteStatus atomically replaces the status file
func (s *LocalStore) WriteStatus(id core.RunID, status run.Status) error {
	return s.write(id, StatusFile, []byte(string(status)+"\n"))
}

// IsPermanent reports whether the run was excluded from retries
func (s *LocalStore) IsPermanent(id core.RunID) bool {
	_, err := os.Stat(s.path(id, PermanentFile))
	return err == nil
}

// MarkPermanent excludes a run from future retries
func (s *LocalStore) MarkPermanent(id core.RunID) error {
	if _, err := os.Stat(s.RunDir(id)); err != nil {
		return fmt.Errorf("%w: %s", core.ErrRunNotFound, id)
	}
	return s.write(id, PermanentFile, []byte(core.Now().String()+"\n"))
}

// WriteSnapshot persists the run's configuration and provenance as YAML
func (s *LocalStore) WriteSnapshot(snap *run.Snapshot) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return s.write(snap.RunID, SnapshotFile, buf.Bytes())
}

// ReadSnapshot loads and validates a run's snapshot
func (s *LocalStore) ReadSnapshot(id core.RunID) (*run.Snapshot, error) {
	data, err := os.ReadFile(s.path(id, SnapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", core.ErrConfigNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var snap run.Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// WriteResult persists per-target rows
func (s *LocalStore) WriteResult(id core.RunID, rows []result.RunResult) error {
	var buf bytes.Buffer
	if err := result.WriteCSV(&buf, rows); err != nil {
		return err
	}
	return s.write(id, ResultFile, buf.Bytes())
}

// ReadResult loads per-target rows
func (s *LocalStore) ReadResult(id core.RunID) ([]result.RunResult, error) {
	f, err := os.Open(s.path(id, ResultFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", core.ErrResultNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return result.ReadCSV(f)
}

// WriteArtifact persists an engine artifact under name
func (s *LocalStore) WriteArtifact(id core.RunID, name string, data []byte) error {
	if name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("artifact name %q must be a plain file name", name)
	}
	return s.write(id, name, data)
}

// WriteErrorLog records why the run failed
func (s *LocalStore) WriteErrorLog(id core.RunID, runErr error) error {
	body := fmt.Sprintf("time: %s\ncode: %s\nerror: %v\n",
		time.Now().UTC().Format(time.RFC3339), apperrors.GetCode(runErr), runErr)
	return s.write(id, ErrorLogFile, []byte(body))
}

// ClearErrorLog removes a stale error log after a successful retry
func (s *LocalStore) ClearErrorLog(id core.RunID) error {
	err := os.Remove(s.path(id, ErrorLogFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// List returns the ids of every run directory under the root, sorted
func (s *LocalStore) List() ([]core.RunID, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var ids []core.RunID
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "run_") {
			continue
		}
		id, err := core.ParseRunID(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *LocalStore) write(id core.RunID, name string, data []byte) error {
	dir := s.RunDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.IOFatal(fmt.Sprintf("cannot create run directory %s", dir), err)
	}
	return WriteAtomic(filepath.Join(dir, name), data)
}

// WriteAtomic writes data to a sibling temporary file and renames it over path
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return apperrors.IOFatal(fmt.Sprintf("cannot write %s", path), err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperrors.IOFatal(fmt.Sprintf("cannot write %s", path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperrors.IOFatal(fmt.Sprintf("cannot sync %s", path), err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.IOFatal(fmt.Sprintf("cannot close %s", path), err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return apperrors.IOFatal(fmt.Sprintf("cannot chmod %s", path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return apperrors.IOFatal(fmt.Sprintf("cannot rename into %s", path), err)
	}
	return nil
}
