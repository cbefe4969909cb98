// Package aggregate rebuilds the long results table from run directories and
// applies Benjamini–Hochberg correction across every finite p-value.
package aggregate

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"phaselock/adapters/filestore"
	"phaselock/domain/core"
	"phaselock/domain/result"
	"phaselock/domain/run"
	"phaselock/internal/errors"
)

// StatusPattern finds every run directory below an output root
const StatusPattern = "**/run_*/" + filestore.StatusFile

// Entry is one result row joined with the configuration that produced it
type Entry struct {
	Config run.Config
	Result result.RunResult
}

// Orphan is a completed run directory that cannot be traced to a config snapshot
type Orphan struct {
	Dir    string
	Reason string
}

// ScanResult is everything Scan found below a directory
type ScanResult struct {
	Entries    []Entry
	Orphans    []Orphan
	Runs       int                // completed runs with valid provenance
	Incomplete map[run.Status]int // runs skipped because they are not done
}

// Scan loads the rows of every done run below dir. Runs under a controls
// subtree are left to the control runner.
func Scan(dir string) (*ScanResult, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.IOFatal(fmt.Sprintf("cannot read input directory %s", dir), err)
	}
	if !info.IsDir() {
		return nil, errors.InvalidInput(fmt.Sprintf("%s is not a directory", dir))
	}

	matches, err := doublestar.Glob(os.DirFS(dir), StatusPattern)
	if err != nil {
		return nil, errors.IOFatal(fmt.Sprintf("cannot scan %s", dir), err)
	}
	sort.Strings(matches)

	res := &ScanResult{Incomplete: make(map[run.Status]int)}
	for _, m := range matches {
		runDir := path.Dir(m)
		if underControls(runDir) {
			continue
		}
		parent := filepath.Join(dir, filepath.FromSlash(path.Dir(runDir)))
		store := filestore.Open(parent)

		id, err := core.ParseRunID(path.Base(runDir))
		if err != nil {
			res.Orphans = append(res.Orphans, Orphan{Dir: runDir, Reason: err.Error()})
			continue
		}
		status, err := store.Status(id)
		if err != nil {
			res.Orphans = append(res.Orphans, Orphan{Dir: runDir, Reason: fmt.Sprintf("unreadable status: %v", err)})
			continue
		}
		if status != run.StatusDone {
			res.Incomplete[status]++
			continue
		}

		entries, err := load(store, id)
		if err != nil {
			res.Orphans = append(res.Orphans, Orphan{Dir: runDir, Reason: err.Error()})
			continue
		}
		res.Runs++
		res.Entries = append(res.Entries, entries...)
	}
	return res, nil
}

func load(store *filestore.LocalStore, id core.RunID) ([]Entry, error) {
	snap, err := store.ReadSnapshot(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrOrphanResult, err)
	}
	rows, err := store.ReadResult(id)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	for _, r := range rows {
		if r.RunID != id {
			return nil, fmt.Errorf("%w: row belongs to run %s", core.ErrOrphanResult, r.RunID)
		}
		entries = append(entries, Entry{Config: snap.Config, Result: r})
	}
	return entries, nil
}

func underControls(runDir string) bool {
	for _, part := range strings.Split(path.Dir(runDir), "/") {
		if part == filestore.ControlsDir {
			return true
		}
	}
	return false
}
