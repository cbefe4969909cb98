package ports

import (
	"phaselock/domain/core"
	"phaselock/domain/result"
	"phaselock/domain/run"
)

// RunStore persists run directories. Every write is atomic; the status
// file is the completion marker and is written last.
type RunStore interface {
	Root() string
	RunDir(id core.RunID) string

	Status(id core.RunID) (run.Status, error)
	WriteStatus(id core.RunID, status run.Status) error
	IsPermanent(id core.RunID) bool
	MarkPermanent(id core.RunID) error

	WriteSnapshot(snap *run.Snapshot) error
	ReadSnapshot(id core.RunID) (*run.Snapshot, error)

	WriteResult(id core.RunID, rows []result.RunResult) error
	ReadResult(id core.RunID) ([]result.RunResult, error)

	WriteArtifact(id core.RunID, name string, data []byte) error
	WriteErrorLog(id core.RunID, err error) error
	ClearErrorLog(id core.RunID) error

	List() ([]core.RunID, error)
}
