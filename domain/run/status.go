package run

import "fmt"

// Status is the lifecycle state persisted in a run's status file
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// ParseStatus validates a persisted status value
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusDone, StatusFailed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown run status %q", s)
	}
}

// Terminal reports whether the run has finished, successfully or not
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}
