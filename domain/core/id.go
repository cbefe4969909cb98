package core

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ID represents a generic identifier
type ID string

// NewID creates a new unique identifier using UUID v7 for time-ordered generation
func NewID() ID {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return ID(id.String())
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// IsEmpty checks if the ID is empty
func (id ID) IsEmpty() bool {
	return id == ""
}

// RunIDLength is the number of hex characters kept from a configuration hash
const RunIDLength = 16

// RunID identifies one concrete grid point; it is derived from configuration content
type RunID string

// AttemptID identifies one execution attempt of a run
type AttemptID ID

func (id RunID) String() string     { return string(id) }
func (id AttemptID) String() string { return string(id) }

// DirName is the run's output directory name
func (id RunID) DirName() string { return "run_" + string(id) }

var runIDPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)

// ParseRunID parses a run id, accepting an optional run_ prefix
func ParseRunID(s string) (RunID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "run_")
	if s == "" {
		return "", fmt.Errorf("run ID cannot be empty")
	}
	if !runIDPattern.MatchString(s) {
		return "", fmt.Errorf("run ID %q is not %d lowercase hex characters", s, RunIDLength)
	}
	return RunID(s), nil
}

// NewAttemptID creates an attempt identifier
func NewAttemptID() AttemptID {
	return AttemptID(NewID())
}
