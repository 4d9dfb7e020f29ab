package runner

import (
	"errors"
	"fmt"
)

// ErrCancelled is returned when a stage was interrupted by cancellation, whatever the
// exit status of the terminated process.
var ErrCancelled = errors.New("stage cancelled")

// StageError is a stage whose process could not be started or exited non-zero.
type StageError struct {
	StageKey    string
	ExitCode    int
	Description string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed (exit %d): %s", e.StageKey, e.ExitCode, e.Description)
}
