package runner

import (
	"errors"
	"fmt"
)

// Stage names the part of a job that failed.
type Stage string

const (
	StageConfig     Stage = "config"
	StageRootfs     Stage = "rootfs"
	StageJail       Stage = "jail"
	StageVmm        Stage = "vmm"
	StageCollection Stage = "collection"
)

// ErrCancelled is the cause recorded for jobs cancelled through the runner.
var ErrCancelled = errors.New("job cancelled")

// Error wraps the failure of one stage of a job. The cause is kept, so
// errors.As reaches the typed error of the layer below.
type Error struct {
	JobID string
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("job %s: %s: %v", e.JobID, e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StageOf reports the stage err failed in.
func StageOf(err error) (Stage, bool) {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Stage, true
	}
	return "", false
}
