package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/cochaviz/benchjail/internal/artifacts"
	"github.com/cochaviz/benchjail/internal/guest"
	"github.com/cochaviz/benchjail/internal/jailer"
	"github.com/cochaviz/benchjail/internal/vmm"
)

type Status string

const (
	StatusQueued            Status = "queued"
	StatusBuildingRootfs    Status = "building_rootfs"
	StatusJailing           Status = "jailing"
	StatusBooting           Status = "booting"
	StatusRunning           Status = "running"
	StatusCollectingResults Status = "collecting_results"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusTimedOut          Status = "timed_out"
	StatusCancelled         Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// JobSpec is a fully resolved job request. Zero values take the runner's
// defaults.
type JobSpec struct {
	Image string
	// Command overrides the image entrypoint and cmd.
	Command     []string
	Args        []string
	Env         []string
	WorkDir     string
	OutputFiles []string
	// Priority orders queued jobs, higher first.
	Priority int

	Timeout       time.Duration
	VCPUs         int
	MemoryMiB     int
	MaxOutputSize int64
	// Limits can only tighten the host limits.
	Limits jailer.Limits
}

func (s JobSpec) Validate() error {
	switch {
	case s.Image == "":
		return errors.New("image is required")
	case s.Timeout < 0:
		return fmt.Errorf("negative timeout %s", s.Timeout)
	case s.VCPUs < 0 || s.VCPUs > vmm.MaxVCPUs:
		return fmt.Errorf("vcpus %d outside 1..%d", s.VCPUs, vmm.MaxVCPUs)
	case s.MemoryMiB < 0 || (s.MemoryMiB > 0 && s.MemoryMiB < vmm.MinMemoryMiB):
		return fmt.Errorf("memory %d MiB below the %d MiB minimum", s.MemoryMiB, vmm.MinMemoryMiB)
	case s.MaxOutputSize < 0:
		return fmt.Errorf("negative max output size %d", s.MaxOutputSize)
	}
	for _, kv := range s.Env {
		if len(kv) == 0 || kv[0] == '=' {
			return fmt.Errorf("invalid env entry %q", kv)
		}
	}
	return nil
}

// JobResult is what a finished job leaves behind. Results is set for
// completed jobs; Partial holds whatever was collected otherwise.
type JobResult struct {
	JobID  string
	Status Status

	Results *guest.Results
	Source  vmm.ResultSource
	Partial *vmm.PartialOutput
	Console []byte

	Image    digest.Digest
	Rootfs   digest.Digest
	Retained []artifacts.Artifact

	Started  time.Time
	Finished time.Time
}

func (r *JobResult) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Job is one request's trip through the runner. Only the runner changes it.
type Job struct {
	ID        string
	Spec      JobSpec
	Submitted time.Time

	seq   uint64
	index int

	mu              sync.Mutex
	status          Status
	cancel          context.CancelCauseFunc
	cancelRequested bool
	result          *JobResult
	err             error
	done            chan struct{}
}

func newJob(id string, spec JobSpec, seq uint64) *Job {
	return &Job{
		ID:        id,
		Spec:      spec,
		Submitted: time.Now(),
		seq:       seq,
		index:     -1,
		status:    StatusQueued,
		done:      make(chan struct{}),
	}
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) setStatus(s Status) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

// Done is closed once the job reached a terminal status.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finished or ctx is done.
func (j *Job) Wait(ctx context.Context) (*JobResult, error) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finish records the outcome once; later calls are ignored.
func (j *Job) finish(res *JobResult, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	select {
	case <-j.done:
		return
	default:
	}
	j.status = res.Status
	j.result = res
	j.err = err
	j.cancel = nil
	close(j.done)
}
