// Package runner drives jobs through their lifecycle: build the rootfs,
// jail the VMM, boot the guest, collect its results and tear everything
// down again.
package runner

import (
	"cmp"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cochaviz/benchjail/internal/artifacts"
	"github.com/cochaviz/benchjail/internal/guest"
	"github.com/cochaviz/benchjail/internal/imagestore"
	"github.com/cochaviz/benchjail/internal/jailer"
	"github.com/cochaviz/benchjail/internal/logging"
	"github.com/cochaviz/benchjail/internal/rootfs"
	"github.com/cochaviz/benchjail/internal/vmm"
)

const (
	DefaultConcurrency = 1

	shutdownTimeout = 30 * time.Second
	jobDirPerm      = 0o711
	rootfsFileName  = "rootfs.squashfs"
	jailDirName     = "jail"
)

// ImageResolver is the part of *imagestore.Client the runner uses.
type ImageResolver interface {
	FetchManifest(ctx context.Context, ref imagestore.Reference) (*imagestore.Manifest, error)
}

// RootfsBuilder is implemented by *rootfs.Builder.
type RootfsBuilder interface {
	Build(ctx context.Context, req rootfs.Request) (*rootfs.Image, error)
}

// Defaults fill in what a JobSpec leaves out.
type Defaults struct {
	VCPUs         int
	MemoryMiB     int
	Timeout       time.Duration
	BootTimeout   time.Duration
	CollectGrace  time.Duration
	MaxOutputSize int64
}

type Options struct {
	Images  ImageResolver
	Builder RootfsBuilder
	Factory vmm.Factory
	// Probe checks for hardware virtualization before anything is built or
	// jailed. Defaults to vmm.ProbeKVM on /dev/kvm.
	Probe func() error

	// JailBase holds one directory per running job.
	JailBase string
	Kernel   string
	Cmdline  string
	Defaults Defaults
	// Limits is the host ceiling; job limits are tightened against it.
	Limits jailer.Limits
	CPUSet string

	Concurrency int
	// RequireAuthenticated fails jobs whose results only came back over the
	// serial console.
	RequireAuthenticated bool
	// Retain, when set, keeps the console of jobs that did not complete.
	Retain *artifacts.LocalStore
	Logger *slog.Logger
}

// Runner executes jobs, at most Concurrency at a time.
type Runner struct {
	opts   Options
	logger *slog.Logger
	sem    *semaphore.Weighted
	wake   chan struct{}

	mu    sync.Mutex
	queue jobQueue
	jobs  map[string]*Job
	seq   uint64
}

func New(opts Options) (*Runner, error) {
	switch {
	case opts.Images == nil:
		return nil, errors.New("runner: image resolver is required")
	case opts.Builder == nil:
		return nil, errors.New("runner: rootfs builder is required")
	case opts.Factory == nil:
		return nil, errors.New("runner: hypervisor factory is required")
	case !filepath.IsAbs(opts.JailBase):
		return nil, fmt.Errorf("runner: jail base %q must be absolute", opts.JailBase)
	case !filepath.IsAbs(opts.Kernel):
		return nil, fmt.Errorf("runner: kernel path %q must be absolute", opts.Kernel)
	case opts.Defaults.Timeout < 0:
		return nil, fmt.Errorf("runner: negative default timeout %s", opts.Defaults.Timeout)
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Limits == (jailer.Limits{}) {
		opts.Limits = jailer.DefaultLimits()
	}
	if err := opts.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("runner: host limits: %w", err)
	}
	if opts.Probe == nil {
		opts.Probe = func() error { return vmm.ProbeKVM(vmm.DefaultKVMDevice) }
	}
	opts.Defaults.VCPUs = cmp.Or(opts.Defaults.VCPUs, vmm.DefaultVCPUs)
	opts.Defaults.MemoryMiB = cmp.Or(opts.Defaults.MemoryMiB, vmm.DefaultMemoryMiB)
	opts.Defaults.Timeout = cmp.Or(opts.Defaults.Timeout, vmm.DefaultTimeout)
	opts.Defaults.MaxOutputSize = cmp.Or(opts.Defaults.MaxOutputSize, guest.DefaultMaxOutputSize)

	return &Runner{
		opts:   opts,
		logger: logging.Ensure(opts.Logger).With("component", "runner"),
		sem:    semaphore.NewWeighted(int64(opts.Concurrency)),
		wake:   make(chan struct{}, 1),
		jobs:   make(map[string]*Job),
	}, nil
}

func (r *Runner) register(spec JobSpec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, &Error{Stage: StageConfig, Err: err}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	job := newJob(uuid.NewString(), spec, r.seq)
	r.jobs[job.ID] = job
	return job, nil
}

// Job looks up a job by ID.
func (r *Runner) Job(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	return job, ok
}

// Execute runs spec on the calling goroutine once a slot is free. The
// result is non-nil for every job that passed validation, including
// failed, timed out and cancelled ones.
func (r *Runner) Execute(ctx context.Context, spec JobSpec) (*JobResult, error) {
	job, err := r.register(spec)
	if err != nil {
		return nil, err
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return r.abandon(job, context.Cause(ctx))
	}
	defer r.sem.Release(1)
	return r.run(ctx, job)
}

// Submit queues spec for Run.
func (r *Runner) Submit(spec JobSpec) (*Job, error) {
	job, err := r.register(spec)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	heap.Push(&r.queue, job)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	r.logger.Debug("job queued", "job_id", job.ID, "priority", spec.Priority)
	return job, nil
}

// Run starts queued jobs, highest priority first, until ctx is done. Jobs
// still queued then are cancelled; running ones are cancelled through ctx
// and waited for.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}
		job := r.next(ctx)
		if job == nil {
			r.sem.Release(1)
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.sem.Release(1)
			r.run(ctx, job)
		}()
	}
	r.drain(context.Cause(ctx))
	wg.Wait()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (r *Runner) next(ctx context.Context) *Job {
	for {
		if ctx.Err() != nil {
			return nil
		}
		r.mu.Lock()
		if r.queue.Len() > 0 {
			job := heap.Pop(&r.queue).(*Job)
			r.mu.Unlock()
			return job
		}
		r.mu.Unlock()
		select {
		case <-r.wake:
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Runner) drain(cause error) {
	r.mu.Lock()
	queued := make([]*Job, 0, r.queue.Len())
	for r.queue.Len() > 0 {
		queued = append(queued, heap.Pop(&r.queue).(*Job))
	}
	r.mu.Unlock()
	for _, job := range queued {
		r.abandon(job, cause)
	}
}

// Cancel stops a queued or running job. It reports false for unknown and
// already finished jobs.
func (r *Runner) Cancel(id string) bool {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if ok && job.index >= 0 {
		heap.Remove(&r.queue, job.index)
		r.mu.Unlock()
		r.abandon(job, ErrCancelled)
		return true
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if job.status.Terminal() {
		return false
	}
	if job.cancel != nil {
		job.cancel(ErrCancelled)
	} else {
		job.cancelRequested = true
	}
	return true
}

// abandon finishes a job that never started.
func (r *Runner) abandon(job *Job, cause error) (*JobResult, error) {
	now := time.Now()
	res := &JobResult{JobID: job.ID, Status: StatusCancelled, Started: now, Finished: now}
	err := fmt.Errorf("job %s cancelled before it started: %w", job.ID, cause)
	job.finish(res, err)
	r.logger.Info("job cancelled", "job_id", job.ID, "state", StatusQueued)
	return res, err
}

func (r *Runner) run(parent context.Context, job *Job) (*JobResult, error) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	job.mu.Lock()
	job.cancel = cancel
	if job.cancelRequested {
		cancel(ErrCancelled)
	}
	job.mu.Unlock()

	e := &execution{
		r:      r,
		job:    job,
		logger: r.logger.With("job_id", job.ID),
		res:    &JobResult{JobID: job.ID, Started: time.Now()},
	}
	e.reg = artifacts.NewRegistry(e.logger)
	e.logger.Info("job started", "image", job.Spec.Image)

	err := e.execute(ctx)
	e.res.Status = classify(ctx, err)
	e.keepPartial(err)
	e.teardown(ctx)
	e.res.Finished = time.Now()

	args := []any{"state", e.res.Status, "duration", e.res.Duration()}
	switch {
	case err == nil:
		args = append(args, "exit_code", e.res.Results.ExitCode, "source", e.res.Source)
		e.logger.Info("job finished", args...)
	case e.res.Status == StatusCancelled:
		e.logger.Info("job finished", args...)
	default:
		e.logger.Warn("job finished", append(args, "error", err)...)
	}
	job.finish(e.res, err)
	return e.res, err
}

// classify maps a job's error to its terminal status. A timeout reported
// by the VMM stays a timeout even if ctx was cancelled afterwards.
func classify(ctx context.Context, err error) Status {
	var terr *vmm.TimeoutError
	switch {
	case err == nil:
		return StatusCompleted
	case errors.As(err, &terr):
		return StatusTimedOut
	case ctx.Err() != nil, vmm.IsKind(err, vmm.KindCancelled):
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// execution is the state of one run of one job.
type execution struct {
	r      *Runner
	job    *Job
	logger *slog.Logger
	res    *JobResult
	reg    *artifacts.Registry

	maxOutput int64
	hv        vmm.Hypervisor
	machine   *vmm.Machine
}

func (e *execution) advance(s Status) {
	e.job.setStatus(s)
	e.logger.Debug("job state changed", "state", s)
}

func (e *execution) fail(stage Stage, err error) error {
	return &Error{JobID: e.job.ID, Stage: stage, Err: err}
}

// jailOr attributes err to the jail when the jailer produced it.
func jailOr(err error, stage Stage) Stage {
	var jerr *jailer.Error
	if errors.As(err, &jerr) {
		return StageJail
	}
	return stage
}

func (e *execution) execute(ctx context.Context) error {
	spec := e.job.Spec
	e.maxOutput = min(cmp.Or(spec.MaxOutputSize, e.r.opts.Defaults.MaxOutputSize), e.r.opts.Defaults.MaxOutputSize)

	if err := e.r.opts.Probe(); err != nil {
		return e.fail(StageVmm, err)
	}

	e.advance(StatusBuildingRootfs)
	jobDir := filepath.Join(e.r.opts.JailBase, e.job.ID)
	if err := e.reg.Mkdir(artifacts.KindJobDir, jobDir, jobDirPerm); err != nil {
		return e.fail(StageConfig, err)
	}
	img, err := e.buildRootfs(ctx, jobDir)
	if err != nil {
		return e.fail(StageRootfs, err)
	}

	e.advance(StatusJailing)
	cfg, err := e.vmConfig(jobDir, img.Path)
	if err != nil {
		return e.fail(StageConfig, err)
	}
	hv, err := e.r.opts.Factory(cfg)
	if err != nil {
		return e.fail(StageVmm, err)
	}
	e.hv = hv
	m, err := vmm.NewMachine(cfg, hv, e.logger)
	if err != nil {
		return e.fail(StageConfig, err)
	}
	e.machine = m
	if err := m.CreateVM(ctx, cfg.VCPUs, cfg.MemoryMiB); err != nil {
		return e.fail(jailOr(err, StageVmm), err)
	}
	if err := m.LoadKernel(ctx, cfg.Kernel, cfg.Cmdline); err != nil {
		return e.fail(StageVmm, err)
	}
	if err := m.AttachRootfs(ctx, cfg.Rootfs); err != nil {
		return e.fail(StageVmm, err)
	}

	e.advance(StatusBooting)
	if err := m.Boot(ctx); err != nil {
		return e.fail(jailOr(err, StageVmm), err)
	}

	e.advance(StatusRunning)
	out, err := m.RunUntil(ctx, cfg.Timeout)
	if err != nil {
		if vmm.IsKind(err, vmm.KindVsockCollection) || vmm.IsKind(err, vmm.KindCrashed) {
			return e.fail(StageCollection, err)
		}
		return e.fail(StageVmm, err)
	}

	e.advance(StatusCollectingResults)
	e.res.Console = out.Console
	if out.Source == vmm.SourceSerial && e.r.opts.RequireAuthenticated {
		e.res.Partial = &vmm.PartialOutput{Stdout: out.Results.Stdout, Stderr: out.Results.Stderr, Console: out.Console}
		return e.fail(StageCollection, errors.New("results recovered from the serial console carry no authentication"))
	}
	e.res.Results = out.Results
	e.res.Source = out.Source
	return nil
}

func (e *execution) buildRootfs(ctx context.Context, jobDir string) (*rootfs.Image, error) {
	spec := e.job.Spec
	ref, err := imagestore.ParseReference(spec.Image)
	if err != nil {
		return nil, err
	}
	manifest, err := e.r.opts.Images.FetchManifest(ctx, ref)
	if err != nil {
		return nil, err
	}
	e.res.Image = manifest.Digest

	out := filepath.Join(jobDir, rootfsFileName)
	if err := e.reg.Track(artifacts.KindRootfs, out); err != nil {
		return nil, err
	}
	img, err := e.r.opts.Builder.Build(ctx, rootfs.Request{
		Manifest:      manifest,
		Command:       spec.Command,
		Env:           spec.Env,
		WorkDir:       spec.WorkDir,
		OutputFiles:   spec.OutputFiles,
		MaxOutputSize: e.maxOutput,
		Output:        out,
	})
	if err != nil {
		return nil, err
	}
	e.res.Rootfs = img.Digest
	e.logger.Info("rootfs built", "digest", img.Digest, "size", img.Size)
	return img, nil
}

func (e *execution) vmConfig(jobDir, rootfsPath string) (*vmm.Config, error) {
	nonce, err := guest.NewNonce()
	if err != nil {
		return nil, err
	}
	spec, d := e.job.Spec, e.r.opts.Defaults
	cfg := &vmm.Config{
		ID:            e.job.ID,
		JailRoot:      filepath.Join(jobDir, jailDirName),
		Kernel:        e.r.opts.Kernel,
		Rootfs:        rootfsPath,
		Cmdline:       vmm.KernelCmdline(e.r.opts.Cmdline),
		VCPUs:         cmp.Or(spec.VCPUs, d.VCPUs),
		MemoryMiB:     cmp.Or(spec.MemoryMiB, d.MemoryMiB),
		Timeout:       cmp.Or(spec.Timeout, d.Timeout),
		BootTimeout:   d.BootTimeout,
		CollectGrace:  d.CollectGrace,
		Limits:        e.r.opts.Limits.Tighten(spec.Limits),
		CPUSet:        e.r.opts.CPUSet,
		Nonce:         nonce,
		Args:          spec.Args,
		MaxOutputSize: e.maxOutput,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := e.reg.Mkdir(artifacts.KindJail, cfg.JailRoot, 0o755); err != nil {
		return nil, err
	}
	return cfg, nil
}

// keepPartial records what a job that did not complete produced.
func (e *execution) keepPartial(err error) {
	if err == nil || e.res.Partial != nil {
		return
	}
	var terr *vmm.TimeoutError
	switch {
	case errors.As(err, &terr):
		e.res.Partial = &terr.Partial
	case e.machine != nil:
		p := e.machine.Partial()
		e.res.Partial = &p
	default:
		return
	}
	if e.res.Console == nil {
		e.res.Console = e.res.Partial.Console
	}
}

// teardown releases the VM and removes every artifact. Shutdown gets its
// own deadline; the filesystem cleanup runs to completion.
func (e *execution) teardown(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	switch {
	case e.machine != nil:
		if err := e.machine.Shutdown(sctx); err != nil {
			e.logger.Warn("vm shutdown failed", "error", err)
		}
	case e.hv != nil:
		if err := e.hv.Shutdown(sctx); err != nil {
			e.logger.Warn("hypervisor shutdown failed", "error", err)
		}
	}
	e.retain()
	if err := e.reg.Teardown(); err != nil {
		e.logger.Warn("artifact teardown failed", "error", err)
	}
}

func (e *execution) retain() {
	store := e.r.opts.Retain
	if store == nil || e.res.Status == StatusCompleted {
		return
	}
	meta := map[string]any{"job_id": e.job.ID, "status": string(e.res.Status)}
	keep := func(name string, kind artifacts.Kind, data []byte) {
		if len(data) == 0 {
			return
		}
		a, err := store.Retain(name, kind, data, meta)
		if err != nil {
			e.logger.Warn("retaining artifact failed", "name", name, "error", err)
			return
		}
		e.res.Retained = append(e.res.Retained, a)
	}
	keep("console.log", artifacts.KindConsole, e.res.Console)
	if p := e.res.Partial; p != nil {
		keep("stdout.log", artifacts.KindOutput, p.Stdout)
		keep("stderr.log", artifacts.KindOutput, p.Stderr)
	}
}
