package runner

import (
	"bytes"
	"container/heap"
	"context"
	"debug/elf"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/benchjail/arch"
	"github.com/cochaviz/benchjail/internal/artifacts"
	"github.com/cochaviz/benchjail/internal/guest"
	"github.com/cochaviz/benchjail/internal/imagestore"
	"github.com/cochaviz/benchjail/internal/jailer"
	"github.com/cochaviz/benchjail/internal/logging"
	"github.com/cochaviz/benchjail/internal/rootfs"
	"github.com/cochaviz/benchjail/internal/vmm"
)

const testImage = "registry.example.com/bench/fib:1.0"

var imageDigest = digest.FromString("bench/fib manifest")

type fakeImages struct {
	err error
}

func (f *fakeImages) FetchManifest(_ context.Context, ref imagestore.Reference) (*imagestore.Manifest, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &imagestore.Manifest{Reference: ref, Digest: imageDigest}, nil
}

// fakeBuilder writes a file that passes the squashfs magic check.
type fakeBuilder struct {
	err   error
	block bool

	mu    sync.Mutex
	calls int
}

func (b *fakeBuilder) Build(ctx context.Context, req rootfs.Request) (*rootfs.Image, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.err != nil {
		return nil, b.err
	}
	data := append([]byte("hsqs"), make([]byte, 92)...)
	if err := os.WriteFile(req.Output, data, 0o644); err != nil {
		return nil, err
	}
	return &rootfs.Image{Path: req.Output, Digest: digest.FromBytes(data), Size: int64(len(data))}, nil
}

func (b *fakeBuilder) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

type pipeListener struct {
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func newPipeListener() *pipeListener {
	return &pipeListener{conns: make(chan net.Conn), done: make(chan struct{})}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *pipeListener) Addr() net.Addr { return pipeAddr{} }

// fakeVM is a Hypervisor whose guest is a goroutine started by Boot.
type fakeVM struct {
	guest     func(ctx context.Context, vm *fakeVM)
	createErr error
	booted    chan struct{}

	mu        sync.Mutex
	ports     map[uint32]*pipeListener
	console   bytes.Buffer
	shutdowns int

	exited   chan struct{}
	exitOnce sync.Once
	exitErr  error

	guestCtx    context.Context
	cancelGuest context.CancelFunc
	wg          sync.WaitGroup
}

func newFakeVM(run func(ctx context.Context, vm *fakeVM)) *fakeVM {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeVM{
		guest:       run,
		booted:      make(chan struct{}),
		ports:       make(map[uint32]*pipeListener),
		exited:      make(chan struct{}),
		guestCtx:    ctx,
		cancelGuest: cancel,
	}
}

func (vm *fakeVM) CreateVM(context.Context, int, int) error         { return vm.createErr }
func (vm *fakeVM) LoadKernel(context.Context, string, string) error { return nil }
func (vm *fakeVM) AttachRootfs(context.Context, string) error       { return nil }

func (vm *fakeVM) Listen(port uint32) (net.Listener, error) {
	l := newPipeListener()
	vm.mu.Lock()
	vm.ports[port] = l
	vm.mu.Unlock()
	return l, nil
}

func (vm *fakeVM) Boot(context.Context) error {
	vm.wg.Add(1)
	go func() {
		defer vm.wg.Done()
		vm.guest(vm.guestCtx, vm)
	}()
	close(vm.booted)
	return nil
}

func (vm *fakeVM) Exited() <-chan struct{} { return vm.exited }

func (vm *fakeVM) ExitErr() error {
	select {
	case <-vm.exited:
		return vm.exitErr
	default:
		return nil
	}
}

func (vm *fakeVM) Console() []byte {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return bytes.Clone(vm.console.Bytes())
}

func (vm *fakeVM) Halt(context.Context) error {
	vm.cancelGuest()
	vm.exit(nil)
	return nil
}

func (vm *fakeVM) Shutdown(context.Context) error {
	vm.mu.Lock()
	vm.shutdowns++
	vm.mu.Unlock()
	vm.cancelGuest()
	vm.wg.Wait()
	return nil
}

func (vm *fakeVM) Shutdowns() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.shutdowns
}

func (vm *fakeVM) exit(err error) {
	vm.exitOnce.Do(func() {
		vm.exitErr = err
		close(vm.exited)
	})
}

func (vm *fakeVM) dial(ctx context.Context, port uint32) (net.Conn, error) {
	vm.mu.Lock()
	l := vm.ports[port]
	vm.mu.Unlock()
	if l == nil {
		return nil, errors.New("nothing listens on the host")
	}
	host, guestEnd := net.Pipe()
	select {
	case l.conns <- host:
		return guestEnd, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (vm *fakeVM) writeConsole(p []byte) {
	vm.mu.Lock()
	vm.console.Write(p)
	vm.mu.Unlock()
}

func reportingGuest(stdout string, exitCode int) func(context.Context, *fakeVM) {
	return func(ctx context.Context, vm *fakeVM) {
		conn, err := guest.Connect(ctx, vm.dial, guest.PortControl, 0)
		if err != nil {
			return
		}
		defer conn.Close()
		params, err := conn.ReceiveParams()
		if err != nil {
			return
		}
		res := &guest.Results{
			RunID:      params.RunID,
			Success:    exitCode == 0,
			ExitCode:   exitCode,
			Metrics:    []guest.Metric{{Name: "ops", Value: 1200, Unit: "ops/s"}},
			Stdout:     []byte(stdout),
			DurationNS: uint64(time.Millisecond),
		}
		if err := conn.SendResults(res); err != nil {
			return
		}
		vm.exit(nil)
	}
}

// hangingGuest streams some stdout and never reports.
func hangingGuest(stdout string) func(context.Context, *fakeVM) {
	return func(ctx context.Context, vm *fakeVM) {
		conn, err := vm.dial(ctx, guest.PortStdout)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte(stdout))
		vm.writeConsole([]byte("benchmark started\n"))
		<-ctx.Done()
	}
}

type harness struct {
	t       *testing.T
	opts    Options
	builder *fakeBuilder

	mu      sync.Mutex
	guest   func(context.Context, *fakeVM)
	vms     []*fakeVM
	configs []*vmm.Config
}

func newHarness(t *testing.T, run func(context.Context, *fakeVM)) *harness {
	t.Helper()
	host := arch.Host()
	if !host.IsSupported() {
		t.Skipf("host architecture %s cannot boot guests", host)
	}
	dir := t.TempDir()
	kernel := filepath.Join(dir, "vmlinux")
	require.NoError(t, os.WriteFile(kernel, elfHeader(t, host.ELFMachine()), 0o644))
	jailBase := filepath.Join(dir, "jails")
	require.NoError(t, os.Mkdir(jailBase, 0o755))

	h := &harness{t: t, builder: &fakeBuilder{}, guest: run}
	h.opts = Options{
		Images:   &fakeImages{},
		Builder:  h.builder,
		Factory:  h.factory,
		Probe:    func() error { return nil },
		JailBase: jailBase,
		Kernel:   kernel,
		Defaults: Defaults{
			Timeout:      5 * time.Second,
			BootTimeout:  time.Second,
			CollectGrace: 50 * time.Millisecond,
		},
		Logger: logging.Discard(),
	}
	return h
}

func (h *harness) factory(cfg *vmm.Config) (vmm.Hypervisor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	vm := newFakeVM(h.guest)
	h.vms = append(h.vms, vm)
	h.configs = append(h.configs, cfg)
	return vm, nil
}

func (h *harness) runner() *Runner {
	h.t.Helper()
	r, err := New(h.opts)
	require.NoError(h.t, err)
	return r
}

func (h *harness) vm(i int) *fakeVM {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Greater(h.t, len(h.vms), i)
	return h.vms[i]
}

func (h *harness) config(i int) *vmm.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Greater(h.t, len(h.configs), i)
	return h.configs[i]
}

func (h *harness) assertJailBaseEmpty() {
	h.t.Helper()
	entries, err := os.ReadDir(h.opts.JailBase)
	require.NoError(h.t, err)
	assert.Empty(h.t, entries, "job artifacts left behind")
}

func elfHeader(t *testing.T, machine elf.Machine) []byte {
	t.Helper()
	hdr := elf.Header64{
		Type:    uint16(elf.ET_EXEC),
		Machine: uint16(machine),
		Version: uint32(elf.EV_CURRENT),
		Ehsize:  64,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &hdr))
	return buf.Bytes()
}

func TestExecuteCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, reportingGuest("fib(30) = 832040\n", 0))
	res, err := h.runner().Execute(context.Background(), JobSpec{Image: testImage, Args: []string{"30"}})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	require.NotNil(t, res.Results)
	assert.Equal(t, 0, res.Results.ExitCode)
	assert.Equal(t, "fib(30) = 832040\n", string(res.Results.Stdout))
	assert.Equal(t, []guest.Metric{{Name: "ops", Value: 1200, Unit: "ops/s"}}, res.Results.Metrics)
	assert.Equal(t, vmm.SourceVsock, res.Source)
	assert.Equal(t, imageDigest, res.Image)
	assert.NotEmpty(t, res.Rootfs)
	assert.Nil(t, res.Partial)
	assert.False(t, res.Finished.Before(res.Started))

	cfg := h.config(0)
	assert.Equal(t, res.JobID, cfg.ID)
	assert.Equal(t, []string{"30"}, cfg.Args)
	assert.Equal(t, vmm.DefaultVCPUs, cfg.VCPUs)
	assert.Equal(t, vmm.DefaultMemoryMiB, cfg.MemoryMiB)
	assert.Equal(t, filepath.Join(h.opts.JailBase, res.JobID, "jail"), cfg.JailRoot)
	assert.Contains(t, cfg.Cmdline, "init="+guest.InitPath)
	assert.Equal(t, 1, h.vm(0).Shutdowns())
	h.assertJailBaseEmpty()
}

func TestExecuteNonZeroExitStillCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, reportingGuest("", 2))
	res, err := h.runner().Execute(context.Background(), JobSpec{Image: testImage})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Results.ExitCode)
	assert.False(t, res.Results.Success)
}

func TestExecuteTimesOutWithPartialOutput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hangingGuest("iteration 1\n"))
	start := time.Now()
	res, err := h.runner().Execute(context.Background(), JobSpec{Image: testImage, Timeout: 300 * time.Millisecond})
	elapsed := time.Since(start)

	var terr *vmm.TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, uint64(1), terr.TimeoutSecs)
	stage, ok := StageOf(err)
	require.True(t, ok)
	assert.Equal(t, StageVmm, stage)

	assert.Equal(t, StatusTimedOut, res.Status)
	require.NotNil(t, res.Partial)
	assert.Equal(t, "iteration 1\n", string(res.Partial.Stdout))
	assert.Equal(t, "benchmark started\n", string(res.Console))
	assert.Nil(t, res.Results)
	assert.Less(t, elapsed, 3*time.Second)
	h.assertJailBaseEmpty()
}

func TestExecuteCancelledWhileRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hangingGuest(""))
	r := h.runner()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		res *JobResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.Execute(ctx, JobSpec{Image: testImage})
		done <- outcome{res, err}
	}()

	select {
	case <-waitForVM(h).booted:
	case <-time.After(5 * time.Second):
		t.Fatal("guest never booted")
	}
	cancel()

	got := <-done
	require.Error(t, got.err)
	assert.Equal(t, StatusCancelled, got.res.Status)
	assert.True(t, vmm.IsKind(got.err, vmm.KindCancelled))
	assert.Equal(t, 1, h.vm(0).Shutdowns())
	h.assertJailBaseEmpty()
}

func TestExecuteCancelledWhileBuilding(t *testing.T) {
	t.Parallel()

	h := newHarness(t, reportingGuest("", 0))
	h.builder.block = true
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := h.runner().Execute(ctx, JobSpec{Image: testImage})
	require.Error(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
	stage, _ := StageOf(err)
	assert.Equal(t, StageRootfs, stage)
	h.assertJailBaseEmpty()
}

func waitForVM(h *harness) *fakeVM {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		n := len(h.vms)
		h.mu.Unlock()
		if n > 0 {
			return h.vm(0)
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatal("no VM was created")
	return nil
}

func TestExecuteChecksVirtualizationFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, reportingGuest("", 0))
	h.opts.Probe = func() error { return vmm.ProbeKVM(filepath.Join(t.TempDir(), "kvm")) }

	res, err := h.runner().Execute(context.Background(), JobSpec{Image: testImage})
	require.ErrorIs(t, err, vmm.ErrUnsupportedPlatform)
	assert.Equal(t, StatusFailed, res.Status)
	stage, _ := StageOf(err)
	assert.Equal(t, StageVmm, stage)
	assert.Zero(t, h.builder.Calls(), "rootfs built without virtualization")
	h.assertJailBaseEmpty()
}

func TestExecuteAttributesFailures(t *testing.T) {
	t.Parallel()

	jailErr := &jailer.Error{Kind: jailer.KindCgroup, Op: "write memory.max", Err: os.ErrPermission}
	tests := []struct {
		name  string
		setup func(h *harness)
		stage Stage
	}{
		{
			name:  "image",
			setup: func(h *harness) { h.opts.Images = &fakeImages{err: errors.New("manifest unknown")} },
			stage: StageRootfs,
		},
		{
			name:  "rootfs",
			setup: func(h *harness) { h.builder.err = errors.New("mksquashfs failed") },
			stage: StageRootfs,
		},
		{
			name: "jail",
			setup: func(h *harness) {
				h.opts.Factory = func(*vmm.Config) (vmm.Hypervisor, error) {
					vm := newFakeVM(reportingGuest("", 0))
					vm.createErr = jailErr
					return vm, nil
				}
			},
			stage: StageJail,
		},
		{
			name:  "crash",
			setup: func(h *harness) { h.guest = func(_ context.Context, vm *fakeVM) { vm.exit(errors.New("signal: killed")) } },
			stage: StageCollection,
		},
		{
			name:  "vm size",
			setup: func(h *harness) { h.opts.Defaults.MemoryMiB = vmm.MinMemoryMiB / 2 },
			stage: StageVmm,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, reportingGuest("", 0))
			tt.setup(h)

			res, err := h.runner().Execute(context.Background(), JobSpec{Image: testImage})
			require.Error(t, err)
			assert.Equal(t, StatusFailed, res.Status)
			stage, ok := StageOf(err)
			require.True(t, ok, "error %v carries no stage", err)
			assert.Equal(t, tt.stage, stage)
			assert.Contains(t, err.Error(), res.JobID)
			h.assertJailBaseEmpty()
		})
	}
}

func TestExecuteJailErrorReachesCaller(t *testing.T) {
	t.Parallel()

	h := newHarness(t, reportingGuest("", 0))
	h.opts.Factory = func(*vmm.Config) (vmm.Hypervisor, error) {
		vm := newFakeVM(nil)
		vm.createErr = &jailer.Error{Kind: jailer.KindNamespace, Op: "unshare", Err: os.ErrPermission}
		return vm, nil
	}
	_, err := h.runner().Execute(context.Background(), JobSpec{Image: testImage})
	assert.True(t, jailer.IsKind(err, jailer.KindNamespace))
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestExecuteOnlyTightensLimits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, reportingGuest("", 0))
	h.opts.Limits = jailer.Limits{MaxFDs: 1024, MaxProcs: 64, MemoryBytes: 1 << 30}
	spec := JobSpec{
		Image:         testImage,
		MaxOutputSize: 1 << 40,
		Limits:        jailer.Limits{MaxFDs: 1 << 20, MaxProcs: 8, MemoryBytes: 256 << 20},
	}
	_, err := h.runner().Execute(context.Background(), spec)
	require.NoError(t, err)

	cfg := h.config(0)
	assert.Equal(t, uint64(1024), cfg.Limits.MaxFDs)
	assert.Equal(t, uint64(8), cfg.Limits.MaxProcs)
	assert.Equal(t, uint64(256<<20), cfg.Limits.MemoryBytes)
	assert.Equal(t, int64(guest.DefaultMaxOutputSize), cfg.MaxOutputSize)
}

func TestSerialResults(t *testing.T) {
	t.Parallel()

	serialGuest := func(_ context.Context, vm *fakeVM) {
		var console bytes.Buffer
		if err := guest.WriteSerialReport(&console, []byte("out\n"), nil, 0); err != nil {
			return
		}
		vm.writeConsole(console.Bytes())
		vm.exit(nil)
	}

	t.Run("accepted", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, serialGuest)
		res, err := h.runner().Execute(context.Background(), JobSpec{Image: testImage})
		require.NoError(t, err)
		assert.Equal(t, vmm.SourceSerial, res.Source)
		assert.Equal(t, "out\n", string(res.Results.Stdout))
	})
	t.Run("authentication required", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, serialGuest)
		h.opts.RequireAuthenticated = true
		res, err := h.runner().Execute(context.Background(), JobSpec{Image: testImage})
		require.Error(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		stage, _ := StageOf(err)
		assert.Equal(t, StageCollection, stage)
		assert.Nil(t, res.Results)
		require.NotNil(t, res.Partial)
		assert.Equal(t, "out\n", string(res.Partial.Stdout))
	})
}

func TestRetainKeepsOutputOfFailedJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hangingGuest("partial line\n"))
	store := &artifacts.LocalStore{BaseDir: t.TempDir()}
	h.opts.Retain = store

	res, err := h.runner().Execute(context.Background(), JobSpec{Image: testImage, Timeout: 200 * time.Millisecond})
	require.Error(t, err)
	require.Len(t, res.Retained, 2)

	names := map[string]artifacts.Kind{}
	for _, a := range res.Retained {
		names[a.Metadata["name"].(string)] = a.Kind
		assert.Equal(t, res.JobID, a.Metadata["job_id"])
		path, err := artifacts.PathFromURI(a.URI)
		require.NoError(t, err)
		assert.FileExists(t, path)
	}
	assert.Equal(t, map[string]artifacts.Kind{
		"console.log": artifacts.KindConsole,
		"stdout.log":  artifacts.KindOutput,
	}, names)
	h.assertJailBaseEmpty()
}

func TestRetainSkipsCompletedJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, reportingGuest("ok\n", 0))
	h.opts.Retain = &artifacts.LocalStore{BaseDir: t.TempDir()}
	res, err := h.runner().Execute(context.Background(), JobSpec{Image: testImage})
	require.NoError(t, err)
	assert.Empty(t, res.Retained)
}

func TestRunStartsHighestPriorityFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, reportingGuest("", 0))
	h.opts.Concurrency = 1
	r := h.runner()

	low, err := r.Submit(JobSpec{Image: testImage, Priority: 1})
	require.NoError(t, err)
	high, err := r.Submit(JobSpec{Image: testImage, Priority: 10})
	require.NoError(t, err)
	also, err := r.Submit(JobSpec{Image: testImage, Priority: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- r.Run(ctx) }()

	wctx, wcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer wcancel()
	for _, job := range []*Job{low, high, also} {
		res, err := job.Wait(wctx)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
	}
	cancel()
	require.NoError(t, <-stopped)

	var order []string
	for i := range 3 {
		order = append(order, h.config(i).ID)
	}
	assert.Equal(t, []string{high.ID, low.ID, also.ID}, order)
}

func TestCancelQueuedJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, reportingGuest("", 0))
	r := h.runner()
	job, err := r.Submit(JobSpec{Image: testImage})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status())

	require.True(t, r.Cancel(job.ID))
	res, err := job.Wait(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, res.Status)
	assert.False(t, r.Cancel(job.ID), "finished job cancelled twice")
	assert.False(t, r.Cancel("no-such-job"))
	assert.Zero(t, h.builder.Calls())
}

func TestCancelRunningJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, hangingGuest(""))
	r := h.runner()
	job, err := r.Submit(JobSpec{Image: testImage})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	select {
	case <-waitForVM(h).booted:
	case <-time.After(5 * time.Second):
		t.Fatal("guest never booted")
	}
	require.True(t, r.Cancel(job.ID))

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	res, err := job.Wait(wctx)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StatusCancelled, res.Status)
	got, ok := r.Job(job.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, got.Status())
	h.assertJailBaseEmpty()
}

func TestRunCancelsQueuedJobsOnStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, reportingGuest("", 0))
	r := h.runner()
	job, err := r.Submit(JobSpec{Image: testImage})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Run(ctx))

	res, err := job.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusCancelled, res.Status)
}

func TestInvalidSpecsAreRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, reportingGuest("", 0))
	r := h.runner()
	tests := []struct {
		name string
		spec JobSpec
	}{
		{name: "no image", spec: JobSpec{}},
		{name: "negative timeout", spec: JobSpec{Image: testImage, Timeout: -time.Second}},
		{name: "too many vcpus", spec: JobSpec{Image: testImage, VCPUs: vmm.MaxVCPUs + 1}},
		{name: "too little memory", spec: JobSpec{Image: testImage, MemoryMiB: 16}},
		{name: "bad env", spec: JobSpec{Image: testImage, Env: []string{"=x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Execute(context.Background(), tt.spec)
			require.Error(t, err)
			assert.Nil(t, res)
			stage, _ := StageOf(err)
			assert.Equal(t, StageConfig, stage)
		})
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.vms)
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	opts := h.opts
	opts.JailBase = "relative/jails"
	_, err := New(opts)
	assert.Error(t, err)

	opts = h.opts
	opts.Factory = nil
	_, err = New(opts)
	assert.Error(t, err)

	opts = h.opts
	opts.Limits = jailer.Limits{MaxFDs: 64}
	_, err = New(opts)
	assert.Error(t, err, "host limits without max procs")
}

func TestZeroTimeoutTakesTheDefault(t *testing.T) {
	t.Parallel()

	h := newHarness(t, reportingGuest("", 0))
	h.opts.Defaults.Timeout = 0
	r := h.runner()
	assert.Equal(t, vmm.DefaultTimeout, r.opts.Defaults.Timeout)

	_, err := r.Execute(context.Background(), JobSpec{Image: testImage})
	require.NoError(t, err)
	assert.Equal(t, vmm.DefaultTimeout, h.config(0).Timeout)

	opts := h.opts
	opts.Defaults.Timeout = -time.Second
	_, err = New(opts)
	assert.Error(t, err)
}

func TestJobQueueOrder(t *testing.T) {
	t.Parallel()

	var q jobQueue
	for i, p := range []int{0, 5, 5, -1, 3} {
		heap.Push(&q, newJob(string(rune('a'+i)), JobSpec{Priority: p}, uint64(i)))
	}
	var got []string
	for q.Len() > 0 {
		got = append(got, heap.Pop(&q).(*Job).ID)
	}
	assert.Equal(t, []string{"b", "c", "e", "a", "d"}, got)
}
