package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"time"

	"github.com/cochaviz/benchjail/internal/guest"
	"github.com/cochaviz/benchjail/internal/logging"
)

var guestPorts = []uint32{guest.PortStdout, guest.PortStderr, guest.PortControl}

// Machine supervises one VM through its lifecycle.
type Machine struct {
	cfg    *Config
	hv     Hypervisor
	logger *slog.Logger

	mu             sync.Mutex
	state          State
	rootfsAttached bool
	listeners      []net.Listener
	col            *collector

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewMachine validates cfg and wraps hv. Shutdown must be called on every
// path once NewMachine succeeds.
func NewMachine(cfg *Config, hv Hypervisor, logger *slog.Logger) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if hv == nil {
		return nil, newError(KindConfig, "new machine", errors.New("no hypervisor"))
	}
	return &Machine{
		cfg:    cfg,
		hv:     hv,
		logger: logging.Ensure(logger).With("component", "vmm", "vm_id", cfg.ID),
		state:  StateCreated,
	}, nil
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// expect fails unless the machine is in state from.
func (m *Machine) expect(op string, from State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return newError(KindState, op, fmt.Errorf("machine is %s, want %s", m.state, from))
	}
	return nil
}

func (m *Machine) transition(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !canTransition(m.state, to) {
		m.logger.Warn("ignoring invalid state transition", "from", m.state, "to", to)
		return
	}
	m.logger.Debug("state changed", "from", m.state, "to", to)
	m.state = to
}

// CreateVM sizes the VM.
func (m *Machine) CreateVM(ctx context.Context, vcpus, memoryMiB int) error {
	if err := m.expect("create vm", StateCreated); err != nil {
		return err
	}
	if vcpus < 1 || vcpus > MaxVCPUs {
		return newError(KindKvm, "create vm", fmt.Errorf("vcpu count %d outside 1..%d", vcpus, MaxVCPUs))
	}
	if memoryMiB < MinMemoryMiB {
		return newError(KindMemory, "create vm", fmt.Errorf("%d MiB is below the %d MiB minimum", memoryMiB, MinMemoryMiB))
	}
	if err := m.hv.CreateVM(ctx, vcpus, memoryMiB); err != nil {
		return err
	}
	m.logger.Info("vm created", "vcpus", vcpus, "memory_mib", memoryMiB)
	m.transition(StateMemoryConfigured)
	return nil
}

// LoadKernel checks that path is a kernel for the host architecture and
// hands it to the backend.
func (m *Machine) LoadKernel(ctx context.Context, path, cmdline string) error {
	if err := m.expect("load kernel", StateMemoryConfigured); err != nil {
		return err
	}
	if err := inspectKernel(path, m.cfg.arch()); err != nil {
		return err
	}
	if err := m.hv.LoadKernel(ctx, path, cmdline); err != nil {
		return err
	}
	m.logger.Debug("kernel loaded", "path", path, "cmdline", cmdline)
	m.transition(StateKernelLoaded)
	return nil
}

// AttachRootfs attaches path as the read-only root device.
func (m *Machine) AttachRootfs(ctx context.Context, path string) error {
	if err := m.expect("attach rootfs", StateKernelLoaded); err != nil {
		return err
	}
	if err := inspectRootfs(path); err != nil {
		return err
	}
	if err := m.hv.AttachRootfs(ctx, path); err != nil {
		return err
	}
	m.mu.Lock()
	m.rootfsAttached = true
	m.mu.Unlock()
	m.logger.Debug("rootfs attached", "path", path)
	return nil
}

// Boot opens the guest ports and starts the guest. The backend gets the
// config's boot timeout to become ready.
func (m *Machine) Boot(ctx context.Context) error {
	if err := m.expect("boot", StateKernelLoaded); err != nil {
		return err
	}
	m.mu.Lock()
	attached := m.rootfsAttached
	m.mu.Unlock()
	if !attached {
		return newError(KindDevice, "boot", errors.New("no root device attached"))
	}

	col := newCollector(m.cfg.Params(), m.cfg.outputLimit(), m.logger)
	for _, port := range guestPorts {
		l, err := m.hv.Listen(port)
		if err != nil {
			m.closeListeners()
			return newError(KindDevice, "listen", fmt.Errorf("guest port %d: %w", port, err))
		}
		m.mu.Lock()
		m.listeners = append(m.listeners, l)
		m.mu.Unlock()
		col.serve(port, l)
	}
	m.mu.Lock()
	m.col = col
	m.mu.Unlock()

	bctx, cancel := context.WithTimeout(ctx, m.cfg.bootTimeout())
	defer cancel()
	start := time.Now()
	if err := m.hv.Boot(bctx); err != nil {
		return err
	}
	m.logger.Info("guest booted", "took", time.Since(start).Round(time.Millisecond))
	m.transition(StateBooted)
	return nil
}

// RunUntil supervises the guest until it reports, exits, outlives timeout
// or ctx is cancelled. Timeout and cancellation halt the VM. A timeout that
// is not positive means DefaultTimeout; the guest never runs unbounded.
//
// On timeout the error is a *TimeoutError carrying everything collected so
// far. Cancellation is reported even when results arrived at the same time.
func (m *Machine) RunUntil(ctx context.Context, timeout time.Duration) (*Outcome, error) {
	if err := m.expect("run", StateBooted); err != nil {
		return nil, err
	}
	m.transition(StateRunning)
	m.mu.Lock()
	col := m.col
	m.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	expired := timer.C

	var got *collected
	expiredFirst := false
	select {
	case <-ctx.Done():
	case c := <-col.results:
		got = &c
	case <-m.hv.Exited():
	case <-expired:
		expiredFirst = true
	}

	if ctx.Err() != nil {
		m.halt(ctx)
		m.transition(StateCancelled)
		m.logger.Info("run cancelled")
		return nil, newError(KindCancelled, "run", context.Cause(ctx))
	}
	if got == nil {
		select {
		case c := <-col.results:
			got = &c
		default:
		}
	}
	if got == nil && !expiredFirst {
		select {
		case <-expired:
			expiredFirst = true
		default:
		}
	}
	if got == nil && expiredFirst {
		return nil, m.timedOut(ctx, col, timeout)
	}
	if got == nil {
		// The guest is gone; its last message may still be in flight.
		select {
		case c := <-col.results:
			got = &c
		case <-time.After(m.cfg.collectGrace()):
		}
	}
	if got != nil {
		return m.finish(ctx, *got)
	}
	return m.recoverFromSerial(ctx, col)
}

func (m *Machine) timedOut(ctx context.Context, col *collector, timeout time.Duration) error {
	m.halt(ctx)
	m.transition(StateTimedOut)
	terr := &TimeoutError{
		TimeoutSecs: uint64(math.Ceil(timeout.Seconds())),
		Partial:     col.partial(m.hv.Console()),
	}
	m.logger.Warn("run timed out", "timeout", timeout, "stdout_bytes", len(terr.Partial.Stdout), "stderr_bytes", len(terr.Partial.Stderr))
	return terr
}

// finish validates results that arrived over vsock and waits briefly for
// the guest to power off before halting it.
func (m *Machine) finish(ctx context.Context, got collected) (*Outcome, error) {
	if got.err == nil {
		got.err = got.results.Validate(m.cfg.ID, m.cfg.outputLimit())
	}
	if got.err != nil {
		m.halt(ctx)
		m.transition(StateCrashed)
		return nil, newError(KindVsockCollection, "collect results", got.err)
	}
	select {
	case <-m.hv.Exited():
	case <-time.After(m.cfg.collectGrace()):
		m.logger.Debug("guest did not power off after reporting")
	}
	m.halt(ctx)
	m.transition(StateExited)
	m.logger.Info("results collected", "source", SourceVsock, "exit_code", got.results.ExitCode, "metrics", len(got.results.Metrics))
	return &Outcome{Results: got.results, Source: SourceVsock, Console: m.hv.Console()}, nil
}

func (m *Machine) recoverFromSerial(ctx context.Context, col *collector) (*Outcome, error) {
	m.halt(ctx)
	console := m.hv.Console()
	if report, ok := guest.ParseSerialReport(console); ok {
		m.transition(StateExited)
		m.logger.Warn("results recovered from serial console", "exit_code", report.ExitCode)
		return &Outcome{
			Results: &guest.Results{
				RunID:    m.cfg.ID,
				Success:  report.ExitCode == 0,
				ExitCode: report.ExitCode,
				Stdout:   report.Stdout,
				Stderr:   report.Stderr,
			},
			Source:  SourceSerial,
			Console: console,
		}, nil
	}
	m.transition(StateCrashed)
	if err := m.hv.ExitErr(); err != nil {
		return nil, newError(KindCrashed, "run", err)
	}
	return nil, newError(KindVsockCollection, "collect results", errors.New("guest exited without reporting results"))
}

// halt stops the VM, logging rather than returning failures; Shutdown
// retries the release.
func (m *Machine) halt(ctx context.Context) {
	select {
	case <-m.hv.Exited():
		return
	default:
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.collectGrace())
	defer cancel()
	if err := m.hv.Halt(hctx); err != nil {
		m.logger.Warn("halt failed", "error", err)
	}
}

// Partial returns what has been collected so far. It is meaningful after
// RunUntil failed with a collection or crash error.
func (m *Machine) Partial() PartialOutput {
	m.mu.Lock()
	col := m.col
	m.mu.Unlock()
	if col == nil {
		return PartialOutput{Console: m.hv.Console()}
	}
	return col.partial(m.hv.Console())
}

func (m *Machine) closeListeners() error {
	m.mu.Lock()
	listeners := m.listeners
	m.listeners = nil
	m.mu.Unlock()
	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops the guest if it still runs and releases the backend. It
// runs on every exit path and only does its work once.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		var errs []error
		if err := m.closeListeners(); err != nil {
			errs = append(errs, fmt.Errorf("close guest listeners: %w", err))
		}
		m.mu.Lock()
		col := m.col
		m.mu.Unlock()
		if col != nil {
			col.close()
		}
		if err := m.hv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if state := m.State(); !state.Terminal() {
			m.logger.Debug("shut down before the run finished", "state", state)
		}
		m.shutdownErr = errors.Join(errs...)
		if m.shutdownErr != nil {
			m.logger.Warn("vm shutdown incomplete", "error", m.shutdownErr)
		} else {
			m.logger.Debug("vm shut down")
		}
	})
	return m.shutdownErr
}
