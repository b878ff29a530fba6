//go:build linux

package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/benchjail/internal/guest"
	"github.com/cochaviz/benchjail/internal/jailer"
	"github.com/cochaviz/benchjail/internal/logging"
)

const socketPollInterval = 20 * time.Millisecond

// Firecracker is a Firecracker VMM running in a jail and configured over
// its API socket.
type Firecracker struct {
	cfg    *Config
	opts   FirecrackerOptions
	logger *slog.Logger

	// vsockJailPath is the vsock device path inside the jail.
	vsockJailPath string
	// devices are bound into the jail at their host paths.
	devices []string
	console       *boundedBuffer

	proc   *jailer.Process
	client *firecracker.Client

	mu      sync.Mutex
	sockets []string

	shutdownOnce sync.Once
	shutdownErr  error
}

func newFirecracker(cfg *Config, opts FirecrackerOptions) (*Firecracker, error) {
	if opts.Jailer == nil {
		return nil, newError(KindConfig, "new firecracker", errors.New("no jailer"))
	}
	f := &Firecracker{
		cfg:           cfg,
		opts:          opts,
		logger:        logging.Ensure(opts.Logger).With("component", "firecracker", "vm_id", cfg.ID),
		vsockJailPath: jailVsockPath,
		devices:       []string{DefaultKVMDevice},
		console:       newBoundedBuffer(cfg.outputLimit()),
	}
	if cfg.VsockPath != "" {
		rel, err := filepath.Rel(cfg.JailRoot, cfg.VsockPath)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return nil, newError(KindConfig, "new firecracker", fmt.Errorf("vsock path %q is outside the jail root %q", cfg.VsockPath, cfg.JailRoot))
		}
		f.vsockJailPath = "/" + filepath.ToSlash(rel)
	}
	return f, nil
}

// hostPath maps a path inside the jail to the host.
func (f *Firecracker) hostPath(jailPath string) string {
	return filepath.Join(f.cfg.JailRoot, jailPath)
}

func (f *Firecracker) jailConfig(binary string) (*jailer.Config, error) {
	groups, err := deviceGroups(f.devices, f.opts.GID)
	if err != nil {
		return nil, err
	}
	return &jailer.Config{
		ID:     f.cfg.ID,
		Root:   f.cfg.JailRoot,
		Binary: binary,
		Args: []string{
			"--api-sock", jailAPISocket,
			"--id", f.cfg.ID,
			"--level", "Warning",
		},
		UID:        f.opts.UID,
		GID:        f.opts.GID,
		Groups:     groups,
		Namespaces: f.opts.Namespaces,
		Limits:     f.cfg.Limits,
		CPUSet:     f.cfg.CPUSet,
		Mounts: []jailer.Mount{
			{Source: f.cfg.Kernel, Target: jailKernelPath},
			{Source: f.cfg.Rootfs, Target: jailRootfsPath},
		},
		Devices:      f.devices,
		StartTimeout: f.cfg.bootTimeout(),
	}, nil
}

// deviceGroups returns the supplementary groups the jail needs to open
// devices read-write after dropping to gid. A device that everyone may use,
// or whose group is gid already, adds nothing. The root group is never
// granted.
func deviceGroups(devices []string, gid uint32) ([]uint32, error) {
	var groups []uint32
	for _, dev := range devices {
		var st unix.Stat_t
		if err := unix.Stat(dev, &st); err != nil {
			return nil, newError(KindKvm, "stat device", fmt.Errorf("%s: %w", dev, err))
		}
		if st.Mode&0o006 == 0o006 || st.Mode&0o060 != 0o060 || st.Gid == gid || st.Gid == 0 {
			continue
		}
		if !slices.Contains(groups, st.Gid) {
			groups = append(groups, st.Gid)
		}
	}
	return groups, nil
}

// CreateVM starts the jailed VMM, waits for its API socket and sizes the
// machine.
func (f *Firecracker) CreateVM(ctx context.Context, vcpus, memoryMiB int) error {
	binary, err := exec.LookPath(f.opts.Binary)
	if err != nil {
		return newError(KindConfig, "locate firecracker", err)
	}
	if binary, err = filepath.Abs(binary); err != nil {
		return newError(KindConfig, "locate firecracker", err)
	}

	jc, err := f.jailConfig(binary)
	if err != nil {
		return err
	}
	proc, err := f.opts.Jailer.Spawn(ctx, jc, jailer.Stdio{Stdout: f.console, Stderr: f.console})
	if err != nil {
		return fmt.Errorf("spawn firecracker: %w", err)
	}
	f.proc = proc
	f.track(f.hostPath(jailAPISocket))

	apiSocket := f.hostPath(jailAPISocket)
	if err := waitForSocket(ctx, apiSocket, f.cfg.bootTimeout(), proc.Done()); err != nil {
		return err
	}
	f.client = firecracker.NewClient(apiSocket, logging.NewLogrusEntry(f.logger), false)

	_, err = f.client.PutMachineConfiguration(ctx, &models.MachineConfiguration{
		VcpuCount:  firecracker.Int64(int64(vcpus)),
		MemSizeMib: firecracker.Int64(int64(memoryMiB)),
	})
	if err != nil {
		return newError(KindMemory, "put machine configuration", err)
	}
	return nil
}

func (f *Firecracker) LoadKernel(ctx context.Context, path, cmdline string) error {
	if path != f.cfg.Kernel {
		return newError(KindKernelLoad, "load kernel", fmt.Errorf("%s is not mounted in the jail", path))
	}
	_, err := f.client.PutGuestBootSource(ctx, &models.BootSource{
		KernelImagePath: firecracker.String(jailKernelPath),
		BootArgs:        cmdline,
	})
	if err != nil {
		return newError(KindKernelLoad, "put boot source", err)
	}
	return nil
}

func (f *Firecracker) AttachRootfs(ctx context.Context, path string) error {
	if path != f.cfg.Rootfs {
		return newError(KindDevice, "attach rootfs", fmt.Errorf("%s is not mounted in the jail", path))
	}
	drives := firecracker.NewDrivesBuilder(jailRootfsPath).
		WithRootDrive(jailRootfsPath, firecracker.WithDriveID(rootDriveID), firecracker.WithReadOnly(true)).
		Build()
	for i := range drives {
		if _, err := f.client.PutGuestDriveByID(ctx, firecracker.StringValue(drives[i].DriveID), &drives[i]); err != nil {
			return newError(KindDevice, "put drive", err)
		}
	}
	return nil
}

// Listen binds the socket Firecracker forwards guest connections on port
// to. The VMM runs as the jail user, so the socket is handed to it.
func (f *Firecracker) Listen(port uint32) (net.Listener, error) {
	path := vsockListenPath(f.hostPath(f.vsockJailPath), port)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	f.track(path)
	if err := os.Chown(path, int(f.opts.UID), int(f.opts.GID)); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (f *Firecracker) Boot(ctx context.Context) error {
	_, err := f.client.PutGuestVsock(ctx, &models.Vsock{
		GuestCid: firecracker.Int64(int64(guest.GuestCID)),
		UdsPath:  firecracker.String(f.vsockJailPath),
	})
	if err != nil {
		return newError(KindDevice, "put vsock", err)
	}
	uds := f.hostPath(f.vsockJailPath)
	f.track(uds)

	start := time.Now()
	action := models.InstanceActionInfoActionTypeInstanceStart
	if _, err := f.client.CreateSyncAction(ctx, &models.InstanceActionInfo{ActionType: &action}); err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: KindSocketNotReady, Op: "start instance", Waited: time.Since(start), Err: err}
		}
		return newError(KindKvm, "start instance", err)
	}
	deadline, ok := ctx.Deadline()
	wait := f.cfg.bootTimeout()
	if ok {
		wait = time.Until(deadline)
	}
	return waitForSocket(ctx, uds, wait, f.proc.Done())
}

func (f *Firecracker) track(path string) {
	f.mu.Lock()
	f.sockets = append(f.sockets, path)
	f.mu.Unlock()
}

func (f *Firecracker) Exited() <-chan struct{} {
	if f.proc == nil {
		return nil
	}
	return f.proc.Done()
}

func (f *Firecracker) ExitErr() error {
	if f.proc == nil {
		return nil
	}
	state, err := f.proc.ExitState()
	if err != nil {
		return err
	}
	if state != nil && !state.Success() {
		return fmt.Errorf("firecracker exited: %s", state)
	}
	return nil
}

func (f *Firecracker) Console() []byte {
	return f.console.Bytes()
}

// Halt kills the VMM and everything else in its cgroup.
func (f *Firecracker) Halt(ctx context.Context) error {
	if f.proc == nil {
		return nil
	}
	if err := f.proc.Kill(); err != nil {
		return err
	}
	select {
	case <-f.proc.Done():
		return nil
	case <-ctx.Done():
		return newError(KindKvm, "halt", ctx.Err())
	}
}

// Shutdown tears down the jail and unlinks the sockets it left behind.
func (f *Firecracker) Shutdown(ctx context.Context) error {
	f.shutdownOnce.Do(func() {
		var errs []error
		if f.proc != nil {
			if err := f.proc.Cleanup(ctx); err != nil {
				errs = append(errs, fmt.Errorf("clean up jail: %w", err))
			}
		}
		f.mu.Lock()
		sockets := f.sockets
		f.sockets = nil
		f.mu.Unlock()
		for _, path := range sockets {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		f.shutdownErr = errors.Join(errs...)
	})
	return f.shutdownErr
}

// waitForSocket polls until path accepts connections, the VMM exits, or
// timeout passes.
func waitForSocket(ctx context.Context, path string, timeout time.Duration, exited <-chan struct{}) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(socketPollInterval)
	defer ticker.Stop()
	for {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ticker.C:
		case <-exited:
			return &Error{Kind: KindSocketNotReady, Op: "wait for " + filepath.Base(path), Waited: time.Since(start), Err: errors.New("vmm exited")}
		case <-ctx.Done():
			return &Error{Kind: KindSocketNotReady, Op: "wait for " + filepath.Base(path), Waited: time.Since(start), Err: ctx.Err()}
		}
	}
}
