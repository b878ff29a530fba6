package jailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/benchjail/internal/logging"
)

// HelperCommand is the hidden subcommand that runs ChildMain.
const HelperCommand = "jail-exec"

const cleanupTimeout = 10 * time.Second

type Options struct {
	// Self is the binary re-executed as the jail helper. Defaults to the
	// running executable.
	Self string
	// HelperArgs select ChildMain in Self. Defaults to HelperCommand.
	HelperArgs []string
	CgroupRoot string
	CgroupBase string
	Logger     *slog.Logger
}

type Jailer struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) *Jailer {
	if len(opts.HelperArgs) == 0 {
		opts.HelperArgs = []string{HelperCommand}
	}
	return &Jailer{opts: opts, logger: logging.Ensure(opts.Logger).With("component", "jailer")}
}

// Stdio wires the VMM's standard streams. Nil fields are /dev/null.
type Stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func cloneflags(ns Namespaces) uintptr {
	flags := unix.CLONE_NEWNS | unix.CLONE_NEWPID
	if ns.User {
		flags |= unix.CLONE_NEWUSER
	}
	if ns.Network {
		flags |= unix.CLONE_NEWNET
	}
	if ns.UTS {
		flags |= unix.CLONE_NEWUTS
	}
	if ns.IPC {
		flags |= unix.CLONE_NEWIPC
	}
	if ns.Cgroup {
		flags |= unix.CLONE_NEWCGROUP
	}
	return uintptr(flags)
}

// idMappings maps root and the jail ids to themselves, so the helper keeps
// root inside the user namespace until it drops to the jail user and its
// supplementary groups still resolve.
func idMappings(ids ...uint32) []syscall.SysProcIDMap {
	maps := []syscall.SysProcIDMap{{ContainerID: 0, HostID: 0, Size: 1}}
	seen := map[uint32]bool{0: true}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		maps = append(maps, syscall.SysProcIDMap{ContainerID: int(id), HostID: int(id), Size: 1})
	}
	return maps
}

// Spawn starts the VMM inside a new jail and returns once the helper has
// either exec'd it or failed. The process starts directly in the jail's
// cgroup, so the limits hold before any of its code runs.
func (j *Jailer) Spawn(ctx context.Context, cfg *Config, stdio Stdio) (_ *Process, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	self := j.opts.Self
	if self == "" {
		if self, err = os.Executable(); err != nil {
			return nil, newError(KindConfig, "locate helper", err)
		}
	}
	logger := j.logger.With("jail_id", cfg.ID)

	cg, err := NewCgroup(j.opts.CgroupRoot, j.opts.CgroupBase, cfg.ID, logger)
	if err != nil {
		return nil, err
	}
	// Until the Process owns them, failures undo the cgroup and the child.
	var cmd *exec.Cmd
	defer func() {
		if err == nil {
			return
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
		if rerr := cg.Remove(cctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	if err := cg.Apply(cfg.Limits, cfg.CPUSet); err != nil {
		return nil, err
	}
	cgDir, err := cg.Open()
	if err != nil {
		return nil, err
	}
	defer cgDir.Close()

	handoff, err := cbor.Marshal(cfg)
	if err != nil {
		return nil, newError(KindConfig, "encode config", err)
	}
	cfgR, cfgW, err := os.Pipe()
	if err != nil {
		return nil, newError(KindIO, "pipe", err)
	}
	defer cfgW.Close()
	statusR, statusW, err := os.Pipe()
	if err != nil {
		cfgR.Close()
		return nil, newError(KindIO, "pipe", err)
	}
	defer statusR.Close()

	cmd = exec.Command(self, j.opts.HelperArgs...)
	cmd.Env = []string{}
	cmd.Stdin = stdio.Stdin
	cmd.Stdout = stdio.Stdout
	cmd.Stderr = stdio.Stderr
	cmd.ExtraFiles = []*os.File{cfgR, statusW}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags:  cloneflags(cfg.Namespaces),
		Setsid:      true,
		Pdeathsig:   syscall.SIGKILL,
		UseCgroupFD: true,
		CgroupFD:    int(cgDir.Fd()),
	}
	if cfg.Namespaces.User {
		cmd.SysProcAttr.UidMappings = idMappings(cfg.UID)
		cmd.SysProcAttr.GidMappings = idMappings(append([]uint32{cfg.GID}, cfg.Groups...)...)
		cmd.SysProcAttr.GidMappingsEnableSetgroups = true
	}

	startErr := cmd.Start()
	cfgR.Close()
	statusW.Close()
	if startErr != nil {
		cmd = nil
		return nil, newError(KindNamespace, "clone", startErr)
	}
	logger.Debug("jail helper started", "pid", cmd.Process.Pid)

	if cfg.Namespaces.Network {
		if err := verifyNetns(cmd.Process.Pid); err != nil {
			return nil, err
		}
	}
	if _, err := cfgW.Write(handoff); err != nil {
		return nil, newError(KindIO, "send config", err)
	}
	cfgW.Close()

	status, err := awaitStatus(ctx, statusR, cfg.startTimeout())
	if err != nil {
		return nil, err
	}
	if len(status) > 0 {
		var f failure
		if err := cbor.Unmarshal(status, &f); err != nil {
			return nil, newError(KindExec, "decode status", fmt.Errorf("%w (%d bytes)", err, len(status)))
		}
		return nil, f.err()
	}

	logger.Info("vmm started in jail", "pid", cmd.Process.Pid, "root", cfg.Root, "exec", cfg.ExecPath())
	p := &Process{cmd: cmd, cgroup: cg, logger: logger, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

// awaitStatus reads the helper's status report. The report is empty when
// the exec succeeded, which closes the close-on-exec status pipe. A helper
// stuck in its setup is given up on after timeout; the caller kills it,
// which also ends the read.
func awaitStatus(ctx context.Context, status io.Reader, timeout time.Duration) ([]byte, error) {
	type report struct {
		data []byte
		err  error
	}
	reports := make(chan report, 1)
	go func() {
		data, err := io.ReadAll(io.LimitReader(status, maxHandoffSize))
		reports <- report{data, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-reports:
		if r.err != nil {
			return nil, newError(KindIO, "read status", r.err)
		}
		return r.data, nil
	case <-timer.C:
		return nil, newError(KindExec, "await exec", fmt.Errorf("jail helper did not exec the vmm within %s", timeout))
	case <-ctx.Done():
		return nil, newError(KindExec, "await exec", ctx.Err())
	}
}

// verifyNetns checks that the helper did not end up in the host's network
// namespace.
func verifyNetns(pid int) error {
	host, err := netns.Get()
	if err != nil {
		return newError(KindNamespace, "read host netns", err)
	}
	defer host.Close()
	child, err := netns.GetFromPid(pid)
	if err != nil {
		return newError(KindNamespace, "read jail netns", err)
	}
	defer child.Close()
	if host.Equal(child) {
		return newError(KindNamespace, "verify netns", errors.New("jail shares the host network namespace"))
	}
	return nil
}

// Process is a VMM running in a jail.
type Process struct {
	cmd    *exec.Cmd
	cgroup *Cgroup
	logger *slog.Logger

	done    chan struct{}
	state   *os.ProcessState
	waitErr error

	cleanupOnce sync.Once
	cleanupErr  error
}

func (p *Process) wait() {
	p.waitErr = p.cmd.Wait()
	p.state = p.cmd.ProcessState
	close(p.done)
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the VMM has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitState is valid after Done is closed.
func (p *Process) ExitState() (*os.ProcessState, error) {
	return p.state, p.waitErr
}

func (p *Process) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return p.cmd.Process.Signal(sig)
}

// Kill stops the VMM and everything else in its cgroup.
func (p *Process) Kill() error {
	err := p.cgroup.Kill()
	if perr := p.cmd.Process.Kill(); perr != nil && !errors.Is(perr, os.ErrProcessDone) {
		err = errors.Join(err, perr)
	}
	return err
}

// Cleanup kills the VMM if it still runs, waits for it and removes the
// cgroup. It is safe to call more than once.
func (p *Process) Cleanup(ctx context.Context) error {
	p.cleanupOnce.Do(func() {
		select {
		case <-p.done:
		default:
			if err := p.Kill(); err != nil {
				p.logger.Warn("failed to kill jailed vmm", "error", err)
			}
			select {
			case <-p.done:
			case <-ctx.Done():
				p.cleanupErr = newError(KindExec, "wait for vmm", ctx.Err())
				return
			}
		}
		p.cleanupErr = p.cgroup.Remove(ctx)
	})
	return p.cleanupErr
}
