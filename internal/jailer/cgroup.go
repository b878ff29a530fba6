package jailer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/moby/sys/mountinfo"

	"github.com/cochaviz/benchjail/internal/logging"
)

const (
	DefaultCgroupRoot = "/sys/fs/cgroup"
	DefaultCgroupBase = "benchjail"
)

var requiredControllers = []string{"cpu", "memory", "pids"}

// Controller sets tried in order when enabling delegation.
var controllerSets = []string{
	"+cpu +memory +pids +io +cpuset",
	"+cpu +memory +pids +io",
	"+cpu +memory +pids",
}

// CgroupV2Available reports whether root is a cgroup2 mount.
func CgroupV2Available(root string) (bool, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.FSTypeFilter("cgroup2"))
	if err != nil {
		return false, fmt.Errorf("read mountinfo: %w", err)
	}
	clean := filepath.Clean(root)
	for _, m := range mounts {
		if m.Mountpoint == clean {
			return true, nil
		}
	}
	return false, nil
}

// Cgroup is the cgroup v2 directory of one jail.
type Cgroup struct {
	path   string
	root   string
	logger *slog.Logger
}

// NewCgroup creates root/base/id after delegating the cpu, memory and pids
// controllers (and io and cpuset where available) to root/base.
func NewCgroup(root, base, id string, logger *slog.Logger) (*Cgroup, error) {
	logger = logging.Ensure(logger)
	if root == "" {
		root = DefaultCgroupRoot
	}
	if base == "" {
		base = DefaultCgroupBase
	}
	parent := filepath.Join(root, base)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, newError(KindCgroup, "create", err)
	}
	// The root may already delegate everything; only the base is checked.
	if err := enableControllers(root); err != nil {
		logger.Debug("could not enable controllers at cgroup root", "path", root, "error", err)
	}
	if err := enableControllers(parent); err != nil {
		return nil, newError(KindCgroup, "enable controllers", err)
	}
	if err := verifyControllers(parent); err != nil {
		return nil, newError(KindCgroup, "enable controllers", err)
	}

	p := filepath.Join(parent, id)
	if err := os.Mkdir(p, 0o755); err != nil {
		return nil, newError(KindCgroup, "create", err)
	}
	return &Cgroup{path: p, root: root, logger: logger}, nil
}

func enableControllers(dir string) error {
	file := filepath.Join(dir, "cgroup.subtree_control")
	var errs []error
	for _, set := range controllerSets {
		err := os.WriteFile(file, []byte(set), 0o644)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func verifyControllers(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, "cgroup.subtree_control"))
	if err != nil {
		return err
	}
	enabled := make(map[string]bool)
	for _, f := range strings.Fields(string(data)) {
		enabled[strings.TrimPrefix(f, "+")] = true
	}
	for _, c := range requiredControllers {
		if !enabled[c] {
			return fmt.Errorf("controller %s not enabled in %s (have %q)", c, dir, strings.TrimSpace(string(data)))
		}
	}
	return nil
}

func (c *Cgroup) Path() string {
	return c.path
}

// Apply writes limits. cpu, memory and pids limits are required; swap, oom
// grouping, io weight and cpuset depend on optional controllers and only
// warn when they fail.
func (c *Cgroup) Apply(limits Limits, cpuset string) error {
	if limits.CPUQuotaUS > 0 {
		if err := c.write("cpu.max", fmt.Sprintf("%d %d", limits.CPUQuotaUS, limits.CPUPeriodUS)); err != nil {
			return err
		}
	}
	if limits.MemoryBytes > 0 {
		if err := c.write("memory.max", strconv.FormatUint(limits.MemoryBytes, 10)); err != nil {
			return err
		}
		c.tryWrite("memory.swap.max", "0")
	}
	c.tryWrite("memory.oom.group", "1")

	pids := limits.PIDs
	if pids == 0 {
		pids = limits.MaxProcs
	}
	if pids > 0 {
		if err := c.write("pids.max", strconv.FormatUint(pids, 10)); err != nil {
			return err
		}
	}
	if limits.IOWeight > 0 {
		c.tryWrite("io.weight", fmt.Sprintf("default %d", limits.IOWeight))
	}
	if cpuset != "" {
		if c.tryWrite("cpuset.cpus", cpuset) {
			mems := "0"
			if data, err := os.ReadFile(filepath.Join(c.root, "cpuset.mems.effective")); err == nil && len(strings.TrimSpace(string(data))) > 0 {
				mems = strings.TrimSpace(string(data))
			}
			c.tryWrite("cpuset.mems", mems)
		}
	}
	return nil
}

func (c *Cgroup) write(name, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, name), []byte(value), 0o644); err != nil {
		return newError(KindCgroup, "write "+name, err)
	}
	return nil
}

func (c *Cgroup) tryWrite(name, value string) bool {
	if err := c.write(name, value); err != nil {
		c.logger.Warn("optional cgroup setting not applied", "file", name, "value", value, "error", err)
		return false
	}
	return true
}

// Open returns the directory handle used to start a process directly
// inside the cgroup.
func (c *Cgroup) Open() (*os.File, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, newError(KindCgroup, "open", err)
	}
	return f, nil
}

// Procs lists the pids in the cgroup.
func (c *Cgroup) Procs() ([]int, error) {
	data, err := os.ReadFile(filepath.Join(c.path, "cgroup.procs"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, newError(KindCgroup, "read procs", err)
	}
	var pids []int
	for _, f := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(f)
		if err != nil {
			return nil, newError(KindCgroup, "read procs", fmt.Errorf("bad pid %q", f))
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// Kill sends SIGKILL to everything in the cgroup.
func (c *Cgroup) Kill() error {
	killFile := filepath.Join(c.path, "cgroup.kill")
	if _, err := os.Stat(killFile); err == nil {
		return c.write("cgroup.kill", "1")
	}
	pids, err := c.Procs()
	if err != nil {
		return err
	}
	var errs []error
	for _, pid := range pids {
		p, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return newError(KindCgroup, "kill", err)
	}
	return nil
}

// Remove kills what is left and removes the cgroup, retrying while the
// kernel still accounts exiting processes to it.
func (c *Cgroup) Remove(ctx context.Context) error {
	if err := c.Kill(); err != nil {
		c.logger.Warn("failed to kill cgroup members", "path", c.path, "error", err)
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		err := os.Remove(c.path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		select {
		case <-ctx.Done():
			return newError(KindCgroup, "remove", errors.Join(err, ctx.Err()))
		case <-ticker.C:
		}
	}
}
