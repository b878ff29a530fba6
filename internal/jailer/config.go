// Package jailer confines the VMM process before it touches guest code:
// fresh namespaces, a cgroup, rlimits, a pivot_root into a private root and
// a privilege drop, followed by exec of the VMM binary.
//
// The confinement runs in a re-executed copy of the current binary (the
// hidden "jail-exec" command) so the steps that must happen inside the new
// namespaces run in a single-threaded process state before exec.
package jailer

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Namespaces selects the optional namespaces. Mount and PID namespaces are
// always created.
type Namespaces struct {
	User    bool
	Network bool
	UTS     bool
	IPC     bool
	Cgroup  bool
}

// DefaultNamespaces unshares everything except the user namespace: the jail
// runs under a real unprivileged host uid so it can be granted /dev/kvm.
func DefaultNamespaces() Namespaces {
	return Namespaces{Network: true, UTS: true, IPC: true, Cgroup: true}
}

// Limits bound the jailed process. Zero means "no limit" for the cgroup
// values and MaxFileSize; MaxFDs and MaxProcs are always applied.
type Limits struct {
	MaxFDs      uint64
	MaxProcs    uint64
	MaxFileSize uint64

	MemoryBytes uint64
	CPUQuotaUS  uint64
	CPUPeriodUS uint64
	PIDs        uint64
	// IOWeight is the cgroup io.weight, 1 to 10000.
	IOWeight uint64
}

const (
	DefaultMaxFDs      = 1024
	DefaultMaxProcs    = 64
	DefaultCPUPeriodUS = 100000

	DefaultStartTimeout = 10 * time.Second
)

func DefaultLimits() Limits {
	return Limits{
		MaxFDs:      DefaultMaxFDs,
		MaxProcs:    DefaultMaxProcs,
		CPUPeriodUS: DefaultCPUPeriodUS,
	}
}

func (l Limits) Validate() error {
	if l.MaxFDs == 0 {
		return errors.New("max fds must be positive")
	}
	if l.MaxProcs == 0 {
		return errors.New("max procs must be positive")
	}
	if l.CPUQuotaUS > 0 && l.CPUPeriodUS == 0 {
		return errors.New("cpu quota needs a cpu period")
	}
	if l.CPUPeriodUS != 0 && (l.CPUPeriodUS < 1000 || l.CPUPeriodUS > 1000000) {
		return fmt.Errorf("cpu period %dus outside 1000..1000000", l.CPUPeriodUS)
	}
	if l.IOWeight > 10000 {
		return fmt.Errorf("io weight %d outside 1..10000", l.IOWeight)
	}
	return nil
}

// Tighten returns l with every limit lowered to other's where other is
// stricter. Limits only ever go down once a job has them.
func (l Limits) Tighten(other Limits) Limits {
	out := l
	out.MaxFDs = minLimit(l.MaxFDs, other.MaxFDs)
	out.MaxProcs = minLimit(l.MaxProcs, other.MaxProcs)
	out.MaxFileSize = minLimit(l.MaxFileSize, other.MaxFileSize)
	out.MemoryBytes = minLimit(l.MemoryBytes, other.MemoryBytes)
	out.CPUQuotaUS = minLimit(l.CPUQuotaUS, other.CPUQuotaUS)
	out.PIDs = minLimit(l.PIDs, other.PIDs)
	out.IOWeight = minLimit(l.IOWeight, other.IOWeight)
	if out.CPUPeriodUS == 0 {
		out.CPUPeriodUS = other.CPUPeriodUS
	}
	return out
}

// minLimit treats zero as unlimited.
func minLimit(a, b uint64) uint64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case b < a:
		return b
	default:
		return a
	}
}

// Mount binds a host file or directory into the jail.
type Mount struct {
	Source string
	// Target is the absolute path inside the jail.
	Target   string
	Writable bool
}

// Config describes one jail. The jail root is a host directory that becomes
// "/" for the VMM; files the VMM creates in it (API and vsock sockets) stay
// reachable from the host under Root.
type Config struct {
	ID   string
	Root string
	// Binary is the host path of the VMM. It is bound into the jail root and
	// executed from there.
	Binary  string
	Args    []string
	Env     []string
	WorkDir string

	UID    uint32
	GID    uint32
	Groups []uint32

	Namespaces Namespaces
	Limits     Limits
	// CPUSet pins the jail to these cpus, in cpuset list form.
	CPUSet string

	Mounts []Mount
	// Devices are host device nodes bound at the same path inside the jail.
	Devices  []string
	Hostname string
	// StartTimeout bounds how long Spawn waits for the helper to set up the
	// jail and exec the VMM. Zero means DefaultStartTimeout.
	StartTimeout time.Duration
}

func (c *Config) startTimeout() time.Duration {
	if c.StartTimeout > 0 {
		return c.StartTimeout
	}
	return DefaultStartTimeout
}

// ExecPath is where the VMM binary lives inside the jail.
func (c *Config) ExecPath() string {
	return "/" + filepath.Base(c.Binary)
}

func (c *Config) Validate() error {
	if c.ID == "" || strings.ContainsAny(c.ID, "/\x00") || c.ID == "." || c.ID == ".." {
		return newError(KindConfig, "id", fmt.Errorf("invalid jail id %q", c.ID))
	}
	if !filepath.IsAbs(c.Root) || filepath.Clean(c.Root) == "/" {
		return newError(KindConfig, "root", fmt.Errorf("jail root %q must be an absolute path other than /", c.Root))
	}
	if !filepath.IsAbs(c.Binary) {
		return newError(KindConfig, "binary", fmt.Errorf("vmm binary %q must be absolute", c.Binary))
	}
	if c.UID == 0 || c.GID == 0 {
		return newError(KindConfig, "credentials", errors.New("jail must not run as root"))
	}
	if slices.Contains(c.Groups, 0) {
		return newError(KindConfig, "credentials", errors.New("jail must not run as root (supplementary group 0)"))
	}
	if c.StartTimeout < 0 {
		return newError(KindConfig, "start timeout", fmt.Errorf("negative start timeout %s", c.StartTimeout))
	}
	if c.WorkDir != "" && !path.IsAbs(c.WorkDir) {
		return newError(KindConfig, "workdir", fmt.Errorf("workdir %q must be absolute", c.WorkDir))
	}
	if err := c.Limits.Validate(); err != nil {
		return newError(KindConfig, "limits", err)
	}
	for _, m := range c.Mounts {
		if !filepath.IsAbs(m.Source) {
			return newError(KindConfig, "mount", fmt.Errorf("mount source %q must be absolute", m.Source))
		}
		if _, err := jailPath(m.Target); err != nil {
			return err
		}
	}
	for _, d := range c.Devices {
		if !strings.HasPrefix(filepath.Clean(d), "/dev/") {
			return newError(KindConfig, "device", fmt.Errorf("device %q is not under /dev", d))
		}
	}
	return nil
}

// jailPath maps an absolute in-jail path to its root-relative form.
func jailPath(p string) (string, error) {
	if !path.IsAbs(p) {
		return "", newError(KindConfig, "mount", fmt.Errorf("mount target %q must be absolute", p))
	}
	rel := strings.TrimPrefix(path.Clean(p), "/")
	if rel == "" || !filepath.IsLocal(rel) {
		return "", newError(KindConfig, "mount", fmt.Errorf("mount target %q must be below /", p))
	}
	return rel, nil
}
