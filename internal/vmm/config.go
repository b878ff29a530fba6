// Package vmm boots and supervises the microVM that runs one benchmark.
//
// A Machine walks a Hypervisor backend through CreateVM, LoadKernel,
// AttachRootfs and Boot, then supervises the guest in RunUntil while it
// collects the guest's output over vsock. Firecracker, spawned through the
// jailer, is the default backend; libvirt is the alternative for hosts that
// run libvirtd.
package vmm

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/benchjail/arch"
	"github.com/cochaviz/benchjail/internal/guest"
	"github.com/cochaviz/benchjail/internal/jailer"
)

const (
	DefaultVCPUs        = 1
	DefaultMemoryMiB    = 512
	DefaultTimeout      = 300 * time.Second
	DefaultBootTimeout  = 5 * time.Second
	DefaultCollectGrace = 2 * time.Second
	DefaultCmdline      = "console=ttyS0 reboot=k panic=1 pci=off"

	MaxVCPUs     = 32
	MinMemoryMiB = 64
)

// Config is everything a job needs to boot its VM. It is built once per job
// and not changed afterwards.
type Config struct {
	ID string
	// JailRoot is the job's private directory. The Firecracker backend
	// pivots into it; sockets and the console log live below it.
	JailRoot  string
	Kernel    string
	Rootfs    string
	Cmdline   string
	VCPUs     int
	MemoryMiB int
	// VsockPath overrides the host side of the Firecracker vsock device.
	VsockPath string

	Timeout      time.Duration
	BootTimeout  time.Duration
	CollectGrace time.Duration

	Limits jailer.Limits
	CPUSet string

	// Nonce keys the MAC on the guest's results.
	Nonce         []byte
	Env           []string
	Args          []string
	MaxOutputSize int64
	Arch          arch.Architecture
}

func (c *Config) Validate() error {
	if c.ID == "" || strings.ContainsAny(c.ID, "/ ") {
		return newError(KindConfig, "validate", fmt.Errorf("invalid vm id %q", c.ID))
	}
	for name, p := range map[string]string{"jail root": c.JailRoot, "kernel": c.Kernel, "rootfs": c.Rootfs} {
		if !filepath.IsAbs(p) {
			return newError(KindConfig, "validate", fmt.Errorf("%s path %q must be absolute", name, p))
		}
	}
	if c.VsockPath != "" && !filepath.IsAbs(c.VsockPath) {
		return newError(KindConfig, "validate", fmt.Errorf("vsock path %q must be absolute", c.VsockPath))
	}
	if len(c.Nonce) != guest.NonceSize {
		return newError(KindConfig, "validate", fmt.Errorf("nonce is %d bytes, want %d", len(c.Nonce), guest.NonceSize))
	}
	if c.Timeout <= 0 {
		return newError(KindConfig, "validate", fmt.Errorf("timeout %s must be positive", c.Timeout))
	}
	if err := c.Limits.Validate(); err != nil {
		return newError(KindConfig, "validate", err)
	}
	return nil
}

func (c *Config) bootTimeout() time.Duration {
	if c.BootTimeout > 0 {
		return c.BootTimeout
	}
	return DefaultBootTimeout
}

func (c *Config) collectGrace() time.Duration {
	if c.CollectGrace > 0 {
		return c.CollectGrace
	}
	return DefaultCollectGrace
}

func (c *Config) outputLimit() int64 {
	if c.MaxOutputSize > 0 {
		return c.MaxOutputSize
	}
	return guest.DefaultMaxOutputSize
}

func (c *Config) arch() arch.Architecture {
	if c.Arch != "" {
		return c.Arch
	}
	return arch.Host()
}

// Params is the handshake the host sends on the control port.
func (c *Config) Params() guest.Params {
	return guest.Params{RunID: c.ID, Nonce: c.Nonce, Env: c.Env, Args: c.Args}
}

// KernelCmdline appends the init path to base unless base already names
// one.
func KernelCmdline(base string) string {
	if base == "" {
		base = DefaultCmdline
	}
	for _, field := range strings.Fields(base) {
		if strings.HasPrefix(field, "init=") {
			return base
		}
	}
	return base + " init=" + guest.InitPath
}
