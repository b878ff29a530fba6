package vmm

import (
	"log/slog"
	"strconv"

	"github.com/cochaviz/benchjail/internal/jailer"
)

const DefaultFirecrackerBinary = "firecracker"

// Paths as the jailed Firecracker sees them.
const (
	jailKernelPath = "/vmlinux"
	jailRootfsPath = "/rootfs.squashfs"
	jailAPISocket  = "/run/firecracker.sock"
	jailVsockPath  = "/run/v.sock"
	rootDriveID    = "rootfs"
)

type FirecrackerOptions struct {
	// Binary is a path or a name looked up in PATH.
	Binary string
	Jailer *jailer.Jailer
	// UID and GID are the unprivileged ids the jail drops to.
	UID        uint32
	GID        uint32
	Namespaces jailer.Namespaces
	Logger     *slog.Logger
}

// FirecrackerFactory returns a Factory that runs each VM in its own jail.
func FirecrackerFactory(opts FirecrackerOptions) Factory {
	if opts.Binary == "" {
		opts.Binary = DefaultFirecrackerBinary
	}
	return func(cfg *Config) (Hypervisor, error) {
		f, err := newFirecracker(cfg, opts)
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}

// vsockListenPath is where Firecracker connects when the guest dials the
// host on port.
func vsockListenPath(udsPath string, port uint32) string {
	return udsPath + "_" + strconv.FormatUint(uint64(port), 10)
}
