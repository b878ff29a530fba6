//go:build linux

package initd

import (
	"errors"
	"fmt"
	"os"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

type mountPoint struct {
	source string
	target string
	fstype string
	flags  uintptr
	data   string
}

var essentialMounts = []mountPoint{
	{source: "proc", target: "/proc", fstype: "proc", flags: unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs", flags: unix.MS_NOSUID, data: "mode=0755"},
	{source: "sysfs", target: "/sys", fstype: "sysfs", flags: unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC},
	{source: "tmpfs", target: "/tmp", fstype: "tmpfs", flags: unix.MS_NOSUID | unix.MS_NODEV, data: "mode=1777"},
	{source: "tmpfs", target: "/run", fstype: "tmpfs", flags: unix.MS_NOSUID | unix.MS_NODEV, data: "mode=0755"},
}

// LinuxSystem is the System of a real guest where the init runs as PID 1.
type LinuxSystem struct {
	mounted []string
}

func NewSystem() System {
	return &LinuxSystem{}
}

// MountEssential mounts the pseudo filesystems the benchmark expects. The
// root image is read-only, so every mountpoint must already exist in it.
func (s *LinuxSystem) MountEssential() error {
	for _, m := range essentialMounts {
		if already, err := mountinfo.Mounted(m.target); err == nil && already {
			continue
		}
		if err := unix.Mount(m.source, m.target, m.fstype, m.flags, m.data); err != nil {
			return fmt.Errorf("mount %s on %s: %w", m.fstype, m.target, os.NewSyscallError("mount", err))
		}
		s.mounted = append(s.mounted, m.target)
	}
	return nil
}

// Console opens the kernel console for logging and the serial report.
func (s *LinuxSystem) Console() (*os.File, error) {
	return os.OpenFile("/dev/console", os.O_WRONLY|unix.O_NOCTTY, 0)
}

// Teardown unmounts in reverse order and flushes buffers.
func (s *LinuxSystem) Teardown() error {
	var errs []error
	for i := len(s.mounted) - 1; i >= 0; i-- {
		if err := unix.Unmount(s.mounted[i], unix.MNT_DETACH); err != nil {
			errs = append(errs, fmt.Errorf("unmount %s: %w", s.mounted[i], err))
		}
	}
	s.mounted = nil
	unix.Sync()
	return errors.Join(errs...)
}

// PowerOff ends the VM. With reboot=k on the kernel command line a restart
// exits the VMM, which is how the host learns the guest is done.
func (s *LinuxSystem) PowerOff() error {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return os.NewSyscallError("reboot", err)
	}
	return nil
}

func IsPID1() bool {
	return os.Getpid() == 1
}
