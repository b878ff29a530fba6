//go:build linux

package vmm

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	DefaultKVMDevice = "/dev/kvm"

	// KVM_GET_API_VERSION is _IO(KVMIO, 0x00).
	kvmGetAPIVersion = 0xAE00
	kvmAPIVersion    = 12
)

// ProbeKVM opens device and checks the KVM API version. It fails with
// KindUnsupportedPlatform when the device cannot be opened.
func ProbeKVM(device string) error {
	if device == "" {
		device = DefaultKVMDevice
	}
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return newError(KindUnsupportedPlatform, "probe "+device, errors.Join(ErrUnsupportedPlatform, os.NewSyscallError("open", err)))
	}
	defer unix.Close(fd)

	version, err := unix.IoctlRetInt(fd, kvmGetAPIVersion)
	if err != nil {
		return newError(KindKvm, "probe "+device, os.NewSyscallError("ioctl KVM_GET_API_VERSION", err))
	}
	if version != kvmAPIVersion {
		return newError(KindKvm, "probe "+device, fmt.Errorf("KVM API version %d, want %d", version, kvmAPIVersion))
	}
	return nil
}
