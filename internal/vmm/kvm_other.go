//go:build !linux

package vmm

const DefaultKVMDevice = "/dev/kvm"

func ProbeKVM(string) error {
	return newError(KindUnsupportedPlatform, "probe", ErrUnsupportedPlatform)
}
