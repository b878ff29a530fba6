//go:build !linux

package vmm

func newFirecracker(*Config, FirecrackerOptions) (Hypervisor, error) {
	return nil, newError(KindUnsupportedPlatform, "new firecracker", ErrUnsupportedPlatform)
}
