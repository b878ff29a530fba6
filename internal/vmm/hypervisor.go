package vmm

import (
	"context"
	"net"
)

// Hypervisor is one VM on one backend. Machine calls the methods in
// order: CreateVM, LoadKernel, AttachRootfs, Listen for each guest port,
// Boot, then Halt and Shutdown.
type Hypervisor interface {
	CreateVM(ctx context.Context, vcpus, memoryMiB int) error
	LoadKernel(ctx context.Context, path, cmdline string) error
	AttachRootfs(ctx context.Context, path string) error
	// Listen accepts connections the guest opens to the host on port.
	Listen(port uint32) (net.Listener, error)
	// Boot starts the guest and returns once the backend is ready to
	// carry vsock traffic.
	Boot(ctx context.Context) error
	// Exited is closed when the VM is gone.
	Exited() <-chan struct{}
	// ExitErr is nil for a guest that powered off on its own.
	ExitErr() error
	// Console returns the serial console output so far.
	Console() []byte
	// Halt stops the VM immediately.
	Halt(ctx context.Context) error
	// Shutdown releases everything the backend holds. It is idempotent.
	Shutdown(ctx context.Context) error
}

// Factory creates the Hypervisor for one job.
type Factory func(cfg *Config) (Hypervisor, error)
