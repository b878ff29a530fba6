package vmm

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedPlatform is returned on hosts without hardware
// virtualization. It is terminal for the host, not for the job.
var ErrUnsupportedPlatform = errors.New("hardware virtualization is not available on this host")

type ErrorKind string

const (
	KindConfig              ErrorKind = "config"
	KindMemory              ErrorKind = "memory"
	KindKvm                 ErrorKind = "kvm"
	KindUnsupportedPlatform ErrorKind = "unsupported_platform"
	KindKernelLoad          ErrorKind = "kernel_load"
	KindDevice              ErrorKind = "device"
	KindSocketNotReady      ErrorKind = "socket_not_ready"
	KindUnsupportedArch     ErrorKind = "unsupported_arch"
	KindVsockCollection     ErrorKind = "vsock_collection"
	KindState               ErrorKind = "state"
	KindCrashed             ErrorKind = "crashed"
	KindCancelled           ErrorKind = "cancelled"
)

// Error is returned by every Machine and Hypervisor operation.
type Error struct {
	Kind ErrorKind
	Op   string
	// Waited is how long Boot waited when Kind is KindSocketNotReady.
	Waited time.Duration
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Kind == KindSocketNotReady {
		msg = fmt.Sprintf("%s: socket not ready after %s", e.Op, e.Waited)
	}
	if e.Err != nil {
		return fmt.Sprintf("vmm %s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("vmm %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err wraps a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// PartialOutput is what the guest produced before the run was cut short.
type PartialOutput struct {
	Stdout  []byte
	Stderr  []byte
	Console []byte
}

// TimeoutError is returned by RunUntil when the guest outlived its
// timeout. The VM has been halted by the time it is returned.
type TimeoutError struct {
	TimeoutSecs uint64
	Partial     PartialOutput
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("benchmark timed out after %ds (%d bytes of stdout, %d bytes of stderr collected)",
		e.TimeoutSecs, len(e.Partial.Stdout), len(e.Partial.Stderr))
}
