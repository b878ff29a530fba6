package jailer

import (
	"errors"
	"fmt"
)

// ErrUnsupportedPlatform is returned on hosts without Linux namespaces.
var ErrUnsupportedPlatform = errors.New("jailer: unsupported platform")

type ErrorKind string

const (
	KindNamespace  ErrorKind = "namespace"
	KindCgroup     ErrorKind = "cgroup"
	KindChroot     ErrorKind = "chroot"
	KindRlimit     ErrorKind = "rlimit"
	KindPrivileges ErrorKind = "privileges"
	KindExec       ErrorKind = "exec"
	KindIO         ErrorKind = "io"
	KindConfig     ErrorKind = "config"
)

// Error is one failed jail setup step. Op names the step.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("jail %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("jail %s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsKind(err error, kind ErrorKind) bool {
	var jerr *Error
	return errors.As(err, &jerr) && jerr.Kind == kind
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
