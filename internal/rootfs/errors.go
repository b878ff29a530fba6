package rootfs

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindPathTraversal ErrorKind = "path_traversal"
	KindLayer         ErrorKind = "layer"
	KindSquashfs      ErrorKind = "squashfs"
	KindIO            ErrorKind = "io"
	KindConfig        ErrorKind = "config"
)

// Error is returned by the builder. For KindSquashfs, Output holds what the
// packing tool printed.
type Error struct {
	Kind   ErrorKind
	Path   string
	Output string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("rootfs %s", e.Kind)
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var rerr *Error
	return errors.As(err, &rerr) && rerr.Kind == kind
}
