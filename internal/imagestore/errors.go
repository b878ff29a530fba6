package imagestore

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ErrNotFound is returned by a Backend when a key does not exist.
var ErrNotFound = errors.New("not found")

// ErrorKind classifies image store failures.
type ErrorKind string

const (
	KindInvalidReference ErrorKind = "invalid_reference"
	KindMissingManifest  ErrorKind = "missing_manifest"
	KindMissingBlob      ErrorKind = "missing_blob"
	KindInvalidManifest  ErrorKind = "invalid_manifest"
	KindUnsupportedArch  ErrorKind = "unsupported_arch"
	KindBackend          ErrorKind = "backend"
	KindCache            ErrorKind = "cache"
)

// Error is returned by every Client operation. Integrity failures are
// reported as *DigestMismatchError instead.
type Error struct {
	Kind ErrorKind
	// Subject is the reference or digest the operation was about.
	Subject string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("image store %s: %s", e.Kind, e.Subject)
	}
	return fmt.Sprintf("image store %s: %s: %v", e.Kind, e.Subject, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// DigestMismatchError reports fetched bytes whose digest differs from the
// one requested. The bytes are discarded.
type DigestMismatchError struct {
	Expected digest.Digest
	Actual   digest.Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("digest mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ierr *Error
	return errors.As(err, &ierr) && ierr.Kind == kind
}
