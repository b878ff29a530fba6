// Package artifacts tracks the files a job creates on the host. A Registry
// owns a job's ephemeral artifacts and removes them at teardown; a
// LocalStore keeps copies of the ones worth looking at after the job is
// gone, such as the console log of a failed run.
package artifacts

import (
	"github.com/opencontainers/go-digest"
)

type Kind string

const (
	KindJobDir  Kind = "job-dir" // per-job working directory
	KindJail    Kind = "jail"    // jail root the VMM pivots into
	KindRootfs  Kind = "rootfs"  // packed squashfs image
	KindSocket  Kind = "socket"
	KindConsole Kind = "console" // serial console capture
	KindOutput  Kind = "output"  // stdout or stderr of the workload
)

type Artifact struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	URI  string `json:"uri"`

	Digest      digest.Digest  `json:"digest,omitempty"`
	Size        int64          `json:"size"`
	ContentType string         `json:"content_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
