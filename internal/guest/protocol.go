// Package guest defines the messages exchanged between the host and the
// guest init over vsock, and the small library guest code uses to talk to
// the host.
package guest

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Well-known vsock ports. The guest connects to the host (CID 2) on these.
const (
	PortStdout  uint32 = 5000
	PortStderr  uint32 = 5001
	PortControl uint32 = 5002

	HostCID  uint32 = 2
	GuestCID uint32 = 3
)

// Limits applied to anything decoded from the guest.
const (
	DefaultMaxOutputSize = 25 << 20
	MaxMetrics           = 1024
	MaxMetricNameLen     = 256
	MaxOutputFiles       = 64
	NonceSize            = 32
)

// Metric is one named measurement reported by a benchmark.
type Metric struct {
	Name  string  `cbor:"1,keyasint" json:"name"`
	Value float64 `cbor:"2,keyasint" json:"value"`
	Unit  string  `cbor:"3,keyasint,omitempty" json:"unit,omitempty"`
}

// OutputFile is a file collected from the guest after the command exited.
type OutputFile struct {
	Path    string `cbor:"1,keyasint"`
	Content []byte `cbor:"2,keyasint"`
}

// Params is sent by the host once the guest connects to the control port.
type Params struct {
	RunID string   `cbor:"1,keyasint"`
	Nonce []byte   `cbor:"2,keyasint"`
	Env   []string `cbor:"3,keyasint,omitempty"`
	// Args replaces the configured command when non-empty.
	Args []string `cbor:"4,keyasint,omitempty"`
}

// Results is the single message the guest sends back.
type Results struct {
	RunID       string       `cbor:"1,keyasint"`
	Success     bool         `cbor:"2,keyasint"`
	ExitCode    int          `cbor:"3,keyasint"`
	Error       string       `cbor:"4,keyasint,omitempty"`
	Metrics     []Metric     `cbor:"5,keyasint,omitempty"`
	Stdout      []byte       `cbor:"6,keyasint,omitempty"`
	Stderr      []byte       `cbor:"7,keyasint,omitempty"`
	OutputFiles []OutputFile `cbor:"8,keyasint,omitempty"`
	DurationNS  uint64       `cbor:"9,keyasint"`
}

// ExitCodeFromSignal is the conventional shell exit status of a process
// killed by signal sig.
func ExitCodeFromSignal(sig int) int {
	return 128 + sig
}

// ValidationError describes a Results message that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid results: %s: %s", e.Field, e.Reason)
}

// Validate checks results decoded from an untrusted guest.
func (r *Results) Validate(runID string, maxOutput int64) error {
	if r == nil {
		return &ValidationError{Field: "results", Reason: "missing"}
	}
	if runID != "" && r.RunID != runID {
		return &ValidationError{Field: "run_id", Reason: fmt.Sprintf("got %q, want %q", r.RunID, runID)}
	}
	if len(r.Metrics) > MaxMetrics {
		return &ValidationError{Field: "metrics", Reason: fmt.Sprintf("%d metrics exceeds %d", len(r.Metrics), MaxMetrics)}
	}
	for i, m := range r.Metrics {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			return &ValidationError{Field: fmt.Sprintf("metrics[%d].name", i), Reason: "empty"}
		}
		if len(m.Name) > MaxMetricNameLen {
			return &ValidationError{Field: fmt.Sprintf("metrics[%d].name", i), Reason: "too long"}
		}
		if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
			return &ValidationError{Field: fmt.Sprintf("metrics[%d].value", i), Reason: "not finite"}
		}
	}
	if len(r.OutputFiles) > MaxOutputFiles {
		return &ValidationError{Field: "output_files", Reason: fmt.Sprintf("%d files exceeds %d", len(r.OutputFiles), MaxOutputFiles)}
	}
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputSize
	}
	total := int64(len(r.Stdout)) + int64(len(r.Stderr))
	for _, f := range r.OutputFiles {
		if f.Path == "" {
			return &ValidationError{Field: "output_files", Reason: "empty path"}
		}
		total += int64(len(f.Content))
	}
	if total > maxOutput {
		return &ValidationError{Field: "output", Reason: fmt.Sprintf("%d bytes exceeds %d", total, maxOutput)}
	}
	return nil
}

// Metric returns the first metric with the given name.
func (r *Results) Metric(name string) (Metric, bool) {
	for _, m := range r.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return Metric{}, false
}

var errNonceSize = errors.New("nonce must be 32 bytes")
