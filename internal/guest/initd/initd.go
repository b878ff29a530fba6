// Package initd is the guest's PID 1. It mounts the pseudo filesystems,
// runs the configured benchmark command under a zombie reaper, reports the
// results to the host over vsock (falling back to the serial console) and
// powers the VM off.
package initd

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cochaviz/benchjail/internal/guest"
)

// ErrUnsupportedPlatform is returned when the init is built for a host
// without the Linux syscalls it relies on.
var ErrUnsupportedPlatform = errors.New("benchjail-init requires linux")

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultStreamTimeout  = 2 * time.Second
	DefaultKillGrace      = 2 * time.Second

	metricsReadLimit = 1 << 20
)

// System is the part of the guest environment the init changes.
type System interface {
	MountEssential() error
	Console() (*os.File, error)
	Teardown() error
	PowerOff() error
}

// Options configure an Init. Zero values select the guest defaults.
type Options struct {
	ConfigPath  string
	MetricsPath string
	Dial        guest.Dialer
	// Console receives the serial report. Logger output goes there too
	// unless Logger is set.
	Console io.Writer
	Logger  *slog.Logger

	ConnectTimeout time.Duration
	StreamTimeout  time.Duration
	KillGrace      time.Duration
}

func (o *Options) setDefaults() {
	if o.ConfigPath == "" {
		o.ConfigPath = guest.ConfigPath
	}
	if o.MetricsPath == "" {
		o.MetricsPath = guest.DefaultMetricsFile
	}
	if o.Dial == nil {
		o.Dial = guest.DialVsock
	}
	if o.Console == nil {
		o.Console = os.Stderr
	}
	if o.StreamTimeout <= 0 {
		o.StreamTimeout = DefaultStreamTimeout
	}
	if o.KillGrace <= 0 {
		o.KillGrace = DefaultKillGrace
	}
}
