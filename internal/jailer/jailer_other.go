//go:build !linux

package jailer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

const HelperCommand = "jail-exec"

type Options struct {
	Self       string
	HelperArgs []string
	CgroupRoot string
	CgroupBase string
	Logger     *slog.Logger
}

type Jailer struct{}

func New(Options) *Jailer {
	return &Jailer{}
}

type Stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Process is never created off Linux.
type Process struct{}

func (j *Jailer) Spawn(context.Context, *Config, Stdio) (*Process, error) {
	return nil, ErrUnsupportedPlatform
}

func (p *Process) Pid() int                             { return 0 }
func (p *Process) Done() <-chan struct{}                { return nil }
func (p *Process) ExitState() (*os.ProcessState, error) { return nil, ErrUnsupportedPlatform }
func (p *Process) Signal(os.Signal) error               { return ErrUnsupportedPlatform }
func (p *Process) Kill() error                          { return ErrUnsupportedPlatform }
func (p *Process) Cleanup(context.Context) error        { return nil }

func ChildMain() int {
	fmt.Fprintln(os.Stderr, ErrUnsupportedPlatform)
	return 1
}

func Exec(*Config) error {
	return ErrUnsupportedPlatform
}
