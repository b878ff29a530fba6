//go:build linux

package initd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/benchjail/internal/guest"
)

// drainTimeout bounds how long output pumps may run after the child exited.
// Descendants that inherited the pipes are killed with the process group,
// but a pipe held open elsewhere must not block the report.
const drainTimeout = 2 * time.Second

type command struct {
	Args   []string
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

type outcome struct {
	ExitCode int
	Signaled bool
	Duration time.Duration
}

// supervise runs c until it exits. When ctx is done the child's process
// group receives SIGTERM, then SIGKILL once grace has elapsed.
func supervise(ctx context.Context, r *reaper, c command, grace time.Duration) (outcome, error) {
	if len(c.Args) == 0 {
		return outcome{}, errors.New("empty command")
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return outcome{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return outcome{}, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	started := time.Now()
	exited, err := r.start(cmd)
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return outcome{}, fmt.Errorf("start %s: %w", c.Args[0], err)
	}
	pid := cmd.Process.Pid

	var pumps errgroup.Group
	pumps.Go(func() error { return pump(c.Stdout, stdoutR) })
	pumps.Go(func() error { return pump(c.Stderr, stderrR) })

	var status unix.WaitStatus
	select {
	case status = <-exited:
	case <-ctx.Done():
		_ = unix.Kill(-pid, unix.SIGTERM)
		select {
		case status = <-exited:
		case <-time.After(grace):
			_ = unix.Kill(-pid, unix.SIGKILL)
			status = <-exited
		}
	}
	duration := time.Since(started)

	// Take down anything the command left behind holding the pipes.
	_ = unix.Kill(-pid, unix.SIGKILL)

	drained := make(chan error, 1)
	go func() { drained <- pumps.Wait() }()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		stdoutR.Close()
		stderrR.Close()
		<-drained
	}
	stdoutR.Close()
	stderrR.Close()

	return outcomeFromStatus(status, duration), nil
}

func pump(dst io.Writer, src io.Reader) error {
	if dst == nil {
		dst = io.Discard
	}
	_, err := io.Copy(dst, src)
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func outcomeFromStatus(status unix.WaitStatus, d time.Duration) outcome {
	switch {
	case status.Exited():
		return outcome{ExitCode: status.ExitStatus(), Duration: d}
	case status.Signaled():
		return outcome{ExitCode: guest.ExitCodeFromSignal(int(status.Signal())), Signaled: true, Duration: d}
	default:
		return outcome{ExitCode: 1, Duration: d}
	}
}
