//go:build linux

package initd

import (
	"errors"
	"os"
	"os/exec"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// reaper collects every exited child of the process. As PID 1 the init
// inherits orphans, so it cannot rely on exec.Cmd.Wait: a wait4(-1) loop
// would steal the status Wait is blocked on. Instead commands are started
// through the reaper, which hands the watched child's status back on a
// channel and silently reaps everything else.
type reaper struct {
	mu      sync.Mutex
	waiters map[int]chan unix.WaitStatus
	orphans int

	sigs chan os.Signal
	done chan struct{}
	wg   sync.WaitGroup
}

func newReaper() *reaper {
	r := &reaper{
		waiters: make(map[int]chan unix.WaitStatus),
		sigs:    make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}
	signal.Notify(r.sigs, unix.SIGCHLD)
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *reaper) loop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.sigs:
			r.reap()
		case <-r.done:
			return
		}
	}
}

// reap drains every exited child without blocking. SIGCHLD coalesces, so
// one signal may stand for several exits.
func (r *reaper) reap() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || pid <= 0 {
			return
		}
		if ch, ok := r.waiters[pid]; ok {
			ch <- status
			delete(r.waiters, pid)
			continue
		}
		r.orphans++
	}
}

// start launches cmd and registers its pid before any SIGCHLD for it can be
// processed.
func (r *reaper) start(cmd *exec.Cmd) (<-chan unix.WaitStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	ch := make(chan unix.WaitStatus, 1)
	r.waiters[cmd.Process.Pid] = ch
	return ch, nil
}

// reaped reports how many orphans were collected.
func (r *reaper) reaped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orphans
}

func (r *reaper) stop() {
	signal.Stop(r.sigs)
	close(r.done)
	r.wg.Wait()
	r.reap()
}
