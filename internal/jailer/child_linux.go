package jailer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Descriptors the helper inherits from Spawn, after stdio.
const (
	configFD = 3
	statusFD = 4

	maxHandoffSize = 1 << 20
)

// failure is what the helper reports on the status pipe before it exits.
type failure struct {
	Kind ErrorKind `cbor:"1,keyasint"`
	Op   string    `cbor:"2,keyasint"`
	Msg  string    `cbor:"3,keyasint"`
}

func (f failure) err() *Error {
	return &Error{Kind: f.Kind, Op: f.Op, Err: errors.New(f.Msg)}
}

func failureOf(err error) failure {
	var jerr *Error
	if errors.As(err, &jerr) {
		msg := ""
		if jerr.Err != nil {
			msg = jerr.Err.Error()
		}
		return failure{Kind: jerr.Kind, Op: jerr.Op, Msg: msg}
	}
	return failure{Kind: KindExec, Msg: err.Error()}
}

// ChildMain is the entry point of the jail helper. It reads the jail config
// handed over by Spawn, confines itself and execs the VMM. It only returns
// on failure, after reporting the failure to the parent.
func ChildMain() int {
	status := os.NewFile(statusFD, "jail-status")
	cfgPipe := os.NewFile(configFD, "jail-config")
	if status == nil || cfgPipe == nil {
		fmt.Fprintln(os.Stderr, "jail-exec: must be started by the jailer")
		return 1
	}
	unix.CloseOnExec(statusFD)
	unix.CloseOnExec(configFD)

	err := func() error {
		defer cfgPipe.Close()
		var cfg Config
		data, err := io.ReadAll(io.LimitReader(cfgPipe, maxHandoffSize))
		if err != nil {
			return newError(KindIO, "read config", err)
		}
		if err := cbor.Unmarshal(data, &cfg); err != nil {
			return newError(KindConfig, "decode config", err)
		}
		return Exec(&cfg)
	}()

	data, merr := cbor.Marshal(failureOf(err))
	if merr == nil {
		_, _ = status.Write(data)
	}
	fmt.Fprintf(os.Stderr, "jail-exec: %v\n", err)
	return 1
}

// Exec runs the in-namespace part of the jail setup and replaces the
// process with the VMM. It must be called in the fresh namespaces created by
// Spawn. A nil error is never returned.
func Exec(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	// Capabilities and no_new_privs are per thread; keep them on the thread
	// that calls execve.
	runtime.LockOSThread()

	if cfg.Namespaces.Network {
		if err := loopbackUp(); err != nil {
			return err
		}
	}
	if cfg.Namespaces.UTS {
		name := cfg.Hostname
		if name == "" {
			name = "benchjail"
		}
		if err := unix.Sethostname([]byte(name)); err != nil {
			return newError(KindNamespace, "sethostname", os.NewSyscallError("sethostname", err))
		}
	}

	if err := applyRlimits(cfg.Limits); err != nil {
		return err
	}
	if err := prepareRoot(cfg); err != nil {
		return err
	}
	if err := pivotRoot(cfg.Root); err != nil {
		return err
	}
	workdir := cfg.WorkDir
	if workdir == "" {
		workdir = "/"
	}
	if err := unix.Chdir(workdir); err != nil {
		return newError(KindChroot, "chdir "+workdir, os.NewSyscallError("chdir", err))
	}
	if err := dropPrivileges(cfg.UID, cfg.GID, cfg.Groups); err != nil {
		return err
	}

	argv := append([]string{cfg.ExecPath()}, cfg.Args...)
	err := unix.Exec(cfg.ExecPath(), argv, execEnv(cfg.Env))
	return newError(KindExec, "execve "+cfg.ExecPath(), os.NewSyscallError("execve", err))
}

// execEnv adds PATH and HOME when env does not set them.
func execEnv(env []string) []string {
	out := append([]string(nil), env...)
	has := func(key string) bool {
		for _, kv := range env {
			if strings.HasPrefix(kv, key+"=") {
				return true
			}
		}
		return false
	}
	if !has("PATH") {
		out = append(out, "PATH=/usr/bin:/bin")
	}
	if !has("HOME") {
		out = append(out, "HOME=/")
	}
	return out
}

func loopbackUp() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return newError(KindNamespace, "find loopback", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return newError(KindNamespace, "loopback up", err)
	}
	return nil
}
