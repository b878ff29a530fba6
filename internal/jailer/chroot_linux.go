package jailer

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const oldRoot = ".old_root"

// Directories every jail root has. run is owned by the jail user so the VMM
// can create its sockets there.
var jailDirs = []string{"dev", "proc", "tmp", "run"}

func mountErr(op, target string, err error) error {
	return newError(KindChroot, op+" "+target, os.NewSyscallError("mount", err))
}

// prepareRoot turns cfg.Root into the jail's filesystem: a private bind of
// itself with /dev, /proc and /tmp mounted and the VMM binary, extra mounts
// and devices bound in. It must run in the jail's mount namespace.
func prepareRoot(cfg *Config) error {
	root := cfg.Root
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return newError(KindNamespace, "make mounts private", os.NewSyscallError("mount", err))
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return newError(KindChroot, "create root", err)
	}
	// pivot_root needs the new root to be a mount point.
	if err := unix.Mount(root, root, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return mountErr("bind", root, err)
	}
	for _, d := range jailDirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return newError(KindChroot, "create "+d, err)
		}
	}
	run := filepath.Join(root, "run")
	if err := os.Lchown(run, int(cfg.UID), int(cfg.GID)); err != nil {
		return newError(KindChroot, "chown run", err)
	}
	if err := os.Chmod(run, 0o700); err != nil {
		return newError(KindChroot, "chmod run", err)
	}

	dev := filepath.Join(root, "dev")
	if err := unix.Mount("tmpfs", dev, "tmpfs", unix.MS_NOSUID|unix.MS_NOEXEC, "mode=755,size=65536"); err != nil {
		return mountErr("tmpfs", dev, err)
	}
	for _, d := range cfg.Devices {
		if err := bindInto(root, d, filepath.Clean(d), true); err != nil {
			return err
		}
	}

	proc := filepath.Join(root, "proc")
	if err := unix.Mount("proc", proc, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return mountErr("proc", proc, err)
	}
	tmp := filepath.Join(root, "tmp")
	if err := unix.Mount("tmpfs", tmp, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=1777"); err != nil {
		return mountErr("tmpfs", tmp, err)
	}

	if err := bindInto(root, cfg.Binary, cfg.ExecPath(), false); err != nil {
		return err
	}
	for _, m := range cfg.Mounts {
		if err := bindInto(root, m.Source, m.Target, m.Writable); err != nil {
			return err
		}
	}
	return nil
}

// bindInto binds source at target inside root, read-only unless writable.
func bindInto(root, source, target string, writable bool) error {
	rel, err := jailPath(target)
	if err != nil {
		return err
	}
	dest := filepath.Join(root, rel)
	info, err := os.Stat(source)
	if err != nil {
		return newError(KindChroot, "bind "+target, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return newError(KindChroot, "bind "+target, err)
	}
	if info.IsDir() {
		err = os.MkdirAll(dest, 0o755)
	} else {
		var f *os.File
		f, err = os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0o644)
		if err == nil {
			err = f.Close()
		}
	}
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return newError(KindChroot, "bind "+target, err)
	}
	if err := unix.Mount(source, dest, "", unix.MS_BIND, ""); err != nil {
		return mountErr("bind", dest, err)
	}
	if writable {
		return nil
	}
	if err := unix.Mount("", dest, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_NOSUID, ""); err != nil {
		return mountErr("remount ro", dest, err)
	}
	return nil
}

// pivotRoot makes root the filesystem root and detaches the old one.
func pivotRoot(root string) error {
	put := filepath.Join(root, oldRoot)
	if err := os.MkdirAll(put, 0o700); err != nil {
		return newError(KindChroot, "create old root", err)
	}
	if err := unix.Chdir(root); err != nil {
		return newError(KindChroot, "chdir", os.NewSyscallError("chdir", err))
	}
	if err := unix.PivotRoot(".", oldRoot); err != nil {
		return newError(KindChroot, "pivot_root", os.NewSyscallError("pivot_root", err))
	}
	if err := unix.Chdir("/"); err != nil {
		return newError(KindChroot, "chdir", os.NewSyscallError("chdir", err))
	}
	if err := unix.Unmount("/"+oldRoot, unix.MNT_DETACH); err != nil {
		return newError(KindChroot, "detach old root", os.NewSyscallError("umount2", err))
	}
	if err := os.Remove("/" + oldRoot); err != nil {
		return newError(KindChroot, "remove old root", fmt.Errorf("%s: %w", oldRoot, err))
	}
	return nil
}
