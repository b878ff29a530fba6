package jailer

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// dropPrivileges leaves the calling thread running as uid:gid with no
// capabilities and no way to regain any. The caller must hold the OS
// thread it later execs from: the capability and no_new_privs state is
// per thread.
func dropPrivileges(uid, gid uint32, groups []uint32) error {
	for c := 0; c <= unix.CAP_LAST_CAP; c++ {
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0); err != nil && !errors.Is(err, unix.EINVAL) {
			return newError(KindPrivileges, fmt.Sprintf("drop bounding capability %d", c), err)
		}
	}
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil && !errors.Is(err, unix.EINVAL) {
		return newError(KindPrivileges, "clear ambient capabilities", err)
	}

	gids := make([]int, len(groups))
	for i, g := range groups {
		gids[i] = int(g)
	}
	// The syscall package applies these to every thread of the process.
	if err := syscall.Setgroups(gids); err != nil {
		return newError(KindPrivileges, "setgroups", err)
	}
	if err := syscall.Setresgid(int(gid), int(gid), int(gid)); err != nil {
		return newError(KindPrivileges, "setresgid", err)
	}
	if err := syscall.Setresuid(int(uid), int(uid), int(uid)); err != nil {
		return newError(KindPrivileges, "setresuid", err)
	}

	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return newError(KindPrivileges, "capset", err)
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return newError(KindPrivileges, "no_new_privs", err)
	}

	if err := syscall.Setresuid(0, 0, 0); err == nil {
		return newError(KindPrivileges, "verify", errors.New("root regained after privilege drop"))
	}
	if got := unix.Geteuid(); got != int(uid) {
		return newError(KindPrivileges, "verify", fmt.Errorf("euid is %d, want %d", got, uid))
	}
	return nil
}
