package jailer

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type rlimit struct {
	name     string
	resource int
	value    uint64
}

// rlimitsFor lists the rlimits a jail gets. Core dumps are always disabled.
func rlimitsFor(l Limits) []rlimit {
	out := []rlimit{
		{name: "NOFILE", resource: unix.RLIMIT_NOFILE, value: l.MaxFDs},
		{name: "NPROC", resource: unix.RLIMIT_NPROC, value: l.MaxProcs},
	}
	if l.MaxFileSize > 0 {
		out = append(out, rlimit{name: "FSIZE", resource: unix.RLIMIT_FSIZE, value: l.MaxFileSize})
	}
	return append(out, rlimit{name: "CORE", resource: unix.RLIMIT_CORE, value: 0})
}

// clampLimit pins soft and hard limit to want, never above the current hard
// limit, so the jailed process cannot raise it again.
func clampLimit(want uint64, cur unix.Rlimit) unix.Rlimit {
	v := want
	if cur.Max != unix.RLIM_INFINITY && v > cur.Max {
		v = cur.Max
	}
	return unix.Rlimit{Cur: v, Max: v}
}

func applyRlimits(l Limits) error {
	for _, r := range rlimitsFor(l) {
		var cur unix.Rlimit
		if err := unix.Getrlimit(r.resource, &cur); err != nil {
			return newError(KindRlimit, "getrlimit "+r.name, err)
		}
		next := clampLimit(r.value, cur)
		if err := unix.Setrlimit(r.resource, &next); err != nil {
			return newError(KindRlimit, fmt.Sprintf("setrlimit %s=%d", r.name, next.Cur), err)
		}
	}
	return nil
}
