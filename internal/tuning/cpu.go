// Package tuning partitions host cpus between housekeeping and benchmark
// work and applies reversible host knobs that reduce run-to-run noise.
package tuning

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

const cpuOnlinePath = "sys/devices/system/cpu/online"

// Layout splits cpus into housekeeping cores, which keep the host and the
// runner busy, and benchmark cores, which the jail is pinned to.
type Layout struct {
	Housekeeping []int
	Benchmark    []int
}

// LayoutFor partitions n cores. Core 0 is housekeeping; hosts with 8 or
// more cores also give up core 1. A single core is shared by both sets.
func LayoutFor(n int) Layout {
	if n <= 1 {
		return Layout{Housekeeping: []int{0}, Benchmark: []int{0}}
	}
	hk := 1
	if n >= 8 {
		hk = 2
	}
	l := Layout{}
	for i := 0; i < n; i++ {
		if i < hk {
			l.Housekeeping = append(l.Housekeeping, i)
		} else {
			l.Benchmark = append(l.Benchmark, i)
		}
	}
	return l
}

// DetectLayout reads the online cpus below root ("/" on a real host),
// falling back to the Go runtime's count.
func DetectLayout(root string) Layout {
	if data, err := os.ReadFile(filepath.Join(root, cpuOnlinePath)); err == nil {
		if cpus, err := ParseCPUList(string(data)); err == nil && len(cpus) > 0 {
			return LayoutFor(len(cpus))
		}
	}
	return LayoutFor(runtime.NumCPU())
}

// HasIsolation reports whether the two sets are non-empty and disjoint.
func (l Layout) HasIsolation() bool {
	if len(l.Housekeeping) == 0 || len(l.Benchmark) == 0 {
		return false
	}
	bench := make(map[int]bool, len(l.Benchmark))
	for _, c := range l.Benchmark {
		bench[c] = true
	}
	for _, c := range l.Housekeeping {
		if bench[c] {
			return false
		}
	}
	return true
}

// BenchmarkCPUSet is the value for cpuset.cpus, or "" when the layout does
// not isolate anything.
func (l Layout) BenchmarkCPUSet() string {
	if !l.HasIsolation() {
		return ""
	}
	return FormatCPUSet(l.Benchmark)
}

func (l Layout) HousekeepingCPUSet() string {
	return FormatCPUSet(l.Housekeeping)
}

// ParseCPUList parses the kernel's cpu list format ("0-3,8,10-11").
func ParseCPUList(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || start < 0 {
			return nil, fmt.Errorf("parse cpu list %q: bad cpu %q", s, lo)
		}
		end := start
		if isRange {
			if end, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil || end < start {
				return nil, fmt.Errorf("parse cpu list %q: bad range %q", s, part)
			}
		}
		for c := start; c <= end; c++ {
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}

// FormatCPUSet renders cpus in cpu list form, merging consecutive runs.
func FormatCPUSet(cpus []int) string {
	if len(cpus) == 0 {
		return ""
	}
	sorted := append([]int(nil), cpus...)
	sort.Ints(sorted)

	var b strings.Builder
	for i := 0; i < len(sorted); {
		start := sorted[i]
		end := start
		for i+1 < len(sorted) && sorted[i+1] <= end+1 {
			i++
			end = sorted[i]
		}
		i++
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == end {
			b.WriteString(strconv.Itoa(start))
		} else {
			fmt.Fprintf(&b, "%d-%d", start, end)
		}
	}
	return b.String()
}
