package jailer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cochaviz/benchjail/internal/logging"
)

func validConfig() Config {
	return Config{
		ID:         "job-1",
		Root:       "/tmp/benchjail/job-1/root",
		Binary:     "/usr/bin/firecracker",
		UID:        65534,
		GID:        65534,
		Namespaces: DefaultNamespaces(),
		Limits:     DefaultLimits(),
		Mounts:     []Mount{{Source: "/var/lib/benchjail/vmlinux", Target: "/kernel"}},
		Devices:    []string{"/dev/kvm"},
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "empty id", mutate: func(c *Config) { c.ID = "" }, wantErr: "invalid jail id"},
		{name: "id with slash", mutate: func(c *Config) { c.ID = "../x" }, wantErr: "invalid jail id"},
		{name: "relative root", mutate: func(c *Config) { c.Root = "jail" }, wantErr: "jail root"},
		{name: "host root", mutate: func(c *Config) { c.Root = "/" }, wantErr: "jail root"},
		{name: "relative binary", mutate: func(c *Config) { c.Binary = "firecracker" }, wantErr: "vmm binary"},
		{name: "root uid", mutate: func(c *Config) { c.UID = 0 }, wantErr: "must not run as root"},
		{name: "root group", mutate: func(c *Config) { c.Groups = []uint32{36, 0} }, wantErr: "must not run as root"},
		{name: "device group", mutate: func(c *Config) { c.Groups = []uint32{36} }},
		{name: "negative start timeout", mutate: func(c *Config) { c.StartTimeout = -time.Second }, wantErr: "start timeout"},
		{name: "mount over root", mutate: func(c *Config) { c.Mounts[0].Target = "/" }, wantErr: "must be below /"},
		{name: "mount relative", mutate: func(c *Config) { c.Mounts[0].Target = "kernel" }, wantErr: "must be absolute"},
		{name: "device outside dev", mutate: func(c *Config) { c.Devices = []string{"/etc/shadow"} }, wantErr: "not under /dev"},
		{name: "zero fds", mutate: func(c *Config) { c.Limits.MaxFDs = 0 }, wantErr: "max fds"},
		{name: "quota without period", mutate: func(c *Config) { c.Limits.CPUQuotaUS = 50000; c.Limits.CPUPeriodUS = 0 }, wantErr: "cpu period"},
		{name: "io weight", mutate: func(c *Config) { c.Limits.IOWeight = 20000 }, wantErr: "io weight"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
			if !IsKind(err, KindConfig) {
				t.Fatalf("Validate() error kind = %v, want %s", err, KindConfig)
			}
		})
	}
}

func TestExecPath(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	if got := cfg.ExecPath(); got != "/firecracker" {
		t.Errorf("ExecPath() = %q, want %q", got, "/firecracker")
	}
}

func TestTightenNeverRaises(t *testing.T) {
	t.Parallel()

	base := Limits{MaxFDs: 1024, MaxProcs: 64, MemoryBytes: 512 << 20, CPUPeriodUS: 100000}
	looser := Limits{MaxFDs: 4096, MaxProcs: 32, MemoryBytes: 0, PIDs: 100, CPUPeriodUS: 200000}

	got := base.Tighten(looser)
	want := Limits{MaxFDs: 1024, MaxProcs: 32, MemoryBytes: 512 << 20, PIDs: 100, CPUPeriodUS: 100000}
	if got != want {
		t.Errorf("Tighten() = %+v, want %+v", got, want)
	}
	if again := got.Tighten(looser); again != got {
		t.Errorf("Tighten() is not idempotent: %+v then %+v", got, again)
	}
}

func newTestCgroup(t *testing.T) (string, *Cgroup) {
	t.Helper()
	root := t.TempDir()
	cg, err := NewCgroup(root, "benchjail", "job-1", logging.Discard())
	if err != nil {
		t.Fatalf("NewCgroup: %v", err)
	}
	return root, cg
}

func readCgroupFile(t *testing.T, cg *Cgroup, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(cg.Path(), name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return string(data)
}

func TestCgroupApply(t *testing.T) {
	t.Parallel()

	root, cg := newTestCgroup(t)
	if want := filepath.Join(root, "benchjail", "job-1"); cg.Path() != want {
		t.Fatalf("Path() = %q, want %q", cg.Path(), want)
	}
	if err := os.WriteFile(filepath.Join(root, "cpuset.mems.effective"), []byte("0-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	limits := Limits{
		MaxFDs:      1024,
		MaxProcs:    64,
		MemoryBytes: 256 << 20,
		CPUQuotaUS:  50000,
		CPUPeriodUS: 100000,
		PIDs:        128,
		IOWeight:    200,
	}
	if err := cg.Apply(limits, "2-3"); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	want := map[string]string{
		"cpu.max":          "50000 100000",
		"memory.max":       "268435456",
		"memory.swap.max":  "0",
		"memory.oom.group": "1",
		"pids.max":         "128",
		"io.weight":        "default 200",
		"cpuset.cpus":      "2-3",
		"cpuset.mems":      "0-1",
	}
	for file, value := range want {
		if got := readCgroupFile(t, cg, file); got != value {
			t.Errorf("%s = %q, want %q", file, got, value)
		}
	}
	if got, err := os.ReadFile(filepath.Join(root, "benchjail", "cgroup.subtree_control")); err != nil || !strings.Contains(string(got), "+pids") {
		t.Errorf("controllers not delegated to the base cgroup: %q, %v", got, err)
	}
}

func TestCgroupPidsFallBackToMaxProcs(t *testing.T) {
	t.Parallel()

	_, cg := newTestCgroup(t)
	if err := cg.Apply(DefaultLimits(), ""); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := readCgroupFile(t, cg, "pids.max"); got != "64" {
		t.Errorf("pids.max = %q, want %q", got, "64")
	}
	if _, err := os.Stat(filepath.Join(cg.Path(), "cpu.max")); err == nil {
		t.Error("cpu.max written without a quota")
	}
}

func TestCgroupDuplicateID(t *testing.T) {
	t.Parallel()

	root, _ := newTestCgroup(t)
	if _, err := NewCgroup(root, "benchjail", "job-1", logging.Discard()); !IsKind(err, KindCgroup) {
		t.Fatalf("NewCgroup(duplicate) error = %v, want %s", err, KindCgroup)
	}
}

func TestCgroupRemove(t *testing.T) {
	t.Parallel()

	_, cg := newTestCgroup(t)
	if err := cg.Remove(context.Background()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(cg.Path()); !os.IsNotExist(err) {
		t.Fatalf("cgroup still present: %v", err)
	}
	if err := cg.Remove(context.Background()); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestCgroupProcs(t *testing.T) {
	t.Parallel()

	_, cg := newTestCgroup(t)
	if err := os.WriteFile(filepath.Join(cg.Path(), "cgroup.procs"), []byte("12\n34\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	pids, err := cg.Procs()
	if err != nil {
		t.Fatalf("Procs: %v", err)
	}
	if len(pids) != 2 || pids[0] != 12 || pids[1] != 34 {
		t.Errorf("Procs() = %v, want [12 34]", pids)
	}
}
