package setup

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cochaviz/benchjail/internal/logging"
)

func writeProc(t *testing.T, root, rel, value string) {
	t.Helper()
	p := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(value+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readyProber(t *testing.T) Prober {
	t.Helper()
	root := t.TempDir()
	writeProc(t, root, "proc/sys/user/max_user_namespaces", "63431")
	return Prober{
		Root:     root,
		LookPath: func(file string) (string, error) { return "/usr/bin/" + file, nil },
		ProbeKVM: func(string) error { return nil },
		CgroupV2: func(string) (bool, error) { return true, nil },
	}
}

func checkNamed(t *testing.T, r Report, name string) Check {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("report has no %q check: %+v", name, r.Checks)
	return Check{}
}

func TestReadyHost(t *testing.T) {
	SetLogger(logging.Discard())
	t.Cleanup(func() { SetLogger(nil) })

	p := readyProber(t)
	p.UserNamespace = true
	r := p.Run()
	if !r.OK() {
		t.Fatalf("Run() failed checks: %+v", r.Failed())
	}
	if got := checkNamed(t, r, "firecracker").Detail; got != "/usr/bin/firecracker" {
		t.Errorf("firecracker detail = %q, want %q", got, "/usr/bin/firecracker")
	}
	if err := Verify(p); err != nil {
		t.Errorf("Verify() = %v", err)
	}
}

func TestMissingPrerequisites(t *testing.T) {
	t.Parallel()

	p := readyProber(t)
	p.ProbeKVM = func(string) error { return errors.New("open /dev/kvm: no such file or directory") }
	p.CgroupV2 = func(string) (bool, error) { return false, nil }
	p.LookPath = func(file string) (string, error) {
		if file == "mksquashfs" {
			return "", errors.New(`exec: "mksquashfs": executable file not found in $PATH`)
		}
		return "/usr/bin/" + file, nil
	}

	r := p.Run()
	var names []string
	for _, c := range r.Failed() {
		names = append(names, c.Name)
	}
	if got, want := strings.Join(names, ","), "kvm,cgroup2,mksquashfs"; got != want {
		t.Errorf("failed checks = %q, want %q", got, want)
	}
	err := Verify(p)
	if err == nil || !strings.Contains(err.Error(), "/dev/kvm") {
		t.Errorf("Verify() = %v, want the kvm failure named", err)
	}
}

func TestLibvirtSkipsFirecracker(t *testing.T) {
	t.Parallel()

	p := readyProber(t)
	p.Libvirt = true
	p.LookPath = func(file string) (string, error) {
		if file == "firecracker" {
			t.Error("firecracker looked up for a libvirt host")
		}
		return "/usr/bin/" + file, nil
	}
	if r := p.Run(); !r.OK() {
		t.Errorf("Run() failed checks: %+v", r.Failed())
	}
}

func TestUserNamespaces(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		files    map[string]string
		required bool
		wantOK   bool
	}{
		{name: "enabled", files: map[string]string{"proc/sys/user/max_user_namespaces": "100"}, required: true, wantOK: true},
		{name: "clone switch off", files: map[string]string{
			"proc/sys/user/max_user_namespaces":         "100",
			"proc/sys/kernel/unprivileged_userns_clone": "0",
		}, required: true},
		{name: "zero limit", files: map[string]string{"proc/sys/user/max_user_namespaces": "0"}, required: true},
		{name: "unsupported", files: nil, required: true},
		{name: "not needed", files: nil, wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := readyProber(t)
			p.Root = t.TempDir()
			for rel, v := range tt.files {
				writeProc(t, p.Root, rel, v)
			}
			p.UserNamespace = tt.required
			if got := p.Run().OK(); got != tt.wantOK {
				t.Errorf("Run().OK() = %v, want %v", got, tt.wantOK)
			}
		})
	}
}
