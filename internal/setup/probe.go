package setup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cochaviz/benchjail/internal/jailer"
	"github.com/cochaviz/benchjail/internal/vmm"
)

// Check is the outcome of one prerequisite.
type Check struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Detail   string `json:"detail,omitempty"`
	Required bool   `json:"required"`
}

type Report struct {
	Checks []Check `json:"checks"`
}

// Failed returns the required checks that did not pass.
func (r Report) Failed() []Check {
	var failed []Check
	for _, c := range r.Checks {
		if c.Required && !c.OK {
			failed = append(failed, c)
		}
	}
	return failed
}

func (r Report) OK() bool { return len(r.Failed()) == 0 }

// Prober describes what the host is expected to provide. Zero fields take
// the production defaults.
type Prober struct {
	// Root prefixes the procfs paths read, "/" on a real host.
	Root          string
	KVMDevice     string
	CgroupRoot    string
	Firecracker   string
	Mksquashfs    string
	UserNamespace bool
	// Libvirt skips the firecracker check.
	Libvirt bool

	LookPath func(file string) (string, error)
	ProbeKVM func(device string) error
	CgroupV2 func(root string) (bool, error)
}

func (p Prober) withDefaults() Prober {
	if p.Root == "" {
		p.Root = "/"
	}
	if p.KVMDevice == "" {
		p.KVMDevice = vmm.DefaultKVMDevice
	}
	if p.CgroupRoot == "" {
		p.CgroupRoot = "/sys/fs/cgroup"
	}
	if p.Firecracker == "" {
		p.Firecracker = vmm.DefaultFirecrackerBinary
	}
	if p.Mksquashfs == "" {
		p.Mksquashfs = "mksquashfs"
	}
	if p.LookPath == nil {
		p.LookPath = exec.LookPath
	}
	if p.ProbeKVM == nil {
		p.ProbeKVM = vmm.ProbeKVM
	}
	if p.CgroupV2 == nil {
		p.CgroupV2 = jailer.CgroupV2Available
	}
	return p
}

// Run performs every check. It never stops early, so the report lists all
// missing prerequisites at once.
func (p Prober) Run() Report {
	p = p.withDefaults()
	logger := getLogger()

	var r Report
	add := func(c Check) {
		logger.Debug("host check", "name", c.Name, "ok", c.OK, "detail", c.Detail)
		r.Checks = append(r.Checks, c)
	}

	kvm := Check{Name: "kvm", Required: true, OK: true, Detail: p.KVMDevice}
	if err := p.ProbeKVM(p.KVMDevice); err != nil {
		kvm.OK, kvm.Detail = false, err.Error()
	}
	add(kvm)

	cg := Check{Name: "cgroup2", Required: true, Detail: p.CgroupRoot}
	switch ok, err := p.CgroupV2(p.CgroupRoot); {
	case err != nil:
		cg.Detail = err.Error()
	case !ok:
		cg.Detail = p.CgroupRoot + " is not a cgroup2 mount"
	default:
		cg.OK = true
	}
	add(cg)

	add(p.binary("mksquashfs", p.Mksquashfs))
	if !p.Libvirt {
		add(p.binary("firecracker", p.Firecracker))
	}

	userns := Check{Name: "user_namespaces", Required: p.UserNamespace}
	userns.OK, userns.Detail = usernsEnabled(p.Root)
	add(userns)
	return r
}

func (p Prober) binary(name, file string) Check {
	path, err := p.LookPath(file)
	if err != nil {
		return Check{Name: name, Required: true, Detail: err.Error()}
	}
	return Check{Name: name, Required: true, OK: true, Detail: path}
}

// usernsEnabled reads the Debian style switch where present and the
// namespace limit otherwise.
func usernsEnabled(root string) (bool, string) {
	if v, err := readProcInt(root, "proc/sys/kernel/unprivileged_userns_clone"); err == nil && v == 0 {
		return false, "kernel.unprivileged_userns_clone is 0"
	}
	v, err := readProcInt(root, "proc/sys/user/max_user_namespaces")
	switch {
	case errors.Is(err, os.ErrNotExist):
		return false, "kernel has no user namespace support"
	case err != nil:
		return false, err.Error()
	case v == 0:
		return false, "user.max_user_namespaces is 0"
	}
	return true, fmt.Sprintf("max_user_namespaces=%d", v)
}

func readProcInt(root, rel string) (int, error) {
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// Verify runs p and fails when a required check did not pass.
func Verify(p Prober) error {
	failed := p.Run().Failed()
	if len(failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(failed))
	for _, c := range failed {
		errs = append(errs, fmt.Errorf("%s: %s", c.Name, c.Detail))
	}
	return fmt.Errorf("host is not ready: %w", errors.Join(errs...))
}
