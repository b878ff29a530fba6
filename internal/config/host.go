// Package config loads the host configuration and job files.
//
// The host configuration is a YAML file read with viper. Every key can be
// overridden from the environment: "vm.timeout" is BENCHJAIL_VM_TIMEOUT.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/cochaviz/benchjail/internal/jailer"
	"github.com/cochaviz/benchjail/internal/tuning"
)

const (
	DefaultPath        = "/etc/benchjail/config.yaml"
	EnvPrefix          = "BENCHJAIL"
	BackendFirecracker = "firecracker"
	BackendLibvirt     = "libvirt"
	StoreLocal         = "local"
	StoreS3            = "s3"
)

type Host struct {
	CacheDir string `mapstructure:"cache_dir"`
	JailBase string `mapstructure:"jail_base"`
	// RetainDir keeps console logs of jobs that did not complete. Empty
	// disables retention.
	RetainDir   string `mapstructure:"retain_dir"`
	Kernel      string `mapstructure:"kernel"`
	Cmdline     string `mapstructure:"kernel_cmdline"`
	InitBinary  string `mapstructure:"init_binary"`
	KVMDevice   string `mapstructure:"kvm_device"`
	Backend     string `mapstructure:"backend"`
	Concurrency int    `mapstructure:"concurrency"`
	// RequireAuthenticated fails jobs whose results were recovered from
	// the serial console.
	RequireAuthenticated bool `mapstructure:"require_authenticated"`

	VM          VM          `mapstructure:"vm"`
	Firecracker Firecracker `mapstructure:"firecracker"`
	Libvirt     Libvirt     `mapstructure:"libvirt"`
	Store       Store       `mapstructure:"store"`
	Rootfs      Rootfs      `mapstructure:"rootfs"`
	Jail        Jail        `mapstructure:"jail"`
	Tuning      Tuning      `mapstructure:"tuning"`
}

type VM struct {
	VCPUs        int           `mapstructure:"vcpus"`
	Memory       string        `mapstructure:"memory"`
	Timeout      time.Duration `mapstructure:"timeout"`
	BootTimeout  time.Duration `mapstructure:"boot_timeout"`
	CollectGrace time.Duration `mapstructure:"collect_grace"`
	MaxOutput    string        `mapstructure:"max_output_size"`
}

type Firecracker struct {
	Binary string `mapstructure:"binary"`
}

type Libvirt struct {
	URI string `mapstructure:"uri"`
}

type Store struct {
	Backend   string `mapstructure:"backend"`
	LocalRoot string `mapstructure:"local_root"`
	S3        S3     `mapstructure:"s3"`
}

type S3 struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Prefix          string `mapstructure:"prefix"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

type Rootfs struct {
	Compression string `mapstructure:"compression"`
	Mksquashfs  string `mapstructure:"mksquashfs"`
}

type Jail struct {
	UID           uint32 `mapstructure:"uid"`
	GID           uint32 `mapstructure:"gid"`
	UserNamespace bool   `mapstructure:"user_namespace"`
	CgroupRoot    string `mapstructure:"cgroup_root"`
	CgroupBase    string `mapstructure:"cgroup_base"`
	MaxFDs        uint64 `mapstructure:"max_fds"`
	MaxProcs      uint64 `mapstructure:"max_procs"`
	MaxFileSize   string `mapstructure:"max_file_size"`
	MemoryMax     string `mapstructure:"memory_max"`
	CPUQuotaUS    uint64 `mapstructure:"cpu_quota_us"`
	CPUPeriodUS   uint64 `mapstructure:"cpu_period_us"`
	PIDs          uint64 `mapstructure:"pids_max"`
	IOWeight      uint64 `mapstructure:"io_weight"`
}

type Tuning struct {
	Enabled            bool   `mapstructure:"enabled"`
	DisableASLR        bool   `mapstructure:"disable_aslr"`
	DisableNMIWatchdog bool   `mapstructure:"disable_nmi_watchdog"`
	Swappiness         int    `mapstructure:"swappiness"`
	PerfEventParanoid  int    `mapstructure:"perf_event_paranoid"`
	Governor           string `mapstructure:"governor"`
	DisableSMT         bool   `mapstructure:"disable_smt"`
	DisableTurbo       bool   `mapstructure:"disable_turbo"`
	// IsolateCPUs pins jails to the benchmark cores.
	IsolateCPUs bool `mapstructure:"isolate_cpus"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache_dir", "/var/cache/benchjail/oci")
	v.SetDefault("jail_base", "/tmp/benchjail")
	v.SetDefault("retain_dir", "")
	v.SetDefault("kernel", "/var/lib/benchjail/vmlinux")
	v.SetDefault("kernel_cmdline", "console=ttyS0 reboot=k panic=1 pci=off")
	v.SetDefault("init_binary", "/usr/libexec/benchjail/benchjail-init")
	v.SetDefault("kvm_device", "/dev/kvm")
	v.SetDefault("backend", BackendFirecracker)
	v.SetDefault("concurrency", 1)
	v.SetDefault("require_authenticated", false)

	v.SetDefault("vm.vcpus", 1)
	v.SetDefault("vm.memory", "512MiB")
	v.SetDefault("vm.timeout", 300*time.Second)
	v.SetDefault("vm.boot_timeout", 5*time.Second)
	v.SetDefault("vm.collect_grace", 2*time.Second)
	v.SetDefault("vm.max_output_size", "25MiB")

	v.SetDefault("firecracker.binary", "firecracker")
	v.SetDefault("libvirt.uri", "qemu:///system")

	v.SetDefault("store.backend", StoreLocal)
	v.SetDefault("store.local_root", "/var/lib/benchjail/images")
	v.SetDefault("store.s3.bucket", "")
	v.SetDefault("store.s3.region", "")
	v.SetDefault("store.s3.endpoint", "")
	v.SetDefault("store.s3.prefix", "")
	v.SetDefault("store.s3.profile", "")
	v.SetDefault("store.s3.access_key_id", "")
	v.SetDefault("store.s3.secret_access_key", "")
	v.SetDefault("store.s3.force_path_style", false)

	v.SetDefault("rootfs.compression", "zstd")
	v.SetDefault("rootfs.mksquashfs", "mksquashfs")

	v.SetDefault("jail.uid", 65534)
	v.SetDefault("jail.gid", 65534)
	v.SetDefault("jail.user_namespace", false)
	v.SetDefault("jail.cgroup_root", "/sys/fs/cgroup")
	v.SetDefault("jail.cgroup_base", "benchjail")
	v.SetDefault("jail.max_fds", jailer.DefaultMaxFDs)
	v.SetDefault("jail.max_procs", jailer.DefaultMaxProcs)
	v.SetDefault("jail.max_file_size", "")
	v.SetDefault("jail.memory_max", "")
	v.SetDefault("jail.cpu_quota_us", 0)
	v.SetDefault("jail.cpu_period_us", jailer.DefaultCPUPeriodUS)
	v.SetDefault("jail.pids_max", 0)
	v.SetDefault("jail.io_weight", 0)

	v.SetDefault("tuning.enabled", false)
	v.SetDefault("tuning.disable_aslr", true)
	v.SetDefault("tuning.disable_nmi_watchdog", true)
	v.SetDefault("tuning.swappiness", tuning.DefaultSwappiness)
	v.SetDefault("tuning.perf_event_paranoid", tuning.DefaultPerfEventParanoid)
	v.SetDefault("tuning.governor", tuning.DefaultGovernor)
	v.SetDefault("tuning.disable_smt", false)
	v.SetDefault("tuning.disable_turbo", true)
	v.SetDefault("tuning.isolate_cpus", true)
}

// Load reads path, or DefaultPath when path is empty. A missing default
// file leaves the defaults in place; a missing explicit file is an error.
func Load(path string) (*Host, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)
		if explicit || !missing {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var h Host
	if err := v.Unmarshal(&h); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &h, nil
}

func (h *Host) Validate() error {
	switch h.Backend {
	case BackendFirecracker, BackendLibvirt:
	default:
		return fmt.Errorf("unknown backend %q", h.Backend)
	}
	switch h.Store.Backend {
	case StoreLocal:
		if h.Store.LocalRoot == "" {
			return errors.New("store.local_root is required for the local store")
		}
	case StoreS3:
		if h.Store.S3.Bucket == "" {
			return errors.New("store.s3.bucket is required for the s3 store")
		}
	default:
		return fmt.Errorf("unknown store backend %q", h.Store.Backend)
	}
	if h.Concurrency < 1 {
		return fmt.Errorf("concurrency %d must be at least 1", h.Concurrency)
	}
	if h.VM.VCPUs < 1 {
		return fmt.Errorf("vm.vcpus %d must be at least 1", h.VM.VCPUs)
	}
	if h.VM.Timeout <= 0 {
		return fmt.Errorf("vm.timeout %s must be positive", h.VM.Timeout)
	}
	if h.VM.BootTimeout < 0 || h.VM.CollectGrace < 0 {
		return errors.New("vm durations must not be negative")
	}
	if _, err := h.MemoryMiB(); err != nil {
		return err
	}
	if _, err := h.MaxOutputSize(); err != nil {
		return err
	}
	limits, err := h.Limits()
	if err != nil {
		return err
	}
	if err := limits.Validate(); err != nil {
		return fmt.Errorf("jail limits: %w", err)
	}
	if h.Tuning.Enabled {
		if err := h.TuningConfig().Validate(); err != nil {
			return fmt.Errorf("tuning: %w", err)
		}
	}
	return nil
}

// MemoryMiB is the default guest memory.
func (h *Host) MemoryMiB() (int, error) {
	return ParseMemoryMiB(h.VM.Memory)
}

// MaxOutputSize bounds the output collected from one job.
func (h *Host) MaxOutputSize() (int64, error) {
	n, err := parseSize("vm.max_output_size", h.VM.MaxOutput)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("vm.max_output_size must be positive")
	}
	return n, nil
}

// Limits is the host ceiling every job's limits are tightened against.
func (h *Host) Limits() (jailer.Limits, error) {
	fileSize, err := parseSize("jail.max_file_size", h.Jail.MaxFileSize)
	if err != nil {
		return jailer.Limits{}, err
	}
	memory, err := parseSize("jail.memory_max", h.Jail.MemoryMax)
	if err != nil {
		return jailer.Limits{}, err
	}
	return jailer.Limits{
		MaxFDs:      h.Jail.MaxFDs,
		MaxProcs:    h.Jail.MaxProcs,
		MaxFileSize: uint64(fileSize),
		MemoryBytes: uint64(memory),
		CPUQuotaUS:  h.Jail.CPUQuotaUS,
		CPUPeriodUS: h.Jail.CPUPeriodUS,
		PIDs:        h.Jail.PIDs,
		IOWeight:    h.Jail.IOWeight,
	}, nil
}

func (h *Host) Namespaces() jailer.Namespaces {
	ns := jailer.DefaultNamespaces()
	ns.User = h.Jail.UserNamespace
	return ns
}

func (h *Host) TuningConfig() tuning.Config {
	swap, paranoid := h.Tuning.Swappiness, h.Tuning.PerfEventParanoid
	return tuning.Config{
		DisableASLR:        h.Tuning.DisableASLR,
		DisableNMIWatchdog: h.Tuning.DisableNMIWatchdog,
		Swappiness:         &swap,
		PerfEventParanoid:  &paranoid,
		Governor:           h.Tuning.Governor,
		DisableSMT:         h.Tuning.DisableSMT,
		DisableTurbo:       h.Tuning.DisableTurbo,
	}
}

// ParseMemoryMiB parses a human memory size ("512MiB", "1g") into whole
// MiB. Bare numbers are MiB.
func ParseMemoryMiB(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("memory size is empty")
	}
	if isDigits(s) {
		s += "MiB"
	}
	n, err := units.RAMInBytes(withByteSuffix(s))
	if err != nil {
		return 0, fmt.Errorf("parse memory %q: %w", s, err)
	}
	if n <= 0 || n%units.MiB != 0 {
		return 0, fmt.Errorf("memory %q is not a positive number of MiB", s)
	}
	return int(n / units.MiB), nil
}

// parseSize parses a human size where empty means zero. Binary and decimal
// suffixes are both accepted, "25MB" is 25 * 1000 * 1000.
func parseSize(key, s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	var (
		n   int64
		err error
	)
	if strings.Contains(strings.ToLower(s), "i") {
		n, err = units.RAMInBytes(withByteSuffix(s))
	} else {
		n, err = units.FromHumanSize(s)
	}
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", key, s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s %q is negative", key, s)
	}
	return n, nil
}

// withByteSuffix completes a bare binary prefix ("4Ki") to the "4KiB" form
// go-units expects.
func withByteSuffix(s string) string {
	if strings.HasSuffix(s, "i") || strings.HasSuffix(s, "I") {
		return s + "B"
	}
	return s
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
