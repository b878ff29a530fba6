package arch

import (
	"debug/elf"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture is the canonical name of a CPU architecture as used by OCI
// image configs, kernels and hypervisors.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	AArch64 Architecture = "aarch64"
	I686    Architecture = "i686"
	ARMV7L  Architecture = "armv7l"
	PPC64LE Architecture = "ppc64le"
	S390X   Architecture = "s390x"
	RISCV64 Architecture = "riscv64"
)

// Supported returns the architectures a guest can be booted on with
// hardware virtualization.
func Supported() []Architecture {
	return []Architecture{
		X86_64,
		AArch64,
	}
}

// IsValid reports whether a is a recognised architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, AArch64, I686, ARMV7L, PPC64LE, S390X, RISCV64:
		return true
	default:
		return false
	}
}

// IsSupported reports whether a guest of this architecture can be booted.
func (a Architecture) IsSupported() bool {
	for _, s := range Supported() {
		if a == s {
			return true
		}
	}
	return false
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// OCI returns the architecture name used in OCI image configs and indexes.
func (a Architecture) OCI() string {
	switch a {
	case X86_64:
		return "amd64"
	case AArch64:
		return "arm64"
	case I686:
		return "386"
	case ARMV7L:
		return "arm"
	default:
		return string(a)
	}
}

// ELFMachine returns the ELF machine type of kernels built for a.
func (a Architecture) ELFMachine() elf.Machine {
	switch a {
	case X86_64:
		return elf.EM_X86_64
	case AArch64:
		return elf.EM_AARCH64
	case I686:
		return elf.EM_386
	case ARMV7L:
		return elf.EM_ARM
	case PPC64LE:
		return elf.EM_PPC64
	case S390X:
		return elf.EM_S390
	case RISCV64:
		return elf.EM_RISCV
	default:
		return elf.EM_NONE
	}
}

// FromELFMachine is the inverse of ELFMachine. It returns "" for machines
// no Architecture maps to.
func FromELFMachine(m elf.Machine) Architecture {
	for _, a := range []Architecture{X86_64, AArch64, I686, ARMV7L, PPC64LE, S390X, RISCV64} {
		if a.ELFMachine() == m {
			return a
		}
	}
	return ""
}

// Host returns the architecture of the running process.
func Host() Architecture {
	return Normalize(runtime.GOARCH)
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case string(AArch64), "arm64":
		return AArch64
	case "x86", "i386", "i486", "i586", string(I686), "386":
		return I686
	case string(ARMV7L), "arm", "armv7", "armhf":
		return ARMV7L
	case string(PPC64LE), "ppc64", "ppc64el":
		return PPC64LE
	case string(S390X):
		return S390X
	case string(RISCV64):
		return RISCV64
	default:
		return ""
	}
}

// MismatchError reports a guest that cannot run on the host without emulation.
type MismatchError struct {
	Host  Architecture
	Guest Architecture
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("guest architecture %s cannot run on %s host", e.Guest, e.Host)
}

// CheckGuest returns a *MismatchError unless guest can be virtualized on host.
// An empty guest architecture is treated as the host's.
func CheckGuest(host, guest Architecture) error {
	if guest == "" {
		guest = host
	}
	if host != guest || !guest.IsSupported() {
		return &MismatchError{Host: host, Guest: guest}
	}
	return nil
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
