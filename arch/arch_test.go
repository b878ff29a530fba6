package arch

import (
	"debug/elf"
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := map[string]Architecture{
		"amd64":   X86_64,
		" X86_64": X86_64,
		"arm64":   AArch64,
		"aarch64": AArch64,
		"386":     I686,
		"armhf":   ARMV7L,
		"sparc":   "",
	}
	for input, want := range tests {
		if got := Normalize(input); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestParseRejectsUnknown(t *testing.T) {
	t.Parallel()

	if _, err := Parse("vax"); err == nil {
		t.Fatal("Parse(vax) returned nil error")
	}
	got, err := Parse("amd64")
	if err != nil {
		t.Fatalf("Parse(amd64) error = %v", err)
	}
	if got.OCI() != "amd64" {
		t.Fatalf("OCI() = %q, want amd64", got.OCI())
	}
}

func TestCheckGuest(t *testing.T) {
	t.Parallel()

	if err := CheckGuest(X86_64, ""); err != nil {
		t.Fatalf("CheckGuest(empty guest) error = %v", err)
	}
	if err := CheckGuest(X86_64, X86_64); err != nil {
		t.Fatalf("CheckGuest(same) error = %v", err)
	}

	err := CheckGuest(X86_64, AArch64)
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("CheckGuest(x86_64, aarch64) error = %v, want *MismatchError", err)
	}
	if mismatch.Guest != AArch64 {
		t.Fatalf("mismatch guest = %q, want %q", mismatch.Guest, AArch64)
	}

	if err := CheckGuest(S390X, S390X); err == nil {
		t.Fatal("expected s390x guest to be rejected")
	}
}

func TestELFMachine(t *testing.T) {
	t.Parallel()

	if X86_64.ELFMachine() != elf.EM_X86_64 {
		t.Fatalf("x86_64 machine = %v", X86_64.ELFMachine())
	}
	if Architecture("bogus").ELFMachine() != elf.EM_NONE {
		t.Fatal("unknown architecture should map to EM_NONE")
	}
	if got := FromELFMachine(elf.EM_AARCH64); got != AArch64 {
		t.Fatalf("FromELFMachine(EM_AARCH64) = %q", got)
	}
	if got := FromELFMachine(elf.EM_MIPS); got != "" {
		t.Fatalf("FromELFMachine(EM_MIPS) = %q, want empty", got)
	}
}
