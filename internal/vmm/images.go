package vmm

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cochaviz/benchjail/arch"
)

var (
	squashfsMagic = []byte("hsqs")
	// arm64 Image header, offset 56.
	arm64ImageMagic = []byte("ARM\x64")
)

const arm64MagicOffset = 56

// inspectKernel checks that path is a kernel the host can boot without
// emulation: an ELF vmlinux, or an arm64 Image.
func inspectKernel(path string, host arch.Architecture) error {
	f, err := os.Open(path)
	if err != nil {
		return newError(KindKernelLoad, "open kernel", err)
	}
	defer f.Close()

	var guestArch arch.Architecture
	ef, err := elf.NewFile(f)
	switch {
	case err == nil:
		defer ef.Close()
		if ef.Type != elf.ET_EXEC {
			return newError(KindKernelLoad, "inspect kernel", fmt.Errorf("%s is an ELF %s, want an executable vmlinux", path, ef.Type))
		}
		if guestArch = arch.FromELFMachine(ef.Machine); guestArch == "" {
			return newError(KindUnsupportedArch, "inspect kernel", fmt.Errorf("kernel machine %s", ef.Machine))
		}
	case isArm64Image(f):
		guestArch = arch.AArch64
	default:
		return newError(KindKernelLoad, "inspect kernel", fmt.Errorf("%s is not a vmlinux: %w", path, err))
	}
	if err := arch.CheckGuest(host, guestArch); err != nil {
		return newError(KindUnsupportedArch, "inspect kernel", err)
	}
	return nil
}

func isArm64Image(r io.ReaderAt) bool {
	magic := make([]byte, len(arm64ImageMagic))
	if _, err := r.ReadAt(magic, arm64MagicOffset); err != nil {
		return false
	}
	return bytes.Equal(magic, arm64ImageMagic)
}

// inspectRootfs checks that path is a squashfs image.
func inspectRootfs(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return newError(KindDevice, "open rootfs", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return newError(KindDevice, "stat rootfs", err)
	}
	if !info.Mode().IsRegular() {
		return newError(KindDevice, "inspect rootfs", fmt.Errorf("%s is not a regular file", path))
	}
	magic := make([]byte, len(squashfsMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = errors.New("file too short")
		}
		return newError(KindDevice, "inspect rootfs", fmt.Errorf("%s: %w", path, err))
	}
	if !bytes.Equal(magic, squashfsMagic) {
		return newError(KindDevice, "inspect rootfs", fmt.Errorf("%s is not a squashfs image", path))
	}
	return nil
}
