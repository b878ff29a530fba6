package rootfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// DefaultMksquashfs is looked up on PATH.
const DefaultMksquashfs = "mksquashfs"

// Compressions accepted by mksquashfs -comp.
var Compressions = []string{"gzip", "lzo", "lz4", "xz", "zstd", "lzma"}

func validCompression(c string) bool {
	for _, v := range Compressions {
		if v == c {
			return true
		}
	}
	return false
}

// squashfsArgs pins everything that would otherwise vary between two packs
// of the same tree: timestamps, ownership and xattrs.
func squashfsArgs(dir, out, compression string) []string {
	return []string{
		dir, out,
		"-noappend",
		"-comp", compression,
		"-all-root",
		"-no-xattrs",
		"-mkfs-time", "0",
		"-all-time", "0",
		"-no-progress",
		"-quiet",
	}
}

// pack runs mksquashfs over dir. On failure the tool's combined output is
// kept on the returned error.
func pack(ctx context.Context, tool, dir, out, compression string) error {
	if tool == "" {
		tool = DefaultMksquashfs
	}
	bin, err := exec.LookPath(tool)
	if err != nil {
		return &Error{Kind: KindSquashfs, Path: tool, Err: err}
	}
	if !validCompression(compression) {
		return &Error{Kind: KindConfig, Err: fmt.Errorf("unknown squashfs compression %q (want one of %s)", compression, strings.Join(Compressions, ", "))}
	}
	if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &Error{Kind: KindIO, Path: out, Err: err}
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, squashfsArgs(dir, out, compression)...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		_ = os.Remove(out)
		if ctx.Err() != nil {
			err = errors.Join(ctx.Err(), err)
		}
		return &Error{Kind: KindSquashfs, Path: out, Output: strings.TrimSpace(output.String()), Err: err}
	}
	return nil
}
