//go:build !linux

package initd

import (
	"fmt"
	"os"
)

// Main refuses to run: the init needs Linux mounts, wait4 and reboot.
func Main() int {
	fmt.Fprintln(os.Stderr, ErrUnsupportedPlatform)
	return 1
}
