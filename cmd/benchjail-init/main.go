// Command benchjail-init is PID 1 inside a benchjail guest.
package main

import (
	"os"

	"github.com/cochaviz/benchjail/internal/guest/initd"
)

func main() {
	os.Exit(initd.Main())
}
