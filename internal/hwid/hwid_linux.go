//go:build linux

package hwid

import (
	"os"
	"path/filepath"
	"runtime"
)

var machineIDPaths = []string{"/var/lib/dbus/machine-id", "/etc/machine-id"}

// Default returns the linux provider. Android has no readable machine-id,
// so the identifier lives in the data directory instead.
func Default() Provider {
	if runtime.GOOS == "android" {
		return ProviderFunc(func() (string, error) {
			dir := os.Getenv("LOCI_DATA_DIR")
			if dir == "" {
				return "", ErrUnsupported
			}
			return firstFile(filepath.Join(dir, "machine_id.txt"))
		})
	}
	return ProviderFunc(func() (string, error) { return firstFile(machineIDPaths...) })
}
