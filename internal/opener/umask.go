//go:build linux || darwin

package opener

import "syscall"

// umask0022 installs the reference system's creation umask (spec.md
// §4.6.1 step 2) and returns the previous value to restore.
func umask0022() int {
	return syscall.Umask(0022)
}

func restoreUmask(old int) {
	syscall.Umask(old)
}
