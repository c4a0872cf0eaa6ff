package appender

import (
	"os"
	"syscall"
)

// lockExclusive/lockExclusiveNB/unlockExclusive take advisory flock()s on
// an already-open file, mirroring internal/opener's lockFile.
// lockExclusiveNB is used on the incoming incremental file: a non-blocking
// attempt so a file another appender process already holds is skipped
// rather than stalling the worker (spec.md §4.10 step 2). lockExclusive
// stays blocking for the destination file, whose contention is already
// serialized in-process by the LockSet in appender.go; flock there only
// needs to keep out a second appender process, not fail fast.
func lockExclusive(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
}

func lockExclusiveNB(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

func unlockExclusive(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
