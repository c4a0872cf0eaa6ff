package admission

import (
	proc "github.com/c9s/goprocinfo/linux"

	log "github.com/movsoftware/silk-sub011/internal/minilog"
)

// CheckRlimit reads /proc/self/limits (mirroring src/minimega/proc.go's
// use of github.com/c9s/goprocinfo to read process statistics) and logs a
// warning, without failing startup, if the admission controller's max
// concurrent opens plus the stream cache's own max_open_count would
// exceed the process' soft open-file-descriptor limit.
//
// This makes the file-cache-size option (spec.md §6) actionable: a
// daemon configured to open more files than the OS allows would
// otherwise fail opaquely, file by file, once the limit is hit.
func CheckRlimit(admissionMax, cacheOpenMax int) {
	limits, err := proc.ReadProcessLimits("/proc/self/limits")
	if err != nil {
		log.Debug("admission: could not read /proc/self/limits: %v", err)
		return
	}

	soft := limits.MaxOpenFiles.Soft
	want := uint64(admissionMax + cacheOpenMax)

	// A handful of descriptors are always in use for stdio, listening
	// sockets, and log files; leave headroom rather than alarming right
	// at the boundary.
	const headroom = 16

	if soft != 0 && soft < want+headroom {
		log.Warn("admission: soft RLIMIT_NOFILE=%d may be too low for admission-max=%d + cache-open-max=%d (+%d headroom); raise ulimit -n or lower file-cache-size",
			soft, admissionMax, cacheOpenMax, headroom)
	}
}
