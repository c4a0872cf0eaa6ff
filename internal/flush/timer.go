// Package flush implements the flush/move timer (C8, spec.md §4.8): a
// periodic task that drains the stream cache according to the active
// output mode, plus the startup restart-recovery sweep for staged
// modes.
package flush

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/movsoftware/silk-sub011/internal/minilog"
	"github.com/movsoftware/silk-sub011/internal/streamcache"
)

// Mode selects which of the three output-mode behaviors the timer runs.
type Mode int

const (
	ModeDirect Mode = iota
	ModeIncrementalFiles
	ModeSending
)

// Timer periodically drains Cache per spec.md §4.8.
type Timer struct {
	Cache    *streamcache.Cache
	Mode     Mode
	Interval time.Duration // flush-timeout, default 120s

	// IncrementalDir is the working directory for ModeIncrementalFiles
	// and ModeSending; SenderDir is additionally required for
	// ModeSending.
	IncrementalDir string
	SenderDir      string

	Shutdown *int32
}

func NewTimer(cache *streamcache.Cache, mode Mode) *Timer {
	return &Timer{Cache: cache, Mode: mode, Interval: 120 * time.Second}
}

// Run blocks, firing Tick every Interval until *t.Shutdown is set.
func (t *Timer) Run() {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for range ticker.C {
		if atomic.LoadInt32(t.Shutdown) != 0 {
			return
		}
		t.Tick()
	}
}

// Tick performs exactly one flush/move pass.
func (t *Timer) Tick() {
	switch t.Mode {
	case ModeDirect:
		deltas := t.Cache.Flush()
		for _, d := range deltas {
			log.Debug("flush: %v +%d records", d.Filename, d.Records)
		}

	case ModeIncrementalFiles:
		deltas := t.Cache.Close()
		for _, d := range deltas {
			if err := t.resolveIncremental(d.Filename); err != nil {
				log.Warn("flush: resolve %v: %v", d.Filename, err)
			}
		}

	case ModeSending:
		deltas := t.Cache.Close()
		for _, d := range deltas {
			if err := t.resolveSending(d.Filename); err != nil {
				log.Warn("flush: resolve %v: %v", d.Filename, err)
			}
		}
	}
}

// resolveIncremental renames the working file onto its placeholder, per
// spec.md §4.8's incremental-files rule. Failure leaves the pair as-is
// on disk; Tick has already dropped the cache entry, so a later tick does
// not retry it and only the restart-recovery sweep (RecoverIncomplete)
// picks it up.
func (t *Timer) resolveIncremental(workingPath string) error {
	placeholder := placeholderFor(workingPath)
	if placeholder == "" {
		return fmt.Errorf("working path %q is not dot-prefixed", filepath.Base(workingPath))
	}
	return os.Rename(workingPath, placeholder)
}

// resolveSending moves the working file into SenderDir under its own
// basename (with a fresh suffix on collision) and unlinks the
// placeholder, per spec.md §4.8's sending rule.
func (t *Timer) resolveSending(workingPath string) error {
	base := strings.TrimPrefix(filepath.Base(workingPath), ".")
	dest := filepath.Join(t.SenderDir, base)

	if _, err := os.Stat(dest); err == nil {
		f, err := os.CreateTemp(t.SenderDir, base+".*")
		if err != nil {
			return fmt.Errorf("collision suffix for %v: %w", base, err)
		}
		dest = f.Name()
		f.Close()
		os.Remove(dest) // reclaim the name for the real rename below
	}

	if err := os.Rename(workingPath, dest); err != nil {
		return fmt.Errorf("move to sender dir: %w", err)
	}

	placeholder := placeholderFor(workingPath)
	if placeholder != "" {
		os.Remove(placeholder)
	}
	return nil
}

func placeholderFor(workingPath string) string {
	dir := filepath.Dir(workingPath)
	base := filepath.Base(workingPath)
	if !strings.HasPrefix(base, ".") {
		return ""
	}
	return filepath.Join(dir, strings.TrimPrefix(base, "."))
}

// RecoverIncomplete performs the startup restart-recovery sweep
// (spec.md §4.8): any (placeholder, working) pair left over from an
// unclean shutdown — placeholder present and zero-byte, working file
// present and non-empty — is moved exactly as the active output mode's
// timer rule would.
func RecoverIncomplete(dir string, mode Mode, senderDir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("flush: recovery sweep %v: %w", dir, err)
	}

	placeholders := make(map[string]bool)
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			info, err := e.Info()
			if err == nil && info.Size() == 0 {
				placeholders[e.Name()] = true
			}
		}
	}

	t := &Timer{Mode: mode, IncrementalDir: dir, SenderDir: senderDir}

	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			continue
		}
		base := strings.TrimPrefix(e.Name(), ".")
		if !placeholders[base] {
			continue
		}
		working := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil || info.Size() == 0 {
			continue
		}

		var rerr error
		if mode == ModeSending {
			rerr = t.resolveSending(working)
		} else {
			rerr = t.resolveIncremental(working)
		}
		if rerr != nil {
			log.Warn("flush: recovery sweep: %v: %v", working, rerr)
		}
	}
	return nil
}
