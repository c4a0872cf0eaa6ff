// Package disposition implements input-file disposal (C9, spec.md
// §4.9): archive-or-remove on success, route-to-error-dir on failure,
// and the optional post-archive command hook.
package disposition

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	log "github.com/movsoftware/silk-sub011/internal/minilog"
)

// Policy holds the configured directories/commands that govern how an
// input file is disposed of once fully read.
type Policy struct {
	ArchiveDir          string
	FlatArchive         bool
	ErrorDir            string
	PostArchiveCommand  string // shell template with a single %s
	Now                 func() time.Time
}

func (p *Policy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Dispose handles a successfully drained input file: archive (nested by
// UTC hour, or flat) if ArchiveDir is set, else unlink.
func (p *Policy) Dispose(path string) error {
	if p.ArchiveDir == "" {
		return os.Remove(path)
	}

	dest, err := p.archiveDest(path)
	if err != nil {
		return err
	}
	if err := moveFile(path, dest); err != nil {
		return fmt.Errorf("disposition: archive %v -> %v: %w", path, dest, err)
	}

	if p.PostArchiveCommand != "" {
		p.runPostArchive(dest)
	}
	return nil
}

func (p *Policy) archiveDest(path string) (string, error) {
	base := filepath.Base(path)
	if p.FlatArchive {
		return filepath.Join(p.ArchiveDir, base), nil
	}
	now := p.now().UTC()
	dir := filepath.Join(p.ArchiveDir,
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()),
		fmt.Sprintf("%02d", now.Hour()),
	)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("disposition: mkdir %v: %w", dir, err)
	}
	return filepath.Join(dir, base), nil
}

// runPostArchive spawns PostArchiveCommand with %s replaced by dest.
// Its exit status is logged; failures never propagate (spec.md §6).
func (p *Policy) runPostArchive(dest string) {
	cmdline := strings.Replace(p.PostArchiveCommand, "%s", dest, 1)
	cmd := exec.Command("/bin/sh", "-c", cmdline)
	if err := cmd.Run(); err != nil {
		log.Warn("disposition: post-archive-command %q: %v", cmdline, err)
		return
	}
	log.Debug("disposition: post-archive-command %q ok", cmdline)
}

// Fail routes a problem input file to ErrorDir, preserving its original
// basename; if ErrorDir is unset, the caller must treat this as fatal
// (spec.md §4.9: "else return error and abort the worker").
func (p *Policy) Fail(path string) error {
	if p.ErrorDir == "" {
		return fmt.Errorf("disposition: no error-directory configured for %v", path)
	}
	if err := os.MkdirAll(p.ErrorDir, 0755); err != nil {
		return fmt.Errorf("disposition: mkdir %v: %w", p.ErrorDir, err)
	}
	dest := filepath.Join(p.ErrorDir, filepath.Base(path))
	if err := moveFile(path, dest); err != nil {
		return fmt.Errorf("disposition: route to error dir %v -> %v: %w", path, dest, err)
	}
	return nil
}

// moveFile renames src to dst, falling back to copy-then-unlink across
// filesystem boundaries (spec.md §4.9: "tolerates cross-device renames").
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) {
		return err
	}

	in, oerr := os.Open(src)
	if oerr != nil {
		return fmt.Errorf("cross-device move: open src: %w", oerr)
	}
	defer in.Close()

	out, cerr := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if cerr != nil {
		return fmt.Errorf("cross-device move: create dst: %w", cerr)
	}
	if _, cerr := io.Copy(out, in); cerr != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("cross-device move: copy: %w", cerr)
	}
	if cerr := out.Close(); cerr != nil {
		os.Remove(dst)
		return fmt.Errorf("cross-device move: close dst: %w", cerr)
	}
	return os.Remove(src)
}
