package disposition

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestDisposeRemovesWhenNoArchiveDir(t *testing.T) {
	dir := t.TempDir()
	src := writeTemp(t, dir, "in.dat", "x")

	p := &Policy{}
	if err := p.Dispose(src); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("expected %v removed, stat err = %v", src, err)
	}
}

func TestDisposeArchivesNestedByHour(t *testing.T) {
	dir := t.TempDir()
	archive := t.TempDir()
	src := writeTemp(t, dir, "in.dat", "x")

	fixed := time.Date(2026, 7, 30, 14, 0, 0, 0, time.UTC)
	p := &Policy{ArchiveDir: archive, Now: func() time.Time { return fixed }}
	if err := p.Dispose(src); err != nil {
		t.Fatalf("Dispose: %v", err)
	}

	want := filepath.Join(archive, "2026", "07", "30", "14", "in.dat")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected archived file at %v: %v", want, err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("expected source removed after archive, stat err = %v", err)
	}
}

func TestDisposeFlatArchive(t *testing.T) {
	dir := t.TempDir()
	archive := t.TempDir()
	src := writeTemp(t, dir, "in.dat", "x")

	p := &Policy{ArchiveDir: archive, FlatArchive: true}
	if err := p.Dispose(src); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	want := filepath.Join(archive, "in.dat")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected flat archived file at %v: %v", want, err)
	}
}

func TestDisposeRunsPostArchiveCommandWithoutFailingOnError(t *testing.T) {
	dir := t.TempDir()
	archive := t.TempDir()
	marker := filepath.Join(dir, "marker")
	src := writeTemp(t, dir, "in.dat", "x")

	p := &Policy{
		ArchiveDir:         archive,
		FlatArchive:        true,
		PostArchiveCommand: "touch " + marker + " && %s",
	}
	if err := p.Dispose(src); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("expected post-archive-command to run: %v", err)
	}
}

func TestFailRoutesToErrorDir(t *testing.T) {
	dir := t.TempDir()
	errDir := t.TempDir()
	src := writeTemp(t, dir, "bad.dat", "x")

	p := &Policy{ErrorDir: errDir}
	if err := p.Fail(src); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	want := filepath.Join(errDir, "bad.dat")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected %v present: %v", want, err)
	}
}

func TestFailWithoutErrorDirReturnsError(t *testing.T) {
	dir := t.TempDir()
	src := writeTemp(t, dir, "bad.dat", "x")

	p := &Policy{}
	if err := p.Fail(src); err == nil {
		t.Fatalf("Fail: want error with no ErrorDir configured, got nil")
	}
}
