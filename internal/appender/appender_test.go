package appender

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/movsoftware/silk-sub011/internal/flowrecord"
	"github.com/movsoftware/silk-sub011/internal/streamcache"
)

func writeIncremental(t *testing.T, dir, name string, hour int64, recs int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %v: %v", path, err)
	}
	defer f.Close()

	if err := flowrecord.WriteHeader(f, flowrecord.Header{
		Order: flowrecord.OrderBig,
		Packed: flowrecord.PackedFile{
			HourMs:     hour,
			FlowtypeID: 5,
			SensorID:   3,
		},
	}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	for i := 0; i < recs; i++ {
		rec := &flowrecord.Record{Src: net.ParseIP("1.2.3.4"), Dst: net.ParseIP("5.6.7.8")}
		if err := flowrecord.Encode(f, rec, flowrecord.OrderBig.Binary()); err != nil {
			t.Fatalf("encode record %d: %v", i, err)
		}
	}
	return path
}

func TestAppendOneCreatesDestAndRunsHourFileCommand(t *testing.T) {
	incomingDir := t.TempDir()
	destRoot := t.TempDir()
	marker := filepath.Join(t.TempDir(), "ran")

	src := writeIncremental(t, incomingDir, "a.silk", 0, 3)

	a := New(Config{
		IncomingDir:     incomingDir,
		DestRoot:        destRoot,
		NoLocking:       true,
		HourFileCommand: "touch " + marker,
	})

	if err := a.appendOne(src); err != nil {
		t.Fatalf("appendOne: %v", err)
	}

	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("hour-file-command marker not created: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("incremental file should have been disposed of, got err=%v", err)
	}

	key := streamcache.Key{FlowtypeID: 5, SensorID: 3, HourMs: 0}
	dest := filepath.Join(destRoot, a.cfg.Naming(key))
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("destination file not created: %v", err)
	}
}

func TestAppendOneAppendsSecondIncrementalOntoSameDest(t *testing.T) {
	incomingDir := t.TempDir()
	destRoot := t.TempDir()

	a := New(Config{IncomingDir: incomingDir, DestRoot: destRoot, NoLocking: true})

	src1 := writeIncremental(t, incomingDir, "a.silk", 0, 2)
	if err := a.appendOne(src1); err != nil {
		t.Fatalf("appendOne #1: %v", err)
	}

	src2 := writeIncremental(t, incomingDir, "b.silk", 0, 4)
	if err := a.appendOne(src2); err != nil {
		t.Fatalf("appendOne #2: %v", err)
	}

	key := streamcache.Key{FlowtypeID: 5, SensorID: 3, HourMs: 0}
	dest := filepath.Join(destRoot, a.cfg.Naming(key))

	f, err := os.Open(dest)
	if err != nil {
		t.Fatalf("open dest: %v", err)
	}
	defer f.Close()

	if _, err := flowrecord.ReadHeader(f); err != nil {
		t.Fatalf("read dest header: %v", err)
	}
	count := 0
	for {
		_, derr := flowrecord.Decode(f, flowrecord.OrderBig.Binary())
		if derr != nil {
			break
		}
		count++
	}
	if count != 6 {
		t.Fatalf("dest record count = %d, want 6 (2 + 4 appended)", count)
	}
}

func TestAppendOneSkipsSilentlyWhenIncrementalFileAlreadyLocked(t *testing.T) {
	incomingDir := t.TempDir()
	destRoot := t.TempDir()

	src := writeIncremental(t, incomingDir, "a.silk", 0, 1)

	held, err := os.OpenFile(src, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("open %v: %v", src, err)
	}
	defer held.Close()
	if err := lockExclusive(held); err != nil {
		t.Fatalf("lockExclusive: %v", err)
	}
	defer unlockExclusive(held)

	a := New(Config{IncomingDir: incomingDir, DestRoot: destRoot})

	err = a.appendOne(src)
	if err == nil {
		t.Fatalf("appendOne: want an error for a file locked by another process, got nil")
	}
	if !errors.Is(err, errIncrementalBusy) {
		t.Fatalf("appendOne: err = %v, want errIncrementalBusy", err)
	}
	if _, statErr := os.Stat(src); statErr != nil {
		t.Fatalf("locked file should be left in place, not disposed of: %v", statErr)
	}
}

func TestAppendOneSkipsSilentlyWhenIncrementalFileVanishes(t *testing.T) {
	incomingDir := t.TempDir()
	destRoot := t.TempDir()

	a := New(Config{IncomingDir: incomingDir, DestRoot: destRoot})

	err := a.appendOne(filepath.Join(incomingDir, "gone.silk"))
	if !errors.Is(err, errIncrementalBusy) {
		t.Fatalf("appendOne: err = %v, want errIncrementalBusy for a missing file", err)
	}
}

func TestAppendOneRejectsTooOldHour(t *testing.T) {
	incomingDir := t.TempDir()
	destRoot := t.TempDir()

	a := New(Config{
		IncomingDir:     incomingDir,
		DestRoot:        destRoot,
		NoLocking:       true,
		RejectHoursPast: 1,
	})

	src := writeIncremental(t, incomingDir, "old.silk", 0, 1) // hour 0 == epoch, far in the past
	if err := a.appendOne(src); err == nil {
		t.Fatalf("appendOne: want rejection for an out-of-window hour, got nil error")
	}
}
